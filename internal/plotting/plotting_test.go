package plotting

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esquires/rl-gear/internal/progress"
)

func recordsAt(steps []int64, rewards []float64) []progress.Record {
	records := make([]progress.Record, len(steps))
	for i := range steps {
		records[i] = progress.Record{
			TrainingIteration: i + 1,
			TimestepsTotal:    steps[i],
			EpisodeRewardMean: rewards[i],
		}
	}
	return records
}

func TestComputeBandSingleTrial(t *testing.T) {
	trials := [][]progress.Record{
		recordsAt([]int64{1000, 2000, 3000}, []float64{10, 20, 30}),
	}

	band, err := ComputeBand(trials, "episode_reward_mean", 25, 75)
	require.NoError(t, err)

	assert.Equal(t, []float64{1000, 2000, 3000}, band.Steps)
	// With one trial every percentile collapses onto the data.
	assert.Equal(t, []float64{10, 20, 30}, band.Median)
	assert.Equal(t, band.Median, band.Lower)
	assert.Equal(t, band.Median, band.Upper)
}

func TestComputeBandAlignsMismatchedGrids(t *testing.T) {
	trials := [][]progress.Record{
		recordsAt([]int64{1000, 3000}, []float64{10, 30}),
		recordsAt([]int64{2000, 4000}, []float64{20, 40}),
	}

	band, err := ComputeBand(trials, "episode_reward_mean", 0, 100)
	require.NoError(t, err)

	// Union grid; the first point only has trial 0's data.
	assert.Equal(t, []float64{1000, 2000, 3000, 4000}, band.Steps)

	// At 2000: trial 0 holds at 10 (step interpolation), trial 1 is 20.
	assert.Equal(t, 10.0, band.Lower[1])
	assert.Equal(t, 20.0, band.Upper[1])

	// At 3000: trial 0 reaches 30, trial 1 still 20.
	assert.Equal(t, 20.0, band.Lower[2])
	assert.Equal(t, 30.0, band.Upper[2])
}

func TestComputeBandOrderingInvariant(t *testing.T) {
	trials := [][]progress.Record{
		recordsAt([]int64{1000, 2000}, []float64{1, 2}),
		recordsAt([]int64{1000, 2000}, []float64{3, 4}),
		recordsAt([]int64{1000, 2000}, []float64{5, 6}),
	}

	band, err := ComputeBand(trials, "episode_reward_mean", 10, 90)
	require.NoError(t, err)
	for i := range band.Steps {
		assert.LessOrEqual(t, band.Lower[i], band.Median[i])
		assert.LessOrEqual(t, band.Median[i], band.Upper[i])
	}
}

func TestComputeBandBadPercentiles(t *testing.T) {
	trials := [][]progress.Record{recordsAt([]int64{1}, []float64{1})}

	_, err := ComputeBand(trials, "episode_reward_mean", 75, 25)
	require.Error(t, err)
	_, err = ComputeBand(trials, "episode_reward_mean", -5, 50)
	require.Error(t, err)
}

func TestComputeBandUnknownMetric(t *testing.T) {
	trials := [][]progress.Record{recordsAt([]int64{1}, []float64{1})}

	_, err := ComputeBand(trials, "no_such_metric", 25, 75)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_metric")
}

func TestLoadTrials(t *testing.T) {
	expDir := t.TempDir()
	var dirs []string
	for _, name := range []string{"t0", "t1"} {
		dir := filepath.Join(expDir, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, progress.ResultFile),
			[]byte("{\"training_iteration\": 1, \"timesteps_total\": 100, \"episode_reward_mean\": 2.0}\n"), 0o644))
		dirs = append(dirs, dir)
	}

	trials, err := LoadTrials(context.Background(), dirs)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Equal(t, int64(100), trials[0][0].TimestepsTotal)
}

func TestRenderWritesPNG(t *testing.T) {
	band := Band{
		Metric: "episode_reward_mean",
		Lo:     25, Hi: 75,
		Steps:  []float64{1000, 2000, 3000},
		Lower:  []float64{5, 15, 25},
		Median: []float64{10, 20, 30},
		Upper:  []float64{15, 25, 35},
	}

	out := filepath.Join(t.TempDir(), "curve.png")
	require.NoError(t, Render(band, "CartPole PPO", out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
