// Package plotting renders training curves across the trials of an
// experiment as a median line inside a shaded percentile band.
package plotting

import (
	"context"
	"fmt"
	"image/color"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/esquires/rl-gear/internal/progress"
)

// Band holds a metric summarized across trials on a common timestep
// grid: the median and a lower/upper percentile envelope.
type Band struct {
	Metric string
	Lo, Hi float64

	Steps  []float64
	Lower  []float64
	Median []float64
	Upper  []float64
}

// LoadTrials reads each trial's result.json concurrently.
func LoadTrials(ctx context.Context, trialDirs []string) ([][]progress.Record, error) {
	trials := make([][]progress.Record, len(trialDirs))
	g, _ := errgroup.WithContext(ctx)
	for i, dir := range trialDirs {
		i, dir := i, dir
		g.Go(func() error {
			records, err := progress.ReadTrial(filepath.Join(dir, progress.ResultFile))
			if err != nil {
				return err
			}
			trials[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return trials, nil
}

// ComputeBand aligns the trials onto the union of their timestep grids
// (step interpolation: a trial's value at step t is its most recent
// record at or before t) and takes empirical percentiles per grid
// point. lo and hi are percentiles in [0, 100] with lo < hi.
func ComputeBand(trials [][]progress.Record, metric string, lo, hi float64) (Band, error) {
	if lo < 0 || hi > 100 || lo >= hi {
		return Band{}, fmt.Errorf("plotting: percentiles must satisfy 0 <= lo < hi <= 100, got %v/%v", lo, hi)
	}

	series := make([]trialSeries, 0, len(trials))
	gridSet := map[int64]bool{}
	for i, records := range trials {
		s, err := newTrialSeries(records, metric)
		if err != nil {
			return Band{}, fmt.Errorf("plotting: trial %d: %w", i, err)
		}
		series = append(series, s)
		for _, step := range s.steps {
			gridSet[step] = true
		}
	}
	if len(series) == 0 {
		return Band{}, fmt.Errorf("plotting: no trials to summarize")
	}

	grid := make([]int64, 0, len(gridSet))
	for step := range gridSet {
		grid = append(grid, step)
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i] < grid[j] })

	band := Band{Metric: metric, Lo: lo, Hi: hi}
	for _, step := range grid {
		var values []float64
		for _, s := range series {
			if v, ok := s.at(step); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		band.Steps = append(band.Steps, float64(step))
		band.Lower = append(band.Lower, stat.Quantile(lo/100, stat.Empirical, values, nil))
		band.Median = append(band.Median, stat.Quantile(0.5, stat.Empirical, values, nil))
		band.Upper = append(band.Upper, stat.Quantile(hi/100, stat.Empirical, values, nil))
	}
	if len(band.Steps) == 0 {
		return Band{}, fmt.Errorf("plotting: trials contain no %s data", metric)
	}
	return band, nil
}

type trialSeries struct {
	steps  []int64
	values []float64
}

func newTrialSeries(records []progress.Record, metric string) (trialSeries, error) {
	var s trialSeries
	for _, rec := range records {
		v, ok := rec.Metric(metric)
		if !ok {
			return trialSeries{}, fmt.Errorf("unknown metric %q", metric)
		}
		s.steps = append(s.steps, rec.TimestepsTotal)
		s.values = append(s.values, v)
	}
	return s, nil
}

// at returns the most recent value at or before step.
func (s trialSeries) at(step int64) (float64, bool) {
	idx := sort.Search(len(s.steps), func(i int) bool { return s.steps[i] > step })
	if idx == 0 {
		return 0, false
	}
	return s.values[idx-1], true
}

// Render draws the band to a PNG: shaded percentile envelope with the
// median line on top.
func Render(band Band, title, out string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Timesteps"
	p.Y.Label.Text = band.Metric
	p.Legend.Top = true

	poly, err := plotter.NewPolygon(envelope(band))
	if err != nil {
		return fmt.Errorf("plotting: building band polygon: %w", err)
	}
	poly.Color = color.NRGBA{R: 100, G: 149, B: 237, A: 80}
	poly.LineStyle.Width = 0
	p.Add(poly)

	median := make(plotter.XYs, len(band.Steps))
	for i := range band.Steps {
		median[i] = plotter.XY{X: band.Steps[i], Y: band.Median[i]}
	}
	line, err := plotter.NewLine(median)
	if err != nil {
		return fmt.Errorf("plotting: building median line: %w", err)
	}
	line.Color = plotutil.Color(0)
	p.Add(line)
	p.Legend.Add(fmt.Sprintf("median (p%.0f-p%.0f band)", band.Lo, band.Hi), line)

	if err := p.Save(8*vg.Inch, 6*vg.Inch, out); err != nil {
		return fmt.Errorf("plotting: saving %s: %w", out, err)
	}
	return nil
}

// envelope walks forward along the upper percentile and back along the
// lower one, closing the band polygon.
func envelope(band Band) plotter.XYs {
	n := len(band.Steps)
	xys := make(plotter.XYs, 0, 2*n)
	for i := 0; i < n; i++ {
		xys = append(xys, plotter.XY{X: band.Steps[i], Y: band.Upper[i]})
	}
	for i := n - 1; i >= 0; i-- {
		xys = append(xys, plotter.XY{X: band.Steps[i], Y: band.Lower[i]})
	}
	return xys
}
