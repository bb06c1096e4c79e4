// Package progress reads the training logs the external framework
// writes into each trial directory: a result.json file with one JSON
// object per training iteration.
package progress

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
)

// ResultFile is the per-trial training log appended to by the external
// framework, one JSON object per line.
const ResultFile = "result.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one training iteration's worth of metrics. Fields the
// framework writes but this tool does not consume are ignored.
type Record struct {
	TrainingIteration int     `json:"training_iteration"`
	TimestepsTotal    int64   `json:"timesteps_total"`
	EpisodeRewardMean float64 `json:"episode_reward_mean"`
	EpisodeRewardMin  float64 `json:"episode_reward_min"`
	EpisodeRewardMax  float64 `json:"episode_reward_max"`
	EpisodesThisIter  int     `json:"episodes_this_iter"`
}

// Metric returns the named metric from a record. The names match the
// keys the framework uses in its stop conditions.
func (r Record) Metric(name string) (float64, bool) {
	switch name {
	case "episode_reward_mean":
		return r.EpisodeRewardMean, true
	case "episode_reward_min":
		return r.EpisodeRewardMin, true
	case "episode_reward_max":
		return r.EpisodeRewardMax, true
	case "timesteps_total":
		return float64(r.TimestepsTotal), true
	default:
		return 0, false
	}
}

// ReadTrial parses a trial's result.json. Blank lines are skipped, and
// early iterations whose reward is still NaN (no episode finished yet)
// are dropped. A malformed line is an error: a truncated log should be
// surfaced, not silently averaged over.
func ReadTrial(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("progress: opening %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, ok, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("progress: %s:%d: %w", path, lineNo, err)
		}
		if ok {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("progress: reading %s: %w", path, err)
	}
	return records, nil
}

func decodeLine(line []byte) (Record, bool, error) {
	// The framework serializes with Python's json module, which emits
	// bare NaN/Infinity tokens for iterations with no finished episode.
	// Those are not valid JSON; map them to null and drop the record.
	sanitized, nonFinite := sanitizeNonFinite(line)
	var rec Record
	if err := json.Unmarshal(sanitized, &rec); err != nil {
		return Record{}, false, err
	}
	if nonFinite || math.IsNaN(rec.EpisodeRewardMean) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

var (
	nanToken    = []byte("NaN")
	infToken    = []byte("Infinity")
	negInfToken = []byte("-Infinity")
	nullToken   = []byte("null")
)

// sanitizeNonFinite replaces bare NaN, Infinity, and -Infinity value
// tokens with null, leaving string contents untouched. The second
// return reports whether any replacement happened.
func sanitizeNonFinite(line []byte) ([]byte, bool) {
	if !bytes.Contains(line, nanToken) && !bytes.Contains(line, infToken) {
		return line, false
	}
	out := make([]byte, 0, len(line))
	replaced := false
	inString := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			if c == '\\' && i+1 < len(line) {
				out = append(out, c, line[i+1])
				i++
				continue
			}
			if c == '"' {
				inString = false
			}
			out = append(out, c)
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == 'N' && bytes.HasPrefix(line[i:], nanToken):
			out = append(out, nullToken...)
			i += len(nanToken) - 1
			replaced = true
		case c == '-' && bytes.HasPrefix(line[i:], negInfToken):
			out = append(out, nullToken...)
			i += len(negInfToken) - 1
			replaced = true
		case c == 'I' && bytes.HasPrefix(line[i:], infToken):
			out = append(out, nullToken...)
			i += len(infToken) - 1
			replaced = true
		default:
			out = append(out, c)
		}
	}
	return out, replaced
}

// Trials discovers the trial directories under an experiment directory,
// i.e. every subdirectory (or the directory itself) containing a
// result.json. Paths are returned sorted for stable plot legends.
func Trials(expDir string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(expDir, ResultFile)); err == nil {
		return []string{expDir}, nil
	}

	entries, err := os.ReadDir(expDir)
	if err != nil {
		return nil, fmt.Errorf("progress: listing %s: %w", expDir, err)
	}

	var trials []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(expDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ResultFile)); err == nil {
			trials = append(trials, dir)
		}
	}
	if len(trials) == 0 {
		return nil, fmt.Errorf("progress: no trial with %s found under %s", ResultFile, expDir)
	}
	sort.Strings(trials)
	return trials, nil
}

// Follow tails a trial's result.json and delivers records as the
// framework appends them. The channel closes when ctx is cancelled or
// the file is removed. Lines that fail to decode are skipped: a live
// log's final line is routinely half-written.
func Follow(ctx context.Context, path string) (<-chan Record, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("progress: tailing %s: %w", path, err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}
				if line.Err != nil || len(line.Text) == 0 {
					continue
				}
				rec, keep, err := decodeLine([]byte(line.Text))
				if err != nil || !keep {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
