// Package experiment turns a validated configuration document into the
// concrete artifacts a run needs: a unique results directory and the
// resolved keyword arguments handed to the external framework's
// launcher.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/esquires/rl-gear/internal/compose"
	"github.com/esquires/rl-gear/internal/config"
)

// LogDir resolves the results directory for a run:
// <prefix>/<exp_group>/<config-stem>/<exp-name>_<timestamp>_<id>.
// The first prefix whose directory already exists wins; prefixes may use
// "~". The directory is created before returning.
func LogDir(cfg config.LogConfig, configPath, expName string, now time.Time) (string, error) {
	prefix, err := selectPrefix(cfg.Prefixes)
	if err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	id := uuid.NewString()[:8]
	dir := filepath.Join(prefix, cfg.ExpGroup, stem,
		fmt.Sprintf("%s_%s_%s", expName, now.Format("20060102_150405"), id))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("experiment: creating log dir %s: %w", dir, err)
	}
	return dir, nil
}

func selectPrefix(prefixes []string) (string, error) {
	var tried []string
	for _, p := range prefixes {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return "", fmt.Errorf("experiment: expanding prefix %s: %w", p, err)
		}
		if info, err := os.Stat(expanded); err == nil && info.IsDir() {
			return expanded, nil
		}
		tried = append(tried, expanded)
	}
	return "", fmt.Errorf("experiment: no log prefix exists, tried: %s", strings.Join(tried, ", "))
}

// maxWorkers is the rollout-worker budget on this machine: one CPU is
// reserved for the trainer process.
func maxWorkers() int {
	if n := runtime.NumCPU() - 1; n > 0 {
		return n
	}
	return 1
}

// BuildRunArgs assembles the launcher's run kwargs. Machine defaults are
// laid down first, the document's tune kwargs blocks are merged on top
// in their declared order, and CLI overrides land last. The merge runs
// over the raw composed tree so a block only overrides the keys it
// actually sets.
func BuildRunArgs(cfg *config.Config, tree map[string]any,
	overrides map[string]any, logger *zap.Logger) (*config.TuneKwargs, error) {

	merged := map[string]any{
		"config": map[string]any{
			"log_level":   "INFO",
			"num_workers": maxWorkers(),
			"num_gpus":    0,
		},
	}

	rllibTree, _ := tree["rllib"].(map[string]any)
	for _, name := range cfg.RLlib.BlockNames() {
		blockTree, ok := rllibTree[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("experiment: tune kwargs block %q is not a mapping", name)
		}
		merged = compose.Merge(merged, blockTree)
	}

	if len(overrides) > 0 {
		merged = compose.Merge(merged, overrides)
	}

	var kwargs config.TuneKwargs
	if err := compose.Decode(merged, &kwargs); err != nil {
		return nil, err
	}

	// Lift the convenience stop criterion when the block did not set one.
	if cfg.RLlib.TimestepsTotal > 0 {
		if kwargs.Stop == nil {
			kwargs.Stop = map[string]float64{}
		}
		if _, ok := kwargs.Stop["timesteps_total"]; !ok {
			kwargs.Stop["timesteps_total"] = float64(cfg.RLlib.TimestepsTotal)
		}
	}

	if budget := maxWorkers(); kwargs.Config.NumWorkers > budget {
		logger.Warn("num_workers set too high for this machine, clamping",
			zap.Int("requested", kwargs.Config.NumWorkers),
			zap.Int("clamped", budget))
		kwargs.Config.NumWorkers = budget
	}

	if err := kwargs.Validate(); err != nil {
		return nil, fmt.Errorf("experiment: resolved run kwargs invalid: %w", err)
	}
	return &kwargs, nil
}

// WriteResolved writes the fully resolved run kwargs next to the run's
// logs so the external launcher (and a later reader) sees exactly what
// was requested.
func WriteResolved(dir string, kwargs *config.TuneKwargs) (string, error) {
	raw, err := yaml.Marshal(kwargs)
	if err != nil {
		return "", fmt.Errorf("experiment: encoding resolved config: %w", err)
	}
	path := filepath.Join(dir, "resolved_config.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("experiment: writing %s: %w", path, err)
	}
	return path, nil
}
