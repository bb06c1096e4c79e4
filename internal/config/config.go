package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level experiment document. It is purely declarative:
// it is parsed once, validated, and handed to the external training
// framework's launcher. Nothing in this repository mutates it afterwards.
type Config struct {
	Log      LogConfig   `mapstructure:"log" yaml:"log"`
	GitRepos []string    `mapstructure:"git_repos" yaml:"git_repos"`
	RLlib    RLlibConfig `mapstructure:"rllib" yaml:"rllib"`
}

// LogConfig controls where experiment results are rooted. The first
// prefix whose directory exists on this machine is selected, which lets
// the same document run on a workstation and a cluster without edits.
type LogConfig struct {
	Prefixes []string `mapstructure:"prefixes" yaml:"prefixes"`
	ExpGroup string   `mapstructure:"exp_group" yaml:"exp_group"`
}

// RLlibConfig names the tune kwargs blocks to merge (in order) and holds
// the blocks themselves.
type RLlibConfig struct {
	TuneKwargsBlocks string                `mapstructure:"tune_kwargs_blocks" yaml:"tune_kwargs_blocks"`
	Blocks           map[string]TuneKwargs `mapstructure:",remain" yaml:",inline"`

	// TimestepsTotal is a convenience stop criterion. When set and the
	// merged block does not define stop.timesteps_total itself, it is
	// lifted into the stop mapping at launch time.
	TimestepsTotal int64 `mapstructure:"timesteps_total" yaml:"timesteps_total,omitempty"`
}

// TuneKwargs mirrors the keyword arguments accepted by the external
// framework's run invocation. These key names are the launcher's public
// contract and must not be renamed.
type TuneKwargs struct {
	RunOrExperiment    string             `mapstructure:"run_or_experiment" yaml:"run_or_experiment"`
	CheckpointFreq     int                `mapstructure:"checkpoint_freq" yaml:"checkpoint_freq"`
	KeepCheckpointsNum int                `mapstructure:"keep_checkpoints_num" yaml:"keep_checkpoints_num"`
	CheckpointAtEnd    bool               `mapstructure:"checkpoint_at_end" yaml:"checkpoint_at_end"`
	Resume             bool               `mapstructure:"resume" yaml:"resume"`
	MaxFailures        int                `mapstructure:"max_failures" yaml:"max_failures"`
	Restore            *string            `mapstructure:"restore" yaml:"restore"`
	Stop               map[string]float64 `mapstructure:"stop" yaml:"stop"`
	Config             AlgoConfig         `mapstructure:"config" yaml:"config"`
}

// AlgoConfig is the nested algorithm configuration passed through to the
// training algorithm. Hyperparameters this repository does not model are
// carried in Extra so they survive the round trip untouched.
type AlgoConfig struct {
	Env               string      `mapstructure:"env" yaml:"env"`
	Gamma             float64     `mapstructure:"gamma" yaml:"gamma"`
	LR                float64     `mapstructure:"lr" yaml:"lr"`
	NumWorkers        int         `mapstructure:"num_workers" yaml:"num_workers"`
	NumGPUs           int         `mapstructure:"num_gpus" yaml:"num_gpus"`
	ObservationFilter string      `mapstructure:"observation_filter" yaml:"observation_filter"`
	Model             ModelConfig `mapstructure:"model" yaml:"model"`

	Extra map[string]any `mapstructure:",remain" yaml:",inline"`
}

// ModelConfig describes the network shape handed to the framework's
// model catalog.
type ModelConfig struct {
	FcnetHiddens    []int  `mapstructure:"fcnet_hiddens" yaml:"fcnet_hiddens"`
	FcnetActivation string `mapstructure:"fcnet_activation" yaml:"fcnet_activation"`
	CustomModel     string `mapstructure:"custom_model" yaml:"custom_model,omitempty"`
}

// SetDefaults initializes default values for the experiment document.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.prefixes", []string{"~/ray_results"})
	v.SetDefault("log.exp_group", "default")
	v.SetDefault("rllib.tune_kwargs_blocks", "common_params")
}

// NewConfigFromViper unmarshals and validates an experiment document.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the document for required fields and sane values.
func (c *Config) Validate() error {
	if len(c.Log.Prefixes) == 0 {
		return fmt.Errorf("log.prefixes must name at least one results prefix")
	}
	if c.Log.ExpGroup == "" {
		return fmt.Errorf("log.exp_group is a required configuration field")
	}
	if c.RLlib.TimestepsTotal < 0 {
		return fmt.Errorf("rllib.timesteps_total must be non-negative")
	}
	// Blocks merge in order and a later block may set only the keys it
	// overrides, so individual blocks are checked structurally here.
	// The merged result is validated when the run kwargs are built.
	for _, name := range c.RLlib.BlockNames() {
		if _, ok := c.RLlib.Blocks[name]; !ok {
			return fmt.Errorf("tune_kwargs_blocks names unknown block %q", name)
		}
	}
	return nil
}

// Validate checks fully merged run kwargs. The launcher rejects
// non-positive checkpoint cadence and negative retention outright.
func (t *TuneKwargs) Validate() error {
	if t.CheckpointFreq <= 0 {
		return fmt.Errorf("checkpoint_freq must be a positive integer")
	}
	if t.KeepCheckpointsNum < 0 {
		return fmt.Errorf("keep_checkpoints_num must be non-negative")
	}
	if t.MaxFailures < 0 {
		return fmt.Errorf("max_failures must be non-negative")
	}
	for metric, threshold := range t.Stop {
		if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
			return fmt.Errorf("stop.%s threshold must be finite", metric)
		}
	}
	return t.Config.Validate()
}

// Validate checks the nested algorithm configuration.
func (a *AlgoConfig) Validate() error {
	if a.Env == "" {
		return fmt.Errorf("config.env is a required configuration field")
	}
	if a.Gamma <= 0 || a.Gamma > 1 {
		return fmt.Errorf("config.gamma must be in (0, 1]")
	}
	if a.LR <= 0 {
		return fmt.Errorf("config.lr must be positive")
	}
	if a.NumWorkers < 0 {
		return fmt.Errorf("config.num_workers must be non-negative")
	}
	if a.NumGPUs < 0 {
		return fmt.Errorf("config.num_gpus must be non-negative")
	}
	for _, width := range a.Model.FcnetHiddens {
		if width <= 0 {
			return fmt.Errorf("model.fcnet_hiddens widths must be positive")
		}
	}
	return nil
}

// BlockNames splits tune_kwargs_blocks into its ordered block names.
func (r *RLlibConfig) BlockNames() []string {
	var names []string
	for _, name := range strings.Split(r.TuneKwargsBlocks, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
