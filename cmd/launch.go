package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/esquires/rl-gear/internal/compose"
	"github.com/esquires/rl-gear/internal/config"
	"github.com/esquires/rl-gear/internal/experiment"
	"github.com/esquires/rl-gear/internal/meta"
	"github.com/esquires/rl-gear/internal/observability"
)

// newLaunchCmd creates the `launch` command: compose the experiment
// document, create the run directory, capture metadata, and write the
// resolved run kwargs for the external launcher.
func newLaunchCmd() *cobra.Command {
	var (
		overridesJSON string
		searchDirs    []string
		skipMeta      bool
	)

	launchCmd := &cobra.Command{
		Use:   "launch <config.yaml> <exp-name>",
		Short: "Prepare a training run from an experiment document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			configPath, expName := args[0], args[1]

			tree, files, err := compose.Load(configPath, searchDirs)
			if err != nil {
				return err
			}

			cfg, err := decodeConfig(tree)
			if err != nil {
				return err
			}

			var overrides map[string]any
			if overridesJSON != "" {
				if err := jsoniter.UnmarshalFromString(overridesJSON, &overrides); err != nil {
					return fmt.Errorf("parsing --overrides: %w", err)
				}
			}

			runDir, err := experiment.LogDir(cfg.Log, configPath, expName, time.Now())
			if err != nil {
				return err
			}
			logger.Info("created run directory", zap.String("dir", runDir))

			if !skipMeta {
				writer := &meta.Writer{
					Repos:  metaRepos(cfg, logger),
					Files:  files,
					Logger: logger,
				}
				if err := writer.Write(runDir); err != nil {
					return err
				}
			}

			kwargs, err := experiment.BuildRunArgs(cfg, tree, overrides, logger)
			if err != nil {
				return err
			}
			resolved, err := experiment.WriteResolved(runDir, kwargs)
			if err != nil {
				return err
			}
			logger.Info("wrote resolved run kwargs",
				zap.String("path", resolved),
				zap.String("run_or_experiment", kwargs.RunOrExperiment),
				zap.String("env", kwargs.Config.Env))

			// The run directory is the command's output contract.
			fmt.Fprintln(cmd.OutOrStdout(), runDir)
			return nil
		},
	}

	launchCmd.Flags().StringVar(&overridesJSON, "overrides", "",
		"JSON object merged onto the resolved run kwargs, e.g. '{\"resume\": true}'")
	launchCmd.Flags().StringArrayVar(&searchDirs, "search-dir", nil,
		"additional directory for resolving __import__ entries (repeatable)")
	launchCmd.Flags().BoolVar(&skipMeta, "skip-meta", false,
		"skip source-control metadata capture")
	return launchCmd
}

// decodeConfig applies document defaults and validates the composed tree.
func decodeConfig(tree map[string]any) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	if err := v.MergeConfigMap(tree); err != nil {
		return nil, fmt.Errorf("merging composed document: %w", err)
	}
	return config.NewConfigFromViper(v)
}

// metaRepos returns the repositories to snapshot: the working directory
// when it is inside one, plus every configured repo. A configured repo
// that cannot be opened fails later in the writer; the implicit cwd is
// merely skipped.
func metaRepos(cfg *config.Config, logger *zap.Logger) []string {
	var repos []string
	if cwd, err := os.Getwd(); err == nil {
		if _, err := git.PlainOpenWithOptions(cwd, &git.PlainOpenOptions{DetectDotGit: true}); err == nil {
			repos = append(repos, cwd)
		} else {
			logger.Warn("working directory is not a git repository, skipping its snapshot",
				zap.String("cwd", cwd))
		}
	}
	return append(repos, cfg.GitRepos...)
}
