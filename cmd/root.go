package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/esquires/rl-gear/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "rl-gear",
	Short: "Experiment management glue for RLlib-style training runs",
	Long: `rl-gear composes YAML experiment documents, captures the metadata
needed to reproduce a run, and post-processes training logs into
percentile-banded learning curves. The training itself belongs to the
external framework; rl-gear only prepares and records runs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Runs before any command, setting up tool config and logging.
		var logCfg observability.Config
		if err := viper.UnmarshalKey("logger", &logCfg); err != nil {
			return fmt.Errorf("failed to unmarshal logger config: %w", err)
		}
		observability.InitializeLogger(logCfg)
		return nil
	},
}

// Execute runs the root command with a signal-aware context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.max_size", 100)
	viper.SetDefault("logger.max_backups", 5)
	viper.SetDefault("logger.max_age", 30)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this rotating file")
	_ = viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logger.log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	viper.SetEnvPrefix("RLGEAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newLaunchCmd())
	rootCmd.AddCommand(newMetaCmd())
	rootCmd.AddCommand(newPlotCmd())
	rootCmd.AddCommand(newMonitorCmd())
}
