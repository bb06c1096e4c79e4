package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esquires/rl-gear/internal/observability"
	"github.com/esquires/rl-gear/internal/progress"
)

// newMonitorCmd creates the `monitor` command: follow a running trial's
// result log and report its metrics live. Stops on interrupt.
func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <trial-dir|result.json>",
		Short: "Follow a trial's training log and report metrics live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			path := args[0]
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, progress.ResultFile)
			}

			records, err := progress.Follow(cmd.Context(), path)
			if err != nil {
				return err
			}
			logger.Info("following trial log", zap.String("path", path))

			for rec := range records {
				logger.Info("progress",
					zap.Int("iter", rec.TrainingIteration),
					zap.Int64("timesteps_total", rec.TimestepsTotal),
					zap.Float64("episode_reward_mean", rec.EpisodeRewardMean),
					zap.Float64("episode_reward_min", rec.EpisodeRewardMin),
					zap.Float64("episode_reward_max", rec.EpisodeRewardMax))
			}
			return nil
		},
	}
}
