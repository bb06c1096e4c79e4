package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esquires/rl-gear/internal/observability"
	"github.com/esquires/rl-gear/internal/plotting"
	"github.com/esquires/rl-gear/internal/progress"
)

// newPlotCmd creates the `plot` command: summarize the trials of an
// experiment directory into a percentile-banded learning curve.
func newPlotCmd() *cobra.Command {
	var (
		metric string
		lo, hi float64
		out    string
		title  string
	)

	plotCmd := &cobra.Command{
		Use:   "plot <exp-dir>",
		Short: "Render percentile-banded training curves from trial logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			expDir := args[0]

			trialDirs, err := progress.Trials(expDir)
			if err != nil {
				return err
			}
			logger.Info("loading trials", zap.Int("count", len(trialDirs)))

			trials, err := plotting.LoadTrials(cmd.Context(), trialDirs)
			if err != nil {
				return err
			}

			band, err := plotting.ComputeBand(trials, metric, lo, hi)
			if err != nil {
				return err
			}

			if title == "" {
				title = fmt.Sprintf("%s (%d trials)", metric, len(trials))
			}
			if err := plotting.Render(band, title, out); err != nil {
				return err
			}
			logger.Info("wrote plot", zap.String("path", out))
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	plotCmd.Flags().StringVar(&metric, "metric", "episode_reward_mean", "metric to plot")
	plotCmd.Flags().Float64Var(&lo, "lo", 25, "lower percentile of the band")
	plotCmd.Flags().Float64Var(&hi, "hi", 75, "upper percentile of the band")
	plotCmd.Flags().StringVar(&out, "out", "curve.png", "output image path")
	plotCmd.Flags().StringVar(&title, "title", "", "plot title")
	return plotCmd
}
