package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esquires/rl-gear/internal/meta"
	"github.com/esquires/rl-gear/internal/observability"
)

// newMetaCmd creates the `meta` command: standalone reproducibility
// capture, useful when a run was started outside of `launch`.
func newMetaCmd() *cobra.Command {
	var repos []string

	metaCmd := &cobra.Command{
		Use:   "meta <out-dir>",
		Short: "Capture source-control and dependency state into <out-dir>/meta",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(repos) == 0 {
				return fmt.Errorf("at least one --repo is required")
			}
			logger := observability.GetLogger()

			writer := &meta.Writer{Repos: repos, Logger: logger}
			if err := writer.Write(args[0]); err != nil {
				return err
			}
			logger.Info("captured metadata",
				zap.String("dir", args[0]), zap.Int("repos", len(repos)))
			return nil
		},
	}

	metaCmd.Flags().StringArrayVar(&repos, "repo", nil,
		"repository to snapshot (repeatable)")
	return metaCmd
}
