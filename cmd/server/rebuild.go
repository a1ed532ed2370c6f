package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-views",
		Short: "Replay the event log and rewrite every request view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = a.close(closeCtx)
			}()

			start := time.Now()
			n, err := a.outbox.Rebuild(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("views rebuilt", "requests", n, "duration", time.Since(start))
			return nil
		},
	}
}
