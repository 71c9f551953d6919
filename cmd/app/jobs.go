package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"leadhub/internal/retention"
)

func newProcessQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-queue",
		Short: "Drain one batch of the webhook queue and print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.queue.ProcessBatch(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

func newCleanupLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-logs",
		Short: "Delete webhook audit rows older than LOG_RETENTION",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := retention.NewCleaner(a.repo, a.cfg.LogRetention, a.cfg.RetentionInterval, a.logger, a.metrics).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("removed %d webhook log rows\n", n)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("database migrated", "driver", a.cfg.DatabaseDriver)
			return nil
		},
	}
}
