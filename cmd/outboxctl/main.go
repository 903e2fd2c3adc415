// Command outboxctl is an administrative CLI for an outbox deployment:
// listing failed records, requeueing or deleting them, and reporting
// record and instance counts by status (section 7's "operators handle
// FAILED records via administrative deletion/re-queueing").
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/storepg"
)

var dbConfig storepg.Config

var rootCmd = &cobra.Command{
	Use:   "outboxctl",
	Short: "Administer an outbox deployment",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbConfig.Host, "db-host", "localhost", "Postgres host")
	rootCmd.PersistentFlags().IntVar(&dbConfig.Port, "db-port", 5432, "Postgres port")
	rootCmd.PersistentFlags().StringVar(&dbConfig.User, "db-user", "outbox", "Postgres user")
	rootCmd.PersistentFlags().StringVar(&dbConfig.Password, "db-password", "", "Postgres password")
	rootCmd.PersistentFlags().StringVar(&dbConfig.Name, "db-name", "outbox", "Postgres database name")

	if val := os.Getenv("OUTBOXCTL_DB_PASSWORD"); val != "" {
		dbConfig.Password = val
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*storepg.RecordStore, *storepg.InstanceRegistry, error) {
	pool, err := storepg.NewPool(ctx, dbConfig)
	if err != nil {
		return nil, nil, err
	}
	return storepg.NewRecordStore(pool), storepg.NewInstanceRegistry(pool), nil
}

func init() {
	listFailedCmd := &cobra.Command{
		Use:   "list-failed",
		Short: "List records currently in FAILED status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, _, err := connect(ctx)
			if err != nil {
				return err
			}
			failed, err := records.FindFailed(ctx)
			if err != nil {
				return err
			}
			for _, r := range failed {
				reason := ""
				if r.FailureReason != nil {
					reason = *r.FailureReason
				}
				fmt.Printf("%s\tkey=%s\thandler=%s\tfailures=%d\treason=%s\n", r.ID, r.Key, r.HandlerID, r.FailureCount, reason)
			}
			return nil
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <record-id>",
		Short: "Reset a FAILED record to NEW so it is retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, _, err := connect(ctx)
			if err != nil {
				return err
			}
			failed, err := records.FindFailed(ctx)
			if err != nil {
				return err
			}
			for _, r := range failed {
				if r.ID != args[0] {
					continue
				}
				r.Status = model.RecordNew
				r.FailureCount = 0
				r.FailureReason = nil
				r.NextRetryAt = time.Now()
				return records.Save(ctx, r)
			}
			return fmt.Errorf("no FAILED record with id %s", args[0])
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Permanently delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, _, err := connect(ctx)
			if err != nil {
				return err
			}
			return records.DeleteByID(ctx, args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print record counts and instance counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			records, instances, err := connect(ctx)
			if err != nil {
				return err
			}
			for _, status := range []model.RecordStatus{model.RecordNew, model.RecordCompleted, model.RecordFailed} {
				n, err := records.CountByStatus(ctx, status)
				if err != nil {
					return err
				}
				fmt.Printf("records.%s = %d\n", status, n)
			}
			for _, status := range []model.InstanceStatus{model.InstanceActive, model.InstanceShuttingDown, model.InstanceDead} {
				n, err := instances.CountByStatus(ctx, status)
				if err != nil {
					return err
				}
				fmt.Printf("instances.%s = %d\n", status, n)
			}
			return nil
		},
	}

	rootCmd.AddCommand(listFailedCmd, requeueCmd, deleteCmd, statusCmd)
}
