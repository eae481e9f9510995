package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/queue"
)

var (
	queueListStatus   string
	queueListCampaign string
	queueListLimit    int
	dlqListLimit      int
	dlqListOffset     int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Dispatch queue commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply retention rules to delivered and dead jobs once",
	RunE:  runQueueCleanup,
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead jobs, oldest first",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Move a dead job back to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a dead job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, processing, deferred, delivered, dead)")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign ID")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of jobs to show")

	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "Maximum number of jobs to show")
	dlqListCmd.Flags().IntVar(&dlqListOffset, "offset", 0, "Number of jobs to skip")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueCleanupCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd)
	rootCmd.AddCommand(queueCmd, dlqCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.List(context.Background(), queue.ListFilter{
		Status:     queue.JobStatus(queueListStatus),
		CampaignID: queueListCampaign,
		Limit:      queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	printJobs(jobs)
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	job, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", args[0])
	}

	fmt.Printf("Job: %s\n\n", job.ID)
	fmt.Printf("Kind:        %s\n", job.Kind)
	fmt.Printf("Status:      %s\n", job.Status)
	fmt.Printf("Tenant:      %s\n", job.TenantID)
	if job.CampaignID != "" {
		fmt.Printf("Campaign:    %s\n", job.CampaignID)
	}
	if job.VariantID != "" {
		fmt.Printf("Variant:     %s\n", job.VariantID)
	}
	fmt.Printf("Recipient:   %s\n", job.RecipientID)
	fmt.Printf("Channel:     %s\n", job.Channel)
	fmt.Printf("Address:     %s\n", job.Address)
	fmt.Printf("Attempts:    %d/%d\n", job.Attempts, job.Retry.MaxAttempts)
	fmt.Printf("Created:     %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Ready:       %s\n", job.ReadyAt.Format(time.RFC3339))
	if !job.NextAttemptAt.IsZero() {
		fmt.Printf("Next Retry:  %s\n", job.NextAttemptAt.Format(time.RFC3339))
	}
	if job.IdempotencyKey != "" {
		fmt.Printf("Key:         %s\n", job.DedupeKey())
	}
	if job.Subject != "" {
		fmt.Printf("\nSubject: %s\n", job.Subject)
	}
	if job.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", job.LastError)
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()

	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Deferred:   %d\n", stats.Deferred)
	fmt.Printf("Delivered:  %d\n", stats.Delivered)
	fmt.Printf("Dead:       %d\n", stats.Dead)

	dlqStats, err := storage.DLQStats(ctx)
	if err == nil && dlqStats.Total > 0 {
		fmt.Println("\nDead Letter Queue")
		fmt.Println("-----------------")
		fmt.Printf("Total:      %d\n", dlqStats.Total)
		fmt.Printf("Size:       %d bytes\n", dlqStats.TotalSize)
		if !dlqStats.OldestAt.IsZero() {
			fmt.Printf("Oldest:     %s\n", dlqStats.OldestAt.Format(time.RFC3339))
		}
	}

	return nil
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open queue storage: %w", err)
	}
	defer storage.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cleaner := queue.NewCleaner(storage, queue.CleanerConfig{
		DeliveredMaxAge: cfg.Storage.Retention.DeliveredMaxAge,
		DLQMaxAge:       cfg.Queue.DLQ.MaxAge,
		DLQMaxCount:     cfg.Queue.DLQ.MaxCount,
	}, logger)

	removed := cleaner.RunOnce(context.Background())
	fmt.Printf("Removed %d jobs\n", removed)
	return nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.ListDLQ(context.Background(), dlqListLimit, dlqListOffset)
	if err != nil {
		return fmt.Errorf("failed to list DLQ: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	printJobs(jobs)
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.RetryFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Job %s moved from DLQ to pending queue\n", args[0])
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	id := args[0]

	job, err := storage.GetFromDLQ(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found in DLQ: %s", id)
	}

	if err := storage.DeleteFromDLQ(ctx, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	fmt.Printf("Job %s deleted from DLQ\n", id)
	return nil
}

func printJobs(jobs []*queue.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tKIND\tCAMPAIGN\tRECIPIENT\tCHANNEL\tCREATED\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t----\t--------\t---------\t-------\t-------\t--------")

	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(job.ID),
			job.Status,
			job.Kind,
			truncateID(job.CampaignID),
			truncateID(job.RecipientID),
			job.Channel,
			job.CreatedAt.Format("2006-01-02 15:04"),
			job.Attempts,
		)
	}

	w.Flush()
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
