package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/sandbox"
)

var (
	sandboxChannel   string
	sandboxListTo    string
	sandboxListLimit int
	sandboxClearDays int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Captured sandbox message commands",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages, newest first",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxChannel, "channel", "", "Filter by channel (email, sms, in_app)")
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient address")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().StringVar(&sandboxChannel, "channel", "", "Clear only one channel")
	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandboxStorage opens the queue database, which also holds captured messages
func openSandboxStorage() (*sandbox.Storage, *queue.BoltStorage, error) {
	storage, err := openQueueStorage()
	if err != nil {
		return nil, nil, err
	}

	sb, err := sandbox.NewStorage(storage.DB())
	if err != nil {
		storage.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return sb, storage, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	messages, err := sb.List(context.Background(), sandbox.ListFilter{
		Channel: sandboxChannel,
		To:      sandboxListTo,
		Limit:   sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No captured messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tTO\tSUBJECT\tMODE\tCAPTURED")
	fmt.Fprintln(w, "--\t-------\t--\t-------\t----\t--------")

	for _, msg := range messages {
		subject := msg.Subject
		if len(subject) > 40 {
			subject = subject[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			msg.Channel,
			msg.To,
			subject,
			msg.Mode,
			msg.CapturedAt.Format("2006-01-02 15:04:05"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	msg, err := sb.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Channel:   %s\n", msg.Channel)
	fmt.Printf("To:        %s\n", msg.To)
	if msg.OriginalTo != "" {
		fmt.Printf("Original:  %s\n", msg.OriginalTo)
	}
	fmt.Printf("Mode:      %s\n", msg.Mode)
	fmt.Printf("Captured:  %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.SimulatedErr != "" {
		fmt.Printf("Simulated: %s\n", msg.SimulatedErr)
	}
	if msg.Subject != "" {
		fmt.Printf("\nSubject: %s\n", msg.Subject)
	}

	body := msg.Body
	if body == "" {
		body = msg.HTML
	}
	if body != "" {
		fmt.Println("\n---")
		fmt.Println(body)
		fmt.Println("---")
	}

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	count, err := sb.Clear(context.Background(), sandboxChannel, olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	fmt.Printf("Cleared %d messages\n", count)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	sb, storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := sb.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total:  %d\n", stats.Total)

	channels := make([]string, 0, len(stats.ByChannel))
	for ch := range stats.ByChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		fmt.Printf("  %-8s %d\n", ch+":", stats.ByChannel[ch])
	}

	if !stats.OldestAt.IsZero() {
		fmt.Printf("Oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Printf("Newest: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	return nil
}
