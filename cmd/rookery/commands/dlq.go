package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
)

var dlqJSON bool

var dlqCmd = &cobra.Command{
	Use:   "dlq <topic>",
	Short: "Inspect a topic's dead-letter stream",
	Long: `Show the messages that exhausted their retry budget on a topic.

Dead-lettered messages are never retried automatically; each entry carries
the full error history of its delivery attempts so an operator can decide
what to do with it.

Examples:
  rookery dlq agent.writer
  rookery dlq grounding.escalations --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDLQ,
}

func init() {
	dlqCmd.Flags().BoolVar(&dlqJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(dlqCmd)
}

func runDLQ(cmd *cobra.Command, args []string) error {
	topic := args[0]

	client, _, err := newBusClient()
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.ListDeadLetters(context.Background(), topic)
	if err != nil {
		return printer.Error("Failed to read dead-letter stream", err.Error(),
			[]string{"Check that ROOKERY_BUS_URL points at the instance's Redis"})
	}

	if dlqJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	if len(entries) == 0 {
		printer.Success("No dead letters on topic '%s'.\n", topic)
		return nil
	}

	printer.Warning("%d dead letter(s) on topic '%s':\n\n", len(entries), topic)
	for _, entry := range entries {
		printer.Header("message %s (group %s, %d attempts)\n", entry.Message.ID, entry.Group, entry.Attempts)
		printer.Info("  sender: %s  intent: %s\n", entry.Message.Sender, entry.Message.Intent())
		for _, e := range entry.Errors {
			printer.Info("  %s\n", e)
		}
		printer.Info("\n")
	}
	return nil
}
