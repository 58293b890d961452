package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
	"github.com/dyluth/rookery/pkg/bus"
)

var watchFromStart bool

var watchCmd = &cobra.Command{
	Use:   "watch <topic>",
	Short: "Tail a topic's messages",
	Long: `Print messages on a topic as they are published, until interrupted.

Watching reads the topic directly without joining any consumer group, so it
never competes with the real consumers for deliveries.

Examples:
  rookery watch agent.broadcast
  rookery watch grounding.escalations --from-start`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchFromStart, "from-start", false, "Replay the topic from the beginning first")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	topic := args[0]

	client, _, err := newBusClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	from := "-"
	if !watchFromStart {
		// Skip history: page to the current tail, then follow from there.
		for {
			msgs, lastID, err := client.ReadTopic(ctx, topic, from, 100)
			if err != nil {
				return err
			}
			if lastID != "" {
				from = bus.NextID(lastID)
			}
			if len(msgs) < 100 {
				break
			}
		}
	}

	printer.Header("Watching topic '%s' (Ctrl+C to stop)\n", topic)
	encoder := json.NewEncoder(os.Stdout)

	for {
		msgs, lastID, err := client.ReadTopic(ctx, topic, from, 100)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			if err := encoder.Encode(msg); err != nil {
				return err
			}
		}
		if lastID != "" {
			from = bus.NextID(lastID)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}
