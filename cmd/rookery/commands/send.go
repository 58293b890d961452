package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
	"github.com/dyluth/rookery/pkg/bus"
)

var (
	sendType      string
	sendIntent    string
	sendPayload   string
	sendSender    string
	sendBroadcast bool
)

var sendCmd = &cobra.Command{
	Use:   "send <agent-id>",
	Short: "Send a message to an agent",
	Long: `Publish a message to an agent's inbox (or to the broadcast topic with
--broadcast, in which case no agent id is given).

Examples:
  # Ask an agent to stop
  rookery send writer --intent stop

  # Submit a draft for grounding validation
  rookery send grounding-validator --intent draft-submitted \
    --payload '{"draft_id":"d1","paragraph_id":"p1","candidate_text":"...","cited_vector_ids":["vec-1"]}'

  # Pause every agent at once
  rookery send --broadcast --intent pause`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "", "Message type (default: direct, or broadcast with --broadcast)")
	sendCmd.Flags().StringVar(&sendIntent, "intent", "", "Handler intent for the message (required)")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "{}", "JSON payload")
	sendCmd.Flags().StringVar(&sendSender, "sender", "operator", "Sender id to stamp on the message")
	sendCmd.Flags().BoolVar(&sendBroadcast, "broadcast", false, "Publish to agent.broadcast instead of an inbox")
	sendCmd.MarkFlagRequired("intent")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendBroadcast && len(args) > 0 {
		return fmt.Errorf("--broadcast takes no agent id")
	}
	if !sendBroadcast && len(args) == 0 {
		return fmt.Errorf("an agent id is required unless --broadcast is set")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
		return fmt.Errorf("invalid --payload JSON: %w", err)
	}

	msgType := bus.MessageType(sendType)
	topic := ""
	recipient := ""
	if sendBroadcast {
		topic = bus.TopicBroadcast
		if sendType == "" {
			msgType = bus.TypeBroadcast
		}
	} else {
		recipient = args[0]
		topic = bus.InboxTopic(recipient)
		if sendType == "" {
			msgType = bus.TypeDirect
		}
	}

	client, _, err := newBusClient()
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.Publish(context.Background(), topic, &bus.Message{
		Type:      msgType,
		Sender:    sendSender,
		Recipient: recipient,
		Payload:   payload,
		Metadata:  map[string]any{bus.MetaKeyIntent: sendIntent},
	})
	if err != nil {
		return printer.Error("Failed to publish message", err.Error(), nil)
	}

	printer.Success("Published %s to '%s' (message %s)\n", sendIntent, topic, id)
	return nil
}
