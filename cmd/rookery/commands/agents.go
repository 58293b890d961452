package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
	"github.com/dyluth/rookery/internal/registry"
)

var (
	agentsJSON       bool
	agentsCapability string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents known to the instance",
	Long: `List the agents of the instance as derived from their lifecycle events.

The view is rebuilt by replaying the agent.started, agent.stopped and
agent.heartbeat topics, so it shows exactly what the registry would: state,
capabilities and last-seen time, with silent agents marked stale.

Use --capability to show only live agents advertising a capability, and
--json for machine-readable output.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")
	agentsCmd.Flags().StringVar(&agentsCapability, "capability", "", "Only live agents with this capability")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, settings, err := newBusClient()
	if err != nil {
		return err
	}
	defer client.Close()

	reg, err := registry.New(client, registry.Options{
		HeartbeatInterval: settings.HeartbeatInterval,
		StaleMultiplier:   settings.StaleMultiplier,
	})
	if err != nil {
		return err
	}
	if err := reg.Rebuild(ctx); err != nil {
		return printer.Error("Failed to read lifecycle topics", err.Error(),
			[]string{"Check that ROOKERY_BUS_URL points at the instance's Redis"})
	}

	var records []*registry.Record
	if agentsCapability != "" {
		records = reg.GetAgentsByCapability(agentsCapability)
	} else {
		records = reg.ListAgents()
	}

	if agentsJSON {
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			out = append(out, map[string]any{
				"agent_id":     rec.AgentID,
				"name":         rec.Name,
				"capabilities": rec.Capabilities,
				"state":        string(rec.State),
				"last_seen":    rec.LastSeen.Format(time.RFC3339),
			})
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	if len(records) == 0 {
		printer.Info("No agents found.\n")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE\tCAPABILITIES\tLAST SEEN")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
			rec.AgentID,
			printer.State(string(rec.State)),
			rec.Capabilities,
			rec.LastSeen.Format(time.RFC3339),
		)
	}
	return w.Flush()
}
