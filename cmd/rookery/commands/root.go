package commands

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/config"
	"github.com/dyluth/rookery/pkg/bus"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rookery",
	Short: "Rookery - message-driven multi-agent coordination",
	Long: `Rookery coordinates a flock of cooperating agents over a durable
Redis-backed message bus: per-agent inboxes, consumer groups with retry and
dead-lettering, an event-sourced agent registry, grounding validation of
drafted content, and per-agent rate and budget governance.

This CLI inspects and drives a running instance: list agents, tail topics,
inspect dead letters, and send messages by hand.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// newBusClient connects to the instance named by the ROOKERY_* environment.
func newBusClient() (*bus.Client, *config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, nil, err
	}

	redisOpts, err := redis.ParseURL(settings.BusURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ROOKERY_BUS_URL: %w", err)
	}

	client, err := bus.NewClient(redisOpts, settings.Instance)
	if err != nil {
		return nil, nil, err
	}
	return client, settings, nil
}
