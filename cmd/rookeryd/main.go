// Command rookeryd runs the Rookery core services: the agent registry, the
// grounding validator, and the rate/budget governor, all consuming one bus.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/config"
	"github.com/dyluth/rookery/internal/governor"
	"github.com/dyluth/rookery/internal/health"
	"github.com/dyluth/rookery/internal/ledger"
	"github.com/dyluth/rookery/internal/registry"
	"github.com/dyluth/rookery/internal/validator"
	"github.com/dyluth/rookery/pkg/bus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load environment settings, then layer rookery.yml if configured.
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}

	var cfg *config.RookeryConfig
	if settings.ConfigPath != "" {
		cfg, err = config.Load(settings.ConfigPath)
		if err != nil {
			return err
		}
		applyConfig(settings, cfg)
	}

	// 2. Connect to the bus.
	redisOpts, err := redis.ParseURL(settings.BusURL)
	if err != nil {
		return fmt.Errorf("invalid ROOKERY_BUS_URL: %w", err)
	}

	client, err := bus.NewClient(redisOpts, settings.Instance)
	if err != nil {
		return fmt.Errorf("failed to create bus client: %w", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("bus not accessible: %w", err)
	}
	log.Printf("[INFO] rookeryd starting for instance '%s'", settings.Instance)

	consumer := bus.ConsumerOptions{
		MaxAttempts:  settings.MaxAttempts,
		RetryBase:    settings.RetryBase,
		RetryCeiling: settings.RetryCeiling,
	}

	// 3. Health endpoint.
	healthServer := health.NewServer(client, settings.HealthAddr)
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer healthServer.Shutdown(context.Background())
	log.Printf("[INFO] Health endpoint listening on %s", healthServer.Addr())

	// 4. Registry.
	reg, err := registry.New(client, registry.Options{
		HeartbeatInterval: settings.HeartbeatInterval,
		StaleMultiplier:   settings.StaleMultiplier,
		Consumer:          consumer,
	})
	if err != nil {
		return err
	}

	// 5. Validator, resolving sources from the instance's source hash.
	resolver := validator.NewRedisResolver(redisOpts, settings.Instance)
	defer resolver.Close()

	val, err := validator.New(client, resolver, nil, validator.Options{
		Threshold:        settings.GroundingThreshold,
		MaxRegenerations: settings.MaxRegenerations,
		Agent:            agentOptions(settings, consumer),
	})
	if err != nil {
		return err
	}

	// 6. Governor, with the durable cost ledger when configured.
	govOpts := governor.Options{
		DefaultBucket: governor.BucketConfig{
			Capacity:     settings.BucketCapacity,
			RefillPerSec: settings.BucketRefillPerSec,
		},
		DefaultBudget: governor.BudgetConfig{
			Cap:         settings.BudgetCap,
			WarnPercent: settings.BudgetWarnPercent,
		},
		Agent: agentOptions(settings, consumer),
	}
	if cfg != nil {
		govOpts.Buckets = make(map[string]governor.BucketConfig, len(cfg.Tools))
		for tool, tc := range cfg.Tools {
			govOpts.Buckets[tool] = governor.BucketConfig{Capacity: tc.Capacity, RefillPerSec: tc.RefillPerSec}
		}
		govOpts.Budgets = make(map[string]governor.BudgetConfig, len(cfg.Budgets))
		for agentID, bc := range cfg.Budgets {
			govOpts.Budgets[agentID] = governor.BudgetConfig{Cap: bc.Cap, WarnPercent: bc.WarnPercent}
		}
	}

	var store *ledger.Store
	if settings.LedgerPath != "" {
		store, err = ledger.Open(settings.LedgerPath)
		if err != nil {
			return err
		}
		defer store.Close()
		govOpts.Recorder = store
	}

	gov, err := governor.New(client, govOpts)
	if err != nil {
		return err
	}

	// Seed budgets from the durable ledger so a restart keeps enforcing.
	if store != nil {
		for agentID := range govOpts.Budgets {
			total, err := store.TotalCost(ctx, agentID)
			if err != nil {
				return err
			}
			if total > 0 {
				gov.SeedCost(agentID, total)
			}
		}
	}

	// 7. Run everything until a signal arrives.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[INFO] Received signal %v, shutting down", sig)
		cancel()
		val.Stop()
		gov.Stop()
	}()

	errCh := make(chan error, 3)
	go func() { errCh <- reg.Run(runCtx) }()
	go func() { errCh <- val.Run(runCtx) }()
	go func() { errCh <- gov.Run(runCtx) }()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
			val.Stop()
			gov.Stop()
		}
	}

	log.Printf("[INFO] rookeryd shutdown complete")
	return firstErr
}

// applyConfig folds rookery.yml values over the environment settings. The
// file wins where it speaks; the environment fills the gaps.
func applyConfig(settings *config.Settings, cfg *config.RookeryConfig) {
	if cfg.Instance != "" {
		settings.Instance = cfg.Instance
	}
	if b := cfg.Bus; b != nil {
		if b.URL != "" {
			settings.BusURL = b.URL
		}
		if b.MaxAttempts != 0 {
			settings.MaxAttempts = b.MaxAttempts
		}
		if b.RetryBase != 0 {
			settings.RetryBase = b.RetryBase.Std()
		}
		if b.RetryCeiling != 0 {
			settings.RetryCeiling = b.RetryCeiling.Std()
		}
	}
	if h := cfg.Heartbeat; h != nil {
		if h.Interval != 0 {
			settings.HeartbeatInterval = h.Interval.Std()
		}
		if h.StaleMultiplier != 0 {
			settings.StaleMultiplier = h.StaleMultiplier
		}
	}
	if g := cfg.Grounding; g != nil {
		if g.Threshold != 0 {
			settings.GroundingThreshold = g.Threshold
		}
		if g.MaxRegenerations != 0 {
			settings.MaxRegenerations = g.MaxRegenerations
		}
	}
}

func agentOptions(settings *config.Settings, consumer bus.ConsumerOptions) agent.Options {
	return agent.Options{
		HeartbeatInterval: settings.HeartbeatInterval,
		DrainTimeout:      15 * time.Second,
		Consumer:          consumer,
	}
}
