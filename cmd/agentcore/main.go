// Package main provides the agentcore daemon CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/c360studio/agentcore/config"
	"github.com/c360studio/agentcore/coordinator"
	"github.com/c360studio/agentcore/events"
	"github.com/c360studio/agentcore/progress"
	"github.com/c360studio/agentcore/resources"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent orchestration core",
		Long: `agentcore runs the agent orchestration core: durable message
coordination over a shared Redis store, reservation recovery, workflow
resource scheduling, and progress event publication.`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(validateCmd(&configPath))
	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration core daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}

			publisher, cleanup, err := buildPublisher(rdb, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			coord := coordinator.New(rdb, cfg.CoordinatorConfig(), coordinator.WithLogger(logger))
			validator := coordinator.NewStateValidator(rdb, coord,
				coordinator.WithValidatorLogger(logger),
				coordinator.WithSweepInterval(cfg.SweepInterval()))

			tracker := progress.NewTracker(publisher, cfg.TrackerConfig(),
				progress.WithTrackerLogger(logger))
			manager := resources.NewManager(cfg.ManagerConfig(),
				resources.WithManagerLogger(logger),
				resources.WithTracker(tracker))

			validator.Start(ctx)
			tracker.Start(ctx)
			manager.Start(ctx)

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}

			logger.Info("agentcore running",
				"redis", cfg.Redis.Addr,
				"key_prefix", cfg.KeyPrefix)
			<-ctx.Done()

			logger.Info("Shutting down")
			manager.Stop()
			tracker.Stop(context.Background())
			validator.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run one state validation and repair pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			coord := coordinator.New(rdb, cfg.CoordinatorConfig(), coordinator.WithLogger(logger))
			validator := coordinator.NewStateValidator(rdb, coord,
				coordinator.WithValidatorLogger(logger))

			report := validator.ValidateAndRepair(cmd.Context())
			out, err := json.Marshal(report)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// buildPublisher assembles the event fan-out: Redis pub/sub always, a
// NATS bridge when configured.
func buildPublisher(rdb redis.UniversalClient, cfg *config.Config, logger *slog.Logger) (events.Publisher, func(), error) {
	redisPub := events.NewRedisPublisher(rdb, cfg.ChannelPrefix, logger)
	if cfg.NATSURL == "" {
		return redisPub, func() {}, nil
	}

	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("Bridging events to NATS", "url", cfg.NATSURL)
	return events.Fanout(redisPub, events.NewNATSPublisher(conn, cfg.ChannelPrefix)), conn.Close, nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server failed", "error", err)
	}
}
