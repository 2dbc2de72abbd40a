// ============================================================================
// orthanc-relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wiring config, stores, clients and the tools
//
// Command Structure:
//   orthanc-relay                  # Root command
//   ├── clone                      # Copy a source Orthanc into a destination
//   │   ├── --existing-only        # Stop once the change log is drained
//   │   └── --mode                 # Default | Peering | Transfer | Dicom
//   ├── forward                    # Forward and delete everything received
//   ├── replicate                  # Mirror from Kafka instance-id topics
//   ├── checkpoint
//   │   ├── show                   # Print the persisted resume id
//   │   └── set <id>               # Overwrite the persisted resume id
//   ├── config
//   │   └── show                   # Print the effective configuration
//   ├── --config, -c               # Config file (default: orthanc-relay.yaml)
//   └── --version
//
// Configuration:
//   YAML file, then environment variables on top (see internal/config).
//   A missing file is not an error: environment and defaults apply.
//
// Long-running commands (clone, forward, replicate):
//   1. Load config and build the slog logger
//   2. Open the checkpoint store (file, postgres, redis or none)
//   3. Start the status server (gRPC health + /metrics)
//   4. Run until done or until SIGINT/SIGTERM cancels the context
//   5. Report NOT_SERVING and close every resource
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/orthanc-relay/internal/checkpoint"
	"github.com/ChuLiYu/orthanc-relay/internal/cloner"
	"github.com/ChuLiYu/orthanc-relay/internal/config"
	"github.com/ChuLiYu/orthanc-relay/internal/errorsink"
	"github.com/ChuLiYu/orthanc-relay/internal/forwarder"
	"github.com/ChuLiYu/orthanc-relay/internal/metrics"
	"github.com/ChuLiYu/orthanc-relay/internal/monitor"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/replicator"
	"github.com/ChuLiYu/orthanc-relay/internal/scheduler"
	"github.com/ChuLiYu/orthanc-relay/internal/server"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Version is set at build time
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orthanc-relay",
		Short: "orthanc-relay: tools that follow an Orthanc change log",
		Long: `orthanc-relay copies, forwards and mirrors DICOM content between
Orthanc servers with at-least-once delivery:
- change log polling with a persisted resume point
- per-change retries with backoff
- Prometheus metrics and gRPC health checks`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "orthanc-relay.yaml", "config file path")

	rootCmd.AddCommand(buildCloneCommand())
	rootCmd.AddCommand(buildForwardCommand())
	rootCmd.AddCommand(buildReplicateCommand())
	rootCmd.AddCommand(buildCheckpointCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// ============================================================================
// Shared environment
// ============================================================================

// env holds what every command builds from the configuration
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector

	redis   *redis.Client
	closers []func()
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &env{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewCollector(reg),
	}, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newLogger builds a text or JSON slog logger at the configured level
func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (e *env) redisClient() *redis.Client {
	if e.redis == nil {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
		client := e.redis
		e.closers = append(e.closers, func() { _ = client.Close() })
	}
	return e.redis
}

// openCheckpoint returns nil for the "none" backend
func (e *env) openCheckpoint(ctx context.Context) (checkpoint.Store, error) {
	c := e.cfg.Checkpoint
	switch c.Backend {
	case config.BackendFile:
		store := checkpoint.NewFileStore(c.Path, e.logger)
		e.logger.Debug("checkpoint backend", "backend", c.Backend, "path", store.Path())
		return store, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		store := checkpoint.NewPostgresStore(pool, c.Name)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendRedis:
		return checkpoint.NewRedisStore(e.redisClient(), c.Name, e.logger), nil
	}
	return nil, nil
}

func (e *env) monitorOptions(store checkpoint.Store) ([]monitor.Option, error) {
	m := e.cfg.Monitor
	opts := []monitor.Option{
		monitor.WithWorkers(m.Workers),
		monitor.WithQueueSize(m.QueueSize),
		monitor.WithBatchSize(m.BatchSize),
		monitor.WithPollingInterval(m.PollingInterval),
		monitor.WithMaxRetries(m.MaxRetries),
		monitor.WithStartAt(m.StartAt),
		monitor.WithMetrics(e.metrics),
	}
	if store != nil {
		opts = append(opts, monitor.WithCheckpointStore(store))
	}
	if m.ErrorDir != "" {
		sink, err := errorsink.NewDir(m.ErrorDir)
		if err != nil {
			return nil, err
		}
		e.logger.Info("recording terminal failures", "dir", sink.Path())
		opts = append(opts, monitor.WithErrorSink(sink))
	}
	if e.cfg.Scheduler.RunOnlyAtNightAndWeekend {
		sched := scheduler.New(e.cfg.Scheduler, nil, e.logger)
		opts = append(opts, monitor.WithScheduler(sched))
	}
	return opts, nil
}

// serve runs fn behind the status server
func (e *env) serve(ctx context.Context, fn func(context.Context) error) error {
	srv := server.New(e.cfg.Server, e.registry, e.logger)
	if err := srv.Start(); err != nil {
		return err
	}
	srv.SetServing(true)

	runErr := fn(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		e.logger.Warn("status server shutdown failed", "error", err)
	}
	return runErr
}

// ============================================================================
// clone
// ============================================================================

func buildCloneCommand() *cobra.Command {
	var existingOnly bool
	var mode string

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone a source Orthanc into a destination",
		Long:  "Follow the source change log and copy every new instance, or stable study in Transfer mode, to the destination.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return runClone(cmd.Context(), e, mode, existingOnly)
		},
	}

	cmd.Flags().BoolVar(&existingOnly, "existing-only", false, "stop once the existing changes have been handled")
	cmd.Flags().StringVar(&mode, "mode", "", "cloner mode, overrides the config: Default, Peering, Transfer, Dicom")

	return cmd
}

func runClone(ctx context.Context, e *env, modeFlag string, existingOnly bool) error {
	if modeFlag == "" {
		modeFlag = e.cfg.Cloner.Mode
	}
	mode, err := cloner.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	source := orthanc.NewClient(e.cfg.Source)
	var destination orthanc.ResourceClient
	if e.cfg.Destination.URL != "" {
		destination = orthanc.NewClient(e.cfg.Destination)
	}

	store, err := e.openCheckpoint(ctx)
	if err != nil {
		return err
	}
	opts, err := e.monitorOptions(store)
	if err != nil {
		return err
	}

	c, err := cloner.New(source, destination, cloner.Config{
		Mode:             mode,
		DestinationPeer:  e.cfg.Cloner.DestinationPeer,
		DestinationDicom: e.cfg.Cloner.DestinationDicom,
		Logger:           e.logger,
	}, opts...)
	if err != nil {
		return err
	}

	return e.serve(ctx, func(ctx context.Context) error {
		if err := orthanc.WaitStarted(ctx, source, 4, time.Second); err != nil {
			return fmt.Errorf("source %s: %w", e.cfg.Source.URL, err)
		}
		return c.Execute(ctx, existingOnly || e.cfg.Monitor.ExistingChangesOnly)
	})
}

// ============================================================================
// forward
// ============================================================================

func buildForwardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Forward everything the source receives, then delete it",
		Long:  "Send every study, series or instance stored in the source to the configured destinations and delete it once all of them confirmed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return runForward(cmd.Context(), e)
		},
	}
}

func runForward(ctx context.Context, e *env) error {
	dests, err := e.cfg.ForwarderDestinations()
	if err != nil {
		return err
	}
	trigger, err := types.ParseChangeType(e.cfg.Forwarder.Trigger)
	if err != nil {
		return err
	}

	var status forwarder.StatusStore = forwarder.NewMemoryStatusStore()
	if e.cfg.Forwarder.StatusBackend == config.StatusRedis {
		status = forwarder.NewRedisStatusStore(e.redisClient(), e.cfg.Checkpoint.Name, e.cfg.Forwarder.StatusTTL)
	}

	f, err := forwarder.New(orthanc.NewClient(e.cfg.Source), forwarder.Config{
		Destinations:    dests,
		Trigger:         trigger,
		Workers:         e.cfg.Forwarder.Workers,
		PollingInterval: e.cfg.Forwarder.PollingInterval,
		Status:          status,
		Logger:          e.logger,
		Metrics:         e.metrics,
	})
	if err != nil {
		return err
	}

	return e.serve(ctx, f.Run)
}

// ============================================================================
// replicate
// ============================================================================

func buildReplicateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Mirror a source Orthanc from Kafka instance-id topics",
		Long:  "Consume the forward and delete topics fed by the source Lua script and apply them to the destination.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return runReplicate(cmd.Context(), e)
		},
	}
}

func runReplicate(ctx context.Context, e *env) error {
	if e.cfg.Destination.URL == "" {
		return fmt.Errorf("replicate requires a destination url")
	}

	streams := replicator.NewKafkaStreams(e.cfg.Kafka)
	e.closers = append(e.closers, func() { _ = streams.Close() })

	r := replicator.New(
		orthanc.NewClient(e.cfg.Source),
		orthanc.NewClient(e.cfg.Destination),
		streams,
		replicator.Config{Topics: e.cfg.Kafka.Topics, Logger: e.logger, Metrics: e.metrics},
	)
	return e.serve(ctx, r.Run)
}

// ============================================================================
// checkpoint
// ============================================================================

func buildCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or change the persisted resume id",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted resume id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoint(cmd, func(ctx context.Context, store checkpoint.Store) error {
				id, err := store.Read(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <sequence-id>",
		Short: "Overwrite the persisted resume id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence id %q: %w", args[0], err)
			}
			return withCheckpoint(cmd, func(ctx context.Context, store checkpoint.Store) error {
				return store.Write(ctx, id)
			})
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func withCheckpoint(cmd *cobra.Command, fn func(context.Context, checkpoint.Store) error) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := e.openCheckpoint(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("checkpoint backend is %q", config.BackendNone)
	}
	return fn(ctx, store)
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, secrets hidden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

// Execute runs the CLI with ctx and prints the error, if any, on stderr
func Execute(ctx context.Context) int {
	cmd := BuildCLI()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
