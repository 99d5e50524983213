package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/callsync/callsync/pkg/config"
	"github.com/callsync/callsync/pkg/dialer"
	"github.com/callsync/callsync/pkg/engine"
	"github.com/callsync/callsync/pkg/evidence"
	"github.com/callsync/callsync/pkg/localapi"
	"github.com/callsync/callsync/pkg/policy"
	"github.com/callsync/callsync/pkg/stores"
	"github.com/callsync/callsync/pkg/telemetry"
	"github.com/callsync/callsync/pkg/transports/remote"
	"github.com/callsync/callsync/pkg/wakesource"
)

// shutdownTimeout bounds flushing telemetry after the agent stops.
const shutdownTimeout = 5 * time.Second

func newAgentCommand(version string) *cobra.Command {
	var background bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the reconciliation agent",
		Long: `Run the agent in the foreground until interrupted.

The agent:
  - long-polls the remote for call commands and dials them
  - matches each tracked call against the device call log
  - reports every outcome back through a durable retry queue
  - serves the local API used by the other commands`,
		Example: `  # Run with a YAML config
  callsync agent -c /etc/callsync/agent.yaml

  # Start with the background polling cadence
  callsync agent -c agent.cue --background`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("agent requires --config")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, version, background)
		},
	}

	cmd.Flags().BoolVar(&background, "background", false, "start with the background polling cadence")

	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, version string, background bool) (err error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Telemetry shutdown incomplete")
		}
	}()

	logger := tel.Logger.Zerolog()
	log.Logger = logger

	store, err := stores.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close store")
		}
	}()

	client, err := newRemoteClient(cfg, logger)
	if err != nil {
		return err
	}

	callLog, err := evidence.Open(evidence.Kind(cfg.Evidence.Kind), cfg.Evidence.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open call log: %w", err)
	}

	dial, err := dialer.New(cfg.Dialer.Command, cfg.Dialer.Timeout.Std(), logger)
	if err != nil {
		return fmt.Errorf("failed to create dialer: %w", err)
	}

	classifier, loader, err := newClassifier(cfg, tel.Events, logger)
	if err != nil {
		return err
	}

	coord, err := engine.NewCoordinator(engine.Options{
		Store:        store,
		Source:       client,
		CallLog:      callLog,
		Reporter:     client,
		Dialer:       dial,
		Classifier:   classifier,
		Readiness:    tel.Readiness,
		Normalizer:   cfg.Normalizer(),
		Metrics:      tel.Metrics,
		Logger:       logger,
		Config:       cfg.EngineConfig(),
		OnDeadLetter: tel.DeadLetterHook(),
		OnResolved:   tel.ResolvedHook(),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	coord.SetBackground(background)

	monitor := wakesource.NewConnectivityMonitor(
		client.Health,
		coord,
		cfg.Connectivity.CheckInterval.Std(),
		cfg.Connectivity.CheckTimeout.Std(),
		logger,
	)
	monitor.OnChange(tel.ConnectivityHook())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return tel.Metrics.Serve(gctx) })

	if loader != nil && cfg.Outcome.Watch {
		g.Go(func() error { return loader.Watch(gctx) })
	}

	if cfg.Wake.SpoolDir != "" {
		spool := wakesource.NewSpoolWatcher(cfg.Wake.SpoolDir, coord, logger)
		g.Go(func() error { return spool.Run(gctx) })
	}

	if cfg.Listen.Addr != "" {
		server, err := localapi.NewServer(localapi.Options{
			Addr:    cfg.Listen.Addr,
			Engine:  coord,
			Metrics: tel.Metrics.Handler(),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create local API: %w", err)
		}
		g.Go(func() error { return server.Run(gctx) })
	}

	logger.Info().
		Str("device_id", cfg.Device.ID).
		Str("remote", cfg.Remote.BaseURL).
		Str("evidence", cfg.Evidence.Kind).
		Str("listen", cfg.Listen.Addr).
		Msg("Agent started")

	err = g.Wait()
	logger.Info().Msg("Agent stopped")
	return err
}

func newRemoteClient(cfg *config.Config, logger zerolog.Logger) (*remote.Client, error) {
	rc := remote.DefaultConfig(cfg.Remote.BaseURL)
	rc.Token = cfg.Remote.Token
	rc.PollPath = cfg.Remote.PollPath
	rc.ReportPath = cfg.Remote.ReportPath
	rc.HealthPath = cfg.Remote.HealthPath
	rc.PollTimeout = cfg.Remote.PollTimeout.Std()
	rc.ReportTimeout = cfg.Remote.ReportTimeout.Std()
	rc.HealthTimeout = cfg.Connectivity.CheckTimeout.Std()

	client, err := remote.New(rc, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return client, nil
}

// newClassifier builds the outcome classifier and, when a script is
// configured, loads it and returns the loader for hot reload.
func newClassifier(cfg *config.Config, events *telemetry.EventPublisher, logger zerolog.Logger) (*policy.Classifier, *policy.Loader, error) {
	classifier := policy.NewClassifier(policy.ClassifierOptions{
		Timeout: cfg.Outcome.Timeout.Std(),
		Logger:  logger,
	})
	if cfg.Outcome.Script == "" {
		return classifier, nil, nil
	}

	loader := policy.NewLoader(cfg.Outcome.Script, classifier, logger)
	if _, err := loader.Load(); err != nil {
		return nil, nil, fmt.Errorf("failed to load outcome script: %w", err)
	}
	loader.OnReload(func(p *policy.Program, err error) {
		digest := ""
		if p != nil {
			digest = p.Digest
		}
		_ = events.PublishPolicyReloaded(cfg.Outcome.Script, digest, err)
	})
	return classifier, loader, nil
}
