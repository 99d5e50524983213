package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config aggregates the tunables of every engine component.
type Config struct {
	Resolver  ResolverConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig

	// RetentionGrace is how long delivered calls are kept before purging.
	RetentionGrace time.Duration

	// JanitorInterval is how often delivered calls are purged.
	JanitorInterval time.Duration
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Resolver:        DefaultResolverConfig(),
		Scheduler:       DefaultSchedulerConfig(),
		Delivery:        DefaultDeliveryConfig(),
		RetentionGrace:  24 * time.Hour,
		JanitorInterval: time.Hour,
	}
}

// Options wires a Coordinator to its collaborators.
type Options struct {
	Store      Store
	Source     CommandSource
	CallLog    CallLog
	Reporter   Reporter
	Dialer     Dialer
	Classifier OutcomeClassifier
	Readiness  ReadinessReporter
	Normalizer *PhoneNormalizer
	Clock      Clock
	Metrics    MetricsRecorder
	Logger     zerolog.Logger
	Config     Config

	// OnDeadLetter is invoked when a report is parked.
	OnDeadLetter func(task *SyncTask, err error)

	// OnResolved is invoked when a call reaches a terminal state.
	OnResolved func(call *PendingCall)
}

// Coordinator owns the engine components and their shared wake bus.
// It is constructed once by the process root and passed by reference.
type Coordinator struct {
	store     Store
	bus       *WakeBus
	intake    *Intake
	resolver  *Resolver
	scheduler *Scheduler
	delivery  *DeliveryQueue
	clock     Clock
	metrics   MetricsRecorder
	config    Config
	logger    zerolog.Logger

	running atomic.Bool
}

// NewCoordinator builds every component from opts.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator requires a store")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	bus := NewWakeBus()
	c := &Coordinator{
		store:   opts.Store,
		bus:     bus,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		config:  opts.Config,
		logger:  opts.Logger.With().Str("component", "coordinator").Logger(),
	}

	delivery, err := NewDeliveryQueue(DeliveryOptions{
		Queue:    opts.Store,
		Calls:    opts.Store,
		Reporter: opts.Reporter,
		Bus:      bus,
		Clock:    opts.Clock,
		Metrics:  opts.Metrics,
		Config:   opts.Config.Delivery,
		Logger:   opts.Logger,
		OnDead:   opts.OnDeadLetter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery queue: %w", err)
	}

	resolver, err := NewResolver(ResolverOptions{
		Store:      opts.Store,
		CallLog:    opts.CallLog,
		Classifier: opts.Classifier,
		Readiness:  opts.Readiness,
		Sink:       delivery,
		Normalizer: opts.Normalizer,
		Clock:      opts.Clock,
		Metrics:    opts.Metrics,
		Config:     opts.Config.Resolver,
		Logger:     opts.Logger,
		OnResolved: opts.OnResolved,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	intake, err := NewIntake(IntakeOptions{
		Store:      opts.Store,
		Dialer:     opts.Dialer,
		Tracker:    resolver,
		Normalizer: opts.Normalizer,
		Clock:      opts.Clock,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create intake: %w", err)
	}

	scheduler, err := NewScheduler(SchedulerOptions{
		Source:  opts.Source,
		Handler: intake,
		Bus:     bus,
		Clock:   opts.Clock,
		Metrics: opts.Metrics,
		Config:  opts.Config.Scheduler,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	c.delivery = delivery
	c.resolver = resolver
	c.intake = intake
	c.scheduler = scheduler
	return c, nil
}

// Run recovers undelivered outcomes, then runs every component until ctx
// is cancelled. It returns only after all background tasks have exited.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator is already running")
	}
	defer c.running.Store(false)

	if err := c.recoverUndelivered(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to recover undelivered outcomes")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.resolver.Run(gctx) })
	g.Go(func() error { return c.delivery.Run(gctx) })
	g.Go(func() error { return c.scheduler.Run(gctx) })
	g.Go(func() error { return c.janitor(gctx) })

	c.logger.Info().Msg("Engine started")
	err := g.Wait()
	c.logger.Info().Msg("Engine stopped")
	return err
}

// Accept hands a command to intake.
func (c *Coordinator) Accept(ctx context.Context, cmd Command) (*AcceptResult, error) {
	return c.intake.Accept(ctx, cmd)
}

// Wake signals every component that something changed. It never blocks.
func (c *Coordinator) Wake(reason string) {
	n := c.bus.Publish(reason)
	c.logger.Debug().Str("reason", reason).Int("listeners", n).Msg("Wake published")
}

// PollNow polls the remote immediately, joining any poll already in flight.
func (c *Coordinator) PollNow(ctx context.Context) (int, error) {
	return c.scheduler.PollNow(ctx)
}

// SetOnline suspends or resumes remote polling. Restored connectivity also
// makes every queued report due immediately.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	wasOnline := c.scheduler.Online()
	c.scheduler.SetOnline(online)
	if online && !wasOnline {
		c.delivery.Expedite(ctx)
	}
}

// SetBackground switches the polling cadence.
func (c *Coordinator) SetBackground(background bool) {
	c.scheduler.SetBackground(background)
}

// Status summarizes the engine.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	active, err := c.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active calls: %w", err)
	}
	pending, dead, err := c.store.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	c.metrics.SetPendingCalls(active)
	c.metrics.SetQueueDepth(pending, dead)

	return &Status{
		ActivePending:      active,
		LastSuccessfulPoll: c.scheduler.LastSuccessfulPoll(),
		QueueDepth:         pending,
		DeadTasks:          dead,
		SchedulerState:     c.scheduler.State(),
		PollInterval:       c.scheduler.Interval(),
		Online:             c.scheduler.Online(),
		Background:         c.scheduler.Background(),
		EvidenceAvailable:  c.resolver.EvidenceAvailable(),
	}, nil
}

// DeadLetters lists parked reports.
func (c *Coordinator) DeadLetters(ctx context.Context) ([]*SyncTask, error) {
	return c.delivery.DeadLetters(ctx)
}

// Requeue retries a parked report.
func (c *Coordinator) Requeue(ctx context.Context, requestID string) error {
	return c.delivery.Requeue(ctx, requestID)
}

// Purge discards a parked report.
func (c *Coordinator) Purge(ctx context.Context, requestID string) error {
	return c.delivery.Purge(ctx, requestID)
}

// Call returns the stored state of one call.
func (c *Coordinator) Call(ctx context.Context, requestID string) (*PendingCall, error) {
	return c.store.Get(ctx, requestID)
}

// recoverUndelivered re-submits terminal calls whose report was never acknowledged.
// Enqueue is idempotent, so calls that still have a task are unaffected.
func (c *Coordinator) recoverUndelivered(ctx context.Context) error {
	calls, err := c.store.ListUndelivered(ctx)
	if err != nil {
		return err
	}
	requeued := 0
	for _, call := range calls {
		if err := c.delivery.Submit(ctx, call); err != nil {
			c.logger.Error().Err(err).Str("request_id", call.RequestID).Msg("Failed to recover outcome")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		c.logger.Info().Int("count", requeued).Msg("Recovered undelivered outcomes")
	}
	return nil
}

// janitor periodically purges delivered calls past the retention grace.
func (c *Coordinator) janitor(ctx context.Context) error {
	if c.config.JanitorInterval <= 0 || c.config.RetentionGrace <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		if err := sleep(ctx, c.clock, c.config.JanitorInterval); err != nil {
			return nil
		}
		cutoff := c.clock.Now().Add(-c.config.RetentionGrace)
		n, err := c.store.PurgeDelivered(ctx, cutoff)
		if err != nil {
			c.logger.Error().Err(err).Msg("Retention purge failed")
			continue
		}
		if n > 0 {
			c.logger.Info().Int64("count", n).Time("cutoff", cutoff).Msg("Purged delivered calls")
		}
	}
}
