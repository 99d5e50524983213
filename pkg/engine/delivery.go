package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DeliveryConfig tunes outbound delivery.
type DeliveryConfig struct {
	// Workers is the number of concurrent delivery workers.
	Workers int

	// MaxAttempts is the number of failed attempts after which a task is parked.
	MaxAttempts int

	// BaseDelay is the retry delay after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration

	// Jitter is the relative spread applied to each retry delay, in [0, 1).
	Jitter float64

	// IdleInterval is how often the dispatcher re-checks the queue with no other trigger.
	IdleInterval time.Duration

	// AttemptTimeout bounds each report request.
	AttemptTimeout time.Duration
}

// DefaultDeliveryConfig returns the default delivery settings.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Workers:        2,
		MaxAttempts:    10,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Minute,
		Jitter:         0.2,
		IdleInterval:   30 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// DeliveryQueue delivers terminal call outcomes to the remote system.
// Tasks are persisted before any attempt, dispatched oldest first, and
// retried with capped exponential backoff. Transient failures beyond the
// attempt budget and permanent rejections park the task as dead.
type DeliveryQueue struct {
	queue    TaskQueue
	calls    PendingCallStore
	reporter Reporter
	bus      *WakeBus
	clock    Clock
	metrics  MetricsRecorder
	config   DeliveryConfig
	logger   zerolog.Logger
	rand     func() float64
	onDead   func(task *SyncTask, err error)

	kick chan struct{}
	work chan *SyncTask

	mu       sync.Mutex
	inflight map[string]struct{}
}

// DeliveryOptions configures a DeliveryQueue.
type DeliveryOptions struct {
	Queue    TaskQueue
	Calls    PendingCallStore
	Reporter Reporter
	Bus      *WakeBus
	Clock    Clock
	Metrics  MetricsRecorder
	Config   DeliveryConfig
	Logger   zerolog.Logger
	Rand     func() float64

	// OnDead is invoked after a task is parked.
	OnDead func(task *SyncTask, err error)
}

// NewDeliveryQueue creates a delivery queue.
func NewDeliveryQueue(opts DeliveryOptions) (*DeliveryQueue, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("delivery queue requires a task queue")
	}
	if opts.Reporter == nil {
		return nil, fmt.Errorf("delivery queue requires a reporter")
	}
	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDeliveryConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultDeliveryConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultDeliveryConfig().IdleInterval
	}
	if opts.Bus == nil {
		opts.Bus = NewWakeBus()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	return &DeliveryQueue{
		queue:    opts.Queue,
		calls:    opts.Calls,
		reporter: opts.Reporter,
		bus:      opts.Bus,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		config:   cfg,
		logger:   opts.Logger.With().Str("component", "delivery").Logger(),
		rand:     opts.Rand,
		onDead:   opts.OnDead,
		kick:     make(chan struct{}, 1),
		work:     make(chan *SyncTask),
		inflight: make(map[string]struct{}),
	}, nil
}

// Submit enqueues the outcome of a terminal call. Submitting the same
// request ID again is a no-op.
func (d *DeliveryQueue) Submit(ctx context.Context, call *PendingCall) error {
	report, err := NewReport(call)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	now := d.clock.Now()
	created, err := d.queue.Enqueue(ctx, &SyncTask{
		RequestID:     call.RequestID,
		Payload:       payload,
		DeliveryState: DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue report: %w", err)
	}
	if !created {
		d.logger.Debug().Str("request_id", call.RequestID).Msg("Report already queued")
		return nil
	}
	d.Kick()
	return nil
}

// Kick asks the dispatcher to look for due tasks now.
func (d *DeliveryQueue) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches and delivers tasks until ctx is cancelled.
func (d *DeliveryQueue) Run(ctx context.Context) error {
	wakes, unsubscribe := d.bus.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.config.Workers; i++ {
		id := i
		g.Go(func() error {
			d.worker(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		d.dispatch(gctx, wakes)
		return nil
	})
	return g.Wait()
}

// Requeue moves a dead task back to pending and triggers dispatch.
func (d *DeliveryQueue) Requeue(ctx context.Context, requestID string) error {
	if err := d.queue.Requeue(ctx, requestID, d.clock.Now()); err != nil {
		return err
	}
	d.logger.Info().Str("request_id", requestID).Msg("Dead task requeued")
	d.Kick()
	return nil
}

// Purge deletes a dead task.
func (d *DeliveryQueue) Purge(ctx context.Context, requestID string) error {
	if err := d.queue.Purge(ctx, requestID, d.clock.Now()); err != nil {
		return err
	}
	d.logger.Info().Str("request_id", requestID).Msg("Dead task purged")
	return nil
}

// DeadLetters lists parked tasks.
func (d *DeliveryQueue) DeadLetters(ctx context.Context) ([]*SyncTask, error) {
	return d.queue.ListDead(ctx)
}

func (d *DeliveryQueue) dispatch(ctx context.Context, wakes <-chan string) {
	for {
		d.dispatchDue(ctx)

		wait := d.config.IdleInterval
		next, ok, err := d.queue.NextAttemptAt(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Failed to read next attempt time")
		}
		if ok {
			if until := next.Sub(d.clock.Now()); until > 0 && until < wait {
				wait = until
			}
		}

		timer := d.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		case <-d.kick:
			timer.Stop()
		case reason := <-wakes:
			timer.Stop()
			if reason == WakeConnectivity {
				d.expedite(ctx)
			}
		}
	}
}

// Expedite makes every queued report due now and triggers dispatch.
func (d *DeliveryQueue) Expedite(ctx context.Context) {
	d.expedite(ctx)
	d.Kick()
}

func (d *DeliveryQueue) expedite(ctx context.Context) {
	n, err := d.queue.Expedite(ctx, d.clock.Now())
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to expedite tasks")
		return
	}
	if n > 0 {
		d.logger.Info().Int64("count", n).Msg("Connectivity restored; retrying queued reports")
	}
}

// dispatchDue hands every due task that is not already in flight to a worker.
func (d *DeliveryQueue) dispatchDue(ctx context.Context) {
	limit := d.config.Workers * 4
	d.mu.Lock()
	limit += len(d.inflight)
	d.mu.Unlock()

	tasks, err := d.queue.Due(ctx, d.clock.Now(), limit)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Failed to load due tasks")
		}
		return
	}

	for _, task := range tasks {
		d.mu.Lock()
		if _, busy := d.inflight[task.RequestID]; busy {
			d.mu.Unlock()
			continue
		}
		d.inflight[task.RequestID] = struct{}{}
		d.mu.Unlock()

		select {
		case d.work <- task:
		case <-ctx.Done():
			d.release(task.RequestID)
			return
		}
	}
	d.refreshDepth(ctx)
}

func (d *DeliveryQueue) worker(ctx context.Context, id int) {
	logger := d.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.work:
			d.safeAttempt(ctx, logger, task)
			d.release(task.RequestID)
			d.Kick()
		}
	}
}

func (d *DeliveryQueue) safeAttempt(ctx context.Context, logger zerolog.Logger, task *SyncTask) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Str("request_id", task.RequestID).Interface("panic", p).Msg("Delivery attempt panicked")
		}
	}()
	d.attempt(ctx, logger, task)
}

// attempt delivers one task and records the result.
func (d *DeliveryQueue) attempt(ctx context.Context, logger zerolog.Logger, task *SyncTask) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "delivery.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.request_id", task.RequestID),
		attribute.Int("delivery.retry_count", task.RetryCount),
	)
	logger = logger.With().Str("request_id", task.RequestID).Logger()

	// The dispatcher may hold a stale snapshot; only attempt tasks still due.
	current, err := d.queue.GetTask(ctx, task.RequestID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Error().Err(err).Msg("Failed to load task")
		}
		return
	}
	if current.DeliveryState != DeliveryPending || current.NextAttemptAt.After(d.clock.Now()) {
		return
	}
	task = current

	var report Report
	if err := json.Unmarshal(task.Payload, &report); err != nil {
		d.park(ctx, logger, task, NewPermanentError("corrupt report payload", err).WithCode(ErrCodeValidation))
		return
	}

	attemptCtx := ctx
	if d.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.config.AttemptTimeout)
		defer cancel()
	}

	start := d.clock.Now()
	err = d.reporter.Report(attemptCtx, &report)
	elapsed := d.clock.Now().Sub(start)

	if err == nil {
		now := d.clock.Now()
		if err := d.queue.MarkSent(ctx, task.RequestID, now); err != nil {
			logger.Error().Err(err).Msg("Failed to mark task sent")
		}
		if d.calls != nil {
			if err := d.calls.MarkDelivered(ctx, task.RequestID, now); err != nil && !errors.Is(err, ErrNotFound) {
				logger.Error().Err(err).Msg("Failed to mark call delivered")
			}
		}
		d.metrics.RecordDelivery("sent", elapsed)
		logger.Info().Str("outcome", string(report.Outcome)).Msg("Report delivered")
		return
	}

	if ctx.Err() != nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsPermanent(err) {
		d.metrics.RecordDelivery("rejected", elapsed)
		d.park(ctx, logger, task, err)
		return
	}

	retries := task.RetryCount + 1
	if retries >= d.config.MaxAttempts {
		d.metrics.RecordDelivery("exhausted", elapsed)
		d.park(ctx, logger, task, fmt.Errorf("retry budget of %d exhausted: %w", d.config.MaxAttempts, err))
		return
	}

	delay := d.retryDelay(retries, err)
	if err := d.queue.Reschedule(ctx, task.RequestID, retries, d.clock.Now().Add(delay), err.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to reschedule task")
		return
	}
	d.metrics.RecordDelivery("retry", elapsed)
	logger.Warn().Err(err).Int("retry", retries).Dur("delay", delay).Msg("Report delivery failed; will retry")
}

func (d *DeliveryQueue) park(ctx context.Context, logger zerolog.Logger, task *SyncTask, cause error) {
	if err := d.queue.MarkDead(ctx, task.RequestID, cause.Error(), d.clock.Now()); err != nil {
		logger.Error().Err(err).Msg("Failed to park task")
		return
	}
	logger.Error().Err(cause).Msg("Report parked as dead letter")
	if d.onDead != nil {
		d.onDead(task, cause)
	}
	d.refreshDepth(ctx)
}

// retryDelay is BaseDelay doubled per retry, capped at MaxDelay, then
// jittered. A longer server hint takes precedence, still capped.
func (d *DeliveryQueue) retryDelay(retries int, err error) time.Duration {
	delay := d.config.BaseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= d.config.MaxDelay {
			delay = d.config.MaxDelay
			break
		}
	}
	if d.config.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 + d.config.Jitter*(2*d.rand()-1)))
	}
	if hint := RetryAfter(err); hint > delay {
		delay = hint
	}
	if delay > d.config.MaxDelay {
		delay = d.config.MaxDelay
	}
	return delay
}

func (d *DeliveryQueue) release(requestID string) {
	d.mu.Lock()
	delete(d.inflight, requestID)
	d.mu.Unlock()
}

func (d *DeliveryQueue) refreshDepth(ctx context.Context) {
	pending, dead, err := d.queue.Depth(ctx)
	if err != nil {
		return
	}
	d.metrics.SetQueueDepth(pending, dead)
}
