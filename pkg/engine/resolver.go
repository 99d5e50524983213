package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/callsync/callsync/pkg/engine"

// ResolverConfig bounds how and when call-log evidence is inspected.
type ResolverConfig struct {
	// Offsets are the check times relative to call creation, in ascending order.
	Offsets []time.Duration

	// SmallBefore widens the query window before creation to absorb clock skew.
	SmallBefore time.Duration

	// ToleranceAfter widens the query window past each check offset.
	ToleranceAfter time.Duration

	// Window is the total resolution budget. When it elapses without a match
	// the call times out with an unknown outcome.
	Window time.Duration
}

// DefaultResolverConfig returns the default resolution schedule.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Offsets: []time.Duration{
			2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
			40 * time.Second, 60 * time.Second, 90 * time.Second, 120 * time.Second,
		},
		SmallBefore:    5 * time.Second,
		ToleranceAfter: 10 * time.Second,
		Window:         3 * time.Minute,
	}
}

// schedule returns the offsets that fall inside the window.
func (c ResolverConfig) schedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Offsets))
	for _, o := range c.Offsets {
		if o >= 0 && o <= c.Window {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultClassifier maps rejected and blocked records to declined and
// every other zero-duration record to no answer.
type DefaultClassifier struct{}

// Classify implements OutcomeClassifier.
func (DefaultClassifier) Classify(_ context.Context, entry CallLogEntry) (OutcomeKind, error) {
	switch entry.Direction {
	case DirectionRejected, DirectionBlocked:
		return OutcomeDeclined, nil
	default:
		return OutcomeNoAnswer, nil
	}
}

// Resolver matches call-log evidence to pending calls. Each tracked call
// gets its own goroutine; writes to one call are serialized by that
// goroutine and by the store's compare-and-transition.
type Resolver struct {
	store      PendingCallStore
	callLog    CallLog
	classifier OutcomeClassifier
	readiness  ReadinessReporter
	sink       TerminalSink
	normalizer *PhoneNormalizer
	clock      Clock
	metrics    MetricsRecorder
	config     ResolverConfig
	logger     zerolog.Logger
	onResolved func(call *PendingCall)

	mu      sync.Mutex
	baseCtx context.Context
	tracked map[string]context.CancelFunc
	backlog []*PendingCall
	wg      sync.WaitGroup

	evidenceDown atomic.Bool
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Store      PendingCallStore
	CallLog    CallLog
	Classifier OutcomeClassifier
	Readiness  ReadinessReporter
	Sink       TerminalSink
	Normalizer *PhoneNormalizer
	Clock      Clock
	Metrics    MetricsRecorder
	Config     ResolverConfig
	Logger     zerolog.Logger

	// OnResolved is invoked after a call reaches a terminal state.
	OnResolved func(call *PendingCall)
}

// NewResolver creates a resolver. It does nothing until Run is called.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("resolver requires a store")
	}
	if opts.CallLog == nil {
		return nil, fmt.Errorf("resolver requires a call log")
	}
	if opts.Config.Window <= 0 {
		return nil, fmt.Errorf("resolver window must be positive")
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Resolver{
		store:      opts.Store,
		callLog:    opts.CallLog,
		classifier: opts.Classifier,
		readiness:  opts.Readiness,
		sink:       opts.Sink,
		onResolved: opts.OnResolved,
		normalizer: opts.Normalizer,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		config:     opts.Config,
		logger:     opts.Logger.With().Str("component", "resolver").Logger(),
		tracked:    make(map[string]context.CancelFunc),
	}, nil
}

// Run resumes every active call from the store, then resolves tracked calls
// until ctx is cancelled. It returns after all per-call goroutines exit.
func (r *Resolver) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	backlog := r.backlog
	r.backlog = nil
	r.mu.Unlock()

	active, err := r.store.ListActive(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load active calls")
	}
	for _, call := range append(active, backlog...) {
		r.Track(call)
	}
	if len(active) > 0 {
		r.logger.Info().Int("count", len(active)).Msg("Resumed active calls")
	}

	<-ctx.Done()

	r.mu.Lock()
	for _, cancel := range r.tracked {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// Track starts resolving a pending call. Calls already being tracked are
// ignored. Calls tracked before Run are held until Run starts.
func (r *Resolver) Track(call *PendingCall) {
	if call == nil || call.State != CallStatePending {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.baseCtx == nil {
		r.backlog = append(r.backlog, call)
		return
	}
	if r.baseCtx.Err() != nil {
		return
	}
	if _, ok := r.tracked[call.RequestID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.tracked[call.RequestID] = cancel
	r.wg.Add(1)
	go r.watch(ctx, call)
}

// Tracked returns the number of calls currently being watched.
func (r *Resolver) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// EvidenceAvailable reports whether the last call-log query succeeded.
func (r *Resolver) EvidenceAvailable() bool {
	return !r.evidenceDown.Load()
}

// watch drives one call through its check schedule.
func (r *Resolver) watch(ctx context.Context, call *PendingCall) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.tracked[call.RequestID]; ok {
			cancel()
			delete(r.tracked, call.RequestID)
		}
		r.mu.Unlock()
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("request_id", call.RequestID).
				Interface("panic", p).
				Msg("Resolver task panicked")
		}
	}()

	deadline := call.CreatedAt.Add(r.config.Window)
	offsets := r.config.schedule()

	if !r.clock.Now().Before(deadline) {
		if done := r.check(ctx, call, r.config.Window); done {
			return
		}
		r.expire(ctx, call)
		return
	}

	for i, offset := range offsets {
		at := call.CreatedAt.Add(offset)
		now := r.clock.Now()
		// Collapse checks missed while the process was down into one.
		if i+1 < len(offsets) && !call.CreatedAt.Add(offsets[i+1]).After(now) {
			continue
		}
		if err := sleep(ctx, r.clock, at.Sub(now)); err != nil {
			return
		}
		if done := r.check(ctx, call, offset); done {
			return
		}
	}

	if err := sleep(ctx, r.clock, deadline.Sub(r.clock.Now())); err != nil {
		return
	}
	// Evidence stamped after the last offset's tolerance is still inside
	// the window: look once more before giving up.
	if len(offsets) == 0 || offsets[len(offsets)-1] < r.config.Window {
		if done := r.check(ctx, call, r.config.Window); done {
			return
		}
	}
	r.expire(ctx, call)
}

// check performs one resolution attempt. It returns true when the call
// no longer needs watching.
func (r *Resolver) check(ctx context.Context, call *PendingCall, offset time.Duration) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "resolver.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.request_id", call.RequestID),
		attribute.Int64("resolver.offset_ms", offset.Milliseconds()),
	)

	logger := r.logger.With().Str("request_id", call.RequestID).Logger()

	attempts, err := r.store.RecordAttempt(ctx, call.RequestID)
	if err != nil {
		if errors.Is(err, ErrStateMismatch) || errors.Is(err, ErrNotFound) {
			r.metrics.RecordResolutionCheck("already_terminal")
			return true
		}
		logger.Error().Err(err).Msg("Failed to record resolution attempt")
	}
	span.SetAttributes(attribute.Int("call.attempts", attempts))

	upper := offset + r.config.ToleranceAfter
	if max := r.config.Window + r.config.ToleranceAfter; upper > max {
		upper = max
	}
	from := call.CreatedAt.Add(-r.config.SmallBefore)
	to := call.CreatedAt.Add(upper)

	entries, err := r.callLog.Query(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if HasCode(err, ErrCodeEvidenceUnavailable) {
			r.metrics.RecordResolutionCheck("evidence_unavailable")
			if !r.evidenceDown.Swap(true) && r.readiness != nil {
				r.readiness.EvidenceUnavailable(err)
			}
			logger.Warn().Err(err).Msg("Call log unavailable; skipping check")
			return false
		}
		r.metrics.RecordResolutionCheck("error")
		logger.Error().Err(err).Msg("Call log query failed")
		return false
	}
	if r.evidenceDown.Swap(false) && r.readiness != nil {
		r.readiness.EvidenceAvailable()
	}

	for _, candidate := range r.rank(call, entries, from, to) {
		evidenceID := candidate.EvidenceID(r.normalizer)
		outcome := r.outcomeFor(ctx, candidate)
		updated, err := r.store.CompareAndTransition(ctx, call.RequestID, CallStatePending, Transition{
			To:                CallStateResolved,
			Outcome:           outcome,
			MatchedEvidenceID: evidenceID,
			At:                r.clock.Now(),
		})
		switch {
		case err == nil:
			r.metrics.RecordResolutionCheck("matched")
			r.metrics.RecordResolution(string(outcome.Kind))
			logger.Info().
				Str("outcome", string(outcome.Kind)).
				Int("duration", outcome.DurationSeconds).
				Str("evidence_id", evidenceID).
				Int("attempts", updated.Attempts).
				Msg("Call resolved")
			r.submit(ctx, updated)
			return true
		case errors.Is(err, ErrEvidenceBound):
			logger.Debug().Str("evidence_id", evidenceID).Msg("Evidence bound to another call; trying next candidate")
			continue
		case errors.Is(err, ErrStateMismatch):
			r.metrics.RecordResolutionCheck("already_terminal")
			return true
		default:
			r.metrics.RecordResolutionCheck("error")
			logger.Error().Err(err).Msg("Failed to resolve call")
			return false
		}
	}

	r.metrics.RecordResolutionCheck("no_match")
	return false
}

// rank returns the entries that can be evidence for call, best first:
// smallest distance from creation, ties broken by the most recent record.
func (r *Resolver) rank(call *PendingCall, entries []CallLogEntry, from, to time.Time) []CallLogEntry {
	candidates := make([]CallLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Direction.IsInbound() {
			continue
		}
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		if r.normalizer.Normalize(e.Number) != call.PhoneNumber {
			continue
		}
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := absDuration(candidates[i].Timestamp.Sub(call.CreatedAt))
		dj := absDuration(candidates[j].Timestamp.Sub(call.CreatedAt))
		if di != dj {
			return di < dj
		}
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})
	return candidates
}

// outcomeFor derives the outcome for a matched entry.
func (r *Resolver) outcomeFor(ctx context.Context, entry CallLogEntry) *Outcome {
	if entry.DurationSeconds > 0 {
		return Completed(entry.DurationSeconds)
	}
	kind, err := r.classifier.Classify(ctx, entry)
	if err == nil && (kind == OutcomeDeclined || kind == OutcomeNoAnswer) {
		return &Outcome{Kind: kind}
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Outcome classifier failed; using default")
	} else {
		r.logger.Warn().Str("outcome", string(kind)).Msg("Classifier returned unusable outcome; using default")
	}
	kind, _ = DefaultClassifier{}.Classify(ctx, entry)
	return &Outcome{Kind: kind}
}

// expire times the call out once its window has elapsed.
func (r *Resolver) expire(ctx context.Context, call *PendingCall) {
	updated, err := r.store.CompareAndTransition(ctx, call.RequestID, CallStatePending, Transition{
		To:      CallStateTimeout,
		Outcome: &Outcome{Kind: OutcomeUnknown},
		At:      r.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, ErrStateMismatch) {
			return
		}
		r.logger.Error().Err(err).Str("request_id", call.RequestID).Msg("Failed to time out call")
		return
	}

	r.metrics.RecordResolution(string(OutcomeUnknown))
	r.logger.Info().
		Str("request_id", call.RequestID).
		Err(NewResolutionTimeoutError(call.RequestID, r.config.Window)).
		Int("attempts", updated.Attempts).
		Msg("Call timed out")
	r.submit(ctx, updated)
}

func (r *Resolver) submit(ctx context.Context, call *PendingCall) {
	if r.onResolved != nil {
		r.onResolved(call.Clone())
	}
	if r.sink == nil {
		return
	}
	// Enqueue even if the watch is being cancelled.
	if err := r.sink.Submit(context.WithoutCancel(ctx), call); err != nil {
		r.logger.Error().Err(err).Str("request_id", call.RequestID).
			Msg("Failed to enqueue outcome; it will be recovered on restart")
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
