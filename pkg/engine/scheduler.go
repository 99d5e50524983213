package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// SchedulerConfig tunes the synchronization cadence.
type SchedulerConfig struct {
	// DeviceID identifies this device to the command source.
	DeviceID string

	// BaseInterval is the first backoff wait after an empty or failed poll.
	BaseInterval time.Duration

	// MaxInterval caps the foreground backoff.
	MaxInterval time.Duration

	// BackgroundBase and BackgroundMax replace the foreground bounds while
	// the host app is backgrounded.
	BackgroundBase time.Duration
	BackgroundMax  time.Duration

	// Jitter is the relative spread applied to each wait, in [0, 1).
	Jitter float64

	// BurstDuration is how long polling stays fast after a wake.
	BurstDuration time.Duration

	// BurstInterval is the spacing between polls during a burst.
	BurstInterval time.Duration

	// PollTimeout bounds each long-poll request.
	PollTimeout time.Duration
}

// DefaultSchedulerConfig returns the default cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BaseInterval:   5 * time.Second,
		MaxInterval:    5 * time.Minute,
		BackgroundBase: 30 * time.Second,
		BackgroundMax:  15 * time.Minute,
		Jitter:         0.2,
		BurstDuration:  30 * time.Second,
		BurstInterval:  2 * time.Second,
		PollTimeout:    30 * time.Second,
	}
}

// Scheduler merges periodic remote polling with wake-driven bursts.
//
// After an empty or failed poll it waits the current interval and doubles
// it up to the cap. A poll that returns commands resets the interval and
// polls again at once. A wake cancels any wait, polls immediately, and
// keeps polling every BurstInterval for BurstDuration before falling back
// to the base interval. At most one poll is in flight at any time.
type Scheduler struct {
	source  CommandSource
	handler CommandHandler
	bus     *WakeBus
	clock   Clock
	metrics MetricsRecorder
	config  SchedulerConfig
	logger  zerolog.Logger
	rand    func() float64

	group   singleflight.Group
	control chan struct{}

	mu         sync.Mutex
	state      SchedulerState
	interval   time.Duration
	online     bool
	background bool
	burstUntil time.Time
	lastPoll   *time.Time
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Source  CommandSource
	Handler CommandHandler
	Bus     *WakeBus
	Clock   Clock
	Metrics MetricsRecorder
	Config  SchedulerConfig
	Logger  zerolog.Logger

	// Rand returns values in [0, 1) for jitter. Defaults to math/rand.
	Rand func() float64
}

// NewScheduler creates a scheduler in the idle state.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("scheduler requires a command source")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("scheduler requires a command handler")
	}
	cfg := opts.Config
	if cfg.BaseInterval <= 0 || cfg.MaxInterval < cfg.BaseInterval {
		return nil, fmt.Errorf("invalid scheduler intervals: base=%s max=%s", cfg.BaseInterval, cfg.MaxInterval)
	}
	if cfg.BackgroundBase <= 0 {
		cfg.BackgroundBase = cfg.BaseInterval
	}
	if cfg.BackgroundMax < cfg.BackgroundBase {
		cfg.BackgroundMax = cfg.BackgroundBase
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = cfg.BaseInterval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		return nil, fmt.Errorf("scheduler jitter must be in [0, 1), got %v", cfg.Jitter)
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

	return &Scheduler{
		source:   opts.Source,
		handler:  opts.Handler,
		bus:      opts.Bus,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		config:   cfg,
		logger:   opts.Logger.With().Str("component", "scheduler").Logger(),
		rand:     opts.Rand,
		control:  make(chan struct{}, 1),
		state:    SchedulerIdle,
		interval: cfg.BaseInterval,
		online:   true,
	}, nil
}

// Run drives the polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	wakes, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	defer s.setState(SchedulerIdle)

	s.logger.Info().
		Dur("base_interval", s.config.BaseInterval).
		Dur("max_interval", s.config.MaxInterval).
		Msg("Scheduler started")

	pollNext := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !s.Online() {
			s.setState(SchedulerSuspended)
			select {
			case <-ctx.Done():
				return nil
			case <-s.control:
			case <-wakes:
			}
			if s.Online() {
				s.logger.Info().Msg("Network restored; resuming backoff at base interval")
				s.resetInterval()
				pollNext = false
			}
			continue
		}

		var wait time.Duration
		if pollNext {
			count, err := s.pollOnce(ctx)
			if ctx.Err() != nil {
				return nil
			}
			var again bool
			wait, again = s.afterPoll(count, err)
			if again {
				continue
			}
		} else {
			wait = s.backoffWait()
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
			pollNext = true
		case reason := <-wakes:
			timer.Stop()
			s.enterBurst(reason)
			pollNext = true
		case <-s.control:
			timer.Stop()
			pollNext = false
		}
	}
}

// PollNow polls the command source, sharing the request with any poll
// already in flight. It returns the number of commands received.
func (s *Scheduler) PollNow(ctx context.Context) (int, error) {
	v, err, shared := s.group.Do("poll", func() (interface{}, error) {
		return s.poll(ctx)
	})
	if shared {
		s.logger.Debug().Msg("Joined in-flight poll")
	}
	n, _ := v.(int)
	return n, err
}

// SetOnline tells the scheduler whether the network is reachable. Going
// offline suspends polling. Coming back resumes at the base interval.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.logger.Info().Bool("online", online).Msg("Connectivity changed")
		s.signal()
	}
}

// SetBackground switches between the foreground and background cadence.
func (s *Scheduler) SetBackground(background bool) {
	s.mu.Lock()
	changed := s.background != background
	s.background = background
	if changed {
		s.interval = s.baseLocked()
	}
	s.mu.Unlock()
	if changed {
		s.logger.Info().Bool("background", background).Msg("Cadence changed")
		s.signal()
	}
}

// Online reports whether polling is enabled.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Background reports whether the background cadence is in effect.
func (s *Scheduler) Background() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// State returns the current scheduler state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the current backoff interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// LastSuccessfulPoll returns when the source last answered without error.
func (s *Scheduler) LastSuccessfulPoll() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPoll == nil {
		return nil
	}
	t := *s.lastPoll
	return &t
}

func (s *Scheduler) pollOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != SchedulerBurst {
		s.state = SchedulerPolling
	}
	s.mu.Unlock()
	return s.PollNow(ctx)
}

// poll performs one request and hands every command to the handler.
func (s *Scheduler) poll(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler.poll")
	defer span.End()

	pollCtx := ctx
	if s.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, s.config.PollTimeout)
		defer cancel()
	}

	start := s.clock.Now()
	commands, err := s.source.Poll(pollCtx, s.config.DeviceID)
	elapsed := s.clock.Now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordPoll("error", elapsed)
		if ClassOf(err) == "" {
			err = NewTransientNetworkError("poll", err)
		}
		return 0, err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastPoll = &now
	s.mu.Unlock()

	result := "empty"
	if len(commands) > 0 {
		result = "commands"
	}
	s.metrics.RecordPoll(result, elapsed)
	span.SetAttributes(attribute.Int("poll.commands", len(commands)))

	for _, cmd := range commands {
		if cmd.Source == "" {
			cmd.Source = SourceRemoteCommand
		}
		if _, err := s.handler.Accept(ctx, cmd); err != nil {
			s.logger.Error().Err(err).Str("request_id", cmd.RequestID).Msg("Failed to accept command")
		}
	}
	return len(commands), nil
}

// afterPoll updates the cadence from a poll result. It returns how long to
// wait, or again=true to poll immediately.
func (s *Scheduler) afterPoll(count int, err error) (wait time.Duration, again bool) {
	if err != nil {
		level := s.logger.Warn()
		if IsPermanent(err) {
			level = s.logger.Error()
		}
		level.Err(err).Msg("Poll failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A non-empty poll is always followed by another at once, burst or not.
	if err == nil && count > 0 {
		s.interval = s.baseLocked()
		s.metrics.SetBackoffInterval(s.interval)
		return 0, true
	}

	if !s.burstUntil.IsZero() {
		if s.clock.Now().Before(s.burstUntil) {
			s.state = SchedulerBurst
			return s.config.BurstInterval, false
		}
		s.burstUntil = time.Time{}
		s.interval = s.baseLocked()
		s.logger.Debug().Msg("Burst ended")
	}
	return s.advanceLocked(), false
}

// backoffWait returns the next wait without a preceding poll.
func (s *Scheduler) backoffWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked()
}

// advanceLocked returns the jittered current interval and doubles it for next time.
func (s *Scheduler) advanceLocked() time.Duration {
	s.state = SchedulerBackoffWait
	wait := s.jitter(s.interval)

	next := s.interval * 2
	if max := s.maxLocked(); next > max {
		next = max
	}
	s.interval = next
	s.metrics.SetBackoffInterval(wait)
	return wait
}

func (s *Scheduler) enterBurst(reason string) {
	s.mu.Lock()
	s.burstUntil = s.clock.Now().Add(s.config.BurstDuration)
	s.state = SchedulerBurst
	s.mu.Unlock()

	s.metrics.RecordWake(reason)
	s.logger.Info().Str("reason", reason).Msg("Wake received; entering burst")
}

func (s *Scheduler) resetInterval() {
	s.mu.Lock()
	s.interval = s.baseLocked()
	s.burstUntil = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) jitter(d time.Duration) time.Duration {
	if s.config.Jitter == 0 {
		return d
	}
	factor := 1 + s.config.Jitter*(2*s.rand()-1)
	return time.Duration(float64(d) * factor)
}

func (s *Scheduler) baseLocked() time.Duration {
	if s.background {
		return s.config.BackgroundBase
	}
	return s.config.BaseInterval
}

func (s *Scheduler) maxLocked() time.Duration {
	if s.background {
		return s.config.BackgroundMax
	}
	return s.config.MaxInterval
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.control <- struct{}{}:
	default:
	}
}
