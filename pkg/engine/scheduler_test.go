package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// scriptedSource returns the next scripted result for each poll, then
// empty results. When gate is set each poll blocks until it is released.
type scriptedSource struct {
	mu      sync.Mutex
	results []pollResult
	polls   int
	gate    chan struct{}
}

type pollResult struct {
	commands []engine.Command
	err      error
}

func (s *scriptedSource) Poll(ctx context.Context, deviceID string) ([]engine.Command, error) {
	s.mu.Lock()
	s.polls++
	gate := s.gate
	var r pollResult
	if len(s.results) > 0 {
		r = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.commands, r.err
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type countingHandler struct {
	mu       sync.Mutex
	accepted []engine.Command
}

func (h *countingHandler) Accept(_ context.Context, cmd engine.Command) (*engine.AcceptResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted = append(h.accepted, cmd)
	return &engine.AcceptResult{RequestID: cmd.RequestID, Tracked: true}, nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.accepted)
}

func testSchedulerConfig() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		DeviceID:       "phone-1",
		BaseInterval:   5 * time.Second,
		MaxInterval:    20 * time.Second,
		BackgroundBase: 30 * time.Second,
		BackgroundMax:  2 * time.Minute,
		BurstDuration:  6 * time.Second,
		BurstInterval:  2 * time.Second,
	}
}

func newTestScheduler(t *testing.T, source engine.CommandSource, handler engine.CommandHandler, bus *engine.WakeBus, clock engine.Clock) *engine.Scheduler {
	t.Helper()
	s, err := engine.NewScheduler(engine.SchedulerOptions{
		Source:  source,
		Handler: handler,
		Bus:     bus,
		Clock:   clock,
		Config:  testSchedulerConfig(),
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return s
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSchedulerBacksOffToCap(t *testing.T) {
	clock := newManualClock(t0)
	source := &scriptedSource{results: []pollResult{
		{},
		{err: engine.NewTransientNetworkError("poll", errors.New("connection reset"))},
		{},
		{},
	}}
	s := newTestScheduler(t, source, &countingHandler{}, nil, clock)
	run(t, s.Run)

	driveUntil(t, clock, "five polls", func() bool { return source.count() >= 5 })
	waitFor(t, "fifth wait", func() bool { return len(clock.Created()) >= 5 })

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second, 20 * time.Second}
	if got := clock.Created()[:5]; !equalDurations(got, want) {
		t.Errorf("Waits = %v, want %v", got, want)
	}
	if got := s.State(); got != engine.SchedulerBackoffWait {
		t.Errorf("State() = %s, want backoff_wait", got)
	}
	if s.LastSuccessfulPoll() == nil {
		t.Error("LastSuccessfulPoll() = nil after empty polls")
	}
}

func TestSchedulerResetsAfterCommands(t *testing.T) {
	clock := newManualClock(t0)
	handler := &countingHandler{}
	source := &scriptedSource{results: []pollResult{
		{},
		{},
		{commands: []engine.Command{{PhoneNumber: "79001234567", RequestID: "req-1"}}},
	}}
	s := newTestScheduler(t, source, handler, nil, clock)
	run(t, s.Run)

	// Empty, empty, commands (polls again at once), empty.
	driveUntil(t, clock, "four polls", func() bool { return source.count() >= 4 })
	waitFor(t, "wait after reset", func() bool { return len(clock.Created()) >= 3 })

	want := []time.Duration{5 * time.Second, 10 * time.Second, 5 * time.Second}
	if got := clock.Created()[:3]; !equalDurations(got, want) {
		t.Errorf("Waits = %v, want %v", got, want)
	}
	if handler.count() != 1 {
		t.Errorf("Handler accepted %d commands, want 1", handler.count())
	}
}

func TestSchedulerWakeStartsBurst(t *testing.T) {
	clock := newManualClock(t0)
	bus := engine.NewWakeBus()
	source := &scriptedSource{}
	s := newTestScheduler(t, source, &countingHandler{}, bus, clock)
	run(t, s.Run)

	// Let the backoff grow first.
	driveUntil(t, clock, "three polls", func() bool { return source.count() >= 3 })
	waitFor(t, "third wait", func() bool { return clock.Armed() == 1 && len(clock.Created()) == 3 })

	bus.Publish(engine.WakePush)
	waitFor(t, "wake poll", func() bool { return source.count() == 4 })
	waitFor(t, "burst wait", func() bool { return len(clock.Created()) == 4 })
	if got := s.State(); got != engine.SchedulerBurst {
		t.Errorf("State() = %s, want burst", got)
	}

	// Burst polls every 2s for 6s, then backoff restarts at the base interval.
	driveUntil(t, clock, "burst to end", func() bool { return len(clock.Created()) >= 8 })
	want := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 5 * time.Second}
	if got := clock.Created()[3:7]; !equalDurations(got, want) {
		t.Errorf("Waits after wake = %v, want %v", got, want)
	}
}

func TestSchedulerBurstRepollsAfterCommands(t *testing.T) {
	clock := newManualClock(t0)
	bus := engine.NewWakeBus()
	handler := &countingHandler{}
	source := &scriptedSource{results: []pollResult{
		{},
		{commands: []engine.Command{{PhoneNumber: "79001234567", RequestID: "req-1"}}},
	}}
	s := newTestScheduler(t, source, handler, bus, clock)
	run(t, s.Run)

	waitFor(t, "first wait", func() bool { return clock.Armed() == 1 && len(clock.Created()) == 1 })
	bus.Publish(engine.WakePush)

	// The clock never moves: the poll after the commands must not wait.
	waitFor(t, "immediate follow-up poll", func() bool { return source.count() == 3 })
	waitFor(t, "burst wait", func() bool { return clock.Armed() == 1 && len(clock.Created()) == 2 })

	want := []time.Duration{5 * time.Second, 2 * time.Second}
	if got := clock.Created(); !equalDurations(got, want) {
		t.Errorf("Waits = %v, want %v", got, want)
	}
	if handler.count() != 1 {
		t.Errorf("Handler accepted %d commands, want 1", handler.count())
	}
	if got := s.State(); got != engine.SchedulerBurst {
		t.Errorf("State() = %s, want burst", got)
	}
}

func TestSchedulerCoalescesWakesDuringPoll(t *testing.T) {
	clock := newManualClock(t0)
	bus := engine.NewWakeBus()
	gate := make(chan struct{})
	source := &scriptedSource{gate: gate}
	s := newTestScheduler(t, source, &countingHandler{}, bus, clock)
	run(t, s.Run)

	waitFor(t, "first poll in flight", func() bool { return source.count() == 1 })
	waitFor(t, "scheduler subscribed", func() bool { return bus.Subscribers() == 1 })
	for i := 0; i < 5; i++ {
		bus.Publish(engine.WakeManual)
	}
	close(gate)

	waitFor(t, "one follow-up poll", func() bool { return source.count() == 2 })
	waitFor(t, "burst wait", func() bool { return clock.Armed() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := source.count(); n != 2 {
		t.Errorf("Polls = %d, want 2: five wakes during a poll collapse into one", n)
	}
}

func TestSchedulerSuspendsWhileOffline(t *testing.T) {
	clock := newManualClock(t0)
	source := &scriptedSource{}
	s := newTestScheduler(t, source, &countingHandler{}, nil, clock)

	s.SetOnline(false)
	run(t, s.Run)

	waitFor(t, "suspended", func() bool { return s.State() == engine.SchedulerSuspended })
	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if n := source.count(); n != 0 {
		t.Fatalf("Polled %d times while offline", n)
	}

	s.SetOnline(true)
	waitFor(t, "backoff wait after restore", func() bool { return clock.Armed() == 1 })
	if got := clock.Created(); len(got) != 1 || got[0] != 5*time.Second {
		t.Errorf("Waits = %v, want [5s]: restore resumes at the base interval", got)
	}
	driveUntil(t, clock, "poll after restore", func() bool { return source.count() == 1 })
}

func TestSchedulerBackgroundCadence(t *testing.T) {
	clock := newManualClock(t0)
	source := &scriptedSource{}
	s := newTestScheduler(t, source, &countingHandler{}, nil, clock)
	s.SetBackground(true)
	run(t, s.Run)

	driveUntil(t, clock, "three polls", func() bool { return source.count() >= 3 })
	waitFor(t, "third wait", func() bool { return len(clock.Created()) >= 3 })

	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	if got := clock.Created()[:3]; !equalDurations(got, want) {
		t.Errorf("Background waits = %v, want %v", got, want)
	}
	if !s.Background() {
		t.Error("Background() = false")
	}
}

func TestSchedulerPollNowJoinsInFlight(t *testing.T) {
	gate := make(chan struct{})
	source := &scriptedSource{gate: gate, results: []pollResult{{commands: []engine.Command{{PhoneNumber: "1", RequestID: "r"}}}}}
	handler := &countingHandler{}
	s := newTestScheduler(t, source, handler, nil, newManualClock(t0))

	var wg sync.WaitGroup
	counts := make([]int, 3)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := s.PollNow(context.Background())
			if err != nil {
				t.Errorf("PollNow() error = %v", err)
			}
			counts[i] = n
		}(i)
	}
	waitFor(t, "poll in flight", func() bool { return source.count() == 1 })
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := source.count(); n != 1 {
		t.Errorf("Source polled %d times, want 1", n)
	}
	if handler.count() != 1 {
		t.Errorf("Handler accepted %d commands, want 1", handler.count())
	}
	for i, n := range counts {
		if n != 1 {
			t.Errorf("caller %d got %d commands, want 1", i, n)
		}
	}
}

func TestSchedulerPollErrorClassification(t *testing.T) {
	classified := engine.NewTransientNetworkError("poll", errors.New("connection reset"))
	source := &scriptedSource{results: []pollResult{
		{err: classified},
		{err: errors.New("socket closed")},
	}}
	s := newTestScheduler(t, source, &countingHandler{}, nil, newManualClock(t0))

	_, err := s.PollNow(context.Background())
	if !errors.Is(err, classified) {
		t.Fatalf("PollNow() error = %v, want the source error unchanged", err)
	}
	if n := strings.Count(err.Error(), "network request failed"); n != 1 {
		t.Errorf("Error() = %q, classified errors must not be wrapped again", err)
	}

	_, err = s.PollNow(context.Background())
	if !engine.IsTransient(err) || !engine.HasCode(err, engine.ErrCodeTransientNetwork) {
		t.Errorf("PollNow() error = %v, want unclassified errors marked transient", err)
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxInterval = time.Second
	_, err := engine.NewScheduler(engine.SchedulerOptions{Source: &scriptedSource{}, Handler: &countingHandler{}, Config: cfg})
	if err == nil {
		t.Error("NewScheduler() with max < base should fail")
	}

	cfg = testSchedulerConfig()
	cfg.Jitter = 1.5
	_, err = engine.NewScheduler(engine.SchedulerOptions{Source: &scriptedSource{}, Handler: &countingHandler{}, Config: cfg})
	if err == nil {
		t.Error("NewScheduler() with jitter >= 1 should fail")
	}
}
