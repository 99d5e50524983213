package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// manualClock is an engine.Clock that only moves when the test advances it.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	created []time.Duration
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	c     chan time.Time
	done  bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTimer(d time.Duration) engine.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, at: c.now.Add(d), c: make(chan time.Time, 1)}
	c.created = append(c.created, d)
	if d <= 0 {
		t.done = true
		t.c <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) C() <-chan time.Time { return t.c }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward and fires every timer that came due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.fireLocked()
}

// AdvanceToNext jumps to the earliest armed timer and fires it. It returns
// false when no timer is armed.
func (c *manualClock) AdvanceToNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next time.Time
	found := false
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !found || t.at.Before(next) {
			next = t.at
			found = true
		}
	}
	if !found {
		return false
	}
	if next.After(c.now) {
		c.now = next
	}
	c.fireLocked()
	return true
}

func (c *manualClock) fireLocked() {
	active := c.timers[:0]
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !t.at.After(c.now) {
			t.done = true
			t.c <- c.now
			continue
		}
		active = append(active, t)
	}
	c.timers = active
}

// Armed returns the number of timers waiting to fire.
func (c *manualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Created returns the durations of every timer created so far.
func (c *manualClock) Created() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.created...)
}

// waitFor polls cond in real time until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// driveUntil keeps firing the next armed timer until cond holds.
func driveUntil(t *testing.T, clock *manualClock, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out driving clock until %s (now %s)", what, clock.Now())
		}
		clock.AdvanceToNext()
		time.Sleep(time.Millisecond)
	}
}

// run starts fn in the background and returns a stop function that
// cancels it and waits for it to return.
func run(t *testing.T, fn func(ctx context.Context) error) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Errorf("Run() did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

type fakeCallLog struct {
	mu      sync.Mutex
	entries []engine.CallLogEntry
	err     error
	queries int
}

func (f *fakeCallLog) Query(_ context.Context, from, to time.Time) ([]engine.CallLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	var out []engine.CallLogEntry
	for _, e := range f.entries {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCallLog) add(entries ...engine.CallLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
}

func (f *fakeCallLog) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCallLog) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type recordingSink struct {
	mu    sync.Mutex
	calls []*engine.PendingCall
}

func (s *recordingSink) Submit(_ context.Context, call *engine.PendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call.Clone())
	return nil
}

func (s *recordingSink) submitted() []*engine.PendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*engine.PendingCall(nil), s.calls...)
}

type fakeDialer struct {
	mu     sync.Mutex
	dialed []string
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, number string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, number)
	return d.err
}

func (d *fakeDialer) numbers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// fakeReporter answers each report with the next scripted error, then
// with the last one for every further attempt. No script means success.
type fakeReporter struct {
	mu      sync.Mutex
	script  []error
	reports []engine.Report
}

func (r *fakeReporter) Report(_ context.Context, report *engine.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, *report)
	if len(r.script) == 0 {
		return nil
	}
	err := r.script[0]
	if len(r.script) > 1 {
		r.script = r.script[1:]
	}
	return err
}

func (r *fakeReporter) sent() []engine.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Report(nil), r.reports...)
}

type readinessRecorder struct {
	mu          sync.Mutex
	unavailable int
	available   int
}

func (r *readinessRecorder) EvidenceUnavailable(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable++
}

func (r *readinessRecorder) EvidenceAvailable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available++
}

func (r *readinessRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unavailable, r.available
}
