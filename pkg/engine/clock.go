package engine

import (
	"context"
	"time"
)

// SystemClock is a Clock backed by the time package.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// NewTimer returns a timer that fires after d.
func (SystemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time { return s.t.C }
func (s *systemTimer) Stop() bool          { return s.t.Stop() }

// sleep blocks for d on the clock or until ctx is done.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// nopMetrics discards all measurements.
type nopMetrics struct{}

func (nopMetrics) RecordPoll(string, time.Duration)     {}
func (nopMetrics) RecordWake(string)                    {}
func (nopMetrics) RecordCommand(string, string)         {}
func (nopMetrics) RecordResolution(string)              {}
func (nopMetrics) RecordResolutionCheck(string)         {}
func (nopMetrics) RecordDelivery(string, time.Duration) {}
func (nopMetrics) SetBackoffInterval(time.Duration)     {}
func (nopMetrics) SetPendingCalls(int)                  {}
func (nopMetrics) SetQueueDepth(int, int)               {}
