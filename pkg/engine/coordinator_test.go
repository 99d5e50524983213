package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
	"github.com/callsync/callsync/pkg/stores"
)

type coordinatorHarness struct {
	store    *stores.MemoryStore
	source   *scriptedSource
	callLog  *fakeCallLog
	reporter *fakeReporter
	dialer   *fakeDialer
	clock    *manualClock
	coord    *engine.Coordinator

	mu       sync.Mutex
	resolved []*engine.PendingCall
}

func testEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Scheduler = testSchedulerConfig()
	cfg.Delivery.Jitter = 0
	cfg.Delivery.IdleInterval = time.Hour
	cfg.Delivery.AttemptTimeout = 0
	cfg.RetentionGrace = 24 * time.Hour
	cfg.JanitorInterval = time.Hour
	return cfg
}

func newCoordinatorHarness(t *testing.T, cfg engine.Config) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{
		store:    stores.NewMemoryStore(),
		source:   &scriptedSource{},
		callLog:  &fakeCallLog{},
		reporter: &fakeReporter{},
		dialer:   &fakeDialer{},
		clock:    newManualClock(t0),
	}
	coord, err := engine.NewCoordinator(engine.Options{
		Store:      h.store,
		Source:     h.source,
		CallLog:    h.callLog,
		Reporter:   h.reporter,
		Dialer:     h.dialer,
		Normalizer: &engine.PhoneNormalizer{CountryCode: "7", TrunkPrefix: "8", NationalLength: 10},
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
		Config:     cfg,
		OnResolved: func(call *engine.PendingCall) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.resolved = append(h.resolved, call)
		},
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	h.coord = coord
	return h
}

func (h *coordinatorHarness) resolvedCalls() []*engine.PendingCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*engine.PendingCall(nil), h.resolved...)
}

func TestCoordinatorEndToEnd(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	h.source.results = []pollResult{
		{commands: []engine.Command{{PhoneNumber: "8 900 123-45-67", RequestID: "req-A"}}},
	}
	h.callLog.add(engine.CallLogEntry{
		ID:              "calls/17",
		Number:          "+79001234567",
		Timestamp:       t0.Add(time.Second),
		DurationSeconds: 45,
		Direction:       engine.DirectionOutgoing,
	})

	run(t, h.coord.Run)
	driveUntil(t, h.clock, "report delivered", func() bool { return len(h.reporter.sent()) == 1 })

	report := h.reporter.sent()[0]
	if report.RequestID != "req-A" || report.Outcome != engine.OutcomeCompleted {
		t.Errorf("Report = %+v, want completed req-A", report)
	}
	if report.DurationSeconds == nil || *report.DurationSeconds != 45 {
		t.Errorf("DurationSeconds = %v, want 45", report.DurationSeconds)
	}
	if got := h.dialer.numbers(); len(got) != 1 || got[0] != "79001234567" {
		t.Errorf("Dialed %v, want [79001234567]", got)
	}
	if got := h.resolvedCalls(); len(got) != 1 || got[0].MatchedEvidenceID != "calls/17" {
		t.Errorf("OnResolved calls = %v, want req-A bound to calls/17", got)
	}

	ctx := context.Background()
	waitFor(t, "call delivered", func() bool {
		call, err := h.coord.Call(ctx, "req-A")
		return err == nil && call.DeliveredAt != nil
	})

	status, err := h.coord.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.ActivePending != 0 || status.QueueDepth != 0 || status.DeadTasks != 0 {
		t.Errorf("Status() = %+v, want an idle engine", status)
	}
	if status.LastSuccessfulPoll == nil || !status.Online || !status.EvidenceAvailable {
		t.Errorf("Status() = %+v, want online with a successful poll", status)
	}
}

func TestCoordinatorRecoversUndeliveredOutcomes(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	ctx := context.Background()

	at := t0.Add(-time.Minute)
	call := &engine.PendingCall{
		RequestID:   "req-old",
		PhoneNumber: "79001234567",
		Source:      engine.SourcePushWake,
		State:       engine.CallStateTimeout,
		Attempts:    8,
		Outcome:     &engine.Outcome{Kind: engine.OutcomeUnknown},
		CreatedAt:   t0.Add(-5 * time.Minute),
		ResolvedAt:  &at,
		UpdatedAt:   at,
	}
	if err := h.store.Add(ctx, call); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	run(t, h.coord.Run)
	waitFor(t, "recovered report", func() bool { return len(h.reporter.sent()) == 1 })

	report := h.reporter.sent()[0]
	if report.RequestID != "req-old" || report.Outcome != engine.OutcomeUnknown || report.DurationSeconds != nil {
		t.Errorf("Report = %+v, want unknown req-old without duration", report)
	}
	if !report.ResolvedAt.Equal(at) {
		t.Errorf("ResolvedAt = %s, want %s", report.ResolvedAt, at)
	}
}

func TestCoordinatorJanitorPurgesDeliveredCalls(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	ctx := context.Background()

	old := t0.Add(-48 * time.Hour)
	recent := t0.Add(-time.Hour)
	for id, deliveredAt := range map[string]time.Time{"req-old": old, "req-recent": recent} {
		d := deliveredAt
		call := &engine.PendingCall{
			RequestID:   id,
			PhoneNumber: "79001234567",
			Source:      engine.SourceRemoteCommand,
			State:       engine.CallStateResolved,
			Outcome:     engine.Completed(10),
			CreatedAt:   d.Add(-time.Minute),
			ResolvedAt:  &d,
			DeliveredAt: &d,
			UpdatedAt:   d,
		}
		if err := h.store.Add(ctx, call); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	run(t, h.coord.Run)
	driveUntil(t, h.clock, "old call purged", func() bool {
		_, err := h.store.Get(ctx, "req-old")
		return errors.Is(err, engine.ErrNotFound)
	})

	if _, err := h.store.Get(ctx, "req-recent"); err != nil {
		t.Errorf("Get(req-recent) error = %v, want it kept inside the grace period", err)
	}
	if n := len(h.reporter.sent()); n != 0 {
		t.Errorf("Reports sent = %d, want 0 for delivered calls", n)
	}
}

func TestCoordinatorOnlineTransitions(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	ctx := context.Background()

	h.coord.SetOnline(ctx, false)
	run(t, h.coord.Run)

	waitFor(t, "suspended", func() bool {
		status, err := h.coord.Status(ctx)
		return err == nil && status.SchedulerState == engine.SchedulerSuspended && !status.Online
	})
	if n := h.source.count(); n != 0 {
		t.Errorf("Polled %d times while offline", n)
	}

	h.coord.SetOnline(ctx, true)
	h.coord.SetBackground(true)
	status, err := h.coord.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Online || !status.Background {
		t.Errorf("Status() = %+v, want online background", status)
	}
}

func TestCoordinatorWakeTriggersPoll(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	run(t, h.coord.Run)

	waitFor(t, "first poll", func() bool { return h.source.count() == 1 })
	waitFor(t, "backoff wait", func() bool {
		status, err := h.coord.Status(context.Background())
		return err == nil && status.SchedulerState == engine.SchedulerBackoffWait
	})

	h.coord.Wake(engine.WakePush)
	waitFor(t, "wake poll", func() bool { return h.source.count() == 2 })
}

func TestCoordinatorRejectsSecondRun(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	run(t, h.coord.Run)

	waitFor(t, "first poll", func() bool { return h.source.count() >= 1 })
	if err := h.coord.Run(context.Background()); err == nil {
		t.Error("second Run() should fail while the first is active")
	}
}

func TestCoordinatorDeadLetterControls(t *testing.T) {
	h := newCoordinatorHarness(t, testEngineConfig())
	h.reporter.script = []error{engine.NewDeliveryRejectedError("req-1", 422, nil), nil}
	ctx := context.Background()

	at := t0
	if err := h.store.Add(ctx, &engine.PendingCall{
		RequestID:   "req-1",
		PhoneNumber: "79001234567",
		Source:      engine.SourceRemoteCommand,
		State:       engine.CallStateResolved,
		Outcome:     &engine.Outcome{Kind: engine.OutcomeNoAnswer},
		CreatedAt:   t0.Add(-time.Minute),
		ResolvedAt:  &at,
		UpdatedAt:   at,
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	run(t, h.coord.Run)
	waitFor(t, "dead letter", func() bool {
		dead, err := h.coord.DeadLetters(ctx)
		return err == nil && len(dead) == 1
	})

	if err := h.coord.Requeue(ctx, "req-1"); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	waitFor(t, "requeued delivery", func() bool { return len(h.reporter.sent()) == 2 })
	if err := h.coord.Purge(ctx, "req-1"); !errors.Is(err, engine.ErrNotFound) && !errors.Is(err, engine.ErrStateMismatch) {
		t.Errorf("Purge() of delivered task error = %v", err)
	}
}
