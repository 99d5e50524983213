package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
	"github.com/callsync/callsync/pkg/stores"
)

type trackerFunc func(call *engine.PendingCall)

func (f trackerFunc) Track(call *engine.PendingCall) { f(call) }

func newTestIntake(t *testing.T, store engine.PendingCallStore, dialer engine.Dialer, tracker engine.CallTracker) *engine.Intake {
	t.Helper()
	in, err := engine.NewIntake(engine.IntakeOptions{
		Store:      store,
		Dialer:     dialer,
		Tracker:    tracker,
		Normalizer: &engine.PhoneNormalizer{CountryCode: "7", TrunkPrefix: "8", NationalLength: 10},
		Clock:      newManualClock(t0),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewIntake() error = %v", err)
	}
	return in
}

func TestIntakeAcceptTracksAndDials(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	dialer := &fakeDialer{}
	var tracked []*engine.PendingCall
	in := newTestIntake(t, store, dialer, trackerFunc(func(c *engine.PendingCall) { tracked = append(tracked, c) }))

	result, err := in.Accept(ctx, engine.Command{PhoneNumber: "8 (900) 123-45-67", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !result.Tracked || result.Duplicate {
		t.Errorf("Accept() = %+v, want tracked and not duplicate", result)
	}
	if result.PhoneNumber != "79001234567" {
		t.Errorf("PhoneNumber = %q, want normalized 79001234567", result.PhoneNumber)
	}

	call, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if call.State != engine.CallStatePending {
		t.Errorf("State = %s, want pending", call.State)
	}
	if call.Source != engine.SourceRemoteCommand {
		t.Errorf("Source = %s, want default remote_command", call.Source)
	}
	if !call.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %s, want %s", call.CreatedAt, t0)
	}
	if got := dialer.numbers(); len(got) != 1 || got[0] != "79001234567" {
		t.Errorf("Dialed %v, want [79001234567]", got)
	}
	if len(tracked) != 1 || tracked[0].RequestID != "req-1" {
		t.Errorf("Tracked %v, want req-1", tracked)
	}
}

func TestIntakeDuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	dialer := &fakeDialer{}
	in := newTestIntake(t, store, dialer, nil)

	cmd := engine.Command{PhoneNumber: "+79001234567", RequestID: "req-1", Source: engine.SourcePushWake}
	if _, err := in.Accept(ctx, cmd); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// The same request arriving through another path is still a duplicate.
	cmd.Source = engine.SourceRemoteCommand
	result, err := in.Accept(ctx, cmd)
	if err != nil {
		t.Fatalf("second Accept() error = %v", err)
	}
	if !result.Duplicate || result.Tracked {
		t.Errorf("second Accept() = %+v, want duplicate", result)
	}
	if n := len(dialer.numbers()); n != 1 {
		t.Errorf("Dialed %d times, want 1", n)
	}

	call, _ := store.Get(ctx, "req-1")
	if call.Source != engine.SourcePushWake {
		t.Errorf("Source = %s, want the first arrival's source", call.Source)
	}
}

func TestIntakeConcurrentDuplicatesDialOnce(t *testing.T) {
	store := stores.NewMemoryStore()
	dialer := &fakeDialer{}
	in := newTestIntake(t, store, dialer, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := in.Accept(context.Background(), engine.Command{PhoneNumber: "79001234567", RequestID: "req-race"}); err != nil {
				t.Errorf("Accept() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(dialer.numbers()); n != 1 {
		t.Errorf("Dialed %d times, want exactly 1", n)
	}
}

func TestIntakeLocalHistoryWithoutRequestID(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	dialer := &fakeDialer{}
	in := newTestIntake(t, store, dialer, nil)

	result, err := in.Accept(ctx, engine.Command{PhoneNumber: "89001234567", Source: engine.SourceLocalHistory})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Tracked {
		t.Error("Untracked local command reported as tracked")
	}
	if n, _ := store.CountActive(ctx); n != 0 {
		t.Errorf("CountActive() = %d, want 0", n)
	}
	if n := len(dialer.numbers()); n != 1 {
		t.Errorf("Dialed %d times, want 1", n)
	}

	dialer.err = errors.New("no SIM")
	_, err = in.Accept(ctx, engine.Command{PhoneNumber: "89001234567", Source: engine.SourceLocalHistory})
	if !engine.HasCode(err, engine.ErrCodeDialFailed) {
		t.Errorf("Accept() error = %v, want DIAL_FAILED", err)
	}
}

func TestIntakeRejectsInvalidCommands(t *testing.T) {
	in := newTestIntake(t, stores.NewMemoryStore(), &fakeDialer{}, nil)

	tests := []struct {
		name string
		cmd  engine.Command
	}{
		{"empty number", engine.Command{PhoneNumber: "  ", RequestID: "req-1"}},
		{"remote without id", engine.Command{PhoneNumber: "79001234567"}},
		{"push without id", engine.Command{PhoneNumber: "79001234567", Source: engine.SourcePushWake}},
		{"unknown source", engine.Command{PhoneNumber: "79001234567", RequestID: "req-1", Source: "fax"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Accept(context.Background(), tt.cmd)
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Accept() error = %v, want VALIDATION_ERROR", err)
			}
			if !engine.IsPermanent(err) {
				t.Errorf("Accept() error = %v, want permanent", err)
			}
		})
	}
}

func TestIntakeDialFailureStillTracked(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	dialer := &fakeDialer{err: errors.New("dialer busy")}
	tracked := 0
	in := newTestIntake(t, store, dialer, trackerFunc(func(*engine.PendingCall) { tracked++ }))

	result, err := in.Accept(ctx, engine.Command{PhoneNumber: "79001234567", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !result.Tracked {
		t.Error("Call with failed dial should remain tracked")
	}
	if tracked != 1 {
		t.Errorf("Tracked %d calls, want 1", tracked)
	}
	if _, err := store.Get(ctx, "req-1"); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}

func TestNewIntakeRequiresCollaborators(t *testing.T) {
	if _, err := engine.NewIntake(engine.IntakeOptions{Dialer: &fakeDialer{}}); err == nil {
		t.Error("NewIntake() without store should fail")
	}
	if _, err := engine.NewIntake(engine.IntakeOptions{Store: stores.NewMemoryStore()}); err == nil {
		t.Error("NewIntake() without dialer should fail")
	}
}
