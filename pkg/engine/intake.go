package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Intake normalizes commands from every source into pending calls.
// The store insert is the idempotency gate: a command is dialed only by
// the caller whose insert succeeded.
type Intake struct {
	store      PendingCallStore
	dialer     Dialer
	tracker    CallTracker
	normalizer *PhoneNormalizer
	clock      Clock
	metrics    MetricsRecorder
	logger     zerolog.Logger
}

// IntakeOptions configures an Intake.
type IntakeOptions struct {
	Store      PendingCallStore
	Dialer     Dialer
	Tracker    CallTracker
	Normalizer *PhoneNormalizer
	Clock      Clock
	Metrics    MetricsRecorder
	Logger     zerolog.Logger
}

// NewIntake creates a command intake.
func NewIntake(opts IntakeOptions) (*Intake, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("intake requires a store")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("intake requires a dialer")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Intake{
		store:      opts.Store,
		dialer:     opts.Dialer,
		tracker:    opts.Tracker,
		normalizer: opts.Normalizer,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "intake").Logger(),
	}, nil
}

// Accept processes one command. Duplicate request IDs are a logged no-op
// and return a result with Duplicate set. A dial failure is logged; the
// call stays tracked and resolves from evidence or times out.
func (in *Intake) Accept(ctx context.Context, cmd Command) (*AcceptResult, error) {
	if strings.TrimSpace(cmd.PhoneNumber) == "" {
		in.metrics.RecordCommand(string(cmd.Source), "invalid")
		return nil, NewPermanentError("phone number is required", nil).
			WithCode(ErrCodeValidation).
			WithResource(cmd.RequestID)
	}
	if cmd.Source == "" {
		cmd.Source = SourceRemoteCommand
	}
	if err := cmd.Source.Validate(); err != nil {
		in.metrics.RecordCommand(string(cmd.Source), "invalid")
		return nil, NewPermanentError("invalid command", err).
			WithCode(ErrCodeValidation).
			WithResource(cmd.RequestID)
	}

	requestID := strings.TrimSpace(cmd.RequestID)
	number := in.normalizer.Normalize(cmd.PhoneNumber)
	logger := in.logger.With().
		Str("request_id", requestID).
		Str("source", string(cmd.Source)).
		Logger()

	if requestID == "" {
		if cmd.Source != SourceLocalHistory {
			in.metrics.RecordCommand(string(cmd.Source), "invalid")
			return nil, NewPermanentError("request id is required", nil).
				WithCode(ErrCodeValidation).
				WithDetail("source", cmd.Source)
		}
		if err := in.dialer.Dial(ctx, number); err != nil {
			in.metrics.RecordCommand(string(cmd.Source), "dial_failed")
			return nil, NewTransientError("failed to dial", err).WithCode(ErrCodeDialFailed)
		}
		in.metrics.RecordCommand(string(cmd.Source), "untracked")
		logger.Debug().Msg("Dialed untracked local command")
		return &AcceptResult{PhoneNumber: number}, nil
	}

	now := in.clock.Now()
	call := &PendingCall{
		RequestID:   requestID,
		PhoneNumber: number,
		Source:      cmd.Source,
		State:       CallStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := in.store.Add(ctx, call); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			in.metrics.RecordCommand(string(cmd.Source), "duplicate")
			logger.Info().Err(NewDuplicateCommandError(requestID)).Msg("Ignoring duplicate command")
			return &AcceptResult{RequestID: requestID, PhoneNumber: number, Duplicate: true}, nil
		}
		in.metrics.RecordCommand(string(cmd.Source), "error")
		return nil, fmt.Errorf("failed to record pending call: %w", err)
	}

	if err := in.dialer.Dial(ctx, number); err != nil {
		logger.Error().Err(err).Msg("Dial failed; call will resolve from evidence or time out")
	}

	if in.tracker != nil {
		in.tracker.Track(call.Clone())
	}
	in.metrics.RecordCommand(string(cmd.Source), "accepted")
	logger.Info().Str("phone_number", number).Msg("Accepted call command")

	return &AcceptResult{RequestID: requestID, PhoneNumber: number, Tracked: true}, nil
}
