package dialer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// maxOutput bounds how much command output is kept for error messages.
const maxOutput = 1024

// ExecDialer places calls by running a command template. The number is
// substituted into argv directly; no shell is involved.
type ExecDialer struct {
	command []string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.Dialer = (*ExecDialer)(nil)

// NewExecDialer creates a dialer from an argv template that contains
// {number} in at least one argument.
func NewExecDialer(command []string, timeout time.Duration, logger zerolog.Logger) (*ExecDialer, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("dial command is required")
	}
	found := false
	for _, arg := range command {
		if strings.Contains(arg, NumberPlaceholder) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("dial command must contain %s", NumberPlaceholder)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecDialer{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  logger.With().Str("component", "dialer").Logger(),
	}, nil
}

// argv returns the command with the number substituted.
func (d *ExecDialer) argv(phoneNumber string) []string {
	args := make([]string, len(d.command))
	for i, arg := range d.command {
		args[i] = strings.ReplaceAll(arg, NumberPlaceholder, phoneNumber)
	}
	return args
}

// Dial runs the command and returns once it exits. It does not wait for
// the call itself to end.
func (d *ExecDialer) Dial(ctx context.Context, phoneNumber string) error {
	if err := validateNumber(phoneNumber); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := d.argv(phoneNumber)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	logger := d.logger.With().Str("phone_number", phoneNumber).Dur("duration", elapsed).Logger()
	if err == nil {
		logger.Info().Msg("Dial command completed")
		return nil
	}

	out := strings.TrimSpace(output.String())
	if len(out) > maxOutput {
		out = out[:maxOutput]
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		err = engine.NewTransientError("dial command timed out", ctx.Err()).
			WithCode(engine.ErrCodeDialFailed).
			WithDetail("timeout", d.timeout.String())
	case errors.As(err, &exitErr):
		err = engine.NewTransientError("dial command failed", err).
			WithCode(engine.ErrCodeDialFailed).
			WithDetail("exit_code", exitErr.ExitCode()).
			WithDetail("output", out)
	default:
		err = engine.NewPermanentError("failed to start dial command", err).
			WithCode(engine.ErrCodeDialFailed).
			WithDetail("command", args[0])
	}
	logger.Error().Err(err).Str("output", out).Msg("Dial command failed")
	return err
}

// validateNumber rejects anything but digits with an optional leading '+'
// so that a number can never be read as a flag by the dial command.
func validateNumber(phoneNumber string) error {
	digits := strings.TrimPrefix(phoneNumber, "+")
	if digits == "" {
		return engine.NewPermanentError("phone number is empty", nil).WithCode(engine.ErrCodeValidation)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return engine.NewPermanentError(fmt.Sprintf("phone number %q contains %q", phoneNumber, r), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	return nil
}
