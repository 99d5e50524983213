// Package dialer places calls on behalf of the engine.
//
// ExecDialer runs a configured command, such as
//
//	adb shell am start -a android.intent.action.CALL -d tel:{number}
//
// with {number} replaced by the normalized number. LogDialer only records
// the request and is used when the platform dials by other means.
package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// NumberPlaceholder is replaced by the phone number in a command template.
const NumberPlaceholder = "{number}"

// New returns an ExecDialer for a non-empty command template and a
// LogDialer otherwise.
func New(command []string, timeout time.Duration, logger zerolog.Logger) (engine.Dialer, error) {
	if len(command) == 0 {
		return NewLogDialer(logger), nil
	}
	return NewExecDialer(command, timeout, logger)
}

// LogDialer records dial requests without placing calls.
type LogDialer struct {
	logger zerolog.Logger

	mu     sync.Mutex
	dialed []string
}

var _ engine.Dialer = (*LogDialer)(nil)

// NewLogDialer creates a log-only dialer.
func NewLogDialer(logger zerolog.Logger) *LogDialer {
	return &LogDialer{logger: logger.With().Str("component", "dialer").Logger()}
}

// Dial logs the number.
func (d *LogDialer) Dial(ctx context.Context, phoneNumber string) error {
	if err := validateNumber(phoneNumber); err != nil {
		return err
	}
	d.mu.Lock()
	d.dialed = append(d.dialed, phoneNumber)
	d.mu.Unlock()
	d.logger.Info().Str("phone_number", phoneNumber).Msg("Dial requested")
	return nil
}

// Dialed returns every number dialed so far.
func (d *LogDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}
