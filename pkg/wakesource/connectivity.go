package wakesource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// HealthCheck checks whether the remote is reachable. remote.Client.Health
// satisfies it.
type HealthCheck func(ctx context.Context) error

// ConnectivityTarget is told when reachability changes. engine.Coordinator
// implements it.
type ConnectivityTarget interface {
	SetOnline(ctx context.Context, online bool)
	Wake(reason string)
}

// ConnectivityMonitor checks the remote periodically. Losing reachability
// suspends polling; regaining it resumes polling and wakes the engine so
// queued reports and commands move without waiting for the next backoff.
type ConnectivityMonitor struct {
	health   HealthCheck
	target   ConnectivityTarget
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	online   bool
	known    bool
	onChange func(online bool)
}

// NewConnectivityMonitor creates a monitor. The first check result is
// always applied.
func NewConnectivityMonitor(health HealthCheck, target ConnectivityTarget, interval, timeout time.Duration, logger zerolog.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &ConnectivityMonitor{
		health:   health,
		target:   target,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "connectivity").Logger(),
	}
}

// OnChange registers fn to be called after every reachability change.
func (m *ConnectivityMonitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Online reports the last observed reachability.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run checks until ctx is cancelled.
func (m *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one check and applies the result.
func (m *ConnectivityMonitor) Check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.health(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.apply(ctx, err == nil, err)
}

func (m *ConnectivityMonitor) apply(ctx context.Context, online bool, healthErr error) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	restored := m.known && !m.online && online
	m.online = online
	m.known = true
	fn := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}

	m.target.SetOnline(ctx, online)
	if online {
		m.logger.Info().Msg("Remote reachable")
	} else {
		m.logger.Warn().Err(healthErr).Msg("Remote unreachable; polling suspended")
	}
	if restored {
		m.target.Wake(engine.WakeConnectivity)
	}
	if fn != nil {
		fn(online)
	}
}
