package wakesource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsync/callsync/pkg/engine"
)

type mockTarget struct {
	mu       sync.Mutex
	wakes    []string
	accepted []engine.Command
	online   []bool
}

func (m *mockTarget) Wake(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakes = append(m.wakes, reason)
}

func (m *mockTarget) Accept(_ context.Context, cmd engine.Command) (*engine.AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, cmd)
	return &engine.AcceptResult{RequestID: cmd.RequestID, Tracked: true}, nil
}

func (m *mockTarget) SetOnline(_ context.Context, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, online)
}

func (m *mockTarget) snapshot() ([]string, []engine.Command, []bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.wakes...),
		append([]engine.Command(nil), m.accepted...),
		append([]bool(nil), m.online...)
}

func dropFile(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, "."+name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestSpoolDrain(t *testing.T) {
	dir := t.TempDir()
	dropFile(t, dir, "001", "")
	dropFile(t, dir, "002", `{"phoneNumber":"89001234567","requestId":"r1"}`)
	dropFile(t, dir, "003", "not json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.tmp"), []byte("x"), 0600))

	target := &mockTarget{}
	w := NewSpoolWatcher(dir, target, zerolog.Nop())

	assert.Equal(t, 3, w.Drain(context.Background()))

	wakes, accepted, _ := target.snapshot()
	assert.Equal(t, []string{engine.WakePush, engine.WakePush, engine.WakePush}, wakes)
	require.Len(t, accepted, 1)
	assert.Equal(t, "r1", accepted[0].RequestID)
	assert.Equal(t, engine.SourcePushWake, accepted[0].Source)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "partial.tmp", left[0].Name())
}

func TestSpoolWatcherRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	target := &mockTarget{}
	w := NewSpoolWatcher(dir, target, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	// Give the watcher time to register
	time.Sleep(50 * time.Millisecond)

	dropFile(t, dir, "push-1", `{"phoneNumber":"+79001234567","requestId":"r9"}`)

	require.Eventually(t, func() bool {
		wakes, accepted, _ := target.snapshot()
		return len(wakes) >= 1 && len(accepted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "push-1"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectivityTransitions(t *testing.T) {
	target := &mockTarget{}
	var healthErr error
	m := NewConnectivityMonitor(func(context.Context) error { return healthErr }, target, time.Minute, time.Second, zerolog.Nop())

	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })

	ctx := context.Background()

	// First result is always applied, but it is not a restore
	m.Check(ctx)
	assert.True(t, m.Online())

	m.Check(ctx)

	healthErr = errors.New("connection refused")
	m.Check(ctx)
	m.Check(ctx)
	assert.False(t, m.Online())

	healthErr = nil
	m.Check(ctx)

	wakes, _, online := target.snapshot()
	assert.Equal(t, []bool{true, false, true}, online)
	assert.Equal(t, []string{engine.WakeConnectivity}, wakes)
	assert.Equal(t, []bool{true, false, true}, changes)
}

func TestConnectivityStartsOffline(t *testing.T) {
	target := &mockTarget{}
	m := NewConnectivityMonitor(func(context.Context) error { return errors.New("down") }, target, time.Minute, 0, zerolog.Nop())

	m.Check(context.Background())

	wakes, _, online := target.snapshot()
	assert.Equal(t, []bool{false}, online)
	assert.Empty(t, wakes)
}

func TestConnectivityCheckTimeout(t *testing.T) {
	target := &mockTarget{}
	m := NewConnectivityMonitor(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, target, time.Minute, 20*time.Millisecond, zerolog.Nop())

	m.Check(context.Background())
	assert.False(t, m.Online())
}

func TestConnectivityRunStops(t *testing.T) {
	target := &mockTarget{}
	m := NewConnectivityMonitor(func(context.Context) error { return nil }, target, 10*time.Millisecond, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
