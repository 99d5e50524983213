package wakesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// maxPushSize bounds a single push file.
const maxPushSize = 64 * 1024

// Target receives wakes and commands carried by push notifications.
// engine.Coordinator implements it.
type Target interface {
	Wake(reason string)
	Accept(ctx context.Context, cmd engine.Command) (*engine.AcceptResult, error)
}

// SpoolWatcher turns files dropped into a spool directory by the push
// receiver into wakes. A file may be empty, which only wakes the engine,
// or hold a JSON command {"phoneNumber": ..., "requestId": ...} that is
// accepted directly before the wake. Files are deleted once consumed.
//
// Names starting with "." or ending in ".tmp" are ignored so writers can
// create a temporary file and rename it into place.
type SpoolWatcher struct {
	dir    string
	target Target
	logger zerolog.Logger
}

// NewSpoolWatcher creates a watcher for dir.
func NewSpoolWatcher(dir string, target Target, logger zerolog.Logger) *SpoolWatcher {
	return &SpoolWatcher{
		dir:    dir,
		target: target,
		logger: logger.With().Str("component", "wake-spool").Str("dir", dir).Logger(),
	}
}

// Run consumes files already in the spool, then watches it until ctx is
// cancelled.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	// Files dropped while the agent was down
	if n := w.Drain(ctx); n > 0 {
		w.logger.Info().Int("count", n).Msg("Consumed queued push files")
	}

	w.logger.Debug().Msg("Watching wake spool")
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || ignored(filepath.Base(event.Name)) {
				continue
			}
			w.consume(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Drain consumes every file currently in the spool, oldest name first,
// and returns how many were consumed.
func (w *SpoolWatcher) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list spool")
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !ignored(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	consumed := 0
	for _, name := range names {
		if w.consume(ctx, filepath.Join(w.dir, name)) {
			consumed++
		}
	}
	return consumed
}

// consume processes one push file. It returns false when the file was
// already gone, which happens when a Create and a Write event both fire.
func (w *SpoolWatcher) consume(ctx context.Context, path string) bool {
	data, err := readPush(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
		w.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Discarding unreadable push file")
		_ = os.Remove(path)
		return false
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
		w.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Failed to remove push file")
	}

	logger := w.logger.With().Str("file", filepath.Base(path)).Logger()
	if payload := strings.TrimSpace(string(data)); payload != "" {
		var cmd engine.Command
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			logger.Warn().Err(err).Msg("Push payload is not a command; waking only")
		} else if cmd.PhoneNumber != "" {
			cmd.Source = engine.SourcePushWake
			if _, err := w.target.Accept(ctx, cmd); err != nil {
				logger.Error().Err(err).Str("request_id", cmd.RequestID).Msg("Failed to accept pushed command")
			}
		}
	}

	w.target.Wake(engine.WakePush)
	logger.Debug().Msg("Push wake")
	return true
}

func readPush(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}
	if info.Size() > maxPushSize {
		return nil, fmt.Errorf("push file too large: %d bytes", info.Size())
	}
	return os.ReadFile(path)
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
