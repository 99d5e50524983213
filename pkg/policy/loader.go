package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events from editors.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader loads a classifier script into a Classifier and reloads it when
// the file changes. A script that fails to compile never replaces the
// active program.
type Loader struct {
	path        string
	classifier  *Classifier
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu       sync.Mutex
	onReload func(p *Program, err error)
}

// NewLoader creates a loader for the script at path.
func NewLoader(path string, classifier *Classifier, logger zerolog.Logger) *Loader {
	return &Loader{
		path:        path,
		classifier:  classifier,
		logger:      logger.With().Str("component", "policy-loader").Str("script", path).Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// OnReload registers fn to be called after every reload attempt. err is
// non-nil when the new script was rejected.
func (l *Loader) OnReload(fn func(p *Program, err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// Load compiles the script and installs it.
func (l *Loader) Load() (*Program, error) {
	p, err := CompileFile(l.path)
	if err != nil {
		return nil, err
	}
	l.classifier.Swap(p)
	l.logger.Info().Str("digest", p.Digest).Msg("Outcome classifier loaded")
	return p, nil
}

// Watch reloads the script on change until ctx is cancelled. The parent
// directory is watched so that atomic renames by editors are seen.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}

	target := filepath.Clean(l.path)
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	l.logger.Debug().Msg("Watching outcome classifier script")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().Str("op", event.Op.String()).Msg("Classifier script changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload() {
	p, err := l.Load()
	if err != nil {
		l.logger.Error().Err(err).Msg("Rejected classifier script; keeping the active program")
	}

	l.mu.Lock()
	fn := l.onReload
	l.mu.Unlock()
	if fn != nil {
		fn(p, err)
	}
}
