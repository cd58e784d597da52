package identity

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// sessionDirPerm is the permission mode used when ensuring the
	// session directory exists before watching it.
	sessionDirPerm = 0o700

	// debounceInterval batches the burst of filesystem events an atomic
	// save produces (create temp, write, rename) into one notification.
	debounceInterval = 500 * time.Millisecond
)

// Watcher observes the session file and invokes a callback when it
// appears or changes, so the daemon can sync immediately when identity
// becomes available instead of waiting out a retry backoff.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the session file at path. onChange
// runs on the watcher goroutine and must not block.
func NewWatcher(path string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	// Watch the parent directory: the file itself may not exist yet,
	// and editors/auth flows typically replace it via rename.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run processes filesystem events until ctx is cancelled. Rapid event
// bursts for the session file are coalesced into a single callback per
// debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = true
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("session watcher error", slog.Any("error", err))

		case <-ticker.C:
			if pending {
				pending = false

				w.logger.Debug("session file changed", slog.String("path", w.path))
				w.onChange()
			}
		}
	}
}
