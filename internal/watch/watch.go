package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reruns the feedback loop when the feed log changes. Events are
// debounced because appenders often write several lines in quick succession.
type Watcher struct {
	FeedLog  string
	Debounce time.Duration
	Log      *slog.Logger

	// Run is the full loop: score, health, reprioritize.
	Run func(ctx context.Context) error
}

// Watch blocks until ctx is cancelled, running the loop once at startup and
// then after every debounced change to the feed log. The parent directory is
// watched rather than the file itself so atomic rewrites (rename over the
// path) keep triggering.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.Log == nil {
		w.Log = slog.Default()
	}
	if w.Debounce <= 0 {
		w.Debounce = 2 * time.Second
	}

	dir := filepath.Dir(w.FeedLog)
	base := filepath.Base(w.FeedLog)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.Log.Info("watching feed log", "path", w.FeedLog, "debounce", w.Debounce)

	runLoop := func() {
		if err := w.Run(ctx); err != nil {
			w.Log.Error("loop run failed", "error", err)
		}
	}

	runLoop()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	trigger := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.Debounce, runLoop)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == base {
				trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("watch error", "error", err)
		}
	}
}
