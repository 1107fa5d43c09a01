package compose

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/registry"
)

// RecomposeCallback is called after a watcher-triggered pass completes.
type RecomposeCallback func(*Report, registry.Changeset)

// Watcher observes the plugin directory and triggers a recompose when
// manifests or plugin trees change. Rapid bursts of events (editor saves,
// directory copies) collapse into a single pass via debounce, and a rate
// limiter caps how often recomposition can run regardless of event
// volume.
type Watcher struct {
	composer *Composer
	dir      string
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger

	mu             sync.Mutex
	callbacks      []RecomposeCallback
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	limiter        *rate.Limiter

	// runMu serializes timer-fired passes; Stop acquires it so an in-flight
	// pass finishes before Stop returns
	runMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the composer's plugin directory. The
// directory and its immediate plugin subdirectories are watched; fsnotify
// does not recurse, so new plugin directories are added as they appear.
func NewWatcher(composer *Composer, logger *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}

	dir := composer.opts.PluginDir
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch plugin directory %s", dir)
	}
	for _, entry := range composer.Registry().List() {
		if entry.Dir == "" {
			continue
		}
		// Best effort: a vanished plugin directory still surfaces
		// through events on the parent
		if err := fsw.Add(entry.Dir); err != nil {
			logger.Debugw("Could not watch plugin directory",
				"plugin", entry.Name, "dir", entry.Dir, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		composer:       composer,
		dir:            dir,
		watcher:        fsw,
		logger:         logger,
		debouncePeriod: 500 * time.Millisecond,
		limiter:        rate.NewLimiter(rate.Every(2*time.Second), 1),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// OnRecompose registers a callback invoked after each triggered pass.
func (w *Watcher) OnRecompose(cb RecomposeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
}

// Stop closes the watcher and waits for the loop and any in-flight
// recompose to finish.
func (w *Watcher) Stop() error {
	w.cancel()

	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()

	w.runMu.Lock()
	w.runMu.Unlock()
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				w.maybeWatchNewDir(event.Name)
			}
			w.logger.Debugw("Plugin directory changed",
				"file", event.Name,
				"op", event.Op.String())
			w.scheduleRecompose()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Plugin watcher error", "error", err)
		}
	}
}

// relevant filters out events that cannot affect composition: temp and
// hidden files, and ops other than create/write/remove/rename.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	return true
}

// maybeWatchNewDir adds a newly created top-level plugin directory to the
// watch set so manifest writes inside it are seen.
func (w *Watcher) maybeWatchNewDir(path string) {
	if filepath.Dir(path) != w.dir {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.logger.Debugw("Could not watch new directory", "dir", path, "error", err)
	}
}

func (w *Watcher) scheduleRecompose() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.recompose)
}

func (w *Watcher) recompose() {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if err := w.limiter.Wait(w.ctx); err != nil {
		return
	}

	report, changeset, err := w.composer.Recompose()
	if err != nil {
		w.logger.Errorw("Recompose failed", "error", err)
		return
	}
	w.logger.Infow("Recomposed plugin tree",
		"pass", report.PassID,
		"mounted", report.Mounted(),
		"changed", !changeset.Empty())

	w.mu.Lock()
	callbacks := make([]RecomposeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(report, changeset)
	}
}
