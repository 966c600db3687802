package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(Config)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger.Named("config")
		}
	}
}

// WithPublisher publishes ConfigReloaded and Error events.
func WithPublisher(p eventbus.Publisher) WatcherOption {
	return func(w *Watcher) {
		w.publisher = p
	}
}

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads the configuration file whenever it changes on disk. The
// parent directory is watched so editors that replace the file by rename are
// handled.
type Watcher struct {
	path      string
	onReload  ReloadFunc
	publisher eventbus.Publisher
	logger    *zap.Logger
	debounce  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for path. onReload may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(ExpandPath(path)),
		onReload: onReload,
		logger:   zap.NewNop(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Name() string { return "config.watcher" }

// Start begins watching. It is a no-op when already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, fw, w.done)

	w.logger.Info("watching configuration", zap.String("path", w.path))
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	fw, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}

	cancel()
	err := fw.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("config: close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watcher != nil
}

func (w *Watcher) HealthCheck(context.Context) error {
	if !w.IsRunning() {
		return fmt.Errorf("config: watcher not running")
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			w.Reload(ctx)
		}
	}
}

// Reload reads the file now. Invalid documents are logged and reported as
// Error events; the previous configuration stays in effect.
func (w *Watcher) Reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.finish()
	}
	if err != nil {
		w.logger.Warn("configuration rejected", zap.Error(err))
		eventbus.Emit(ctx, w.publisher, eventbus.Error{Source: "config", Message: err.Error()})
		return
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	eventbus.Emit(ctx, w.publisher, eventbus.ConfigReloaded{Path: w.path})
}
