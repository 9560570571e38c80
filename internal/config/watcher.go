package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/logging"
)

// Subscriber receives each successfully reloaded configuration.
type Subscriber func(*Config)

// Watcher reloads a config file when it changes.
//
// The directory holding the file is watched rather than the file itself so
// editors that save by renaming a temporary file are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *logging.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	current *Config
	subs    map[uint64]Subscriber
	nextID  uint64
	timer   *time.Timer
	closed  bool
	reloads int

	done chan struct{}
	wg   sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for reload failures.
func WithWatchLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher watches cfg.Path. cfg is the current configuration.
func NewWatcher(cfg *Config, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		debounce: 100 * time.Millisecond,
		logger:   logging.Nop(),
		fsw:      fsw,
		current:  cfg,
		subs:     make(map[uint64]Subscriber),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("config")

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the last good configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many reloads succeeded.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Subscribe registers fn and returns a function that removes it.
func (w *Watcher) Subscribe(fn Subscriber) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.subs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

// Reload reads the file now. On failure the current configuration is kept.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.current = cfg
	w.reloads++
	subs := make([]Subscriber, 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		w.notify(fn, cfg)
	}
	return nil
}

func (w *Watcher) notify(fn Subscriber, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(cfg)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// schedule debounces bursts of events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn("config reload failed, keeping previous values",
				zap.String("path", w.path), zap.Error(err))
			return
		}
		w.logger.Info("config reloaded", zap.String("path", w.path))
	})
}
