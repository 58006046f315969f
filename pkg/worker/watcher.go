package worker

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatcherConfig holds configuration for the session watcher
type WatcherConfig struct {
	// SessionPath is the blob; removing it tells the worker to stop without saving
	SessionPath string

	// ConfigPath is reloaded when it changes. Optional.
	ConfigPath string

	// Debounce collapses bursts of config writes
	Debounce time.Duration

	OnSessionRemoved func()
	OnConfigChanged  func()

	Logger zerolog.Logger
}

// Watcher watches the session blob and the config file. Both are watched
// through their directories because atomic writes replace the file.
type Watcher struct {
	cfg      WatcherConfig
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.SessionPath == "" {
		return nil, fmt.Errorf("session path is required")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start starts the event loop
func (w *Watcher) Start() error {
	dirs := []string{filepath.Dir(w.cfg.SessionPath)}
	if w.cfg.ConfigPath != "" {
		if dir := filepath.Dir(w.cfg.ConfigPath); dir != dirs[0] {
			dirs = append(dirs, dir)
		}
	}

	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			_ = w.watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.cfg.Logger.Debug().Strs("dirs", dirs).Msg("Session watcher started")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	switch {
	case name == filepath.Clean(w.cfg.SessionPath):
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.cfg.Logger.Warn().Str("path", name).Msg("Session blob removed")
			if w.cfg.OnSessionRemoved != nil {
				w.cfg.OnSessionRemoved()
			}
		}

	case w.cfg.ConfigPath != "" && name == filepath.Clean(w.cfg.ConfigPath):
		if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
			w.debounceConfig()
		}
	}
}

func (w *Watcher) debounceConfig() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.cfg.Logger.Info().Str("path", w.cfg.ConfigPath).Msg("Config changed")
		if w.cfg.OnConfigChanged != nil {
			w.cfg.OnConfigChanged()
		}
	})
}
