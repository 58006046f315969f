// Package shutdown keeps a registry of callbacks that must run before the
// process exits, whether it exits normally or because of a termination signal.
//
// Each callback runs at most once, no matter how many of Fire, RunAll and the
// signal handler race to run it.
package shutdown

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry holds pending shutdown callbacks
type Registry struct {
	mu        sync.Mutex
	nextID    int
	callbacks map[int]*callback
	logger    *zerolog.Logger
	exit      func(code int)
}

type callback struct {
	once sync.Once
	fn   func()
}

func (c *callback) run() {
	c.once.Do(c.fn)
}

// Default is the process-wide registry. It logs through the zerolog global
// until SetLogger hands it the configured logger.
var Default = &Registry{
	callbacks: make(map[int]*callback),
	exit:      os.Exit,
}

// New creates an empty registry
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		callbacks: make(map[int]*callback),
		logger:    &logger,
		exit:      os.Exit,
	}
}

// SetLogger replaces the logger used on the signal path
func (r *Registry) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = &logger
}

func (r *Registry) log() zerolog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logger == nil {
		return log.Logger
	}
	return *r.logger
}

// Add registers fn and returns an id usable with Remove and Fire
func (r *Registry) Add(fn func()) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.callbacks[r.nextID] = &callback{fn: fn}
	return r.nextID
}

// Remove deregisters a callback without running it. It reports whether the id was pending.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callbacks[id]; !ok {
		return false
	}
	delete(r.callbacks, id)
	return true
}

// Fire runs and deregisters a single callback
func (r *Registry) Fire(id int) {
	r.mu.Lock()
	cb, ok := r.callbacks[id]
	delete(r.callbacks, id)
	r.mu.Unlock()

	if ok {
		cb.run()
	}
}

// Len returns the number of pending callbacks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

// RunAll runs every pending callback in registration order
func (r *Registry) RunAll() {
	r.mu.Lock()
	ids := make([]int, 0, len(r.callbacks))
	for id := range r.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	pending := make([]*callback, 0, len(ids))
	for _, id := range ids {
		pending = append(pending, r.callbacks[id])
		delete(r.callbacks, id)
	}
	r.mu.Unlock()

	for _, cb := range pending {
		cb.run()
	}
}

// Notify runs all callbacks and exits with status 1 when SIGINT or SIGTERM
// arrives. The returned function stops listening.
func (r *Registry) Notify() (stop func()) {
	sigChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger := r.log()
			logger.Info().Str("signal", sig.String()).Msg("Received signal, running shutdown callbacks")
			r.RunAll()
			r.exit(1)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}
}
