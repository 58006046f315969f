// Package eventhandler holds the event handlers a process can run. A session
// names its handler; only a process that has that handler registered may load
// the session itself.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownHandler is returned when dispatching to a name nobody registered
var ErrUnknownHandler = errors.New("unknown event handler")

// Event is delivered to the session's handler
type Event struct {
	Name    string                 `json:"name"`
	Session string                 `json:"session"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"at"`
}

// Handler reacts to session events
type Handler interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, event Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, event Event) error { return h.fn(ctx, event) }

// Func wraps fn as a Handler called name
func Func(name string, fn func(ctx context.Context, event Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps handler names to implementations
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "eventhandler").Logger(),
	}
}

// Register adds h, replacing any handler with the same name
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return fmt.Errorf("handler name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = h
	return nil
}

// Has reports whether name is registered. It is the availability check used
// when deciding if this process may own a session.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.Lookup(name)
	return ok
}

// Lookup returns the handler registered as name
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[strings.TrimSpace(name)]
	return h, ok
}

// Names returns the registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler called name
func (r *Registry) Dispatch(ctx context.Context, name string, event Event) error {
	h, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	start := time.Now()
	err := h.Handle(ctx, event)
	r.logger.Debug().
		Str("handler", name).
		Str("event", event.Name).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Event dispatched")
	if err != nil {
		return fmt.Errorf("handler %s: %w", name, err)
	}
	return nil
}

// LogHandler is a built-in handler that only logs events
func LogHandler(logger zerolog.Logger) Handler {
	return Func("log", func(ctx context.Context, event Event) error {
		logger.Info().
			Str("event", event.Name).
			Str("session", event.Session).
			Interface("data", event.Data).
			Msg("Session event")
		return nil
	})
}
