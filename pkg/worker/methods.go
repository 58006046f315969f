package worker

import (
	"context"
	"os"
	"time"

	"github.com/harun/solo/pkg/ipc"
)

// Channel methods served by the worker
const (
	MethodPing     = "session.ping"
	MethodInfo     = "session.info"
	MethodGet      = "session.get"
	MethodSet      = "session.set"
	MethodDelete   = "session.delete"
	MethodSave     = "session.save"
	MethodDispatch = "events.dispatch"
	MethodShutdown = "worker.shutdown"
)

func (r *Runtime) registerMethods(router *ipc.Router) error {
	methods := map[string]ipc.Handler{
		MethodPing:     r.handlePing,
		MethodInfo:     r.handleInfo,
		MethodGet:      r.handleGet,
		MethodSet:      r.handleSet,
		MethodDelete:   r.handleDelete,
		MethodSave:     r.handleSave,
		MethodDispatch: r.handleDispatch,
		MethodShutdown: r.handleShutdown,
	}
	for name, handler := range methods {
		if err := router.RegisterMethod(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) handlePing(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"name": r.paths.Name(),
		"pid":  os.Getpid(),
	}, nil
}

func (r *Runtime) handleInfo(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"name":          r.state.Name,
		"pid":           os.Getpid(),
		"created_at":    r.state.CreatedAt.Format(time.RFC3339),
		"updated_at":    r.state.UpdatedAt.Format(time.RFC3339),
		"event_handler": r.state.EventHandler,
		"keys":          len(r.state.Data),
		"dirty":         r.dirty,
	}, nil
}

func (r *Runtime) handleGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := ipc.StringParam(params, "key")
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	value, ok := r.state.Data[key]
	r.mu.RUnlock()

	return map[string]interface{}{"key": key, "value": value, "found": ok}, nil
}

func (r *Runtime) handleSet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := ipc.StringParam(params, "key")
	if err != nil {
		return nil, err
	}
	value, err := ipc.StringParam(params, "value")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.state.Data == nil {
		r.state.Data = make(map[string]string)
	}
	r.state.Data[key] = value
	r.dirty = true
	r.mu.Unlock()

	r.dispatch(ctx, "session.updated", map[string]interface{}{"key": key})
	return map[string]interface{}{"key": key, "value": value}, nil
}

func (r *Runtime) handleDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := ipc.StringParam(params, "key")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, ok := r.state.Data[key]
	if ok {
		delete(r.state.Data, key)
		r.dirty = true
	}
	r.mu.Unlock()

	return map[string]interface{}{"key": key, "deleted": ok}, nil
}

func (r *Runtime) handleSave(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := r.Save(ctx); err != nil {
		return nil, err
	}
	r.server.Broadcast("session.saved", map[string]interface{}{"name": r.paths.Name()})
	return map[string]interface{}{"saved": true}, nil
}

func (r *Runtime) handleDispatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := ipc.StringParam(params, "event")
	if err != nil {
		return nil, err
	}
	data, _ := params["data"].(map[string]interface{})

	if err := r.dispatchEvent(ctx, name, data); err != nil {
		return nil, err
	}
	return map[string]interface{}{"dispatched": name}, nil
}

// handleShutdown answers first; Stop waits for in-flight requests, this one included.
func (r *Runtime) handleShutdown(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	go func() {
		if err := r.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("Worker stop failed")
		}
	}()
	return map[string]interface{}{"stopping": true}, nil
}
