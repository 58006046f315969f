package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler serves one RPC method
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Router handles RPC method registration and request routing
type Router struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

// NewRouter creates a new RPC router
func NewRouter() *Router {
	return &Router{
		methods: make(map[string]Handler),
	}
}

// RegisterMethod registers an RPC method handler, replacing any previous one
func (r *Router) RegisterMethod(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *Router) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

// HasMethod checks if a method is registered
func (r *Router) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// Methods returns the registered method names, sorted
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

// ParseRequest parses and validates a JSON-RPC request
func (r *Router) ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Parse error",
			Data:    err.Error(),
		}
	}

	if req.ID == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}

	if req.Method == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}

	return &req, nil
}

// Route runs the handler for req. Handler errors of type *RPCError keep their
// code; anything else is reported as InternalError.
func (r *Router) Route(ctx context.Context, req *Request) *Response {
	if req == nil {
		return &Response{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    InvalidRequest,
				Message: "invalid request",
			},
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return &Response{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    MethodNotFound,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		return &Response{ID: req.ID, JSONRPC: "2.0", Error: rpcErr}
	}

	return &Response{ID: req.ID, JSONRPC: "2.0", Result: result}
}

// InvalidParamsError builds an error reported to the caller as InvalidParams
func InvalidParamsError(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// StringParam reads a required string parameter
func StringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", InvalidParamsError("missing parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", InvalidParamsError("parameter %q must be a string", key)
	}
	return s, nil
}
