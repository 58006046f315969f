package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// LightState is the cheap summary read while deciding who owns a session
type LightState struct {
	EventHandler string
	CanStartIPC  bool
}

// HasEventHandler reports whether the session is bound to a handler
func (l LightState) HasEventHandler() bool {
	return l.EventHandler != ""
}

// LightStateLoader fetches the light state of one session. Failures are
// tolerated by callers and treated as "no light state".
type LightStateLoader interface {
	LoadLightState(ctx context.Context) (LightState, error)
}

// PersistedLightState is the on-disk form written next to the blob
type PersistedLightState struct {
	EventHandler string `json:"event_handler,omitempty"`
	IPCDisabled  bool   `json:"ipc_disabled,omitempty"`
}

const lightStateSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"event_handler": {"type": "string"},
		"ipc_disabled": {"type": "boolean"}
	},
	"additionalProperties": false
}`

var lightStateSchema = mustSchema(lightStateSchemaJSON)

// FileLightStateLoader reads the light state file and decides, for this
// process, whether the session may be handed to a detached worker.
type FileLightStateLoader struct {
	Path string

	// HandlerAvailable reports whether the named handler is linked into this
	// binary. Nil means no handler is available.
	HandlerAvailable func(name string) bool
}

// LoadLightState implements LightStateLoader
func (l *FileLightStateLoader) LoadLightState(ctx context.Context) (LightState, error) {
	if err := ctx.Err(); err != nil {
		return LightState{}, err
	}

	data, err := os.ReadFile(l.Path)
	if err != nil {
		return LightState{}, fmt.Errorf("failed to read light state: %w", err)
	}

	persisted, err := ParseLightState(data)
	if err != nil {
		return LightState{}, err
	}

	return persisted.Resolve(l.HandlerAvailable), nil
}

// ParseLightState validates and decodes a light state document
func ParseLightState(data []byte) (PersistedLightState, error) {
	result, err := lightStateSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return PersistedLightState{}, fmt.Errorf("invalid light state: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return PersistedLightState{}, fmt.Errorf("invalid light state: %s", strings.Join(msgs, "; "))
	}

	var persisted PersistedLightState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return PersistedLightState{}, fmt.Errorf("invalid light state: %w", err)
	}
	return persisted, nil
}

// Resolve evaluates the persisted state against what this process can run.
// A detached worker can serve the session only when IPC is enabled and either
// no handler is configured or the handler is linked in here.
func (p PersistedLightState) Resolve(available func(string) bool) LightState {
	canStart := !p.IPCDisabled
	if canStart && p.EventHandler != "" {
		canStart = available != nil && available(p.EventHandler)
	}
	return LightState{
		EventHandler: p.EventHandler,
		CanStartIPC:  canStart,
	}
}
