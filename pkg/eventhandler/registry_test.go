package eventhandler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	require.NoError(t, r.Register(LogHandler(zerolog.Nop())))
	require.NoError(t, r.Register(Func("echo", func(ctx context.Context, event Event) error { return nil })))

	assert.True(t, r.Has("log"))
	assert.True(t, r.Has(" echo "))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"echo", "log"}, r.Names())

	var nilRegistry *Registry
	assert.False(t, nilRegistry.Has("log"))
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(Func("  ", func(ctx context.Context, event Event) error { return nil })))
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var got Event
	require.NoError(t, r.Register(Func("capture", func(ctx context.Context, event Event) error {
		got = event
		return nil
	})))
	require.NoError(t, r.Register(Func("broken", func(ctx context.Context, event Event) error {
		return errors.New("nope")
	})))

	require.NoError(t, r.Dispatch(context.Background(), "capture", Event{Name: "session.loaded", Session: "default"}))
	assert.Equal(t, "session.loaded", got.Name)
	assert.False(t, got.At.IsZero())

	err := r.Dispatch(context.Background(), "broken", Event{Name: "x"})
	assert.ErrorContains(t, err, "handler broken: nope")

	err = r.Dispatch(context.Background(), "missing", Event{Name: "x"})
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestScriptHandler_InjectsEventIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	h := &ScriptHandler{
		ID:     "notify",
		Script: "echo \"$SOLO_EVENT:$SOLO_SESSION:$SOLO_EVENT_DATA_AUTH_KEY_ID\" > " + outputPath,
		Logger: zerolog.Nop(),
	}

	require.NoError(t, h.Handle(context.Background(), Event{
		Name:    "session.saved",
		Session: "default",
		Data:    map[string]interface{}{"auth-key.id": 7},
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "session.saved:default:7", strings.TrimSpace(string(content)))
}

func TestScriptHandler_FailureIncludesOutput(t *testing.T) {
	h := &ScriptHandler{ID: "bad", Script: "echo broken >&2; exit 3", Logger: zerolog.Nop()}

	err := h.Handle(context.Background(), Event{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script bad failed")
	assert.Contains(t, err.Error(), "broken")
}

func TestScriptHandler_Timeout(t *testing.T) {
	h := &ScriptHandler{ID: "slow", Script: "sleep 5", Timeout: 50 * time.Millisecond, Logger: zerolog.Nop()}

	start := time.Now()
	err := h.Handle(context.Background(), Event{Name: "x"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "AUTH_KEY_ID", normalizeEnvKey("auth-key.id"))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey("  "))
}
