package eventhandler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ScriptHandler runs a shell script for every event
type ScriptHandler struct {
	ID      string
	Script  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Name returns the handler name
func (h *ScriptHandler) Name() string {
	return h.ID
}

// Handle runs the script with the event in its environment
func (h *ScriptHandler) Handle(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx := ctx
	cancel := func() {}
	if h.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", h.Script)
	cmd.Env = buildEventEnvironment(event)
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("script %s failed: %w: %s", h.ID, err, outputText)
		}
		return fmt.Errorf("script %s failed: %w", h.ID, err)
	}

	if outputText != "" {
		h.Logger.Debug().
			Str("event", event.Name).
			Str("handler", h.ID).
			Str("output", outputText).
			Msg("Handler script executed")
	}
	return nil
}

func buildEventEnvironment(event Event) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"SOLO_EVENT="+event.Name,
		"SOLO_SESSION="+event.Session,
	)

	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, "SOLO_EVENT_DATA_"+normalizeEnvKey(key)+"="+fmt.Sprintf("%v", event.Data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
