package worker

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/solo/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	p := NewPIDFile(path)

	assert.False(t, p.IsRunning())
	require.NoError(t, p.Remove())

	require.NoError(t, p.Write())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, p.IsRunning())

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_RemoveKeepsForeignPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))

	require.NoError(t, NewPIDFile(path).Remove())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	p := NewPIDFile(path)
	_, err := p.Read()
	assert.Error(t, err)
	assert.False(t, p.IsRunning())
}

func TestParseSchedule(t *testing.T) {
	assert.NoError(t, ParseSchedule(""))
	assert.NoError(t, ParseSchedule("*/5 * * * *"))
	assert.NoError(t, ParseSchedule("@every 30s"))
	assert.Error(t, ParseSchedule("every minute"))
}

func TestSaveScheduler_Reschedule(t *testing.T) {
	s, err := NewSaveScheduler("@every 1h", func() {}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, "@every 1h", s.Spec())

	assert.Error(t, s.Reschedule("bogus"))
	assert.Equal(t, "@every 1h", s.Spec())

	require.NoError(t, s.Reschedule(""))
	assert.Equal(t, "", s.Spec())
	assert.Empty(t, s.cron.Entries())

	require.NoError(t, s.Reschedule("*/10 * * * *"))
	assert.Len(t, s.cron.Entries(), 1)
}

func TestSaveScheduler_Fires(t *testing.T) {
	var calls atomic.Int32
	s, err := NewSaveScheduler("@every 1s", func() { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_SessionRemoved(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "session.bin")
	require.NoError(t, os.WriteFile(blob, []byte("x"), 0600))

	removed := make(chan struct{}, 1)
	w, err := NewWatcher(WatcherConfig{
		SessionPath:      blob,
		OnSessionRemoved: func() { removed <- struct{}{} },
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Replacing the blob is not a removal
	tmp := filepath.Join(dir, ".session.bin.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("y"), 0600))
	require.NoError(t, os.Rename(tmp, blob))

	require.NoError(t, os.Remove(blob))

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("removal not reported")
	}
	select {
	case <-removed:
		t.Fatal("removal reported twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_ConfigChangedDebounced(t *testing.T) {
	sessionDir := t.TempDir()
	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "solo.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("a: 1\n"), 0600))

	var changes atomic.Int32
	w, err := NewWatcher(WatcherConfig{
		SessionPath:     filepath.Join(sessionDir, "session.bin"),
		ConfigPath:      configPath,
		Debounce:        50 * time.Millisecond,
		OnConfigChanged: func() { changes.Add(1) },
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(configPath, []byte("a: 2\n"), 0600))
	}

	assert.Eventually(t, func() bool { return changes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), changes.Load())
}

func TestWatcher_StopIdempotent(t *testing.T) {
	w, err := NewWatcher(WatcherConfig{SessionPath: filepath.Join(t.TempDir(), "session.bin"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestBootstrapper_LaunchesDetachedWorker(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "args.out")
	t.Setenv("BOOT_OUT", out)

	script := filepath.Join(root, "fake-solo")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "starting"
printf '%s\n%s\n' "$*" "$SOLO_WORKER" > "$BOOT_OUT.tmp"
mv "$BOOT_OUT.tmp" "$BOOT_OUT"
`), 0755))

	paths, err := session.NewPaths(root, "bot")
	require.NoError(t, err)

	b := NewBootstrapper(script, "/etc/solo.yaml", zerolog.Nop())
	require.NoError(t, b.Bootstrap(t.Context(), paths))

	var content string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		if err != nil {
			return false
		}
		content = string(data)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(content), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "worker --root "+root+" --name bot --config /etc/solo.yaml", lines[0])
	assert.Equal(t, "1", lines[1])

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(paths.WorkerLogPath())
		return err == nil && strings.Contains(string(data), "starting")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBootstrapper_MissingBinary(t *testing.T) {
	paths, err := session.NewPaths(t.TempDir(), "bot")
	require.NoError(t, err)

	b := NewBootstrapper(filepath.Join(t.TempDir(), "nope"), "", zerolog.Nop())
	assert.Error(t, b.Bootstrap(t.Context(), paths))
}

func TestBootstrapper_Args(t *testing.T) {
	paths, err := session.NewPaths("/srv/solo", "bot")
	require.NoError(t, err)

	b := NewBootstrapper("", "", zerolog.Nop())
	assert.Equal(t, []string{"worker", "--root", "/srv/solo", "--name", "bot"}, b.Args(paths))
}
