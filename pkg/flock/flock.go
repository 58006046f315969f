package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/pkg/oneshot"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval is the delay between non-blocking lock attempts while contended.
const DefaultPollInterval = 100 * time.Millisecond

// ErrCancelled is returned when the cancel signal resolves before the lock is obtained.
var ErrCancelled = errors.New("lock acquisition cancelled")

// Options tunes a single acquisition
type Options struct {
	// OnWaitStart runs at most once, on the acquiring goroutine, the first time
	// the lock turns out to be held by someone else.
	OnWaitStart func()

	// Cancel abandons the acquisition once resolved. Nil means never.
	Cancel *oneshot.Signal[bool]

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Handle is a held exclusive lock
type Handle struct {
	path       string
	file       *os.File
	acquiredAt time.Time

	once sync.Once
	err  error
}

// Acquire takes the exclusive lock on path, creating the file if needed. It
// returns ErrCancelled if opts.Cancel resolves first and ctx.Err() if ctx ends first.
func Acquire(ctx context.Context, path string, opts Options) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	var cancelDone <-chan struct{}
	if opts.Cancel != nil {
		cancelDone = opts.Cancel.Done()
	}

	start := time.Now()
	waiting := false
	timer := time.NewTimer(opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-cancelDone:
			_ = f.Close()
			observability.RecordLockAcquisition("cancelled", time.Since(start))
			return nil, ErrCancelled
		default:
		}

		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			observability.RecordLockAcquisition("acquired", time.Since(start))
			return &Handle{path: path, file: f, acquiredAt: time.Now()}, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			observability.RecordLockAcquisition("error", time.Since(start))
			return nil, fmt.Errorf("flock: %w", err)
		}

		if !waiting {
			waiting = true
			if opts.OnWaitStart != nil {
				opts.OnWaitStart()
			}
		}

		timer.Reset(opts.PollInterval)
		select {
		case <-cancelDone:
			_ = f.Close()
			observability.RecordLockAcquisition("cancelled", time.Since(start))
			return nil, ErrCancelled
		case <-ctx.Done():
			_ = f.Close()
			observability.RecordLockAcquisition("cancelled", time.Since(start))
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire attempts the lock once without waiting. It returns (nil, nil)
// when the lock is held elsewhere.
func TryAcquire(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &Handle{path: path, file: f, acquiredAt: time.Now()}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once and
// from multiple goroutines; only the first call does any work.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}

	h.once.Do(func() {
		if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
			_ = h.file.Close()
			h.err = fmt.Errorf("funlock: %w", err)
			return
		}
		h.err = h.file.Close()
	})
	return h.err
}

// Path returns the lock file path
func (h *Handle) Path() string {
	return h.path
}

// HeldFor returns how long the lock has been held
func (h *Handle) HeldFor() time.Duration {
	return time.Since(h.acquiredAt)
}
