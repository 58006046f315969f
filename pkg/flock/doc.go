// Package flock provides advisory, filesystem-backed mutual exclusion over a
// single session identity using flock(2).
//
// Invariants:
//   - At most one open file description holds the exclusive lock at a time, across
//     processes and within one process.
//   - A cancelled acquisition never leaves the lock held.
//   - Handle.Release is idempotent; the kernel drops the lock if the owning process dies.
//
// Usage:
//
//	cancel := oneshot.New[bool]()
//	h, err := flock.Acquire(ctx, "/var/lib/solo/main.d/lock", flock.Options{
//		OnWaitStart: func() { go raceSomethingElse(cancel) },
//		Cancel:      cancel,
//	})
//	if errors.Is(err, flock.ErrCancelled) {
//		// someone else won
//	}
//	defer h.Release()
package flock
