// Package session describes one persisted session: where its files live, what
// its state looks like in memory, and how that state is encoded on disk.
//
// Invariants:
//   - Paths are a pure function of (root, name) and never change for a process.
//   - Only the lock holder writes the blob or the light state; writes are atomic
//     (temp file + rename) so readers never observe a torn blob.
//   - A current-format blob always begins with Header and carries a semver
//     format_version inside a canonical JSON envelope.
//   - Decode never guesses: anything it cannot validate wraps ErrCorruptSession.
//
// Usage:
//
//	paths, _ := session.NewPaths("/var/lib/solo", "bot")
//	store := session.NewStore(paths, session.StoreOptions{})
//	st, _ := store.Load(ctx)
//	_ = store.Save(ctx, st)
package session
