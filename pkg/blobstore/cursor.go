package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Cursor walks a table in key order. It reads one row per step and keeps no
// statement open between steps, so writers are never blocked by an idle
// iteration. A cursor belongs to one goroutine.
type Cursor struct {
	store   *Store
	started bool
	done    bool
	key     string
	value   []byte
	err     error
}

// Iterate returns a cursor positioned before the first key
func (s *Store) Iterate() *Cursor {
	return &Cursor{store: s}
}

// Next advances to the next key. It returns false at the end or on error.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}

	var row *sql.Row
	if !c.started {
		row = c.store.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %q ORDER BY key LIMIT 1`, c.store.table))
	} else {
		row = c.store.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %q WHERE key > ? ORDER BY key LIMIT 1`, c.store.table), c.key)
	}
	c.started = true

	var key string
	var value []byte
	if err := row.Scan(&key, &value); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.err = fmt.Errorf("cursor step after %q: %w", c.key, err)
		}
		c.done = true
		c.value = nil
		return false
	}

	c.key = key
	c.value = value
	return true
}

// Seek positions the cursor so that the following Next returns the row at
// zero-based position.
func (c *Cursor) Seek(ctx context.Context, position int) error {
	if position < 0 {
		return fmt.Errorf("negative cursor position %d", position)
	}
	c.err = nil
	c.done = false
	c.value = nil

	if position == 0 {
		c.started = false
		c.key = ""
		return nil
	}

	var key string
	err := c.store.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT key FROM %q ORDER BY key LIMIT 1 OFFSET ?`, c.store.table), position-1,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		c.done = true
		return nil
	}
	if err != nil {
		c.err = fmt.Errorf("cursor seek to %d: %w", position, err)
		return c.err
	}

	c.started = true
	c.key = key
	return nil
}

// Key returns the current key
func (c *Cursor) Key() string { return c.key }

// Value returns the current value
func (c *Cursor) Value() []byte { return c.value }

// Err returns the first error hit while iterating
func (c *Cursor) Err() error { return c.err }
