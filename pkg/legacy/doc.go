// Package legacy reads session blobs written by releases that predate the
// versioned envelope, repairing known historical type renames on the way.
//
// Legacy blobs are JSON documents whose objects carry a "$type" tag. Over the
// years two kinds of tags were renamed: the reply-markup button (once an
// unqualified "Button") and the big integer type, which moved through three
// cryptography libraries before settling on tgseclib/math.BigInteger.
//
// Invariants:
//   - Migration engages only for errors that name a known legacy form; any
//     other decode error is returned unchanged.
//   - Each substitution rule runs at most once per blob and only when its
//     trigger matches.
//   - A blob that still fails after every applicable rule ran yields
//     ErrMigrationExhausted wrapping the last decode error.
package legacy
