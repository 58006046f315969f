package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Storage modes
const (
	ModeInline   = "inline"
	ModeExternal = "external"
)

// ErrNoSession is returned by Load when neither a current nor a legacy blob exists
var ErrNoSession = errors.New("session does not exist")

// PayloadStore is the key/value table holding externally stored payloads
type PayloadStore interface {
	Table() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// StoreOptions configures a Store
type StoreOptions struct {
	// Mode is ModeInline (default) or ModeExternal
	Mode string

	// Payloads must be set for ModeExternal and for reading external blobs
	Payloads PayloadStore

	Logger *zerolog.Logger
}

// Store reads and writes the blob and light state of one session. Writes
// must only happen while holding the session lock.
type Store struct {
	paths    Paths
	mode     string
	payloads PayloadStore
	logger   zerolog.Logger
}

// NewStore creates a store for paths
func NewStore(paths Paths, opts StoreOptions) *Store {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeInline
	}
	return &Store{
		paths:    paths,
		mode:     mode,
		payloads: opts.Payloads,
		logger:   logger.With().Str("component", "session_store").Str("session", paths.Name()).Logger(),
	}
}

// Paths returns the session paths
func (s *Store) Paths() Paths {
	return s.paths
}

// HasCurrent reports whether a current-format blob exists
func (s *Store) HasCurrent() (bool, error) {
	return exists(s.paths.SessionPath())
}

// HasLegacy reports whether a legacy blob exists
func (s *Store) HasLegacy() (bool, error) {
	return exists(s.paths.LegacySessionPath())
}

// ReadCurrent returns the raw current-format blob
func (s *Store) ReadCurrent() ([]byte, error) {
	return os.ReadFile(s.paths.SessionPath())
}

// ReadLegacy returns the raw legacy blob
func (s *Store) ReadLegacy() ([]byte, error) {
	return os.ReadFile(s.paths.LegacySessionPath())
}

// Load decodes the current-format blob, resolving an external payload if needed
func (s *Store) Load(ctx context.Context) (*State, error) {
	raw, err := s.ReadCurrent()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session blob: %w", err)
	}

	outcome, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if outcome.Ready() {
		return outcome.State, nil
	}
	return s.Resolve(ctx, *outcome.External)
}

// Resolve fetches and decodes an externally stored payload
func (s *Store) Resolve(ctx context.Context, ref ExternalRef) (*State, error) {
	ctx, span := tracing.StartSpan(ctx, "session.resolve_external")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if s.payloads == nil {
		err = fmt.Errorf("session payload lives in table %q but no payload store is configured", ref.Table)
		return nil, err
	}
	if s.payloads.Table() != ref.Table {
		err = fmt.Errorf("session payload lives in table %q, configured table is %q", ref.Table, s.payloads.Table())
		return nil, err
	}

	var raw []byte
	raw, err = s.payloads.Get(ctx, ref.Key)
	if err != nil {
		err = fmt.Errorf("failed to fetch external payload %s: %w", ref, err)
		return nil, err
	}

	var st *State
	st, err = DecodePayload(raw)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("ref", ref.String()).Int("bytes", len(raw)).Msg("Resolved external session payload")
	return st, nil
}

// Save writes st and its light state. In external mode the payload goes to
// the key/value table first so the blob never points at a missing row.
func (s *Store) Save(ctx context.Context, st *State) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "session.save")
	var err error
	defer func() {
		observability.RecordSessionSave(time.Since(start))
		tracing.EndSpan(span, err)
	}()

	if err = s.paths.EnsureDir(); err != nil {
		return err
	}

	st.UpdatedAt = time.Now().UTC()

	var blob []byte
	switch s.mode {
	case ModeExternal:
		blob, err = s.saveExternal(ctx, st)
	default:
		blob, err = Encode(st)
	}
	if err != nil {
		return err
	}

	if err = writeFileAtomic(s.paths.SessionPath(), blob, 0o600); err != nil {
		return err
	}

	// An inline blob no longer points at the table; drop a row an earlier
	// external save left behind.
	if s.mode != ModeExternal && s.payloads != nil {
		if derr := s.payloads.Delete(ctx, s.paths.Name()); derr != nil {
			s.logger.Warn().Err(derr).Msg("Failed to drop stale external payload")
		}
	}

	if err = s.SaveLightState(st.Light()); err != nil {
		return err
	}

	s.logger.Debug().
		Str("mode", s.mode).
		Int("bytes", len(blob)).
		Dur("took", time.Since(start)).
		Msg("Session saved")
	return nil
}

func (s *Store) saveExternal(ctx context.Context, st *State) ([]byte, error) {
	if s.payloads == nil {
		return nil, fmt.Errorf("external storage mode requires a payload store")
	}
	payload, err := EncodePayload(st)
	if err != nil {
		return nil, err
	}
	ref := ExternalRef{Table: s.payloads.Table(), Key: s.paths.Name()}
	if err := s.payloads.Set(ctx, ref.Key, payload); err != nil {
		return nil, fmt.Errorf("failed to store external payload %s: %w", ref, err)
	}
	return EncodeExternal(ref)
}

// SaveLightState writes the light state file
func (s *Store) SaveLightState(light PersistedLightState) error {
	data, err := json.Marshal(light)
	if err != nil {
		return fmt.Errorf("failed to marshal light state: %w", err)
	}
	return writeFileAtomic(s.paths.LightStatePath(), data, 0o600)
}

// LightStateLoader returns a loader bound to this session's light state file
func (s *Store) LightStateLoader(available func(string) bool) *FileLightStateLoader {
	return &FileLightStateLoader{
		Path:             s.paths.LightStatePath(),
		HandlerAvailable: available,
	}
}

// RemoveLegacy deletes the legacy blob after a successful migration
func (s *Store) RemoveLegacy() error {
	err := os.Remove(s.paths.LegacySessionPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove legacy blob: %w", err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
