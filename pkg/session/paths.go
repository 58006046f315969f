package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirSuffix      = ".d"
	blobFile       = "session.blob"
	lightStateFile = "lightstate.json"
	lockFile       = "lock"
	socketFile     = "ipc.sock"
	pidFile        = "worker.pid"
	workerLogFile  = "worker.log"

	// sun_path is 108 bytes on Linux and 104 on the BSDs; stay under both.
	maxSocketPath = 100
)

// Paths resolves every on-disk location belonging to one session
type Paths struct {
	root string
	name string
}

// NewPaths validates name and anchors the session under an absolute root
func NewPaths(root, name string) (Paths, error) {
	if err := ValidateName(name); err != nil {
		return Paths{}, err
	}
	if root == "" {
		return Paths{}, fmt.Errorf("session root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve session root: %w", err)
	}
	return Paths{root: abs, name: name}, nil
}

// ValidateName rejects names that are not a single safe path element
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("session name cannot contain '..'")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("session name cannot contain path separators")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("session name cannot contain null bytes")
	}
	return nil
}

func (p Paths) Root() string { return p.root }
func (p Paths) Name() string { return p.name }

// Dir holds every current-format file of the session
func (p Paths) Dir() string {
	return filepath.Join(p.root, p.name+dirSuffix)
}

func (p Paths) SessionPath() string    { return filepath.Join(p.Dir(), blobFile) }
func (p Paths) LightStatePath() string { return filepath.Join(p.Dir(), lightStateFile) }
func (p Paths) LockPath() string       { return filepath.Join(p.Dir(), lockFile) }
func (p Paths) PIDPath() string        { return filepath.Join(p.Dir(), pidFile) }
func (p Paths) WorkerLogPath() string  { return filepath.Join(p.Dir(), workerLogFile) }

// LegacySessionPath is the single-file blob written by older releases
func (p Paths) LegacySessionPath() string {
	return filepath.Join(p.root, p.name)
}

// IPCPath is the worker's unix socket. Sessions rooted deep enough to overflow
// sun_path get a stable hashed socket name under the OS temp dir instead.
func (p Paths) IPCPath() string {
	path := filepath.Join(p.Dir(), socketFile)
	if len(path) <= maxSocketPath {
		return path
	}
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(os.TempDir(), "solo-"+hex.EncodeToString(sum[:8])+".sock")
}

// EnsureDir creates the session directory with owner-only permissions
func (p Paths) EnsureDir() error {
	if err := os.MkdirAll(p.Dir(), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	return nil
}

func (p Paths) String() string {
	return p.Dir()
}
