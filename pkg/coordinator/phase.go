package coordinator

import (
	"github.com/harun/solo/pkg/ipc"
	"github.com/harun/solo/pkg/session"
)

// Phase is a state of the coordination state machine
type Phase string

const (
	PhaseStart             Phase = "start"
	PhaseNoSessionYet      Phase = "no_session_yet"
	PhaseHaveCurrentFormat Phase = "have_current_format"
	PhaseHaveLegacyFormat  Phase = "have_legacy_format"
	PhaseAwaitingLock      Phase = "awaiting_lock"
	PhaseLockCancelled     Phase = "lock_cancelled"
	PhaseLockHeldUseless   Phase = "lock_held_useless"
	PhaseLockHeldUsable    Phase = "lock_held_usable"
	PhaseDeserializing     Phase = "deserializing"
	PhaseDeserialized      Phase = "deserialized"
	PhaseDeserializeFailed Phase = "deserialize_failed"
	PhaseDone              Phase = "done"
)

// Blob formats found on disk
const (
	FormatNone    = ""
	FormatCurrent = "current"
	FormatLegacy  = "legacy"
)

// Outcome summarizes what the caller ended up with
type Outcome string

const (
	// OutcomeFresh: no session exists, the caller holds the lock and must create one.
	OutcomeFresh Outcome = "fresh"
	// OutcomeWorker: the caller owns the loaded session and the lock.
	OutcomeWorker Outcome = "worker"
	// OutcomeClient: the caller only holds a channel to the worker.
	OutcomeClient Outcome = "client"
)

// Result is the terminal state of one coordination
type Result struct {
	// Phase is the last phase reached, PhaseDone on success
	Phase Phase

	// Phases lists every phase entered, in order
	Phases []Phase

	// Format is the blob format found at start
	Format string

	// State is the loaded session on the worker path
	State *session.State

	// Release gives up the session lock; set on the fresh and worker paths.
	// The caller owns it and must call it exactly once when done.
	Release func() error

	// Conn is the channel to the worker on the client path
	Conn ipc.Connection
}

// Outcome reports which terminal shape the result has
func (r *Result) Outcome() Outcome {
	switch {
	case r.State != nil:
		return OutcomeWorker
	case r.Conn != nil:
		return OutcomeClient
	default:
		return OutcomeFresh
	}
}

// Visited reports whether phase was entered
func (r *Result) Visited(phase Phase) bool {
	for _, p := range r.Phases {
		if p == phase {
			return true
		}
	}
	return false
}
