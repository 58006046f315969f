package session

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// State is the full in-memory session. It is owned by the worker holding the
// session lock; callers elsewhere see it only through the worker channel.
type State struct {
	Name         string             `json:"name"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	EventHandler string             `json:"event_handler,omitempty"`
	Settings     Settings           `json:"settings"`
	AuthKeys     map[string]*BigInt `json:"auth_keys,omitempty"`
	Buttons      []Button           `json:"buttons,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
}

// Settings holds per-session behaviour switches
type Settings struct {
	IPCDisabled bool   `json:"ipc_disabled,omitempty"`
	StorageMode string `json:"storage_mode,omitempty"`
}

// Button is a persisted reply-markup button
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// NewState creates an empty session
func NewState(name string) *State {
	now := time.Now().UTC()
	return &State{
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		AuthKeys:  make(map[string]*BigInt),
		Data:      make(map[string]string),
	}
}

// Light derives the light state persisted next to the blob
func (s *State) Light() PersistedLightState {
	return PersistedLightState{
		EventHandler: s.EventHandler,
		IPCDisabled:  s.Settings.IPCDisabled,
	}
}

// BigInt is an arbitrary precision integer encoded as a 0x-prefixed hex string
type BigInt struct {
	big.Int
}

// NewBigInt parses s in any base accepted by big.Int.SetString with base 0
func NewBigInt(s string) (*BigInt, error) {
	b := &BigInt{}
	if _, ok := b.SetString(s, 0); !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}
	return b, nil
}

// BigIntFromInt64 wraps a machine integer
func BigIntFromInt64(v int64) *BigInt {
	b := &BigInt{}
	b.SetInt64(v)
	return b
}

func (b *BigInt) String() string {
	if b.Sign() < 0 {
		return "-0x" + new(big.Int).Neg(&b.Int).Text(16)
	}
	return "0x" + b.Text(16)
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("big integer must be a string: %w", err)
	}
	if !strings.Contains(s, "0x") {
		return fmt.Errorf("big integer %q is missing its 0x prefix", s)
	}
	if _, ok := b.SetString(s, 0); !ok {
		return fmt.Errorf("invalid big integer %q", s)
	}
	return nil
}
