package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// Header marks a current-format blob; legacy blobs never start with it.
	Header = "SOLO1\n"

	// FormatVersion is written into every envelope this build produces.
	FormatVersion = "1.1.0"

	// SupportedFormats is the range of envelope versions this build reads.
	SupportedFormats = "^1.0.0"

	writerName = "solo"
)

var (
	// ErrCorruptSession is returned for any blob that cannot be decoded into a session
	ErrCorruptSession = errors.New("corrupt session")

	// ErrUnsupportedFormat is returned for well-formed blobs written by an incompatible release
	ErrUnsupportedFormat = errors.New("unsupported session format")
)

const envelopeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["format_version"],
	"properties": {
		"format_version": {"type": "string", "minLength": 5},
		"writer": {"type": "string"},
		"written_at": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["name"],
			"properties": {"name": {"type": "string", "minLength": 1}}
		},
		"external": {
			"type": "object",
			"required": ["table", "key"],
			"properties": {
				"table": {"type": "string", "minLength": 1},
				"key": {"type": "string", "minLength": 1}
			}
		}
	},
	"oneOf": [
		{"required": ["payload"]},
		{"required": ["external"]}
	]
}`

var (
	envelopeSchema   = mustSchema(envelopeSchemaJSON)
	supportedFormats = mustConstraint(SupportedFormats)
)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("session: invalid built-in schema: %v", err))
	}
	return s
}

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("session: invalid version constraint: %v", err))
	}
	return constraint
}

// ExternalRef points at a payload stored in the key/value table
type ExternalRef struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

func (r ExternalRef) String() string {
	return r.Table + "/" + r.Key
}

// Outcome is the result of decoding a current-format blob. Exactly one of
// State and External is set.
type Outcome struct {
	State    *State
	External *ExternalRef
	Version  *semver.Version
}

// Ready reports whether the state was stored inline
func (o Outcome) Ready() bool {
	return o.State != nil
}

type envelope struct {
	FormatVersion string          `json:"format_version"`
	Writer        string          `json:"writer,omitempty"`
	WrittenAt     *time.Time      `json:"written_at,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	External      *ExternalRef    `json:"external,omitempty"`
}

// IsCurrentFormat reports whether raw carries the current-format header
func IsCurrentFormat(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(Header))
}

// Encode serializes st inline
func Encode(st *State) ([]byte, error) {
	payload, err := EncodePayload(st)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(envelope{Payload: payload})
}

// EncodeExternal serializes a blob whose payload lives in the key/value table
func EncodeExternal(ref ExternalRef) ([]byte, error) {
	if ref.Table == "" || ref.Key == "" {
		return nil, fmt.Errorf("external reference needs both table and key")
	}
	return encodeEnvelope(envelope{External: &ref})
}

// EncodePayload renders st as canonical JSON, the form stored externally
func EncodePayload(st *State) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("cannot encode a nil session")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize session: %w", err)
	}
	return canonical, nil
}

func encodeEnvelope(env envelope) ([]byte, error) {
	now := time.Now().UTC()
	env.FormatVersion = FormatVersion
	env.Writer = writerName
	env.WrittenAt = &now

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}

	out := make([]byte, 0, len(Header)+len(canonical))
	out = append(out, Header...)
	return append(out, canonical...), nil
}

// Decode parses a current-format blob. The result is either a ready State or
// an external reference that still has to be resolved.
func Decode(raw []byte) (Outcome, error) {
	if !IsCurrentFormat(raw) {
		return Outcome{}, fmt.Errorf("%w: missing %q header", ErrCorruptSession, strings.TrimSpace(Header))
	}
	body := raw[len(Header):]

	result, err := envelopeSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrCorruptSession, strings.Join(msgs, "; "))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}

	version, err := semver.NewVersion(env.FormatVersion)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: bad format_version %q: %v", ErrCorruptSession, env.FormatVersion, err)
	}
	if !supportedFormats.Check(version) {
		return Outcome{}, fmt.Errorf("%w: %s (this build reads %s)", ErrUnsupportedFormat, version, SupportedFormats)
	}

	if env.External != nil {
		return Outcome{External: env.External, Version: version}, nil
	}

	st, err := DecodePayload(env.Payload)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: st, Version: version}, nil
}

// DecodePayload parses a bare session payload as produced by EncodePayload
func DecodePayload(raw []byte) (*State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptSession)
	}

	var st State
	if err := json.Unmarshal(trimmed, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if st.Name == "" {
		return nil, fmt.Errorf("%w: payload has no session name", ErrCorruptSession)
	}
	if st.AuthKeys == nil {
		st.AuthKeys = make(map[string]*BigInt)
	}
	if st.Data == nil {
		st.Data = make(map[string]string)
	}
	return &st, nil
}
