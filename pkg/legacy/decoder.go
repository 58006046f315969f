package legacy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/harun/solo/pkg/session"
)

// Type tags
const (
	TypeSession     = "solo/legacy.Session"
	TypePlaceholder = "solo/legacy.Placeholder"
	TypeThreaded    = "solo/legacy.Threaded"
	TypeButton      = "solo/ui.Button"
	TypeBigInteger  = "tgseclib/math.BigInteger"

	// Historical names
	TypeOldButton     = "Button"
	TypeSeclibBigInt  = "seclib/math.BigInteger"
	TypeSeclibShim    = "seclib/math.BigIntegor"
	TypeSeclib3BigInt = "seclib3/math.BigInteger"
)

const typeKey = "$type"

// ErrAmbiguousFormat is returned when a type tag carries no package
// qualifier, so the decoder cannot tell which generation wrote it.
var ErrAmbiguousFormat = errors.New("ambiguous legacy type tag")

// UnknownTypeError is returned for type tags with no registered reader
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown legacy type %q", e.Type)
}

// FormatError is returned when a registered type's fields do not match the layout its reader expects
type FormatError struct {
	Type string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("erroneous data format for %q: %v", e.Type, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsLegacyTypeName reports whether name is one of the historical tags that
// migration knows how to repair.
func IsLegacyTypeName(name string) bool {
	switch name {
	case TypeOldButton, TypeSeclibBigInt, TypeSeclibShim, TypeSeclib3BigInt:
		return true
	}
	return false
}

// Result of one decode pass
type Result struct {
	State *session.State

	// Placeholder is set when the blob's session sits inside a container
	// the decoder chose not to open.
	Placeholder bool
}

// DecodeFunc decodes one raw legacy blob
type DecodeFunc func(raw []byte) (Result, error)

// Primary is the strict decoder. It reports a placeholder for sessions
// wrapped by older threaded writers instead of reading through them.
func Primary(raw []byte) (Result, error) {
	return decoder{}.decode(raw)
}

// Secondary is the threaded-compatible decoder: it opens placeholder and
// threaded containers.
func Secondary(raw []byte) (Result, error) {
	return decoder{threaded: true}.decode(raw)
}

type decoder struct {
	threaded bool
}

func (d decoder) decode(raw []byte) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return Result{}, fmt.Errorf("malformed legacy blob: %w", err)
	}

	obj, ok := root.(map[string]interface{})
	if !ok {
		return Result{}, fmt.Errorf("legacy blob root is %T, want object", root)
	}

	typ, err := typeOf(obj)
	if err != nil {
		return Result{}, err
	}

	switch typ {
	case TypePlaceholder:
		if !d.threaded {
			return Result{Placeholder: true}, nil
		}
		inner, ok := obj["inner"].(map[string]interface{})
		if !ok {
			return Result{}, &FormatError{Type: typ, Err: errors.New("missing inner session")}
		}
		st, err := d.session(inner)
		if err != nil {
			return Result{}, err
		}
		return Result{State: st}, nil
	case TypeSession:
		st, err := d.session(obj)
		if err != nil {
			return Result{}, err
		}
		return Result{State: st}, nil
	default:
		return Result{}, d.unknown(typ)
	}
}

func (d decoder) unknown(typ string) error {
	if typ == "" {
		return fmt.Errorf("missing %s tag", typeKey)
	}
	if !strings.Contains(typ, "/") {
		return fmt.Errorf("%w: %q", ErrAmbiguousFormat, typ)
	}
	return &UnknownTypeError{Type: typ}
}

func typeOf(obj map[string]interface{}) (string, error) {
	raw, ok := obj[typeKey]
	if !ok {
		return "", nil
	}
	typ, ok := raw.(string)
	if !ok || typ == "" {
		return "", fmt.Errorf("invalid %s tag %v", typeKey, raw)
	}
	return typ, nil
}

// unwrap opens threaded containers when the decoder supports them
func (d decoder) unwrap(v interface{}) (interface{}, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	typ, err := typeOf(obj)
	if err != nil || typ != TypeThreaded {
		return v, err
	}
	if !d.threaded {
		return nil, &UnknownTypeError{Type: typ}
	}
	return obj["items"], nil
}

func (d decoder) session(obj map[string]interface{}) (*session.State, error) {
	st := &session.State{
		AuthKeys: make(map[string]*session.BigInt),
		Data:     make(map[string]string),
	}

	name, _ := obj["name"].(string)
	if name == "" {
		return nil, &FormatError{Type: TypeSession, Err: errors.New("missing name")}
	}
	st.Name = name
	st.EventHandler, _ = obj["event_handler"].(string)

	if err := parseTime(obj["created_at"], &st.CreatedAt); err != nil {
		return nil, &FormatError{Type: TypeSession, Err: err}
	}
	st.UpdatedAt = st.CreatedAt
	if _, ok := obj["updated_at"]; ok {
		if err := parseTime(obj["updated_at"], &st.UpdatedAt); err != nil {
			return nil, &FormatError{Type: TypeSession, Err: err}
		}
	}

	if settings, ok := obj["settings"].(map[string]interface{}); ok {
		st.Settings.IPCDisabled, _ = settings["ipc_disabled"].(bool)
		st.Settings.StorageMode, _ = settings["storage_mode"].(string)
	}

	keys, err := d.unwrap(obj["auth_keys"])
	if err != nil {
		return nil, err
	}
	if keys != nil {
		keyMap, ok := keys.(map[string]interface{})
		if !ok {
			return nil, &FormatError{Type: TypeSession, Err: fmt.Errorf("auth_keys is %T", keys)}
		}
		for _, dc := range slices.Sorted(maps.Keys(keyMap)) {
			n, err := d.bigInt(keyMap[dc])
			if err != nil {
				return nil, err
			}
			st.AuthKeys[dc] = n
		}
	}

	buttons, err := d.unwrap(obj["buttons"])
	if err != nil {
		return nil, err
	}
	if buttons != nil {
		list, ok := buttons.([]interface{})
		if !ok {
			return nil, &FormatError{Type: TypeSession, Err: fmt.Errorf("buttons is %T", buttons)}
		}
		for _, v := range list {
			b, err := d.button(v)
			if err != nil {
				return nil, err
			}
			st.Buttons = append(st.Buttons, b)
		}
	}

	data, err := d.unwrap(obj["data"])
	if err != nil {
		return nil, err
	}
	if dataMap, ok := data.(map[string]interface{}); ok {
		for _, k := range slices.Sorted(maps.Keys(dataMap)) {
			v := dataMap[k]
			s, ok := v.(string)
			if !ok {
				return nil, &FormatError{Type: TypeSession, Err: fmt.Errorf("data[%s] is %T", k, v)}
			}
			st.Data[k] = s
		}
	}

	return st, nil
}

func parseTime(v interface{}, dst *time.Time) error {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("timestamp is %T", v)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*dst = t.UTC()
	return nil
}

func (d decoder) button(v interface{}) (session.Button, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return session.Button{}, &FormatError{Type: TypeButton, Err: fmt.Errorf("button is %T", v)}
	}
	typ, err := typeOf(obj)
	if err != nil {
		return session.Button{}, err
	}
	if typ != TypeButton {
		return session.Button{}, d.unknown(typ)
	}

	b := session.Button{}
	b.Text, _ = obj["text"].(string)
	b.Data, _ = obj["data"].(string)
	b.URL, _ = obj["url"].(string)
	if b.Text == "" {
		return session.Button{}, &FormatError{Type: typ, Err: errors.New("missing text")}
	}
	return b, nil
}

// bigInt reads the current hex layout under the current name and the
// first-generation name, which this build still aliases. The shim reads the
// original magnitude layout.
func (d decoder) bigInt(v interface{}) (*session.BigInt, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, &FormatError{Type: TypeBigInteger, Err: fmt.Errorf("big integer is %T", v)}
	}
	typ, err := typeOf(obj)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeBigInteger, TypeSeclibBigInt:
		s, ok := obj["value"].(string)
		if !ok {
			return nil, &FormatError{Type: typ, Err: errors.New("missing hex value")}
		}
		n, err := session.NewBigInt(s)
		if err != nil {
			return nil, &FormatError{Type: typ, Err: err}
		}
		return n, nil
	case TypeSeclibShim:
		s, ok := obj["magnitude"].(string)
		if !ok {
			return nil, &FormatError{Type: typ, Err: errors.New("missing magnitude")}
		}
		mag, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &FormatError{Type: typ, Err: err}
		}
		n := &session.BigInt{}
		n.Int.Set(new(big.Int).SetBytes(mag))
		if neg, _ := obj["negative"].(bool); neg {
			n.Neg(&n.Int)
		}
		return n, nil
	default:
		return nil, d.unknown(typ)
	}
}
