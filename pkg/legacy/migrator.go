package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/internal/tracing"
	"github.com/harun/solo/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrMigrationExhausted is returned when every applicable rule ran and the blob still does not decode
var ErrMigrationExhausted = errors.New("legacy migration exhausted")

// Rule is one known historical rename
type Rule struct {
	Name string

	// Trigger inspects the current raw blob and the last decode error
	Trigger func(raw []byte, err error) bool

	// Apply returns the repaired blob
	Apply func(raw []byte) []byte
}

var oldButtonTag = regexp.MustCompile(`"\$type"\s*:\s*"Button"`)

func quoted(name string) []byte {
	return []byte(`"` + name + `"`)
}

func containsType(name string) func([]byte, error) bool {
	marker := quoted(name)
	return func(raw []byte, _ error) bool {
		return strings.Contains(string(raw), string(marker))
	}
}

func renameType(from, to string) func([]byte) []byte {
	return func(raw []byte) []byte {
		return []byte(strings.ReplaceAll(string(raw), string(quoted(from)), string(quoted(to))))
	}
}

// DefaultRules returns the known renames in the order they must be tried
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "button-rename",
			Trigger: func(raw []byte, _ error) bool {
				return oldButtonTag.Match(raw)
			},
			Apply: func(raw []byte) []byte {
				return oldButtonTag.ReplaceAllLiteral(raw, []byte(`"$type":"`+TypeButton+`"`))
			},
		},
		{
			// The first generation wrote big integers as a magnitude; the
			// shim type still reads that layout. Only objects carrying a
			// magnitude are retagged, hex ones are left to bigint-seclib.
			Name: "bigint-shim",
			Trigger: func(raw []byte, _ error) bool {
				_, n := retagMagnitudes(raw)
				return n > 0
			},
			Apply: func(raw []byte) []byte {
				out, _ := retagMagnitudes(raw)
				return out
			},
		},
		{
			Name:    "bigint-seclib",
			Trigger: containsType(TypeSeclibBigInt),
			Apply:   renameType(TypeSeclibBigInt, TypeBigInteger),
		},
		{
			Name:    "bigint-seclib3",
			Trigger: containsType(TypeSeclib3BigInt),
			Apply:   renameType(TypeSeclib3BigInt, TypeBigInteger),
		},
	}
}

// retagMagnitudes renames first-generation big integers that use the
// magnitude layout to the shim type. It returns raw untouched, with a zero
// count, when there is nothing to retag or raw is not JSON.
func retagMagnitudes(raw []byte) ([]byte, int) {
	if !bytes.Contains(raw, quoted(TypeSeclibBigInt)) {
		return raw, 0
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return raw, 0
	}

	n := retag(root)
	if n == 0 {
		return raw, 0
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return raw, 0
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), n
}

func retag(v interface{}) int {
	n := 0
	switch v := v.(type) {
	case map[string]interface{}:
		if typ, _ := v[typeKey].(string); typ == TypeSeclibBigInt {
			if _, ok := v["magnitude"]; ok {
				v[typeKey] = TypeSeclibShim
				n++
			}
		}
		for _, child := range v {
			n += retag(child)
		}
	case []interface{}:
		for _, child := range v {
			n += retag(child)
		}
	}
	return n
}

// Migrator decodes legacy blobs
type Migrator struct {
	Primary   DecodeFunc
	Secondary DecodeFunc
	Rules     []Rule
	logger    zerolog.Logger
}

// NewMigrator returns a migrator with the default decoders and rules
func NewMigrator(logger *zerolog.Logger) *Migrator {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Migrator{
		Primary:   Primary,
		Secondary: Secondary,
		Rules:     DefaultRules(),
		logger:    l.With().Str("component", "legacy").Logger(),
	}
}

// Engages reports whether err is one migration may try to repair
func Engages(err error) bool {
	if errors.Is(err, ErrAmbiguousFormat) {
		return true
	}
	var ute *UnknownTypeError
	if errors.As(err, &ute) {
		return IsLegacyTypeName(ute.Type)
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		return IsLegacyTypeName(fe.Type)
	}
	return false
}

// Migrate decodes raw, applying known renames as needed
func (m *Migrator) Migrate(ctx context.Context, raw []byte) (*session.State, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "legacy.migrate", attribute.Int("bytes", len(raw)))
	var err error
	defer func() {
		observability.RecordSessionLoad("legacy", time.Since(start))
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	var res Result
	res, err = m.Primary(raw)
	if err == nil {
		return m.finish(raw, res)
	}
	if !Engages(err) {
		return nil, err
	}

	applied := make(map[string]bool, len(m.Rules))
	for {
		changed := false
		for _, rule := range m.Rules {
			if applied[rule.Name] || !rule.Trigger(raw, err) {
				continue
			}
			raw = rule.Apply(raw)
			applied[rule.Name] = true
			changed = true
			observability.RecordLegacySubstitution(rule.Name)
			logger.Info().Str("rule", rule.Name).Msg("Applied legacy substitution")
		}

		if !changed {
			if len(applied) == 0 {
				return nil, err
			}
			err = fmt.Errorf("%w: %w", ErrMigrationExhausted, err)
			return nil, err
		}

		res, err = m.Secondary(raw)
		if err != nil {
			logger.Debug().Err(err).Msg("Threaded-compatible decode failed, retrying strict decoder")
			res, err = m.Primary(raw)
		}
		if err == nil {
			return m.finish(raw, res)
		}
		if !Engages(err) {
			return nil, err
		}
	}
}

func (m *Migrator) finish(raw []byte, res Result) (*session.State, error) {
	if res.Placeholder {
		m.logger.Debug().Msg("Placeholder decoded, re-reading with the threaded-compatible decoder")
		var err error
		res, err = m.Secondary(raw)
		if err != nil {
			return nil, err
		}
	}
	if res.State == nil {
		return nil, fmt.Errorf("%w: legacy blob decoded to nothing", session.ErrCorruptSession)
	}
	return res.State, nil
}
