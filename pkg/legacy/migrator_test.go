package legacy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/harun/solo/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authKeyHex = "0x1f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a7988"

func hexLayout() string {
	return fmt.Sprintf(`"value":%q`, authKeyHex)
}

func magnitudeLayout(t *testing.T) string {
	t.Helper()
	n, ok := new(big.Int).SetString(authKeyHex, 0)
	require.True(t, ok)
	return fmt.Sprintf(`"magnitude":%q,"negative":false`, base64.StdEncoding.EncodeToString(n.Bytes()))
}

func legacyBlob(bigIntType, bigIntBody, buttonType string) []byte {
	return []byte(fmt.Sprintf(`{
		"$type": "solo/legacy.Session",
		"name": "bot",
		"created_at": "2020-01-02T03:04:05Z",
		"event_handler": "echo",
		"settings": {"ipc_disabled": false},
		"auth_keys": {"2": {"$type": %q, %s}},
		"buttons": [{"$type": %q, "text": "Yes", "data": "y"}],
		"data": {"greeting": "hi"}
	}`, bigIntType, bigIntBody, buttonType))
}

// expectedPayload is the same logical session encoded by the current encoder
func expectedPayload(t *testing.T) string {
	t.Helper()

	key, err := session.NewBigInt(authKeyHex)
	require.NoError(t, err)
	created := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	st := &session.State{
		Name:         "bot",
		CreatedAt:    created,
		UpdatedAt:    created,
		EventHandler: "echo",
		AuthKeys:     map[string]*session.BigInt{"2": key},
		Buttons:      []session.Button{{Text: "Yes", Data: "y"}},
		Data:         map[string]string{"greeting": "hi"},
	}
	payload, err := session.EncodePayload(st)
	require.NoError(t, err)
	return string(payload)
}

func migrate(t *testing.T, raw []byte) (*session.State, error) {
	t.Helper()
	return NewMigrator(nil).Migrate(context.Background(), raw)
}

func assertEquivalent(t *testing.T, st *session.State) {
	t.Helper()
	require.NotNil(t, st)
	got, err := session.EncodePayload(st)
	require.NoError(t, err)
	assert.JSONEq(t, expectedPayload(t), string(got))
}

func TestMigrate_BigIntegerGenerations(t *testing.T) {
	tests := []struct {
		name       string
		bigIntType string
		body       func(t *testing.T) string
		buttonType string
	}{
		{"current names", TypeBigInteger, func(*testing.T) string { return hexLayout() }, TypeButton},
		{"first generation, magnitude layout", TypeSeclibBigInt, magnitudeLayout, TypeButton},
		{"first generation, hex layout, old button", TypeSeclibBigInt, func(*testing.T) string { return hexLayout() }, TypeOldButton},
		{"second generation", TypeSeclib3BigInt, func(*testing.T) string { return hexLayout() }, TypeButton},
		{"second generation, old button", TypeSeclib3BigInt, func(*testing.T) string { return hexLayout() }, TypeOldButton},
		{"shim name already present", TypeSeclibShim, magnitudeLayout, TypeButton},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := migrate(t, legacyBlob(tt.bigIntType, tt.body(t), tt.buttonType))
			require.NoError(t, err)
			assertEquivalent(t, st)
		})
	}
}

func TestMigrate_RulesFired(t *testing.T) {
	tests := []struct {
		name  string
		raw   func(t *testing.T) []byte
		rules []string
	}{
		{"shim", func(t *testing.T) []byte {
			return legacyBlob(TypeSeclibBigInt, magnitudeLayout(t), TypeButton)
		}, []string{"bigint-shim"}},
		{"seclib and button", func(*testing.T) []byte {
			return legacyBlob(TypeSeclibBigInt, hexLayout(), TypeOldButton)
		}, []string{"button-rename", "bigint-seclib"}},
		{"seclib3", func(*testing.T) []byte {
			return legacyBlob(TypeSeclib3BigInt, hexLayout(), TypeButton)
		}, []string{"bigint-seclib3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMigrator(nil)
			var fired []string
			for i := range m.Rules {
				rule := &m.Rules[i]
				apply := rule.Apply
				name := rule.Name
				rule.Apply = func(raw []byte) []byte {
					fired = append(fired, name)
					return apply(raw)
				}
			}

			_, err := m.Migrate(context.Background(), tt.raw(t))
			require.NoError(t, err)
			assert.Equal(t, tt.rules, fired)
		})
	}
}

func TestMigrate_MixedGenerationsDeterministic(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{
		"$type": "solo/legacy.Session",
		"name": "bot",
		"auth_keys": {
			"1": {"$type": %q, %s},
			"2": {"$type": %q, %s},
			"4": {"$type": %q, %s}
		},
		"data": {"a": "1", "b": "2"}
	}`, TypeSeclibBigInt, magnitudeLayout(t), TypeSeclib3BigInt, hexLayout(), TypeSeclibBigInt, hexLayout()))

	want, err := session.NewBigInt(authKeyHex)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		st, err := migrate(t, raw)
		require.NoError(t, err, "attempt %d", i)
		require.Len(t, st.AuthKeys, 3)
		for dc, key := range st.AuthKeys {
			assert.Zero(t, want.Cmp(&key.Int), "attempt %d, dc %s", i, dc)
		}
	}
}

func TestRetagMagnitudes(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{"a":{"$type":%q,%s},"b":[{"$type":%q,%s}],"c":"<&>"}`,
		TypeSeclibBigInt, magnitudeLayout(t), TypeSeclibBigInt, hexLayout()))

	out, n := retagMagnitudes(raw)
	assert.Equal(t, 1, n)
	assert.Contains(t, string(out), string(quoted(TypeSeclibShim)))
	assert.Contains(t, string(out), string(quoted(TypeSeclibBigInt)), "hex layout keeps its tag")
	assert.Contains(t, string(out), "<&>")

	untouched := legacyBlob(TypeSeclib3BigInt, hexLayout(), TypeButton)
	out, n = retagMagnitudes(untouched)
	assert.Zero(t, n)
	assert.Equal(t, untouched, out)
}

func TestMigrate_UnrecognizedErrorsPropagateUnchanged(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		raw := legacyBlob("acme/math.Number", hexLayout(), TypeButton)
		_, want := Primary(raw)
		require.Error(t, want)

		_, err := migrate(t, raw)
		require.Error(t, err)
		assert.Equal(t, want.Error(), err.Error())
		assert.NotErrorIs(t, err, ErrMigrationExhausted)

		var ute *UnknownTypeError
		require.ErrorAs(t, err, &ute)
		assert.Equal(t, "acme/math.Number", ute.Type)
	})

	t.Run("malformed json", func(t *testing.T) {
		raw := []byte(`{"$type": "solo/legacy.Session", `)
		_, want := Primary(raw)

		_, err := migrate(t, raw)
		require.Error(t, err)
		assert.Equal(t, want.Error(), err.Error())
	})

	t.Run("ambiguous tag with no matching rule", func(t *testing.T) {
		raw := legacyBlob(TypeBigInteger, hexLayout(), "Widget")

		_, err := migrate(t, raw)
		assert.ErrorIs(t, err, ErrAmbiguousFormat)
		assert.NotErrorIs(t, err, ErrMigrationExhausted)
	})

	t.Run("corruption after a substitution", func(t *testing.T) {
		raw := legacyBlob(TypeSeclib3BigInt, `"value":"not-a-number"`, TypeButton)

		_, err := migrate(t, raw)
		var fe *FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, TypeBigInteger, fe.Type)
		assert.NotErrorIs(t, err, ErrMigrationExhausted)
	})
}

func TestMigrate_Exhausted(t *testing.T) {
	raw := []byte(`{
		"$type": "solo/legacy.Session",
		"name": "bot",
		"buttons": [
			{"$type": "Button", "text": "Yes"},
			{"$type": "Widget", "text": "No"}
		]
	}`)

	_, err := migrate(t, raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationExhausted)
	assert.ErrorIs(t, err, ErrAmbiguousFormat, "the last decode error stays inspectable")
}

func TestMigrate_RuleAppliesAtMostOnce(t *testing.T) {
	calls := 0
	m := NewMigrator(nil)
	m.Primary = func([]byte) (Result, error) {
		return Result{}, ErrAmbiguousFormat
	}
	m.Secondary = m.Primary
	m.Rules = []Rule{{
		Name:    "always",
		Trigger: func([]byte, error) bool { return true },
		Apply: func(raw []byte) []byte {
			calls++
			return raw
		},
	}}

	_, err := m.Migrate(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrMigrationExhausted)
	assert.Equal(t, 1, calls)
}

func TestMigrate_SecondaryThenPrimary(t *testing.T) {
	var order []string
	m := NewMigrator(nil)
	m.Primary = func(raw []byte) (Result, error) {
		order = append(order, "primary")
		if string(raw) == "fixed" {
			return Result{State: session.NewState("bot")}, nil
		}
		return Result{}, &UnknownTypeError{Type: TypeSeclib3BigInt}
	}
	m.Secondary = func([]byte) (Result, error) {
		order = append(order, "secondary")
		return Result{}, errors.New("threaded decoder unavailable")
	}
	m.Rules = []Rule{{
		Name:    "fix",
		Trigger: func([]byte, error) bool { return true },
		Apply:   func([]byte) []byte { return []byte("fixed") },
	}}

	st, err := m.Migrate(context.Background(), []byte("broken"))
	require.NoError(t, err)
	assert.Equal(t, "bot", st.Name)
	assert.Equal(t, []string{"primary", "secondary", "primary"}, order)
}

func TestMigrate_Placeholder(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{
		"$type": "solo/legacy.Placeholder",
		"inner": {
			"$type": "solo/legacy.Session",
			"name": "bot",
			"created_at": "2020-01-02T03:04:05Z",
			"event_handler": "echo",
			"auth_keys": {"$type": "solo/legacy.Threaded", "items": {"2": {"$type": %q, %s}}},
			"buttons": [{"$type": %q, "text": "Yes", "data": "y"}],
			"data": {"greeting": "hi"}
		}
	}`, TypeBigInteger, hexLayout(), TypeButton))

	res, err := Primary(raw)
	require.NoError(t, err)
	assert.True(t, res.Placeholder)
	assert.Nil(t, res.State)

	st, err := migrate(t, raw)
	require.NoError(t, err)
	assertEquivalent(t, st)
}

func TestMigrate_ThreadedAfterSubstitution(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{
		"$type": "solo/legacy.Session",
		"name": "bot",
		"created_at": "2020-01-02T03:04:05Z",
		"event_handler": "echo",
		"auth_keys": {"2": {"$type": %q, %s}},
		"buttons": [{"$type": "Button", "text": "Yes", "data": "y"}],
		"data": {"$type": "solo/legacy.Threaded", "items": {"greeting": "hi"}}
	}`, TypeBigInteger, hexLayout()))

	_, err := Primary(raw)
	require.ErrorIs(t, err, ErrAmbiguousFormat)

	st, err := migrate(t, raw)
	require.NoError(t, err)
	assertEquivalent(t, st)
}

func TestEngages(t *testing.T) {
	assert.True(t, Engages(ErrAmbiguousFormat))
	assert.True(t, Engages(fmt.Errorf("wrapped: %w", ErrAmbiguousFormat)))
	assert.True(t, Engages(&UnknownTypeError{Type: TypeSeclib3BigInt}))
	assert.True(t, Engages(&FormatError{Type: TypeSeclibBigInt, Err: errors.New("x")}))
	assert.False(t, Engages(&UnknownTypeError{Type: "acme/Thing"}))
	assert.False(t, Engages(&FormatError{Type: TypeBigInteger, Err: errors.New("x")}))
	assert.False(t, Engages(errors.New("disk on fire")))
}
