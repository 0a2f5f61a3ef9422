package identity

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Kind is the closed set of representations a document identity may take.
// It is resolved once per document type and never changes afterwards.
type Kind int

const (
	// KindUnknown is the zero value. It is never valid on a resolved mapping.
	KindUnknown Kind = iota

	// Numeric identities are signed integers handed out by a sequential block allocator.
	Numeric

	// Token identities are opaque 128-bit tokens (UUIDs).
	Token

	// Assigned identities are supplied by the caller (natural keys, strings).
	Assigned
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Token:
		return "token"
	case Assigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// ParseKind maps the configuration spelling of a kind back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "numeric":
		return Numeric, nil
	case "token":
		return Token, nil
	case "assigned":
		return Assigned, nil
	default:
		return KindUnknown, fmt.Errorf("unknown identity kind %q", s)
	}
}

// MarshalText renders the configuration spelling of k.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the configuration spelling of a kind.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value is a tagged identity value. Exactly one representation is active,
// reported by Kind. The zero Value has KindUnknown.
type Value struct {
	kind Kind
	n    int64
	tok  uuid.UUID
	s    string
}

// IntValue creates a Numeric identity value.
func IntValue(n int64) Value {
	return Value{kind: Numeric, n: n}
}

// TokenValue creates a Token identity value.
func TokenValue(u uuid.UUID) Value {
	return Value{kind: Token, tok: u}
}

// StringValue creates an Assigned identity value.
// The key is NFC normalized so canonically equivalent keys compare equal.
func StringValue(s string) Value {
	return Value{kind: Assigned, s: norm.NFC.String(s)}
}

// Kind reports the active representation.
func (v Value) Kind() Kind {
	return v.kind
}

// Int64 returns the numeric representation (0 if v is not Numeric).
func (v Value) Int64() int64 {
	return v.n
}

// UUID returns the token representation (uuid.Nil if v is not a Token).
func (v Value) UUID() uuid.UUID {
	return v.tok
}

// Str returns the assigned representation ("" if v is not Assigned).
func (v Value) Str() string {
	return v.s
}

// String renders the storage key for v.
func (v Value) String() string {
	switch v.kind {
	case Numeric:
		return strconv.FormatInt(v.n, 10)
	case Token:
		return v.tok.String()
	case Assigned:
		return v.s
	default:
		return ""
	}
}

// IsZero reports whether v carries no representation at all.
func (v Value) IsZero() bool {
	return v.kind == KindUnknown
}

// IsUnset reports whether v is the "not yet assigned" sentinel for kind k.
//
//   - Numeric: exactly zero. Negative values count as assigned.
//   - Token:   the all-zero token.
//   - Assigned: never; caller-supplied keys are not generated.
//
// A value whose representation does not match k is never unset.
// IsUnset is pure and never blocks.
func IsUnset(v Value, k Kind) bool {
	if v.kind != k {
		return false
	}
	switch k {
	case Numeric:
		return v.n == 0
	case Token:
		return v.tok == uuid.Nil
	case Assigned:
		return false
	default:
		return false
	}
}
