package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Strategy generates identity values for a document type.
//
// Implementations must be safe for concurrent use: two concurrent callers
// for the same document type never receive the same value.
type Strategy interface {
	Generate(ctx context.Context, docType string) (Value, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, docType string) (Value, error)

// Generate calls f.
func (f StrategyFunc) Generate(ctx context.Context, docType string) (Value, error) {
	return f(ctx, docType)
}

// UUIDv7Tokens generates time-sortable UUIDv7 tokens.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so
// tokens generated by one process sort roughly by creation time and index
// well in ordered storage.
//
// Stateless and safe for concurrent use.
type UUIDv7Tokens struct{}

// Generate returns a fresh UUIDv7 token.
func (UUIDv7Tokens) Generate(_ context.Context, docType string) (Value, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return Value{}, NewGenerationUnavailable(docType, err)
	}
	return TokenValue(u), nil
}

// FixedTokens returns predetermined tokens in order.
//
// Used by tests and scenarios that need deterministic identities.
// Returns GENERATION_UNAVAILABLE once the list is exhausted.
//
// Thread-safety: FixedTokens is safe for concurrent use via internal mutex.
type FixedTokens struct {
	mu     sync.Mutex
	tokens []uuid.UUID
	idx    int
}

// NewFixedTokens creates a strategy that hands out tokens in order.
func NewFixedTokens(tokens ...uuid.UUID) *FixedTokens {
	return &FixedTokens{tokens: tokens}
}

// Generate returns the next predetermined token.
func (f *FixedTokens) Generate(_ context.Context, docType string) (Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idx >= len(f.tokens) {
		return Value{}, NewGenerationUnavailable(docType, fmt.Errorf("fixed tokens exhausted after %d", len(f.tokens)))
	}
	tok := f.tokens[f.idx]
	f.idx++
	return TokenValue(tok), nil
}

// AssignedKeys is the strategy for caller-supplied identities.
// It never generates anything: reaching Generate is a mapping bug.
type AssignedKeys struct{}

// Generate always fails with ASSIGNED_IDENTITY.
func (AssignedKeys) Generate(_ context.Context, docType string) (Value, error) {
	return Value{}, &Error{
		Code:    ErrCodeAssignedIdentity,
		DocType: docType,
		Message: "identity is caller-assigned and cannot be generated",
	}
}
