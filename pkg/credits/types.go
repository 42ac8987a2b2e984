package credits

import (
	"context"
	"fmt"
	"strings"
)

// SessionID identifies an anonymous metering session.
type SessionID struct {
	value string
}

// Source labels the origin of a mutation (e.g. "purchase", "translation").
type Source struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// Amount is a strictly positive number of credits.
type Amount int64

// Balance is a session's capped consumable balance.
type Balance struct {
	TotalCredits int64
	UsedCredits  int64
}

// Remaining returns the spendable portion of the balance.
func (balance Balance) Remaining() int64 {
	return balance.TotalCredits - balance.UsedCredits
}

// MutationOutcome is the result of a ledger mutation. OK reports whether the
// operation was accepted; Charged reports whether the balance actually moved.
// It is stored verbatim as the idempotency snapshot, so replays return it
// unchanged.
type MutationOutcome struct {
	OK      bool
	Charged bool
	Balance Balance
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewSource validates and normalizes a mutation source label.
func NewSource(raw string) (Source, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Source{}, fmt.Errorf("%w: empty value", ErrInvalidSource)
	}
	return Source{value: trimmed}, nil
}

// String returns the normalized label.
func (source Source) String() string {
	return source.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw credit count.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewBalance validates the non-negativity invariants of a stored balance.
func NewBalance(totalCredits int64, usedCredits int64) (Balance, error) {
	if totalCredits < 0 || usedCredits < 0 || usedCredits > totalCredits {
		return Balance{}, fmt.Errorf("%w: total=%d used=%d", ErrInvalidBalance, totalCredits, usedCredits)
	}
	return Balance{TotalCredits: totalCredits, UsedCredits: usedCredits}, nil
}

// Store is the persistence contract used by Service. Mutations run inside
// WithTx so the read-check-write sequence is one database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, sessionID SessionID) (Balance, bool, error)
	SaveBalance(ctx context.Context, sessionID SessionID, balance Balance) error
	GetOutcome(ctx context.Context, key IdempotencyKey) (MutationOutcome, bool, error)
	PutOutcome(ctx context.Context, key IdempotencyKey, sessionID SessionID, source Source, outcome MutationOutcome, recordedUnixUTC int64) error
	PruneOutcomes(ctx context.Context, beforeUnixUTC int64) (int64, error)
}
