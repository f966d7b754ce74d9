// Package outbox is the durable, ordered queue of envelopes awaiting
// confirmed server application. Entries are owned by the store; the
// dispatcher borrows them for the duration of a send attempt via Reserve and
// returns updated state through MarkAcked, MarkFailed, Requeue or Release.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
)

type State string

const (
	StatePending  State = "PENDING"
	StateInFlight State = "IN_FLIGHT"
	StateAcked    State = "ACKED"
	StateFailed   State = "FAILED_PERMANENT"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("outbox entry not found")
)

// StorageError wraps a persistence failure. Enqueue fails only with one of
// these; everything else about enqueuing always succeeds.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Entry wraps an envelope with its delivery state. The envelope is immutable
// once created; only the delivery fields change.
type Entry struct {
	Seq           int64             `json:"seq"`
	Envelope      envelope.Envelope `json:"envelope"`
	State         State             `json:"state"`
	Attempts      int               `json:"attempts"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	LastAttemptAt time.Time         `json:"lastAttemptAt"`
	NextRetryAt   time.Time         `json:"nextRetryAt"`
	LastError     string            `json:"lastError,omitempty"`
}

// Store is the durable outbox. Implementations must keep FIFO order of local
// creation and allow one producer (local mutations) and one consumer (the
// dispatcher) concurrently. Reserve is the atomic peek-plus-mark-in-flight
// step: two concurrent dispatcher passes never select overlapping entries.
type Store interface {
	// Enqueue appends the envelope in PENDING state at the tail.
	Enqueue(ctx context.Context, env envelope.Envelope) (Entry, error)

	// Peek returns up to maxCount PENDING entries, oldest first, without
	// mutating state.
	Peek(ctx context.Context, maxCount int) ([]Entry, error)

	// Reserve atomically selects up to maxCount PENDING entries whose
	// retry time has passed, marks them IN_FLIGHT and counts the attempt.
	Reserve(ctx context.Context, maxCount int, now time.Time) ([]Entry, error)

	// MarkAcked resolves entries after confirmed application. Idempotent:
	// acking an already-acked or unknown op id is a no-op.
	MarkAcked(ctx context.Context, opIDs []string) error

	// MarkFailed moves an entry to FAILED_PERMANENT. Failed entries are
	// retained for inspection until ClearFailed.
	MarkFailed(ctx context.Context, opID, reason string) error

	// Requeue returns an IN_FLIGHT entry to PENDING with a retry schedule.
	Requeue(ctx context.Context, opID string, nextRetryAt time.Time, attemptErr string) error

	// Release returns IN_FLIGHT entries to PENDING without a retry
	// penalty, for wholesale transport failures and teardown.
	Release(ctx context.Context, opIDs []string) error

	// Count reports how many entries are in the given state.
	Count(ctx context.Context, state State) (int, error)

	// OldestPendingAge reports how long the oldest unresolved entry has
	// been waiting; ok is false when nothing is pending.
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, bool, error)

	// ClearFailed removes FAILED_PERMANENT entries and reports how many
	// were cleared.
	ClearFailed(ctx context.Context) (int, error)

	Close() error
}
