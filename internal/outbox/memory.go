package outbox

import (
	"context"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
)

type memoryStore struct {
	base *entrySet
}

// NewMemoryStore returns a non-durable outbox for tests and ephemeral runs.
func NewMemoryStore() Store {
	return &memoryStore{base: newEntrySet()}
}

func (s *memoryStore) Enqueue(_ context.Context, env envelope.Envelope) (Entry, error) {
	if err := envelope.Validate(env); err != nil {
		return Entry{}, err
	}
	return s.base.enqueue(env, nil)
}

func (s *memoryStore) Peek(_ context.Context, maxCount int) ([]Entry, error) {
	return s.base.peek(maxCount), nil
}

func (s *memoryStore) Reserve(_ context.Context, maxCount int, now time.Time) ([]Entry, error) {
	return s.base.reserve(maxCount, now, nil)
}

func (s *memoryStore) MarkAcked(_ context.Context, opIDs []string) error {
	return s.base.markAcked(opIDs, nil)
}

func (s *memoryStore) MarkFailed(_ context.Context, opID, reason string) error {
	return s.base.markFailed(opID, reason, nil)
}

func (s *memoryStore) Requeue(_ context.Context, opID string, nextRetryAt time.Time, attemptErr string) error {
	return s.base.requeue(opID, nextRetryAt, attemptErr, nil)
}

func (s *memoryStore) Release(_ context.Context, opIDs []string) error {
	return s.base.release(opIDs, nil)
}

func (s *memoryStore) Count(_ context.Context, state State) (int, error) {
	return s.base.count(state), nil
}

func (s *memoryStore) OldestPendingAge(_ context.Context, now time.Time) (time.Duration, bool, error) {
	age, ok := s.base.oldestPendingAge(now)
	return age, ok, nil
}

func (s *memoryStore) ClearFailed(_ context.Context) (int, error) {
	return s.base.clearFailed(nil)
}

func (s *memoryStore) Close() error {
	return nil
}
