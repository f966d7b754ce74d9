package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
)

type fileStore struct {
	path string
	base *entrySet
}

type fileStoreState struct {
	Entries []Entry `json:"entries"`
}

// NewFileStore returns an outbox persisted to a single JSON file, rewritten
// atomically (temp file plus rename) on every state change. Suited to small
// backlogs; the sqlite backend is the durable default.
func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileStore{path: path, base: newEntrySet()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "load", Err: err}
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	s.base.restore(snapshot.Entries)
	// restore reverts IN_FLIGHT to PENDING; write that back so a second
	// crash before the next mutation still sees the swept state
	return s.save(snapshotOf(s.base))
}

func snapshotOf(base *entrySet) []Entry {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.snapshotLocked()
}

func (s *fileStore) save(snapshot []Entry) error {
	data, err := json.Marshal(fileStoreState{Entries: snapshot})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Enqueue(_ context.Context, env envelope.Envelope) (Entry, error) {
	if err := envelope.Validate(env); err != nil {
		return Entry{}, err
	}
	return s.base.enqueue(env, s.save)
}

func (s *fileStore) Peek(_ context.Context, maxCount int) ([]Entry, error) {
	return s.base.peek(maxCount), nil
}

func (s *fileStore) Reserve(_ context.Context, maxCount int, now time.Time) ([]Entry, error) {
	return s.base.reserve(maxCount, now, s.save)
}

func (s *fileStore) MarkAcked(_ context.Context, opIDs []string) error {
	return s.base.markAcked(opIDs, s.save)
}

func (s *fileStore) MarkFailed(_ context.Context, opID, reason string) error {
	return s.base.markFailed(opID, reason, s.save)
}

func (s *fileStore) Requeue(_ context.Context, opID string, nextRetryAt time.Time, attemptErr string) error {
	return s.base.requeue(opID, nextRetryAt, attemptErr, s.save)
}

func (s *fileStore) Release(_ context.Context, opIDs []string) error {
	return s.base.release(opIDs, s.save)
}

func (s *fileStore) Count(_ context.Context, state State) (int, error) {
	return s.base.count(state), nil
}

func (s *fileStore) OldestPendingAge(_ context.Context, now time.Time) (time.Duration, bool, error) {
	age, ok := s.base.oldestPendingAge(now)
	return age, ok, nil
}

func (s *fileStore) ClearFailed(_ context.Context) (int, error) {
	return s.base.clearFailed(s.save)
}

func (s *fileStore) Close() error {
	return nil
}
