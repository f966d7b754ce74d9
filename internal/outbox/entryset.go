package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
)

// entrySet holds the in-memory representation shared by the memory and file
// backends. Mutations run under one lock; the optional persist callback is
// invoked with a snapshot while the lock is held, and a persist failure rolls
// the mutation back so memory never diverges from disk.
type entrySet struct {
	mu      sync.Mutex
	nextSeq int64
	entries []*Entry
	byOp    map[string]*Entry
}

type persistFunc func(snapshot []Entry) error

func newEntrySet() *entrySet {
	return &entrySet{nextSeq: 1, byOp: map[string]*Entry{}}
}

func (s *entrySet) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out
}

func (s *entrySet) persistLocked(persist persistFunc, op string) error {
	if persist == nil {
		return nil
	}
	if err := persist(s.snapshotLocked()); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *entrySet) restore(snapshot []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.byOp = map[string]*Entry{}
	for i := range snapshot {
		entry := snapshot[i]
		// a crash mid-send leaves IN_FLIGHT entries without a verdict;
		// they must come back as PENDING
		if entry.State == StateInFlight {
			entry.State = StatePending
		}
		e := entry
		s.entries = append(s.entries, &e)
		s.byOp[e.Envelope.OpID] = &e
		if e.Seq >= s.nextSeq {
			s.nextSeq = e.Seq + 1
		}
	}
}

func (s *entrySet) enqueue(env envelope.Envelope, persist persistFunc) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byOp[env.OpID]; ok {
		// an op id identifies exactly one logical operation; re-enqueue
		// of the same id is the same operation
		return *existing, nil
	}
	entry := &Entry{
		Seq:        s.nextSeq,
		Envelope:   env,
		State:      StatePending,
		EnqueuedAt: time.Now(),
	}
	s.entries = append(s.entries, entry)
	s.byOp[env.OpID] = entry
	s.nextSeq++
	if err := s.persistLocked(persist, "enqueue"); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		delete(s.byOp, env.OpID)
		s.nextSeq--
		return Entry{}, err
	}
	return *entry, nil
}

func (s *entrySet) peek(maxCount int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, entry := range s.entries {
		if entry.State != StatePending {
			continue
		}
		out = append(out, *entry)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out
}

func (s *entrySet) reserve(maxCount int, now time.Time, persist persistFunc) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reserved []*Entry
	for _, entry := range s.entries {
		if entry.State != StatePending || entry.NextRetryAt.After(now) {
			continue
		}
		entry.State = StateInFlight
		entry.Attempts++
		entry.LastAttemptAt = now
		reserved = append(reserved, entry)
		if maxCount > 0 && len(reserved) >= maxCount {
			break
		}
	}
	if len(reserved) == 0 {
		return nil, nil
	}
	if err := s.persistLocked(persist, "reserve"); err != nil {
		for _, entry := range reserved {
			entry.State = StatePending
			entry.Attempts--
		}
		return nil, err
	}
	out := make([]Entry, 0, len(reserved))
	for _, entry := range reserved {
		out = append(out, *entry)
	}
	return out, nil
}

func (s *entrySet) markAcked(opIDs []string, persist persistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, opID := range opIDs {
		entry, ok := s.byOp[opID]
		if !ok || entry.State == StateAcked {
			continue
		}
		entry.State = StateAcked
		entry.LastError = ""
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persistLocked(persist, "ack")
}

func (s *entrySet) markFailed(opID, reason string, persist persistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byOp[opID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	entry.State = StateFailed
	entry.LastError = reason
	return s.persistLocked(persist, "fail")
}

func (s *entrySet) requeue(opID string, nextRetryAt time.Time, attemptErr string, persist persistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byOp[opID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	entry.State = StatePending
	entry.NextRetryAt = nextRetryAt
	entry.LastError = attemptErr
	return s.persistLocked(persist, "requeue")
}

func (s *entrySet) release(opIDs []string, persist persistFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, opID := range opIDs {
		entry, ok := s.byOp[opID]
		if !ok || entry.State != StateInFlight {
			continue
		}
		entry.State = StatePending
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persistLocked(persist, "release")
}

func (s *entrySet) count(state State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.entries {
		if entry.State == state {
			n++
		}
	}
	return n
}

func (s *entrySet) oldestPendingAge(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.State == StatePending || entry.State == StateInFlight {
			return now.Sub(entry.EnqueuedAt), true
		}
	}
	return 0, false
}

func (s *entrySet) clearFailed(persist persistFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*Entry
	var removed []*Entry
	for _, entry := range s.entries {
		if entry.State == StateFailed {
			removed = append(removed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	prev := s.entries
	s.entries = kept
	for _, entry := range removed {
		delete(s.byOp, entry.Envelope.OpID)
	}
	if err := s.persistLocked(persist, "clear"); err != nil {
		s.entries = prev
		for _, entry := range removed {
			s.byOp[entry.Envelope.OpID] = entry
		}
		return 0, err
	}
	return len(removed), nil
}
