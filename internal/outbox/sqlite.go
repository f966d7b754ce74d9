package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tillworks/tillsync/internal/envelope"
)

const sqliteOutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id TEXT NOT NULL UNIQUE,
	envelope TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_state_retry ON outbox_entries(state, next_retry_at, seq);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a sqlite-backed outbox. Entries left
// IN_FLIGHT by a crash are swept back to PENDING on open, so a reservation
// never outlives the process that made it.
func NewSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// one producer and one consumer share the file; a single connection
	// sidesteps SQLITE_BUSY on concurrent write upgrades
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteOutboxSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	if _, err := db.Exec(`UPDATE outbox_entries SET state = ? WHERE state = ?`, StatePending, StateInFlight); err != nil {
		db.Close()
		return nil, &StorageError{Op: "sweep", Err: err}
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Enqueue(ctx context.Context, env envelope.Envelope) (Entry, error) {
	if err := envelope.Validate(env); err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Entry{}, &StorageError{Op: "enqueue", Err: err}
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_entries (op_id, envelope, state, enqueued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (op_id) DO NOTHING`,
		env.OpID, string(payload), StatePending, now.UnixMilli())
	if err != nil {
		return Entry{}, &StorageError{Op: "enqueue", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.getEntry(ctx, env.OpID)
	}
	return s.getEntry(ctx, env.OpID)
}

func (s *sqliteStore) getEntry(ctx context.Context, opID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, envelope, state, attempts, enqueued_at, last_attempt_at, next_retry_at, last_error
		 FROM outbox_entries WHERE op_id = ?`, opID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	if err != nil {
		return Entry{}, &StorageError{Op: "get", Err: err}
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry                              Entry
		payload, state                     string
		enqueuedAt, lastAttempt, nextRetry int64
	)
	err := row.Scan(&entry.Seq, &payload, &state, &entry.Attempts, &enqueuedAt, &lastAttempt, &nextRetry, &entry.LastError)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &entry.Envelope); err != nil {
		return Entry{}, err
	}
	entry.State = State(state)
	entry.EnqueuedAt = time.UnixMilli(enqueuedAt)
	if lastAttempt > 0 {
		entry.LastAttemptAt = time.UnixMilli(lastAttempt)
	}
	if nextRetry > 0 {
		entry.NextRetryAt = time.UnixMilli(nextRetry)
	}
	return entry, nil
}

func (s *sqliteStore) Peek(ctx context.Context, maxCount int) ([]Entry, error) {
	if maxCount <= 0 {
		maxCount = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, envelope, state, attempts, enqueued_at, last_attempt_at, next_retry_at, last_error
		 FROM outbox_entries WHERE state = ? ORDER BY seq LIMIT ?`, StatePending, maxCount)
	if err != nil {
		return nil, &StorageError{Op: "peek", Err: err}
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan", Err: err}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan", Err: err}
	}
	return out, nil
}

func (s *sqliteStore) Reserve(ctx context.Context, maxCount int, now time.Time) ([]Entry, error) {
	if maxCount <= 0 {
		maxCount = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "reserve", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT op_id FROM outbox_entries
		 WHERE state = ? AND next_retry_at <= ? ORDER BY seq LIMIT ?`,
		StatePending, now.UnixMilli(), maxCount)
	if err != nil {
		return nil, &StorageError{Op: "reserve", Err: err}
	}
	var opIDs []string
	for rows.Next() {
		var opID string
		if err := rows.Scan(&opID); err != nil {
			rows.Close()
			return nil, &StorageError{Op: "reserve", Err: err}
		}
		opIDs = append(opIDs, opID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "reserve", Err: err}
	}
	if len(opIDs) == 0 {
		return nil, nil
	}

	for _, opID := range opIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET state = ?, attempts = attempts + 1, last_attempt_at = ? WHERE op_id = ?`,
			StateInFlight, now.UnixMilli(), opID); err != nil {
			return nil, &StorageError{Op: "reserve", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "reserve", Err: err}
	}

	out := make([]Entry, 0, len(opIDs))
	for _, opID := range opIDs {
		entry, err := s.getEntry(ctx, opID)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *sqliteStore) MarkAcked(ctx context.Context, opIDs []string) error {
	for _, opID := range opIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbox_entries SET state = ?, last_error = '' WHERE op_id = ? AND state != ?`,
			StateAcked, opID, StateAcked); err != nil {
			return &StorageError{Op: "ack", Err: err}
		}
	}
	return nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, opID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET state = ?, last_error = ? WHERE op_id = ?`,
		StateFailed, reason, opID)
	if err != nil {
		return &StorageError{Op: "fail", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	return nil
}

func (s *sqliteStore) Requeue(ctx context.Context, opID string, nextRetryAt time.Time, attemptErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET state = ?, next_retry_at = ?, last_error = ? WHERE op_id = ?`,
		StatePending, nextRetryAt.UnixMilli(), attemptErr, opID)
	if err != nil {
		return &StorageError{Op: "requeue", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	return nil
}

func (s *sqliteStore) Release(ctx context.Context, opIDs []string) error {
	for _, opID := range opIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbox_entries SET state = ? WHERE op_id = ? AND state = ?`,
			StatePending, opID, StateInFlight); err != nil {
			return &StorageError{Op: "release", Err: err}
		}
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context, state State) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE state = ?`, state).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *sqliteStore) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, bool, error) {
	var enqueuedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enqueued_at FROM outbox_entries WHERE state IN (?, ?) ORDER BY seq LIMIT 1`,
		StatePending, StateInFlight).Scan(&enqueuedAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &StorageError{Op: "age", Err: err}
	}
	return now.Sub(time.UnixMilli(enqueuedAt)), true, nil
}

func (s *sqliteStore) ClearFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_entries WHERE state = ?`, StateFailed)
	if err != nil {
		return 0, &StorageError{Op: "clear", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "clear", Err: err}
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
