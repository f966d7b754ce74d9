// Package feed carries committed canonical changes to subscribed devices.
// Every applied operation appends one row to the durable change log inside
// the apply transaction; the hub then broadcasts the committed change to live
// websocket subscribers. Devices that were offline read the log from their
// last watermark instead.
package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tillworks/tillsync/internal/storage"
)

// Change is one committed canonical mutation as seen by other devices. Seq is
// the watermark: strictly increasing, assigned at commit. DeviceID names the
// originating device so subscribers can recognize their own echo.
type Change struct {
	Seq        int64          `json:"seq"`
	OpID       string         `json:"opId"`
	DeviceID   string         `json:"deviceId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Op         string         `json:"op"`
	State      map[string]any `json:"state,omitempty"`
	AtMillis   int64          `json:"atMillis"`
}

// Append writes the change to the log inside the caller's transaction and
// returns the assigned sequence. The append committing or rolling back
// together with the mutation is what keeps the feed exactly as durable as
// canonical state.
func Append(ctx context.Context, tx *sql.Tx, d storage.Dialect, change Change) (int64, error) {
	state, err := json.Marshal(change.State)
	if err != nil {
		return 0, fmt.Errorf("encode change state: %w", err)
	}
	if d == storage.DialectPostgres {
		var seq int64
		err := tx.QueryRowContext(ctx, d.Rebind(
			`INSERT INTO change_log (op_id, device_id, entity_type, entity_id, op, state, at_millis)
			 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
			change.OpID, change.DeviceID, change.EntityType, change.EntityID,
			change.Op, string(state), change.AtMillis).Scan(&seq)
		return seq, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (op_id, device_id, entity_type, entity_id, op, state, at_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.OpID, change.DeviceID, change.EntityType, change.EntityID,
		change.Op, string(state), change.AtMillis)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Log reads the durable change log for catch-up fetches.
type Log struct {
	db *storage.DB
}

func NewLog(db *storage.DB) *Log {
	return &Log{db: db}
}

// After returns up to limit changes with seq greater than since, oldest
// first.
func (l *Log) After(ctx context.Context, since int64, limit int) ([]Change, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx, l.db.Dialect().Rebind(
		`SELECT seq, op_id, device_id, entity_type, entity_id, op, state, at_millis
		 FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?`), since, limit)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		var (
			change Change
			state  string
		)
		if err := rows.Scan(&change.Seq, &change.OpID, &change.DeviceID,
			&change.EntityType, &change.EntityID, &change.Op, &state, &change.AtMillis); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		if state != "" && state != "null" {
			if err := json.Unmarshal([]byte(state), &change.State); err != nil {
				return nil, fmt.Errorf("decode change state: %w", err)
			}
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// LatestSeq returns the current high watermark, zero when the log is empty.
func (l *Log) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read change log watermark: %w", err)
	}
	return seq.Int64, nil
}
