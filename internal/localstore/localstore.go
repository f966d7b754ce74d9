// Package localstore is the device-local mirror of canonical state. Local
// mutations apply here first for instant reads, then travel through the
// outbox. Remote changes arrive as snapshots from the change feed; the local
// applied-op ledger suppresses self-echoes so a device never re-applies its
// own operations.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/feed"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/storage"
)

const watermarkKey = "feed_watermark"

type Store struct {
	db      *storage.DB
	outbox  outbox.Store
	encoder *envelope.Encoder
}

// Open prepares the local mirror at dbPath and wires it to the outbox.
func Open(dbPath string, ob outbox.Store, enc *envelope.Encoder) (*Store, error) {
	db, err := storage.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateClient(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, outbox: ob, encoder: enc}, nil
}

// New wires an already-open database. The caller keeps ownership of db.
func New(db *storage.DB, ob outbox.Store, enc *envelope.Encoder) *Store {
	return &Store{db: db, outbox: ob, encoder: enc}
}

// EmitMutation records a local mutation: encode an envelope, apply it to the
// local mirror, remember the op id for echo suppression, and enqueue it for
// delivery. The local apply and ledger write commit together; enqueuing
// happens after so a crash between the two leaves a mutation visible locally
// but never a queued op without its local state. The whole path is
// idempotent per op id: an event retried with the same op id (the spool does
// this after a failed enqueue) skips the already-committed local apply and
// resumes at the enqueue, which the outbox dedupes.
func (s *Store) EmitMutation(ctx context.Context, event envelope.MutationEvent) (envelope.Envelope, error) {
	env, err := s.encoder.Encode(event)
	if err != nil {
		return envelope.Envelope{}, err
	}

	applied, err := s.locallyApplied(ctx, env.OpID)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if !applied {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("begin local apply: %w", err)
		}
		defer tx.Rollback()

		if _, err := storage.ApplyMutation(ctx, tx, s.db.Dialect(), env); err != nil {
			return envelope.Envelope{}, err
		}
		if err := s.recordApplied(ctx, tx, env); err != nil {
			return envelope.Envelope{}, err
		}
		if err := tx.Commit(); err != nil {
			return envelope.Envelope{}, fmt.Errorf("commit local apply: %w", err)
		}
	}

	if _, err := s.outbox.Enqueue(ctx, env); err != nil {
		return env, fmt.Errorf("enqueue after local apply: %w", err)
	}
	return env, nil
}

func (s *Store) locallyApplied(ctx context.Context, opID string) (bool, error) {
	var seen int
	query := s.db.Dialect().Rebind(`SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`)
	if err := s.db.QueryRowContext(ctx, query, opID).Scan(&seen); err != nil {
		return false, fmt.Errorf("check applied ledger: %w", err)
	}
	return seen > 0, nil
}

func (s *Store) recordApplied(ctx context.Context, tx *sql.Tx, env envelope.Envelope) error {
	query := s.db.Dialect().Rebind(
		`INSERT INTO applied_ops (op_id, device_id, entity_type, entity_id, op, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		env.OpID, env.DeviceID, env.EntityType, env.EffectiveEntityID(), env.Op, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record applied op: %w", err)
	}
	return nil
}

// ApplyRemote folds one feed change into the mirror and advances the
// watermark, in a single transaction. Changes originated by this device are
// skipped but still move the watermark forward. Returns whether the snapshot
// was applied.
func (s *Store) ApplyRemote(ctx context.Context, change feed.Change) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin remote apply: %w", err)
	}
	defer tx.Rollback()

	var seen int
	query := s.db.Dialect().Rebind(`SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`)
	if err := tx.QueryRowContext(ctx, query, change.OpID).Scan(&seen); err != nil {
		return false, fmt.Errorf("check applied ledger: %w", err)
	}

	applied := false
	if seen == 0 && len(change.State) > 0 {
		if err := storage.ApplySnapshot(ctx, tx, s.db.Dialect(), change.EntityType, change.EntityID, change.State); err != nil {
			return false, err
		}
		applied = true
	}
	if err := s.setWatermark(ctx, tx, change.Seq); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit remote apply: %w", err)
	}
	return applied, nil
}

// Watermark reports the sequence of the last folded-in change, 0 when the
// device has never caught up.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var value string
	query := s.db.Dialect().Rebind(`SELECT value FROM sync_meta WHERE key = ?`)
	err := s.db.QueryRowContext(ctx, query, watermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	seq, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse watermark %q: %w", value, err)
	}
	return seq, nil
}

func (s *Store) setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	query := s.db.Dialect().Rebind(
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if _, err := tx.ExecContext(ctx, query, watermarkKey, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// PendingCount reports ops still awaiting backend confirmation.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	pending, err := s.outbox.Count(ctx, outbox.StatePending)
	if err != nil {
		return 0, err
	}
	inFlight, err := s.outbox.Count(ctx, outbox.StateInFlight)
	if err != nil {
		return 0, err
	}
	return pending + inFlight, nil
}

func (s *Store) DeviceID() string {
	return s.encoder.DeviceID()
}

func (s *Store) GetItem(ctx context.Context, id string) (storage.Item, error) {
	return s.db.GetItem(ctx, id)
}

func (s *Store) GetParty(ctx context.Context, id string) (storage.Party, error) {
	return s.db.GetParty(ctx, id)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (storage.Transaction, error) {
	return s.db.GetTransaction(ctx, id)
}

func (s *Store) Close() error {
	return s.db.Close()
}
