// Package engine is the sole writer of canonical state for synchronized
// entities. It guarantees exactly-once effect per op id: the applied-ops
// ledger insert and the entity mutation share one transaction, so a crash
// can never record an application that did not happen or apply a mutation
// that was not recorded.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/feed"
	"github.com/tillworks/tillsync/internal/storage"
)

// Logger matches the narrow logging surface used by background components.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type Engine struct {
	db     *storage.DB
	hub    *feed.Hub
	logger Logger
}

// New builds an engine over canonical storage. The hub is optional; when set,
// every committed change is broadcast to live feed subscribers.
func New(db *storage.DB, hub *feed.Hub, logger Logger) *Engine {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Engine{db: db, hub: hub, logger: logger}
}

// Apply applies one envelope exactly once. Replays return ok=true,
// replay=true without re-executing the mutation. The result is terminal:
// ok, permanent failure, or retryable failure; never silence.
func (e *Engine) Apply(ctx context.Context, env envelope.Envelope) envelope.ApplyResult {
	if err := envelope.Validate(env); err != nil {
		return envelope.ApplyResult{OpID: env.OpID, Message: err.Error()}
	}

	result, err := e.applyOnce(ctx, env)
	if err == nil {
		return result
	}
	if isUniqueViolation(err) {
		// probably lost a race against a concurrent delivery of the same
		// op id; trust the ledger, not the driver's error phrasing
		if recorded, checkErr := e.opRecorded(ctx, env.OpID); checkErr == nil && recorded {
			return envelope.ApplyResult{OK: true, Replay: true, OpID: env.OpID}
		}
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, envelope.ErrInvalidInput) {
		return envelope.ApplyResult{OpID: env.OpID, Message: err.Error()}
	}
	e.logger.Printf("apply %s: storage failure: %v", env.OpID, err)
	return envelope.ApplyResult{OpID: env.OpID, Message: err.Error(), Retryable: true}
}

func (e *Engine) applyOnce(ctx context.Context, env envelope.Envelope) (envelope.ApplyResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return envelope.ApplyResult{}, err
	}
	defer tx.Rollback()

	var seen int
	err = tx.QueryRowContext(ctx, e.db.Dialect().Rebind(
		`SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`), env.OpID).Scan(&seen)
	if err != nil {
		return envelope.ApplyResult{}, err
	}
	if seen > 0 {
		return envelope.ApplyResult{OK: true, Replay: true, OpID: env.OpID}, nil
	}

	snapshot, err := storage.ApplyMutation(ctx, tx, e.db.Dialect(), env)
	if err != nil {
		return envelope.ApplyResult{}, err
	}

	now := time.Now().UnixMilli()
	// the PRIMARY KEY on op_id is the replay guard for deliveries racing
	// past the count above
	_, err = tx.ExecContext(ctx, e.db.Dialect().Rebind(
		`INSERT INTO applied_ops (op_id, device_id, entity_type, entity_id, op, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		env.OpID, env.DeviceID, env.EntityType, env.EffectiveEntityID(), env.Op, now)
	if err != nil {
		return envelope.ApplyResult{}, err
	}

	change := feed.Change{
		OpID:       env.OpID,
		DeviceID:   env.DeviceID,
		EntityType: env.EntityType,
		EntityID:   env.EffectiveEntityID(),
		Op:         env.Op,
		State:      snapshot,
		AtMillis:   now,
	}
	change.Seq, err = feed.Append(ctx, tx, e.db.Dialect(), change)
	if err != nil {
		return envelope.ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return envelope.ApplyResult{}, err
	}
	if e.hub != nil {
		e.hub.Publish(change)
	}
	return envelope.ApplyResult{OK: true, OpID: env.OpID}, nil
}

// ApplyBatch applies each envelope independently under the single-op
// contract and returns one result per envelope in submission order. Ops for
// the same entity run serially in submission order; distinct entities run
// concurrently. A permanently failing op never aborts its siblings; a
// retryable failure holds back the rest of its partition so a later retry
// cannot land behind one of its successors.
func (e *Engine) ApplyBatch(ctx context.Context, envs []envelope.Envelope) []envelope.ApplyResult {
	results := make([]envelope.ApplyResult, len(envs))

	partitions := map[string][]indexedOp{}
	var order []string
	for i, env := range envs {
		key := env.EntityType + "/" + env.EffectiveEntityID()
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], indexedOp{idx: i, env: env})
	}

	var wg sync.WaitGroup
	for _, key := range order {
		ops := partitions[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			applySequence(ops, results, func(env envelope.Envelope) envelope.ApplyResult {
				return e.Apply(ctx, env)
			})
		}()
	}
	wg.Wait()
	return results
}

type indexedOp struct {
	idx int
	env envelope.Envelope
}

// applySequence runs one partition in submission order. Once an op fails
// retryably the remaining ops are not applied: the dispatcher will resubmit
// the failed op, and committing a successor first would invert per-entity
// order. The held-back tail is reported retryable so it is requeued with the
// failed op. Permanent failures do not hold anything back.
func applySequence(ops []indexedOp, results []envelope.ApplyResult, apply func(envelope.Envelope) envelope.ApplyResult) {
	blocked := false
	for _, op := range ops {
		if blocked {
			results[op.idx] = envelope.ApplyResult{
				OpID:      op.env.OpID,
				Retryable: true,
				Message:   "waiting on an earlier operation for this entity",
			}
			continue
		}
		result := apply(op.env)
		results[op.idx] = result
		if !result.OK && result.Retryable {
			blocked = true
		}
	}
}

// opRecorded checks the ledger outside the failed transaction; the racing
// delivery's commit is visible by the time our insert was rejected.
func (e *Engine) opRecorded(ctx context.Context, opID string) (bool, error) {
	var seen int
	err := e.db.QueryRowContext(ctx, e.db.Dialect().Rebind(
		`SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`), opID).Scan(&seen)
	if err != nil {
		return false, err
	}
	return seen > 0, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	// modernc sqlite says "UNIQUE constraint failed", lib/pq says
	// "duplicate key value violates unique constraint"; NOT NULL and
	// FOREIGN KEY violations must not match
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
