package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tillworks/tillsync/internal/envelope"
)

// ApplyMutation executes the mutation denoted by the envelope against the
// given transaction and returns the entity's resulting state for the change
// log. Business-rule failures (unknown entity, voided twice) surface as
// ErrNotFound or ErrInvalidInput and are permanent; anything else is a
// storage-level failure the caller may classify as retryable.
func ApplyMutation(ctx context.Context, tx *sql.Tx, d Dialect, env envelope.Envelope) (map[string]any, error) {
	body, err := envelope.DecodeBody(env.EntityType, env.Op, env.Body)
	if err != nil {
		return nil, err
	}
	entityID := env.EffectiveEntityID()
	switch env.EntityType {
	case envelope.EntityItem:
		return applyItemMutation(ctx, tx, d, env.Op, entityID, body)
	case envelope.EntityParty:
		return applyPartyMutation(ctx, tx, d, env.Op, entityID, env.OpID, body)
	case envelope.EntityTransaction:
		return applyTransactionMutation(ctx, tx, d, env.Op, entityID, body)
	}
	return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, env.EntityType)
}

func applyItemMutation(ctx context.Context, tx *sql.Tx, d Dialect, op, id string, body any) (map[string]any, error) {
	switch op {
	case envelope.OpCreate:
		b := body.(envelope.ItemCreateBody)
		_, err := tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO items (id, name, sku, price_cents, quantity, version, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, 0, ?)
			 ON CONFLICT (id) DO NOTHING`),
			id, b.Name, b.SKU, b.PriceCents, b.Quantity, nowMillis())
		if err != nil {
			return nil, err
		}
	case envelope.OpUpdate:
		b := body.(envelope.ItemUpdateBody)
		item, err := readItem(ctx, tx, d, id)
		if err != nil {
			return nil, err
		}
		if b.Name != nil {
			item.Name = *b.Name
		}
		if b.SKU != nil {
			item.SKU = *b.SKU
		}
		if b.PriceCents != nil {
			item.PriceCents = *b.PriceCents
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`UPDATE items SET name = ?, sku = ?, price_cents = ?, version = version + 1, updated_at = ? WHERE id = ?`),
			item.Name, item.SKU, item.PriceCents, nowMillis(), id)
		if err != nil {
			return nil, err
		}
	case envelope.OpAdjust:
		b := body.(envelope.ItemAdjustBody)
		if _, err := readItem(ctx, tx, d, id); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, d.Rebind(
			`UPDATE items SET quantity = quantity + ?, version = version + 1, updated_at = ? WHERE id = ?`),
			b.Delta, nowMillis(), id)
		if err != nil {
			return nil, err
		}
	case envelope.OpDelete:
		if _, err := readItem(ctx, tx, d, id); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, d.Rebind(
			`UPDATE items SET deleted = 1, version = version + 1, updated_at = ? WHERE id = ?`),
			nowMillis(), id)
		if err != nil {
			return nil, err
		}
	}
	item, err := readItem(ctx, tx, d, id)
	if err != nil {
		return nil, err
	}
	return item.snapshot(), nil
}

func applyPartyMutation(ctx context.Context, tx *sql.Tx, d Dialect, op, id, opID string, body any) (map[string]any, error) {
	switch op {
	case envelope.OpCreate:
		b := body.(envelope.PartyCreateBody)
		_, err := tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO parties (id, name, phone, balance_cents, version, deleted, updated_at)
			 VALUES (?, ?, ?, 0, 1, 0, ?)
			 ON CONFLICT (id) DO NOTHING`),
			id, b.Name, b.Phone, nowMillis())
		if err != nil {
			return nil, err
		}
	case envelope.OpUpdate:
		b := body.(envelope.PartyUpdateBody)
		party, err := readParty(ctx, tx, d, id)
		if err != nil {
			return nil, err
		}
		if b.Name != nil {
			party.Name = *b.Name
		}
		if b.Phone != nil {
			party.Phone = *b.Phone
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`UPDATE parties SET name = ?, phone = ?, version = version + 1, updated_at = ? WHERE id = ?`),
			party.Name, party.Phone, nowMillis(), id)
		if err != nil {
			return nil, err
		}
	case envelope.OpDelete:
		if _, err := readParty(ctx, tx, d, id); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, d.Rebind(
			`UPDATE parties SET deleted = 1, version = version + 1, updated_at = ? WHERE id = ?`),
			nowMillis(), id)
		if err != nil {
			return nil, err
		}
	case envelope.OpRecordPayment:
		b := body.(envelope.RecordPaymentBody)
		if _, err := readParty(ctx, tx, d, id); err != nil {
			return nil, err
		}
		delta := -b.AmountCents
		if b.Direction == "out" {
			delta = b.AmountCents
		}
		_, err := tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO payments (op_id, party_id, amount_cents, direction, note, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (op_id) DO NOTHING`),
			opID, id, b.AmountCents, b.Direction, b.Note, nowMillis())
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`UPDATE parties SET balance_cents = balance_cents + ?, version = version + 1, updated_at = ? WHERE id = ?`),
			delta, nowMillis(), id)
		if err != nil {
			return nil, err
		}
	}
	party, err := readParty(ctx, tx, d, id)
	if err != nil {
		return nil, err
	}
	return party.snapshot(), nil
}

func applyTransactionMutation(ctx context.Context, tx *sql.Tx, d Dialect, op, id string, body any) (map[string]any, error) {
	switch op {
	case envelope.OpCreate:
		b := body.(envelope.TransactionCreateBody)
		lines, err := json.Marshal(b.Lines)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO transactions (id, party_id, total_cents, status, lines, version, updated_at)
			 VALUES (?, ?, ?, 'complete', ?, 1, ?)
			 ON CONFLICT (id) DO NOTHING`),
			id, b.PartyID, b.TotalCents, string(lines), nowMillis())
		if err != nil {
			return nil, err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		// a credit sale raises what the party owes, but only on first
		// insert: the ledger normally prevents a second pass, this
		// keeps the balance right even without it
		if inserted > 0 && b.PartyID != "" {
			if _, err := readParty(ctx, tx, d, b.PartyID); err != nil {
				return nil, err
			}
			_, err = tx.ExecContext(ctx, d.Rebind(
				`UPDATE parties SET balance_cents = balance_cents + ?, version = version + 1, updated_at = ? WHERE id = ?`),
				b.TotalCents, nowMillis(), b.PartyID)
			if err != nil {
				return nil, err
			}
		}
	case envelope.OpVoid:
		txn, err := readTransaction(ctx, tx, d, id)
		if err != nil {
			return nil, err
		}
		if txn.Status == "void" {
			return nil, fmt.Errorf("%w: transaction %s already void", ErrInvalidInput, id)
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`UPDATE transactions SET status = 'void', version = version + 1, updated_at = ? WHERE id = ?`),
			nowMillis(), id)
		if err != nil {
			return nil, err
		}
		if txn.PartyID != "" {
			_, err = tx.ExecContext(ctx, d.Rebind(
				`UPDATE parties SET balance_cents = balance_cents - ?, version = version + 1, updated_at = ? WHERE id = ?`),
				txn.TotalCents, nowMillis(), txn.PartyID)
			if err != nil {
				return nil, err
			}
		}
	}
	txn, err := readTransaction(ctx, tx, d, id)
	if err != nil {
		return nil, err
	}
	return txn.snapshot(), nil
}
