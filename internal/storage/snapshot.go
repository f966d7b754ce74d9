package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ApplySnapshot upserts an entity's state as carried on the change feed. It
// is version-checked: an incoming snapshot older than the local row is
// dropped, so applying a catch-up page any number of times converges on the
// same state. Used by the reconciler's apply path only; operation semantics
// stay in ApplyMutation.
func ApplySnapshot(ctx context.Context, tx *sql.Tx, d Dialect, entityType, entityID string, state map[string]any) error {
	if entityID == "" || state == nil {
		return fmt.Errorf("%w: snapshot requires entity id and state", ErrInvalidInput)
	}
	version := mapInt64(state, "version")
	switch entityType {
	case "item":
		item, err := readItem(ctx, tx, d, entityID)
		if err == nil && item.Version >= version {
			return nil
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO items (id, name, sku, price_cents, quantity, version, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, sku = excluded.sku, price_cents = excluded.price_cents,
				quantity = excluded.quantity, version = excluded.version,
				deleted = excluded.deleted, updated_at = excluded.updated_at`),
			entityID, mapString(state, "name"), mapString(state, "sku"),
			mapInt64(state, "priceCents"), mapInt64(state, "quantity"),
			version, boolToInt(mapBool(state, "deleted")), nowMillis())
		return err
	case "party":
		party, err := readParty(ctx, tx, d, entityID)
		if err == nil && party.Version >= version {
			return nil
		}
		_, err = tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO parties (id, name, phone, balance_cents, version, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, phone = excluded.phone,
				balance_cents = excluded.balance_cents, version = excluded.version,
				deleted = excluded.deleted, updated_at = excluded.updated_at`),
			entityID, mapString(state, "name"), mapString(state, "phone"),
			mapInt64(state, "balanceCents"), version,
			boolToInt(mapBool(state, "deleted")), nowMillis())
		return err
	case "transaction":
		txn, err := readTransaction(ctx, tx, d, entityID)
		if err == nil && txn.Version >= version {
			return nil
		}
		lines := mapJSON(state, "lines")
		_, err = tx.ExecContext(ctx, d.Rebind(
			`INSERT INTO transactions (id, party_id, total_cents, status, lines, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				party_id = excluded.party_id, total_cents = excluded.total_cents,
				status = excluded.status, lines = excluded.lines,
				version = excluded.version, updated_at = excluded.updated_at`),
			entityID, mapString(state, "partyId"), mapInt64(state, "totalCents"),
			mapString(state, "status"), lines, version, nowMillis())
		return err
	}
	return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entityType)
}
