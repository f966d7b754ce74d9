package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Item struct {
	ID         string
	Name       string
	SKU        string
	PriceCents int64
	Quantity   int64
	Version    int64
	Deleted    bool
	UpdatedAt  int64
}

func (i Item) snapshot() map[string]any {
	return map[string]any{
		"id":         i.ID,
		"name":       i.Name,
		"sku":        i.SKU,
		"priceCents": i.PriceCents,
		"quantity":   i.Quantity,
		"version":    i.Version,
		"deleted":    i.Deleted,
	}
}

type Party struct {
	ID           string
	Name         string
	Phone        string
	BalanceCents int64
	Version      int64
	Deleted      bool
	UpdatedAt    int64
}

func (p Party) snapshot() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"name":         p.Name,
		"phone":        p.Phone,
		"balanceCents": p.BalanceCents,
		"version":      p.Version,
		"deleted":      p.Deleted,
	}
}

type Transaction struct {
	ID         string
	PartyID    string
	TotalCents int64
	Status     string
	Lines      string
	Version    int64
	UpdatedAt  int64
}

func (t Transaction) snapshot() map[string]any {
	var lines []any
	if err := json.Unmarshal([]byte(t.Lines), &lines); err != nil {
		lines = nil
	}
	return map[string]any{
		"id":         t.ID,
		"partyId":    t.PartyID,
		"totalCents": t.TotalCents,
		"status":     t.Status,
		"lines":      lines,
		"version":    t.Version,
	}
}

func readItem(ctx context.Context, q querier, d Dialect, id string) (Item, error) {
	var (
		item    Item
		deleted int64
	)
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT id, name, sku, price_cents, quantity, version, deleted, updated_at FROM items WHERE id = ?`), id).
		Scan(&item.ID, &item.Name, &item.SKU, &item.PriceCents, &item.Quantity, &item.Version, &deleted, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		return Item{}, err
	}
	item.Deleted = deleted != 0
	return item, nil
}

func readParty(ctx context.Context, q querier, d Dialect, id string) (Party, error) {
	var (
		party   Party
		deleted int64
	)
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT id, name, phone, balance_cents, version, deleted, updated_at FROM parties WHERE id = ?`), id).
		Scan(&party.ID, &party.Name, &party.Phone, &party.BalanceCents, &party.Version, &deleted, &party.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Party{}, fmt.Errorf("%w: party %s", ErrNotFound, id)
	}
	if err != nil {
		return Party{}, err
	}
	party.Deleted = deleted != 0
	return party, nil
}

func readTransaction(ctx context.Context, q querier, d Dialect, id string) (Transaction, error) {
	var txn Transaction
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT id, party_id, total_cents, status, lines, version, updated_at FROM transactions WHERE id = ?`), id).
		Scan(&txn.ID, &txn.PartyID, &txn.TotalCents, &txn.Status, &txn.Lines, &txn.Version, &txn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// GetItem reads an item outside a transaction; used by status surfaces and
// tests.
func (db *DB) GetItem(ctx context.Context, id string) (Item, error) {
	return readItem(ctx, db.DB, db.dialect, id)
}

func (db *DB) GetParty(ctx context.Context, id string) (Party, error) {
	return readParty(ctx, db.DB, db.dialect, id)
}

func (db *DB) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return readTransaction(ctx, db.DB, db.dialect, id)
}
