package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/ledger"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed kv store that also implements ledger.Backend.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			order_id TEXT NOT NULL,
			recorded_at_ms INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Append(ctx context.Context, entry ledger.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (asset, buy_price, order_id, recorded_at_ms) VALUES (?, ?, ?, ?)`,
		entry.Asset.Symbol(), entry.BuyPrice.String(), entry.OrderID, entry.RecordedAt.UnixMilli(),
	)
	return err
}

// Entries skips rows that no longer decode, mirroring the file backend.
func (s *Store) Entries(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, buy_price, order_id, recorded_at_ms FROM ledger_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		var (
			sym, price, orderID string
			ms                  int64
		)
		if err := rows.Scan(&sym, &price, &orderID, &ms); err != nil {
			return nil, err
		}
		a, err := asset.Parse(sym)
		if err != nil {
			continue
		}
		p, err := decimal.NewFromString(price)
		if err != nil || !p.IsPositive() {
			continue
		}
		entries = append(entries, ledger.Entry{Asset: a, BuyPrice: p, OrderID: orderID, RecordedAt: time.UnixMilli(ms)})
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
