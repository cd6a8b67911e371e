// Package ledger records executed buy prices so later cycles can compute
// profit targets.
package ledger

import (
	"context"
	"time"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const placeholderOrderID = "n/a"

type Entry struct {
	Asset      asset.Asset     `json:"asset"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	OrderID    string          `json:"order_id"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Backend stores entries append-only. Entries returns them in append order.
type Backend interface {
	Append(ctx context.Context, entry Entry) error
	Entries(ctx context.Context) ([]Entry, error)
}

type Ledger struct {
	backend Backend
	log     *zap.Logger
}

func New(backend Backend, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{backend: backend, log: log}
}

// RecordBuy appends an entry. Errors are returned for the caller to log;
// they never invalidate the buy itself.
func (l *Ledger) RecordBuy(ctx context.Context, a asset.Asset, price decimal.Decimal, orderID string, at time.Time) error {
	if orderID == "" {
		orderID = placeholderOrderID
	}
	entry := Entry{Asset: a, BuyPrice: price, OrderID: orderID, RecordedAt: at}
	if err := l.backend.Append(ctx, entry); err != nil {
		l.log.Error("ledger append failed", zap.String("asset", a.Symbol()), zap.Error(err))
		return err
	}
	return nil
}

// MostRecentBuyPrice returns the price of the entry with the latest
// timestamp for a. Ties go to the entry appended last. A missing or
// unreadable ledger reads as empty.
func (l *Ledger) MostRecentBuyPrice(ctx context.Context, a asset.Asset) (decimal.Decimal, bool) {
	entries, err := l.backend.Entries(ctx)
	if err != nil {
		l.log.Warn("ledger unreadable, treating as empty", zap.String("asset", a.Symbol()), zap.Error(err))
		return decimal.Zero, false
	}
	var (
		best  Entry
		found bool
	)
	for _, e := range entries {
		if e.Asset != a {
			continue
		}
		if !found || !e.RecordedAt.Before(best.RecordedAt) {
			best = e
			found = true
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return best.BuyPrice, true
}

// Entries returns every readable entry in append order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	return l.backend.Entries(ctx)
}
