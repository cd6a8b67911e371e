// Package market reads portfolio and price snapshots from the brokerage and
// keeps a rolling price history for the dip classifier.
package market

import (
	"context"
	"fmt"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"go.uber.org/zap"
)

type Snapshot struct {
	Holdings  []broker.Holding     `json:"holdings"`
	Quotes    []broker.MarketQuote `json:"quotes"`
	FetchedAt time.Time            `json:"fetched_at"`
}

// Price returns the quoted price for a when one was observed.
func (s Snapshot) Price(a asset.Asset) (broker.MarketQuote, bool) {
	return broker.FindQuote(s.Quotes, a)
}

type Reader struct {
	broker  broker.Broker
	history *History
	log     *zap.Logger
	now     func() time.Time
}

func NewReader(b broker.Broker, history *History, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{broker: b, history: history, log: log, now: time.Now}
}

// Snapshot fetches holdings and best quotes for every tracked asset.
// Either failure fails the whole snapshot.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	holdings, err := r.broker.FetchHoldings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("holdings: %w", err)
	}
	quotes, err := r.broker.FetchBestQuotes(ctx, asset.All)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quotes: %w", err)
	}
	if r.history != nil {
		r.history.Record(quotes)
	}
	r.log.Debug("snapshot fetched", zap.Int("holdings", len(holdings)), zap.Int("quotes", len(quotes)))
	return Snapshot{Holdings: holdings, Quotes: quotes, FetchedAt: r.now()}, nil
}

// Holdings refetches holdings only.
func (r *Reader) Holdings(ctx context.Context) ([]broker.Holding, error) {
	holdings, err := r.broker.FetchHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("holdings: %w", err)
	}
	return holdings, nil
}

func (r *Reader) History() *History {
	return r.history
}
