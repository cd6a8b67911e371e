// Package classifier adapts an external dip-scoring function to the
// trading cycle.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/market"

	"github.com/shopspring/decimal"
)

type Input struct {
	CurrentPrices map[asset.Asset]decimal.Decimal
	// History is optional. Scorers must work with current prices only.
	History map[asset.Asset][]decimal.Decimal
}

type Result struct {
	BTCDipScore    float64 `json:"btcDipScore"`
	ETHDipScore    float64 `json:"ethDipScore"`
	Recommendation string  `json:"recommendation"`
}

// Score returns the dip score for a.
func (r Result) Score(a asset.Asset) float64 {
	switch a {
	case asset.BTC:
		return r.BTCDipScore
	case asset.ETH:
		return r.ETHDipScore
	}
	return 0
}

// Scorer is the opaque scoring function.
type Scorer interface {
	ScoreDips(ctx context.Context, in Input) (Result, error)
}

// Adapter feeds current quotes and the recorded price window to a Scorer.
// It never retries.
type Adapter struct {
	scorer  Scorer
	history *market.History
}

func NewAdapter(scorer Scorer, history *market.History) *Adapter {
	return &Adapter{scorer: scorer, history: history}
}

var ErrInvalidScore = errors.New("invalid dip score")

func (a *Adapter) Classify(ctx context.Context, quotes []broker.MarketQuote) (Result, error) {
	in := Input{
		CurrentPrices: make(map[asset.Asset]decimal.Decimal, len(asset.All)),
		History:       make(map[asset.Asset][]decimal.Decimal, len(asset.All)),
	}
	for _, as := range asset.All {
		if q, ok := broker.FindQuote(quotes, as); ok {
			in.CurrentPrices[as] = q.Price
		}
		if a.history == nil {
			continue
		}
		window := a.history.Window(as)
		if len(window) == 0 {
			continue
		}
		prices := make([]decimal.Decimal, 0, len(window))
		for _, p := range window {
			prices = append(prices, p.Price)
		}
		in.History[as] = prices
	}
	res, err := a.scorer.ScoreDips(ctx, in)
	if err != nil {
		return Result{}, err
	}
	for _, s := range []float64{res.BTCDipScore, res.ETHDipScore} {
		if math.IsNaN(s) || s < 0 || s > 100 {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidScore, s)
		}
	}
	return res, nil
}
