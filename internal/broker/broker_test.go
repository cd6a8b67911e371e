package broker

import (
	"testing"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

func TestFindHoldingDefaultsToZero(t *testing.T) {
	holdings := []Holding{{Asset: asset.BTC, TotalQuantity: decimal.NewFromInt(1), AvailableQuantity: decimal.NewFromInt(1)}}
	if h := FindHolding(holdings, asset.BTC); !h.TotalQuantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected BTC holding, got %+v", h)
	}
	h := FindHolding(holdings, asset.ETH)
	if h.Asset != asset.ETH || !h.TotalQuantity.IsZero() || !h.AvailableQuantity.IsZero() {
		t.Fatalf("expected zero ETH holding, got %+v", h)
	}
}

func TestFindQuote(t *testing.T) {
	quotes := []MarketQuote{{Asset: asset.ETH, Price: decimal.NewFromInt(3000)}}
	if _, ok := FindQuote(quotes, asset.BTC); ok {
		t.Fatalf("expected no BTC quote")
	}
	q, ok := FindQuote(quotes, asset.ETH)
	if !ok || !q.Price.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected ETH quote, got %+v", q)
	}
}
