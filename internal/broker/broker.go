// Package broker describes the brokerage collaborator consumed by the
// trading cycle.
package broker

import (
	"context"
	"errors"
	"time"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientBalance = errors.New("insufficient asset balance")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Holding is owned by the brokerage. AvailableQuantity excludes quantity
// reserved by open orders.
type Holding struct {
	Asset             asset.Asset     `json:"asset"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	AvailableQuantity decimal.Decimal `json:"quantity_available_for_trading"`
}

type MarketQuote struct {
	Asset      asset.Asset     `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

type OrderRequest struct {
	Asset         asset.Asset
	Side          Side
	Quantity      decimal.Decimal
	ClientOrderID string
}

type OrderConfirmation struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Asset          asset.Asset     `json:"asset"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	State          string          `json:"state"`
	Filled         bool            `json:"filled"`
}

// Broker is the narrow brokerage surface the engine needs.
type Broker interface {
	FetchHoldings(ctx context.Context) ([]Holding, error)
	FetchBestQuotes(ctx context.Context, assets []asset.Asset) ([]MarketQuote, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderConfirmation, error)
}

// FindHolding returns the holding for a, or a zero holding.
func FindHolding(holdings []Holding, a asset.Asset) Holding {
	for _, h := range holdings {
		if h.Asset == a {
			return h
		}
	}
	return Holding{Asset: a}
}

// FindQuote returns the quote for a when present.
func FindQuote(quotes []MarketQuote, a asset.Asset) (MarketQuote, bool) {
	for _, q := range quotes {
		if q.Asset == a {
			return q, true
		}
	}
	return MarketQuote{}, false
}
