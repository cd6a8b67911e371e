// Package paper is an in-memory simulated exchange used for paper trading
// and as a test double.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Config struct {
	StartingCash decimal.Decimal
	Prices       map[asset.Asset]decimal.Decimal
	// Volatility is the max relative price move applied per quote fetch.
	// Zero keeps prices fixed.
	Volatility float64
	Seed       int64
}

type position struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
}

type Broker struct {
	mu         sync.Mutex
	cash       decimal.Decimal
	positions  map[asset.Asset]*position
	prices     map[asset.Asset]decimal.Decimal
	volatility float64
	rng        *rand.Rand
	now        func() time.Time
	orders     []broker.OrderConfirmation
}

func New(cfg Config) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	prices := make(map[asset.Asset]decimal.Decimal, len(cfg.Prices))
	for a, p := range cfg.Prices {
		prices[a] = p
	}
	return &Broker{
		cash:       cfg.StartingCash,
		positions:  make(map[asset.Asset]*position),
		prices:     prices,
		volatility: cfg.Volatility,
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
	}
}

func (b *Broker) SetPrice(a asset.Asset, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[a] = price
}

// SetPosition seeds a holding with the given weighted-average cost.
func (b *Broker) SetPosition(a asset.Asset, qty, avgCost decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[a] = &position{qty: qty, avgCost: avgCost}
}

func (b *Broker) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

func (b *Broker) AverageCost(a asset.Asset) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[a]; ok {
		return p.avgCost
	}
	return decimal.Zero
}

func (b *Broker) FetchHoldings(ctx context.Context) ([]broker.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Holding, 0, len(asset.All))
	for _, a := range asset.All {
		p, ok := b.positions[a]
		if !ok || p.qty.IsZero() {
			continue
		}
		out = append(out, broker.Holding{Asset: a, TotalQuantity: p.qty, AvailableQuantity: p.qty})
	}
	return out, nil
}

func (b *Broker) FetchBestQuotes(ctx context.Context, assets []asset.Asset) ([]broker.MarketQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]broker.MarketQuote, 0, len(assets))
	for _, a := range assets {
		price, ok := b.prices[a]
		if !ok {
			continue
		}
		if b.volatility > 0 {
			move := (b.rng.Float64()*2 - 1) * b.volatility
			price = price.Mul(decimal.NewFromFloat(1 + move)).Round(2)
			b.prices[a] = price
		}
		out = append(out, broker.MarketQuote{Asset: a, Price: price, ObservedAt: now})
	}
	return out, nil
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderConfirmation{}, err
	}
	if !req.Quantity.IsPositive() {
		return broker.OrderConfirmation{}, fmt.Errorf("invalid quantity %s", req.Quantity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[req.Asset]
	if !ok {
		return broker.OrderConfirmation{}, fmt.Errorf("no price for %s", req.Asset)
	}
	pos := b.positions[req.Asset]
	if pos == nil {
		pos = &position{}
		b.positions[req.Asset] = pos
	}
	cost := req.Quantity.Mul(price)
	switch req.Side {
	case broker.SideBuy:
		if cost.GreaterThan(b.cash) {
			return broker.OrderConfirmation{}, broker.ErrInsufficientFunds
		}
		newQty := pos.qty.Add(req.Quantity)
		pos.avgCost = pos.qty.Mul(pos.avgCost).Add(cost).Div(newQty)
		pos.qty = newQty
		b.cash = b.cash.Sub(cost)
	case broker.SideSell:
		if req.Quantity.GreaterThan(pos.qty) {
			return broker.OrderConfirmation{}, broker.ErrInsufficientBalance
		}
		pos.qty = pos.qty.Sub(req.Quantity)
		if pos.qty.IsZero() {
			pos.avgCost = decimal.Zero
		}
		b.cash = b.cash.Add(cost)
	default:
		return broker.OrderConfirmation{}, fmt.Errorf("unknown side %q", req.Side)
	}
	conf := broker.OrderConfirmation{
		OrderID:        uuid.NewString(),
		ClientOrderID:  req.ClientOrderID,
		Asset:          req.Asset,
		Side:           req.Side,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		AveragePrice:   price,
		State:          "filled",
		Filled:         true,
	}
	b.orders = append(b.orders, conf)
	return conf, nil
}

// Orders returns filled orders, oldest first.
func (b *Broker) Orders() []broker.OrderConfirmation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderConfirmation(nil), b.orders...)
}
