package market

import (
	"sync"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"github.com/shopspring/decimal"
)

type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// History keeps the last window price observations per asset.
type History struct {
	mu     sync.RWMutex
	window int
	points map[asset.Asset][]PricePoint
}

func NewHistory(window int) *History {
	return &History{window: window, points: make(map[asset.Asset][]PricePoint)}
}

func (h *History) Record(quotes []broker.MarketQuote) {
	if h == nil || h.window <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range quotes {
		series := append(h.points[q.Asset], PricePoint{Time: q.ObservedAt, Price: q.Price})
		if len(series) > h.window {
			series = series[len(series)-h.window:]
		}
		h.points[q.Asset] = series
	}
}

// Window returns a copy of the stored series, oldest first.
func (h *History) Window(a asset.Asset) []PricePoint {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	series := h.points[a]
	out := make([]PricePoint, len(series))
	copy(out, series)
	return out
}

func (h *History) Len(a asset.Asset) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points[a])
}
