package engine

import (
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"github.com/shopspring/decimal"
)

type LogKind string

const (
	KindInfo  LogKind = "info"
	KindBuy   LogKind = "buy"
	KindSell  LogKind = "sell"
	KindAI    LogKind = "ai"
	KindError LogKind = "error"
)

type CycleLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Kind      LogKind   `json:"kind"`
}

// DipSignal is observability only. It never drives a decision.
type DipSignal struct {
	Asset      asset.Asset     `json:"asset"`
	PriceAtDip decimal.Decimal `json:"price_at_dip"`
	Score      float64         `json:"score"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CycleResult is produced once per cycle and not modified afterwards.
type CycleResult struct {
	ID            string           `json:"id"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Logs          []CycleLog       `json:"logs"`
	FinalHoldings []broker.Holding `json:"final_holdings"`
	DipSignals    []DipSignal      `json:"dip_signals"`
	// Aborted is set when the initial snapshot failed or the cycle was
	// interrupted between phases.
	Aborted bool `json:"aborted"`
}

// Params are the externally configured trading constants.
type Params struct {
	MaxInvestmentUSD       decimal.Decimal
	ProfitTargetPercentage decimal.Decimal
	DipScoreThreshold      float64
	MinInvestableUSD       decimal.Decimal
	MinTradeUSD            decimal.Decimal
	DipSignalRetention     int
}

// Observer receives every finished cycle. Implementations must not block.
type Observer interface {
	ObserveCycle(result CycleResult)
}

type ObserverFunc func(result CycleResult)

func (f ObserverFunc) ObserveCycle(result CycleResult) {
	f(result)
}
