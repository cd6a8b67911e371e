package strategy

import (
	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

// State is the phase of the trading cycle currently executing.
type State string

type Event string

const (
	StateIdle     State = "IDLE"
	StateSnapshot State = "SNAPSHOT"
	StateSell     State = "SELL"
	StateClassify State = "CLASSIFY"
	StateBuy      State = "BUY"
	StateFinalize State = "FINALIZE"
)

const (
	EventBegin          Event = "BEGIN"
	EventSnapshotOK     Event = "SNAPSHOT_OK"
	EventSellDone       Event = "SELL_DONE"
	EventClassified     Event = "CLASSIFIED"
	EventClassifyFailed Event = "CLASSIFY_FAILED"
	EventBuyDone        Event = "BUY_DONE"
	EventDone           Event = "DONE"
)

// Allocation is one parsed buy recommendation.
type Allocation struct {
	Asset    asset.Asset     `json:"asset"`
	Fraction decimal.Decimal `json:"fraction"`
}
