// Package engine runs the trading cycle: sell evaluation, dip
// classification, buy evaluation and result aggregation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/classifier"
	"dip-bot/internal/lock"
	"dip-bot/internal/market"
	"dip-bot/internal/metrics"
	"dip-bot/internal/state"
	"dip-bot/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCycleInProgress is the only error RunCycle returns. No work was done.
var ErrCycleInProgress = errors.New("trading cycle already in progress")

type SnapshotReader interface {
	Snapshot(ctx context.Context) (market.Snapshot, error)
	Holdings(ctx context.Context) ([]broker.Holding, error)
}

type Classifier interface {
	Classify(ctx context.Context, quotes []broker.MarketQuote) (classifier.Result, error)
}

type OrderExecutor interface {
	PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error)
}

// orderForgetter is implemented by executors that keep per-order state for
// duplicate detection.
type orderForgetter interface {
	Forget(ctx context.Context, clientOrderIDs ...string)
}

type BuyLedger interface {
	RecordBuy(ctx context.Context, a asset.Asset, price decimal.Decimal, orderID string, at time.Time) error
	MostRecentBuyPrice(ctx context.Context, a asset.Asset) (decimal.Decimal, bool)
}

// Locker guards cycles across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type Deps struct {
	Reader     SnapshotReader
	Classifier Classifier
	Executor   OrderExecutor
	Ledger     BuyLedger
	Store      state.Store
	Locker     Locker
	LockKey    string
	LockTTL    time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

type Engine struct {
	params     Params
	reader     SnapshotReader
	classifier Classifier
	exec       OrderExecutor
	ledger     BuyLedger
	store      state.Store
	locker     Locker
	lockKey    string
	lockTTL    time.Duration
	metrics    *metrics.Metrics
	log        *zap.Logger
	sm         *strategy.StateMachine
	now        func() time.Time

	mu           sync.RWMutex
	observers    []Observer
	lastHoldings []broker.Holding
	lastResult   *CycleResult
	signals      []DipSignal
}

func New(params Params, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.LockKey == "" {
		deps.LockKey = "dip-bot:cycle"
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 2 * time.Minute
	}
	return &Engine{
		params:     params,
		reader:     deps.Reader,
		classifier: deps.Classifier,
		exec:       deps.Executor,
		ledger:     deps.Ledger,
		store:      deps.Store,
		locker:     deps.Locker,
		lockKey:    deps.LockKey,
		lockTTL:    deps.LockTTL,
		metrics:    deps.Metrics,
		log:        deps.Log,
		sm:         strategy.NewStateMachine(),
		now:        time.Now,
	}
}

func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// RestoreHoldings seeds the last known holdings from the kv store.
func (e *Engine) RestoreHoldings(ctx context.Context) error {
	snap, ok, err := state.LoadHoldingsSnapshot(ctx, e.store)
	if err != nil || !ok {
		return err
	}
	e.mu.Lock()
	e.lastHoldings = snap.Holdings
	e.mu.Unlock()
	return nil
}

// RunCycle executes one full cycle. Failures inside the cycle surface only
// as error logs in the result. A call made while another cycle is in flight,
// in this process or in another one holding the shared lock, is rejected
// with ErrCycleInProgress.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	if !e.sm.Begin() {
		e.metrics.CyclesRejected.Inc()
		return CycleResult{}, ErrCycleInProgress
	}
	defer e.sm.Apply(strategy.EventDone)

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, e.lockKey, e.lockTTL)
		if err != nil {
			e.metrics.CyclesRejected.Inc()
			if errors.Is(err, lock.ErrLockHeld) {
				return CycleResult{}, ErrCycleInProgress
			}
			e.log.Error("cycle lock unavailable", zap.Error(err))
			return CycleResult{}, fmt.Errorf("%w: lock unavailable: %v", ErrCycleInProgress, err)
		}
		defer release()
	}

	c := &cycle{
		engine: e,
		result: CycleResult{ID: uuid.NewString(), StartedAt: e.now()},
	}
	c.run(ctx)
	if f, ok := e.exec.(orderForgetter); ok && len(c.orderIDs) > 0 {
		f.Forget(context.WithoutCancel(ctx), c.orderIDs...)
	}
	result := c.result
	result.FinishedAt = e.now()
	e.finish(ctx, result)
	return result, nil
}

func (e *Engine) finish(ctx context.Context, result CycleResult) {
	if result.Aborted {
		e.metrics.CyclesAborted.Inc()
	} else {
		e.metrics.CyclesCompleted.Inc()
	}
	e.mu.Lock()
	e.lastResult = &result
	e.signals = append(e.signals, result.DipSignals...)
	if keep := e.params.DipSignalRetention; keep > 0 && len(e.signals) > keep {
		e.signals = append([]DipSignal(nil), e.signals[len(e.signals)-keep:]...)
	}
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	if !result.Aborted {
		snap := state.HoldingsSnapshot{Holdings: result.FinalHoldings, CycleID: result.ID, UpdatedAtMS: result.FinishedAt.UnixMilli()}
		if err := state.SaveHoldingsSnapshot(context.WithoutCancel(ctx), e.store, snap); err != nil {
			e.log.Warn("failed to persist holdings snapshot", zap.Error(err))
		}
	}
	for _, o := range observers {
		o.ObserveCycle(result)
	}
}

func (e *Engine) setLastHoldings(holdings []broker.Holding) {
	e.mu.Lock()
	e.lastHoldings = holdings
	e.mu.Unlock()
}

func (e *Engine) LastHoldings() []broker.Holding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]broker.Holding(nil), e.lastHoldings...)
}

func (e *Engine) LastResult() (CycleResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastResult == nil {
		return CycleResult{}, false
	}
	return *e.lastResult, true
}

// RecentSignals returns the retained dip signals, oldest first.
func (e *Engine) RecentSignals() []DipSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DipSignal(nil), e.signals...)
}

type Status struct {
	Busy        bool           `json:"busy"`
	Phase       strategy.State `json:"phase"`
	LastCycleID string         `json:"last_cycle_id,omitempty"`
	LastCycleAt time.Time      `json:"last_cycle_at,omitempty"`
}

func (e *Engine) Status() Status {
	phase := e.sm.State()
	st := Status{Busy: phase != strategy.StateIdle, Phase: phase}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastResult != nil {
		st.LastCycleID = e.lastResult.ID
		st.LastCycleAt = e.lastResult.FinishedAt
	}
	return st
}

func (e *Engine) Params() Params {
	return e.params
}
