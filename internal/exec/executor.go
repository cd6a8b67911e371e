package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"dip-bot/internal/broker"
	"dip-bot/internal/metrics"
	"dip-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderPlacer is the brokerage call the executor wraps.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error)
}

// Executor submits market orders exactly once. Quantities are truncated to
// the asset precision, every order carries a client order id, and a
// confirmation already recorded for that id is returned instead of
// resubmitting. Failures are returned as-is; there is no retry.
type Executor struct {
	placer  OrderPlacer
	store   state.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]broker.OrderConfirmation
}

func New(placer OrderPlacer, store state.Store, m *metrics.Metrics, log *zap.Logger) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		placer:  placer,
		store:   store,
		metrics: m,
		log:     log,
		cache:   make(map[string]broker.OrderConfirmation),
	}
}

func (e *Executor) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	req.Quantity = req.Asset.Truncate(req.Quantity)
	if !req.Quantity.IsPositive() {
		e.metrics.OrdersFailed.Inc()
		return broker.OrderConfirmation{}, errors.New("order quantity truncates to zero")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	cacheKey := "cloid:" + req.ClientOrderID
	if conf, ok, err := e.lookup(ctx, cacheKey); err != nil {
		return broker.OrderConfirmation{}, err
	} else if ok {
		e.log.Info("order already submitted", zap.String("client_order_id", req.ClientOrderID))
		return conf, nil
	}

	conf, err := e.placer.PlaceMarketOrder(ctx, req)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return conf, fmt.Errorf("%s %s: %w", req.Side, req.Asset, err)
	}
	e.metrics.OrdersPlaced.Inc()
	if conf.ClientOrderID == "" {
		conf.ClientOrderID = req.ClientOrderID
	}
	e.remember(ctx, cacheKey, conf)
	return conf, nil
}

func (e *Executor) lookup(ctx context.Context, key string) (broker.OrderConfirmation, bool, error) {
	e.mu.Lock()
	conf, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return conf, true, nil
	}
	if e.store == nil {
		return broker.OrderConfirmation{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return broker.OrderConfirmation{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &conf); err != nil {
		return broker.OrderConfirmation{}, false, fmt.Errorf("decode cached order: %w", err)
	}
	e.mu.Lock()
	e.cache[key] = conf
	e.mu.Unlock()
	return conf, true, nil
}

func (e *Executor) remember(ctx context.Context, key string, conf broker.OrderConfirmation) {
	e.mu.Lock()
	e.cache[key] = conf
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	payload, err := json.Marshal(conf)
	if err != nil {
		e.log.Warn("failed to encode order confirmation", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, key, string(payload)); err != nil {
		e.log.Warn("failed to persist order confirmation", zap.Error(err))
	}
}

// Forget drops the recorded confirmations for the given client order ids
// once their orders can no longer be resubmitted.
func (e *Executor) Forget(ctx context.Context, clientOrderIDs ...string) {
	for _, id := range clientOrderIDs {
		key := "cloid:" + id
		e.mu.Lock()
		delete(e.cache, key)
		e.mu.Unlock()
		if e.store == nil {
			continue
		}
		if err := e.store.Delete(ctx, key); err != nil {
			e.log.Warn("failed to drop order confirmation", zap.String("client_order_id", id), zap.Error(err))
		}
	}
}
