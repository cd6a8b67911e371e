package engine

import (
	"context"
	"fmt"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/classifier"
	"dip-bot/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cycle holds the transient state of one RunCycle call.
type cycle struct {
	engine   *Engine
	result   CycleResult
	holdings []broker.Holding
	quotes   []broker.MarketQuote
	orderIDs []string
}

var orderNamespace = uuid.MustParse("5b0f3c1e-7d2a-4f43-9a55-2f0c6e8d9b41")

func (c *cycle) logf(kind LogKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.result.Logs = append(c.result.Logs, CycleLog{Timestamp: c.engine.now(), Message: msg, Kind: kind})
	fields := []zap.Field{zap.String("cycle_id", c.result.ID), zap.String("kind", string(kind))}
	if kind == KindError {
		c.engine.log.Warn(msg, fields...)
		return
	}
	c.engine.log.Info(msg, fields...)
}

func (c *cycle) run(ctx context.Context) {
	e := c.engine
	c.logf(KindInfo, "Cycle started.")

	snap, err := e.reader.Snapshot(ctx)
	if err != nil {
		c.logf(KindError, "Snapshot failed, cycle aborted: %v", err)
		c.result.Aborted = true
		c.result.FinalHoldings = e.LastHoldings()
		return
	}
	c.holdings = snap.Holdings
	c.quotes = snap.Quotes
	e.setLastHoldings(c.holdings)
	e.sm.Apply(strategy.EventSnapshotOK)
	if c.interrupted(ctx) {
		return
	}

	c.sellPhase(ctx)
	e.sm.Apply(strategy.EventSellDone)
	if c.interrupted(ctx) {
		return
	}

	res, err := e.classifier.Classify(ctx, c.quotes)
	if err != nil {
		e.metrics.ClassifierFailed.Inc()
		c.logf(KindError, "Error in dip analysis: %v", err)
		e.sm.Apply(strategy.EventClassifyFailed)
	} else {
		c.logf(KindAI, "AI Analysis: BTC Dip %s, ETH Dip %s. Reco: %s",
			formatScore(res.BTCDipScore), formatScore(res.ETHDipScore), res.Recommendation)
		e.sm.Apply(strategy.EventClassified)
		c.recordSignals(res)
		if c.interrupted(ctx) {
			return
		}
		c.buyPhase(ctx, res)
		e.sm.Apply(strategy.EventBuyDone)
		if c.interrupted(ctx) {
			return
		}
	}

	c.refreshHoldings(ctx)
	c.result.FinalHoldings = c.holdings
	c.logf(KindInfo, "Cycle finished.")
}

// interrupted ends the cycle with the last fetched holdings once ctx is
// done. Only called between phases.
func (c *cycle) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	c.logf(KindError, "Cycle interrupted: %v", ctx.Err())
	c.result.Aborted = true
	c.result.FinalHoldings = c.holdings
	return true
}

func (c *cycle) sellPhase(ctx context.Context) {
	e := c.engine
	for _, a := range asset.All {
		h := broker.FindHolding(c.holdings, a)
		if !a.Truncate(h.AvailableQuantity).IsPositive() {
			continue
		}
		q, ok := broker.FindQuote(c.quotes, a)
		if !ok {
			continue
		}
		buyPrice, hasBuy := e.ledger.MostRecentBuyPrice(ctx, a)
		if !strategy.ShouldSell(h.AvailableQuantity, q.Price, buyPrice, hasBuy, e.params.ProfitTargetPercentage) {
			continue
		}
		conf, err := e.exec.PlaceMarketOrder(ctx, c.order(a, broker.SideSell, h.AvailableQuantity))
		if err != nil {
			c.logf(KindError, "Error selling %s: %v", a, err)
			continue
		}
		if conf.Filled {
			c.logf(KindSell, "Profit target reached! Sold %s %s at $%s.", conf.Quantity.String(), a, q.Price.StringFixed(2))
		} else {
			c.logf(KindError, "Sell order %s for %s not confirmed filled (state %s).", conf.OrderID, a, conf.State)
		}
		c.refreshHoldings(ctx)
	}
}

func (c *cycle) recordSignals(res classifier.Result) {
	e := c.engine
	for _, a := range asset.All {
		score := res.Score(a)
		if !strategy.PassesDipGate(score, e.params.DipScoreThreshold) {
			continue
		}
		sig := DipSignal{Asset: a, Score: score}
		if q, ok := broker.FindQuote(c.quotes, a); ok {
			sig.PriceAtDip = q.Price
			sig.Timestamp = q.ObservedAt
		}
		c.result.DipSignals = append(c.result.DipSignals, sig)
		e.metrics.DipSignals.Inc()
	}
}

func (c *cycle) buyPhase(ctx context.Context, res classifier.Result) {
	e := c.engine
	value := strategy.CryptoValue(c.holdings, c.quotes)
	investable := strategy.InvestableCapital(e.params.MaxInvestmentUSD, value)
	if investable.LessThanOrEqual(e.params.MinInvestableUSD) {
		c.logf(KindInfo, "Insufficient capacity: $%s investable under the $%s ceiling, no buys this cycle.",
			investable.StringFixed(2), e.params.MaxInvestmentUSD.StringFixed(2))
		e.metrics.CryptoValueUSD.Set(value.InexactFloat64())
		return
	}

	committed := decimal.Zero
	for _, alloc := range strategy.MergeAllocations(strategy.ParseRecommendation(res.Recommendation)) {
		a := alloc.Asset
		if !strategy.PassesDipGate(res.Score(a), e.params.DipScoreThreshold) {
			continue
		}
		q, ok := broker.FindQuote(c.quotes, a)
		if !ok {
			continue
		}
		amount := strategy.BuyAmount(investable, alloc.Fraction, committed)
		if amount.LessThan(e.params.MinTradeUSD) {
			continue
		}
		qty := strategy.BuyQuantity(a, amount, q.Price)
		if !qty.IsPositive() {
			continue
		}
		conf, err := e.exec.PlaceMarketOrder(ctx, c.order(a, broker.SideBuy, qty))
		if err != nil {
			c.logf(KindError, "Error buying %s: %v", a, err)
			continue
		}
		committed = committed.Add(amount)
		value = value.Add(amount)
		if conf.Filled {
			target := strategy.ProfitTarget(q.Price, e.params.ProfitTargetPercentage)
			c.logf(KindBuy, "Bought %s %s at $%s. Target sell: $%s.", qty.String(), a, q.Price.StringFixed(2), target.StringFixed(2))
			if err := e.ledger.RecordBuy(ctx, a, q.Price, conf.OrderID, e.now()); err != nil {
				c.logf(KindError, "Error writing to trading log: %v", err)
			}
		} else {
			c.logf(KindError, "Buy order %s for %s not confirmed filled (state %s); trading log not updated.", conf.OrderID, a, conf.State)
		}
		c.refreshHoldings(ctx)
	}
	e.metrics.CryptoValueUSD.Set(value.InexactFloat64())
}

// order builds a request whose client order id is derived from the cycle,
// asset and side, so a resubmit within the cycle hits the executor's
// duplicate guard instead of the brokerage.
func (c *cycle) order(a asset.Asset, side broker.Side, qty decimal.Decimal) broker.OrderRequest {
	id := clientOrderID(c.result.ID, a, side)
	c.orderIDs = append(c.orderIDs, id)
	return broker.OrderRequest{Asset: a, Side: side, Quantity: qty, ClientOrderID: id}
}

func clientOrderID(cycleID string, a asset.Asset, side broker.Side) string {
	return uuid.NewSHA1(orderNamespace, []byte(cycleID+"|"+a.Symbol()+"|"+string(side))).String()
}

func (c *cycle) refreshHoldings(ctx context.Context) {
	holdings, err := c.engine.reader.Holdings(ctx)
	if err != nil {
		c.logf(KindError, "Failed to refresh holdings: %v", err)
		return
	}
	c.holdings = holdings
	c.engine.setLastHoldings(holdings)
}

func formatScore(score float64) string {
	return decimal.NewFromFloat(score).String()
}
