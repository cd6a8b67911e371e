package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/broker/paper"
	"dip-bot/internal/classifier"
	"dip-bot/internal/exec"
	"dip-bot/internal/ledger"
	"dip-bot/internal/lock"
	"dip-bot/internal/market"
	"dip-bot/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testBroker wraps the paper exchange with failure injection and an order
// journal.
type testBroker struct {
	*paper.Broker

	mu             sync.Mutex
	orders         []broker.OrderRequest
	inFlight       int
	maxInFlight    int
	failOrders     map[asset.Asset]error
	failHoldings   bool
	failAfterOrder bool
	hiddenQuotes   map[asset.Asset]bool
	block          chan struct{}
}

func newTestBroker(cash string, btc, eth string) *testBroker {
	return &testBroker{
		Broker: paper.New(paper.Config{
			StartingCash: dec(cash),
			Prices: map[asset.Asset]decimal.Decimal{
				asset.BTC: dec(btc),
				asset.ETH: dec(eth),
			},
		}),
		failOrders:   make(map[asset.Asset]error),
		hiddenQuotes: make(map[asset.Asset]bool),
	}
}

func (b *testBroker) FetchBestQuotes(ctx context.Context, assets []asset.Asset) ([]broker.MarketQuote, error) {
	quotes, err := b.Broker.FetchBestQuotes(ctx, assets)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.MarketQuote
	for _, q := range quotes {
		if !b.hiddenQuotes[q.Asset] {
			out = append(out, q)
		}
	}
	return out, nil
}

func (b *testBroker) FetchHoldings(ctx context.Context) ([]broker.Holding, error) {
	b.mu.Lock()
	block := b.block
	fail := b.failHoldings || (b.failAfterOrder && len(b.orders) > 0)
	b.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("brokerage unavailable")
	}
	return b.Broker.FetchHoldings(ctx)
}

func (b *testBroker) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	b.mu.Lock()
	b.orders = append(b.orders, req)
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	err := b.failOrders[req.Asset]
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()
	if err != nil {
		return broker.OrderConfirmation{}, err
	}
	return b.Broker.PlaceMarketOrder(ctx, req)
}

func (b *testBroker) ordersFor(side broker.Side) []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.OrderRequest
	for _, o := range b.orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

type fakeClassifier struct {
	res   classifier.Result
	err   error
	calls int
	hook  func()
}

func (f *fakeClassifier) Classify(ctx context.Context, quotes []broker.MarketQuote) (classifier.Result, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	return f.res, f.err
}

type harness struct {
	engine *Engine
	broker *testBroker
	ledger *ledger.Ledger
	class  *fakeClassifier
	store  *state.Memory
}

func defaultParams() Params {
	return Params{
		MaxInvestmentUSD:       dec("2000"),
		ProfitTargetPercentage: dec("0.03"),
		DipScoreThreshold:      70,
		MinInvestableUSD:       dec("10"),
		MinTradeUSD:            dec("1"),
		DipSignalRetention:     3,
	}
}

func newHarness(t *testing.T, b *testBroker, res classifier.Result, classErr error) *harness {
	t.Helper()
	l := ledger.New(ledger.NewFileBackend(filepath.Join(t.TempDir(), "trading_log.csv"), zap.NewNop()), zap.NewNop())
	class := &fakeClassifier{res: res, err: classErr}
	store := state.NewMemory()
	eng := New(defaultParams(), Deps{
		Reader:     market.NewReader(b, market.NewHistory(10), zap.NewNop()),
		Classifier: class,
		Executor:   exec.New(b, store, nil, zap.NewNop()),
		Ledger:     l,
		Store:      store,
		Log:        zap.NewNop(),
	})
	return &harness{engine: eng, broker: b, ledger: l, class: class, store: store}
}

func logsOfKind(res CycleResult, kind LogKind) []CycleLog {
	var out []CycleLog
	for _, l := range res.Logs {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

func runCycle(t *testing.T, e *Engine) CycleResult {
	t.Helper()
	res, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	return res
}

func TestScenarioProfitTargetSell(t *testing.T) {
	b := newTestBroker("0", "51650", "3000")
	b.SetPosition(asset.BTC, dec("1"), dec("50000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)
	ctx := context.Background()
	if err := h.ledger.RecordBuy(ctx, asset.BTC, dec("50000"), "ord-0", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res := runCycle(t, h.engine)

	sells := b.ordersFor(broker.SideSell)
	if len(sells) != 1 || sells[0].Asset != asset.BTC || !sells[0].Quantity.Equal(dec("1")) {
		t.Fatalf("expected one 1 BTC sell, got %+v", sells)
	}
	if len(b.ordersFor(broker.SideBuy)) != 0 {
		t.Fatalf("expected no buys")
	}
	if got := logsOfKind(res, KindSell); len(got) != 1 {
		t.Fatalf("expected one sell log, got %+v", res.Logs)
	}
	if len(res.FinalHoldings) != 0 {
		t.Fatalf("expected empty final holdings, got %+v", res.FinalHoldings)
	}
	if res.Logs[0].Kind != KindInfo || res.Logs[len(res.Logs)-1].Message != "Cycle finished." {
		t.Fatalf("expected cycle to start and finish with info logs, got %+v", res.Logs)
	}
}

func TestScenarioBuyDipSplit(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 60%, ETH 40%"}, nil)

	res := runCycle(t, h.engine)

	buys := b.ordersFor(broker.SideBuy)
	if len(buys) != 2 {
		t.Fatalf("expected two buys, got %+v", buys)
	}
	if buys[0].Asset != asset.BTC || !buys[0].Quantity.Equal(dec("0.02")) {
		t.Fatalf("unexpected BTC buy %+v", buys[0])
	}
	if buys[1].Asset != asset.ETH || !buys[1].Quantity.Equal(dec("0.266666")) {
		t.Fatalf("unexpected ETH buy %+v", buys[1])
	}
	buyLogs := logsOfKind(res, KindBuy)
	if len(buyLogs) != 2 {
		t.Fatalf("expected two buy logs, got %+v", res.Logs)
	}
	if !strings.Contains(buyLogs[0].Message, "Target sell: $61800.00") {
		t.Fatalf("expected target sell in buy log, got %q", buyLogs[0].Message)
	}
	entries, err := h.ledger.Entries(context.Background())
	if err != nil {
		t.Fatalf("ledger entries: %v", err)
	}
	if len(entries) != 2 || !entries[0].BuyPrice.Equal(dec("60000")) || !entries[1].BuyPrice.Equal(dec("3000")) {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}
	if len(res.FinalHoldings) != 2 {
		t.Fatalf("expected final holdings for both assets, got %+v", res.FinalHoldings)
	}
	if len(res.DipSignals) != 2 {
		t.Fatalf("expected two dip signals, got %+v", res.DipSignals)
	}
}

func TestScenarioScoresBelowThreshold(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 50, ETHDipScore: 40, Recommendation: "Buy BTC 60%, ETH 40%"}, nil)

	res := runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideBuy)) != 0 {
		t.Fatalf("expected no buys below threshold")
	}
	if len(res.DipSignals) != 0 {
		t.Fatalf("expected no dip signals, got %+v", res.DipSignals)
	}
	if len(logsOfKind(res, KindAI)) != 1 {
		t.Fatalf("expected ai log, got %+v", res.Logs)
	}
}

func TestScenarioAtCapacity(t *testing.T) {
	b := newTestBroker("5000", "50000", "3000")
	b.SetPosition(asset.BTC, dec("0.04"), dec("50000"))
	h := newHarness(t, b, classifier.Result{BTCDipScore: 95, ETHDipScore: 95, Recommendation: "Buy BTC 50%, ETH 50%"}, nil)

	res := runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideBuy)) != 0 {
		t.Fatalf("expected no buys at capacity")
	}
	found := false
	for _, l := range logsOfKind(res, KindInfo) {
		if strings.Contains(l.Message, "Insufficient capacity") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected insufficient capacity log, got %+v", res.Logs)
	}
}

func TestScenarioClassifierFailureKeepsSells(t *testing.T) {
	b := newTestBroker("0", "51650", "3000")
	b.SetPosition(asset.BTC, dec("1"), dec("50000"))
	h := newHarness(t, b, classifier.Result{}, errors.New("model timeout"))
	_ = h.ledger.RecordBuy(context.Background(), asset.BTC, dec("50000"), "", time.Now().Add(-time.Hour))

	res := runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideBuy)) != 0 {
		t.Fatalf("expected no buys after classifier failure")
	}
	if len(logsOfKind(res, KindSell)) != 1 {
		t.Fatalf("expected sell log to survive classifier failure, got %+v", res.Logs)
	}
	errs := logsOfKind(res, KindError)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "model timeout") {
		t.Fatalf("expected one error log with failure message, got %+v", errs)
	}
	if res.Aborted {
		t.Fatalf("classifier failure must not abort the cycle")
	}
}

func TestScenarioBuyWithoutPercentage(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, Recommendation: "Buy BTC"}, nil)

	runCycle(t, h.engine)

	buys := b.ordersFor(broker.SideBuy)
	if len(buys) != 1 || buys[0].Asset != asset.BTC || !buys[0].Quantity.Equal(dec("0.03333333")) {
		t.Fatalf("expected full-allocation BTC buy, got %+v", buys)
	}
}

func TestCapitalCeilingWithOvercommittedFractions(t *testing.T) {
	b := newTestBroker("5000", "60000", "3000")
	b.SetPosition(asset.ETH, dec("0.2"), dec("3000"))
	h := newHarness(t, b, classifier.Result{BTCDipScore: 90, ETHDipScore: 90, Recommendation: "buy btc and eth"}, nil)

	runCycle(t, h.engine)

	investable := dec("2000").Sub(dec("600"))
	spent := decimal.Zero
	prices := map[asset.Asset]decimal.Decimal{asset.BTC: dec("60000"), asset.ETH: dec("3000")}
	for _, o := range b.ordersFor(broker.SideBuy) {
		spent = spent.Add(o.Quantity.Mul(prices[o.Asset]))
	}
	if spent.GreaterThan(investable) {
		t.Fatalf("spent %s above investable %s", spent, investable)
	}
	if len(b.ordersFor(broker.SideBuy)) != 1 {
		t.Fatalf("expected second allocation to be capped out, got %+v", b.ordersFor(broker.SideBuy))
	}
}

func TestNoSellAtExactTarget(t *testing.T) {
	b := newTestBroker("0", "51500", "3000")
	b.SetPosition(asset.BTC, dec("1"), dec("50000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)
	_ = h.ledger.RecordBuy(context.Background(), asset.BTC, dec("50000"), "", time.Now())

	runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideSell)) != 0 {
		t.Fatalf("expected no sell at exactly the target")
	}
}

func TestNoSellWithoutLedgerEntry(t *testing.T) {
	b := newTestBroker("0", "99999", "3000")
	b.SetPosition(asset.BTC, dec("1"), dec("50000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)

	runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideSell)) != 0 {
		t.Fatalf("expected no sell without a recorded buy price")
	}
}

func TestOrderFailureIsIsolatedPerAsset(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	b.failOrders[asset.BTC] = broker.ErrInsufficientFunds
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 60%, ETH 40%"}, nil)

	res := runCycle(t, h.engine)

	errs := logsOfKind(res, KindError)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "Error buying BTC") {
		t.Fatalf("expected BTC error log, got %+v", errs)
	}
	buys := logsOfKind(res, KindBuy)
	if len(buys) != 1 || !strings.Contains(buys[0].Message, "ETH") {
		t.Fatalf("expected ETH buy despite BTC failure, got %+v", buys)
	}
	entries, _ := h.ledger.Entries(context.Background())
	if len(entries) != 1 || entries[0].Asset != asset.ETH {
		t.Fatalf("expected only ETH in ledger, got %+v", entries)
	}
}

func TestSellFailureIsIsolatedPerAsset(t *testing.T) {
	b := newTestBroker("0", "60000", "3500")
	b.SetPosition(asset.BTC, dec("1"), dec("50000"))
	b.SetPosition(asset.ETH, dec("1"), dec("3000"))
	b.failOrders[asset.BTC] = errors.New("rejected")
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)
	ctx := context.Background()
	_ = h.ledger.RecordBuy(ctx, asset.BTC, dec("50000"), "", time.Now())
	_ = h.ledger.RecordBuy(ctx, asset.ETH, dec("3000"), "", time.Now())

	res := runCycle(t, h.engine)

	if len(logsOfKind(res, KindError)) != 1 || len(logsOfKind(res, KindSell)) != 1 {
		t.Fatalf("expected one failed and one successful sell, got %+v", res.Logs)
	}
}

func TestSnapshotFailureReturnsLastKnownHoldings(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	b.SetPosition(asset.ETH, dec("0.5"), dec("3000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)

	first := runCycle(t, h.engine)
	b.mu.Lock()
	b.failHoldings = true
	b.mu.Unlock()
	second := runCycle(t, h.engine)

	if !second.Aborted {
		t.Fatalf("expected aborted cycle")
	}
	if h.class.calls != 1 {
		t.Fatalf("expected classifier not to run on aborted cycle, got %d calls", h.class.calls)
	}
	if len(second.FinalHoldings) != 1 || !second.FinalHoldings[0].TotalQuantity.Equal(first.FinalHoldings[0].TotalQuantity) {
		t.Fatalf("expected last known holdings, got %+v", second.FinalHoldings)
	}
	if len(logsOfKind(second, KindError)) != 1 {
		t.Fatalf("expected one error log, got %+v", second.Logs)
	}
}

func TestSnapshotFailureAfterRestartUsesPersistedHoldings(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	b.SetPosition(asset.BTC, dec("0.01"), dec("60000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)
	runCycle(t, h.engine)

	restarted := New(defaultParams(), Deps{
		Reader:     market.NewReader(&testBroker{Broker: b.Broker, failHoldings: true}, nil, nil),
		Classifier: h.class,
		Executor:   exec.New(b, nil, nil, nil),
		Ledger:     h.ledger,
		Store:      h.store,
	})
	if err := restarted.RestoreHoldings(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	res := runCycle(t, restarted)
	if len(res.FinalHoldings) != 1 || res.FinalHoldings[0].Asset != asset.BTC {
		t.Fatalf("expected persisted holdings, got %+v", res.FinalHoldings)
	}
}

func TestHoldingsRefreshFailureDoesNotAbort(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	b.failAfterOrder = true
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 50%, ETH 50%"}, nil)

	res := runCycle(t, h.engine)

	if len(b.ordersFor(broker.SideBuy)) != 2 {
		t.Fatalf("expected both buys despite refresh failures")
	}
	if len(logsOfKind(res, KindBuy)) != 2 {
		t.Fatalf("expected two buy logs, got %+v", res.Logs)
	}
	if res.Logs[len(res.Logs)-1].Message != "Cycle finished." {
		t.Fatalf("expected cycle to finish, got %+v", res.Logs)
	}
}

type unfilledExecutor struct{}

func (unfilledExecutor) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	return broker.OrderConfirmation{OrderID: "ord-open", Asset: req.Asset, Side: req.Side, Quantity: req.Quantity, State: "open"}, nil
}

func TestUnfilledBuyIsNotLedgered(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, Recommendation: "Buy BTC 50%, ETH 50%"}, nil)
	h.engine.exec = unfilledExecutor{}

	res := runCycle(t, h.engine)

	entries, _ := h.ledger.Entries(context.Background())
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %+v", entries)
	}
	errs := logsOfKind(res, KindError)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "not confirmed filled") {
		t.Fatalf("expected unfilled error log, got %+v", errs)
	}
}

func TestConcurrentCycleIsRejected(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	b.block = make(chan struct{})
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, Recommendation: "Buy BTC"}, nil)

	done := make(chan CycleResult)
	go func() {
		res, _ := h.engine.RunCycle(context.Background())
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.engine.Status().Busy {
		if time.Now().After(deadline) {
			t.Fatalf("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	close(b.block)
	<-done

	if b.maxInFlight > 1 {
		t.Fatalf("expected at most one order in flight, got %d", b.maxInFlight)
	}
	if len(b.ordersFor(broker.SideBuy)) != 1 {
		t.Fatalf("expected a single buy, got %+v", b.ordersFor(broker.SideBuy))
	}
	if h.engine.Status().Busy {
		t.Fatalf("expected engine idle after cycle")
	}
}

type fakeLocker struct {
	err      error
	released int
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	return func() { f.released++ }, nil
}

func TestLockerGuardsCycle(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)

	locker := &fakeLocker{err: lock.ErrLockHeld}
	h.engine.locker = locker
	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress for held lock, got %v", err)
	}

	locker.err = errors.New("dial tcp: connection refused")
	if _, err := h.engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected rejection when redis is unreachable, got %v", err)
	}
	if h.class.calls != 0 {
		t.Fatalf("expected no cycle work while lock unavailable")
	}

	locker.err = nil
	runCycle(t, h.engine)
	if locker.released != 1 {
		t.Fatalf("expected lock released once, got %d", locker.released)
	}
}

func TestInterruptedBetweenPhases(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, Recommendation: "Buy BTC"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.class.hook = cancel

	res, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !res.Aborted {
		t.Fatalf("expected interrupted cycle")
	}
	if len(b.ordersFor(broker.SideBuy)) != 0 {
		t.Fatalf("expected no buys after interruption")
	}
	last := res.Logs[len(res.Logs)-1]
	if last.Kind != KindError || !strings.Contains(last.Message, "interrupted") {
		t.Fatalf("expected interruption log, got %+v", last)
	}
}

func TestSignalsRetainedAndObserved(t *testing.T) {
	b := newTestBroker("0", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 75, ETHDipScore: 71, Recommendation: "Hold"}, nil)
	var observed []CycleResult
	h.engine.AddObserver(ObserverFunc(func(r CycleResult) { observed = append(observed, r) }))

	runCycle(t, h.engine)
	res := runCycle(t, h.engine)

	if len(observed) != 2 || observed[1].ID != res.ID {
		t.Fatalf("expected observer per cycle, got %d", len(observed))
	}
	if got := h.engine.RecentSignals(); len(got) != 3 {
		t.Fatalf("expected retention of 3 signals, got %d", len(got))
	}
	sig := res.DipSignals[0]
	if sig.Asset != asset.BTC || !sig.PriceAtDip.Equal(dec("60000")) || sig.Timestamp.IsZero() {
		t.Fatalf("unexpected signal %+v", sig)
	}
	last, ok := h.engine.LastResult()
	if !ok || last.ID != res.ID {
		t.Fatalf("expected last result to be tracked")
	}
}

func TestMissingQuoteSkipsSellAndBuy(t *testing.T) {
	b := newTestBroker("2000", "60000", "4000")
	b.SetPosition(asset.ETH, dec("1"), dec("3000"))
	b.hiddenQuotes[asset.ETH] = true
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 50%, ETH 50%"}, nil)
	if err := h.ledger.RecordBuy(context.Background(), asset.ETH, dec("3000"), "ord-0", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res := runCycle(t, h.engine)

	if sells := b.ordersFor(broker.SideSell); len(sells) != 0 {
		t.Fatalf("expected no sell without an ETH quote, got %+v", sells)
	}
	buys := b.ordersFor(broker.SideBuy)
	if len(buys) != 1 || buys[0].Asset != asset.BTC {
		t.Fatalf("expected only the quoted BTC buy, got %+v", buys)
	}
	if errs := logsOfKind(res, KindError); len(errs) != 0 {
		t.Fatalf("expected a quiet skip, got %+v", errs)
	}
}

type failingLedger struct {
	err error
}

func (f failingLedger) RecordBuy(ctx context.Context, a asset.Asset, price decimal.Decimal, orderID string, at time.Time) error {
	return f.err
}

func (failingLedger) MostRecentBuyPrice(ctx context.Context, a asset.Asset) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func TestLedgerWriteFailureDoesNotStopCycle(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 50%, ETH 50%"}, nil)
	h.engine.ledger = failingLedger{err: errors.New("disk full")}

	res := runCycle(t, h.engine)

	if buys := b.ordersFor(broker.SideBuy); len(buys) != 2 {
		t.Fatalf("expected both buys despite ledger failure, got %+v", buys)
	}
	if got := logsOfKind(res, KindBuy); len(got) != 2 {
		t.Fatalf("expected buy logs to be kept, got %+v", res.Logs)
	}
	errs := logsOfKind(res, KindError)
	if len(errs) != 2 || !strings.Contains(errs[0].Message, "Error writing to trading log: disk full") {
		t.Fatalf("expected ledger write errors, got %+v", errs)
	}
	if res.Aborted || res.Logs[len(res.Logs)-1].Message != "Cycle finished." {
		t.Fatalf("expected cycle to finish, got %+v", res.Logs)
	}
}

func TestBuyBelowMinimumTradeSizeIsSkipped(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, ETHDipScore: 80, Recommendation: "Buy BTC 99%, ETH 1%"}, nil)
	h.engine.params.MaxInvestmentUSD = dec("50")

	res := runCycle(t, h.engine)

	buys := b.ordersFor(broker.SideBuy)
	if len(buys) != 1 || buys[0].Asset != asset.BTC || !buys[0].Quantity.Equal(dec("0.000825")) {
		t.Fatalf("expected only the $49.50 BTC buy, got %+v", buys)
	}
	if errs := logsOfKind(res, KindError); len(errs) != 0 {
		t.Fatalf("expected the $0.50 ETH buy to be skipped quietly, got %+v", errs)
	}
}

func TestDustPositionIsNotSold(t *testing.T) {
	b := newTestBroker("0", "60000", "3000")
	b.SetPosition(asset.BTC, dec("0.000000004"), dec("50000"))
	h := newHarness(t, b, classifier.Result{Recommendation: "Hold"}, nil)
	if err := h.ledger.RecordBuy(context.Background(), asset.BTC, dec("50000"), "ord-0", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res := runCycle(t, h.engine)

	if sells := b.ordersFor(broker.SideSell); len(sells) != 0 {
		t.Fatalf("expected no sell for a dust position, got %+v", sells)
	}
	if errs := logsOfKind(res, KindError); len(errs) != 0 {
		t.Fatalf("expected no error logs, got %+v", errs)
	}
}

// resubmittingExecutor sends every order twice, the way a caller retrying
// after a lost response would.
type resubmittingExecutor struct {
	*exec.Executor
}

func (r resubmittingExecutor) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	if _, err := r.Executor.PlaceMarketOrder(ctx, req); err != nil {
		return broker.OrderConfirmation{}, err
	}
	return r.Executor.PlaceMarketOrder(ctx, req)
}

func TestClientOrderIDsStopResubmits(t *testing.T) {
	b := newTestBroker("2000", "60000", "3000")
	h := newHarness(t, b, classifier.Result{BTCDipScore: 80, Recommendation: "Buy BTC 30%, BTC 20%"}, nil)
	h.engine.exec = resubmittingExecutor{Executor: exec.New(b, h.store, nil, zap.NewNop())}

	res := runCycle(t, h.engine)

	buys := b.ordersFor(broker.SideBuy)
	if len(buys) != 1 {
		t.Fatalf("expected one brokerage order for the merged BTC allocation, got %+v", buys)
	}
	if !buys[0].Quantity.Equal(dec("0.01666666")) {
		t.Fatalf("expected 50%% of capital in one order, got %s", buys[0].Quantity)
	}
	want := clientOrderID(res.ID, asset.BTC, broker.SideBuy)
	if buys[0].ClientOrderID != want {
		t.Fatalf("expected client order id %s, got %s", want, buys[0].ClientOrderID)
	}
	if clientOrderID(res.ID, asset.BTC, broker.SideSell) == want {
		t.Fatalf("expected side to change the client order id")
	}
	if _, ok, _ := h.store.Get(context.Background(), "cloid:"+want); ok {
		t.Fatalf("expected recorded confirmation to be dropped after the cycle")
	}
}
