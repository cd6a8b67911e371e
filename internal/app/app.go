package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dip-bot/internal/alerts"
	"dip-bot/internal/api"
	"dip-bot/internal/archive"
	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/broker/paper"
	"dip-bot/internal/broker/robinhood"
	"dip-bot/internal/classifier"
	"dip-bot/internal/config"
	"dip-bot/internal/engine"
	"dip-bot/internal/exec"
	"dip-bot/internal/ledger"
	"dip-bot/internal/lock"
	"dip-bot/internal/market"
	"dip-bot/internal/metrics"
	"dip-bot/internal/state"
	"dip-bot/internal/state/sqlite"
	"dip-bot/internal/timescale"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	ledger    *ledger.Ledger
	broker    broker.Broker
	history   *market.History
	engine    *engine.Engine
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	archive   *archive.Archiver
	locker    *lock.Redis
	api       *api.Server

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := openStore(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: store}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(path string) (*sqlite.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return sqlite.New(path)
}

// OpenLedger opens the configured trading log without any brokerage
// wiring. The returned closer releases the backing store, if any.
func OpenLedger(cfg *config.Config, log *zap.Logger) (*ledger.Ledger, func() error, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendSQLite:
		store, err := openStore(cfg.State.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return ledger.New(store, log), store.Close, nil
	default:
		return ledger.New(ledger.NewFileBackend(cfg.Ledger.Path, log), log), func() error { return nil }, nil
	}
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Ledger.Backend == config.LedgerBackendSQLite {
		a.ledger = ledger.New(a.store.(ledger.Backend), a.log)
	} else {
		a.ledger = ledger.New(ledger.NewFileBackend(cfg.Ledger.Path, a.log), a.log)
	}

	b, err := newBroker(cfg, a.log)
	if err != nil {
		return err
	}
	a.broker = b

	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		m = a.prom.Metrics
	}

	a.history = market.NewHistory(cfg.Trading.HistoryWindow)
	reader := market.NewReader(b, a.history, a.log)

	deps := engine.Deps{
		Reader:     reader,
		Classifier: classifier.NewAdapter(newScorer(cfg), a.history),
		Executor:   exec.New(b, a.store, m, a.log),
		Ledger:     a.ledger,
		Store:      a.store,
		LockKey:    cfg.Lock.Key,
		LockTTL:    cfg.Lock.TTL,
		Metrics:    m,
		Log:        a.log,
	}
	if cfg.Lock.Enabled {
		a.locker = lock.NewRedis(lock.Config{Addr: cfg.Lock.RedisAddr, Password: cfg.Lock.RedisPassword, DB: cfg.Lock.RedisDB})
		if err := a.locker.Ping(ctx); err != nil {
			a.log.Warn("redis lock unreachable, cycles will be rejected until it recovers", zap.Error(err))
		}
		deps.Locker = a.locker
	}
	a.engine = engine.New(engineParams(cfg.Trading), deps)

	if a.timescale, err = timescale.New(cfg.Timescale, a.log); err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	if a.timescale != nil {
		a.engine.AddObserver(a.timescale)
	}
	if a.archive, err = archive.New(ctx, cfg.Archive, a.log); err != nil {
		return err
	}
	if a.archive != nil {
		a.engine.AddObserver(a.archive)
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, a.log)
	if a.alerts.Enabled() {
		a.engine.AddObserver(alerts.NewCycleNotifier(a.alerts, a.log))
	}
	if cfg.API.Enabled {
		a.api = api.NewServer(api.Options{
			Engine: a.engine,
			Ledger: a.ledger,
			Pauser: a,
			Log:    a.log,
		})
		a.engine.AddObserver(a.api.Hub())
	}
	a.engine.AddObserver(engine.ObserverFunc(a.logCycle))
	return nil
}

func newBroker(cfg *config.Config, log *zap.Logger) (broker.Broker, error) {
	switch cfg.Broker.Mode {
	case config.BrokerModeRobinhood:
		client, err := robinhood.New(robinhood.Config{
			BaseURL:          cfg.Broker.BaseURL,
			APIKey:           cfg.Broker.APIKey,
			PrivateKey:       cfg.Broker.PrivateKey,
			Timeout:          cfg.Broker.Timeout,
			FillTimeout:      cfg.Broker.FillTimeout,
			FillPollInterval: cfg.Broker.FillPollInterval,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("robinhood: %w", err)
		}
		return client, nil
	default:
		log.Info("paper trading enabled", zap.Float64("starting_cash_usd", cfg.Paper.StartingCashUSD))
		return paper.New(paper.Config{
			StartingCash: decimal.NewFromFloat(cfg.Paper.StartingCashUSD),
			Prices: map[asset.Asset]decimal.Decimal{
				asset.BTC: decimal.NewFromFloat(cfg.Paper.BTCPrice),
				asset.ETH: decimal.NewFromFloat(cfg.Paper.ETHPrice),
			},
			Volatility: cfg.Paper.Volatility,
		}), nil
	}
}

func newScorer(cfg *config.Config) classifier.Scorer {
	if cfg.Classifier.Mode == config.ClassifierModeHTTP {
		return classifier.NewHTTPScorer(cfg.Classifier.URL, cfg.Classifier.APIKey, cfg.Classifier.Timeout)
	}
	return classifier.NewHeuristicScorer(cfg.Trading.DipScoreThresholdValue())
}

func engineParams(t config.TradingConfig) engine.Params {
	return engine.Params{
		MaxInvestmentUSD:       decimal.NewFromFloat(t.MaxInvestmentUSD),
		ProfitTargetPercentage: decimal.NewFromFloat(t.ProfitTargetPercentage),
		DipScoreThreshold:      t.DipScoreThresholdValue(),
		MinInvestableUSD:       decimal.NewFromFloat(t.MinInvestableUSDValue()),
		MinTradeUSD:            decimal.NewFromFloat(t.MinTradeUSDValue()),
		DipSignalRetention:     t.DipSignalRetention,
	}
}

func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// Run starts the scheduler and every enabled surface and blocks until ctx
// is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	if err := a.engine.RestoreHoldings(ctx); err != nil {
		a.log.Warn("failed to restore last holdings", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	a.timescale.Start(gctx)
	a.archive.Start(gctx)
	a.startOperator(gctx)

	if a.prom != nil {
		r := chi.NewRouter()
		r.Handle(a.cfg.Metrics.Path, a.prom.Handler())
		g.Go(func() error { return a.serve(gctx, "metrics", a.cfg.Metrics.Address, r) })
	}
	if a.api != nil {
		g.Go(func() error { return a.serve(gctx, "api", a.cfg.API.Address, a.api.Handler()) })
	}
	g.Go(func() error { return a.schedule(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs a single cycle outside the scheduler.
func (a *App) RunOnce(ctx context.Context) (engine.CycleResult, error) {
	if err := a.engine.RestoreHoldings(ctx); err != nil {
		a.log.Warn("failed to restore last holdings", zap.Error(err))
	}
	return a.engine.RunCycle(ctx)
}

func (a *App) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("server", name), zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (a *App) schedule(ctx context.Context) error {
	interval := a.cfg.Trading.CycleInterval
	a.log.Info("scheduler started", zap.Duration("interval", interval), zap.Bool("run_on_start", a.cfg.Trading.RunOnStartValue()))
	if a.cfg.Trading.RunOnStartValue() {
		a.scheduledCycle(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.scheduledCycle(ctx)
		}
	}
}

func (a *App) scheduledCycle(ctx context.Context) {
	if a.Paused() {
		a.log.Debug("scheduler paused, skipping cycle")
		return
	}
	if _, err := a.engine.RunCycle(ctx); err != nil {
		a.log.Info("scheduled cycle skipped", zap.Error(err))
	}
}

func (a *App) logCycle(result engine.CycleResult) {
	counts := make(map[engine.LogKind]int)
	for _, l := range result.Logs {
		counts[l.Kind]++
	}
	a.log.Info("cycle complete",
		zap.String("cycle_id", result.ID),
		zap.Bool("aborted", result.Aborted),
		zap.Int("buys", counts[engine.KindBuy]),
		zap.Int("sells", counts[engine.KindSell]),
		zap.Int("errors", counts[engine.KindError]),
		zap.Int("dip_signals", len(result.DipSignals)),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
}

func (a *App) Paused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) SetPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) Close() error {
	var errs []error
	if a.timescale != nil {
		errs = append(errs, a.timescale.Close())
		a.timescale = nil
	}
	if a.locker != nil {
		errs = append(errs, a.locker.Close())
		a.locker = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
