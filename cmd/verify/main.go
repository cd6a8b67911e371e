package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"
	"dip-bot/internal/broker/robinhood"
	"dip-bot/internal/config"
	"dip-bot/internal/exec"
	"dip-bot/internal/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultVerifyNotional = 5.0
	defaultBaseURL        = "https://trading.robinhood.com"
	defaultTimeout        = 10 * time.Second
	defaultFillTimeout    = 15 * time.Second
	defaultVerifyEnvFile  = ".env"
)

// verify checks brokerage credentials end to end: account, holdings and
// quotes, then optionally a tiny market buy.
func main() {
	configPath := flag.String("config", "", "optional config path for broker settings")
	dryRun := flag.Bool("dry-run", true, "print the derived order and exit without placing it")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "info"}
	rhCfg := robinhood.Config{
		BaseURL:          defaultBaseURL,
		Timeout:          defaultTimeout,
		FillTimeout:      defaultFillTimeout,
		FillPollInterval: 500 * time.Millisecond,
		APIKey:           strings.TrimSpace(os.Getenv("DIPBOT_BROKER_API_KEY")),
		PrivateKey:       strings.TrimSpace(os.Getenv("DIPBOT_BROKER_PRIVATE_KEY")),
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		rhCfg = robinhood.Config{
			BaseURL:          cfg.Broker.BaseURL,
			APIKey:           cfg.Broker.APIKey,
			PrivateKey:       cfg.Broker.PrivateKey,
			Timeout:          cfg.Broker.Timeout,
			FillTimeout:      cfg.Broker.FillTimeout,
			FillPollInterval: cfg.Broker.FillPollInterval,
		}
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	target := asset.BTC
	if raw := strings.TrimSpace(os.Getenv("DIPBOT_VERIFY_ASSET")); raw != "" {
		parsed, err := asset.Parse(raw)
		if err != nil {
			fatal(err)
		}
		target = parsed
	}
	notional := defaultVerifyNotional
	if envVal, ok, err := floatEnv("DIPBOT_VERIFY_NOTIONAL"); err != nil {
		fatal(err)
	} else if ok {
		notional = envVal
	}
	if notional <= 0 {
		fatal(errors.New("DIPBOT_VERIFY_NOTIONAL must be > 0"))
	}

	client, err := robinhood.New(rhCfg, log)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()

	account, err := client.Account(ctx)
	if err != nil {
		fatal(fmt.Errorf("account: %w", err))
	}
	fmt.Printf("account: %+v\n", account)

	holdings, err := client.FetchHoldings(ctx)
	if err != nil {
		fatal(fmt.Errorf("holdings: %w", err))
	}
	for _, h := range holdings {
		fmt.Printf("holding: %s total=%s available=%s\n", h.Asset, h.TotalQuantity, h.AvailableQuantity)
	}

	quotes, err := client.FetchBestQuotes(ctx, asset.All)
	if err != nil {
		fatal(fmt.Errorf("quotes: %w", err))
	}
	for _, q := range quotes {
		fmt.Printf("quote: %s price=%s observed_at=%s\n", q.Asset, q.Price.StringFixed(2), q.ObservedAt.UTC().Format(time.RFC3339))
	}
	quote, ok := broker.FindQuote(quotes, target)
	if !ok {
		fatal(fmt.Errorf("no quote for %s", target))
	}

	qty := target.Truncate(decimal.NewFromFloat(notional).Div(quote.Price))
	if !qty.IsPositive() {
		fatal(errors.New("calculated quantity <= 0 after truncation"))
	}
	fmt.Printf("verify order: asset=%s side=buy quantity=%s notional=%s\n", target.Pair(), qty, qty.Mul(quote.Price).StringFixed(2))
	if *dryRun {
		return
	}

	executor := exec.New(client, nil, nil, log)
	conf, err := executor.PlaceMarketOrder(ctx, broker.OrderRequest{Asset: target, Side: broker.SideBuy, Quantity: qty})
	if err != nil {
		fatal(err)
	}
	log.Info("verify order placed",
		zap.String("order_id", conf.OrderID),
		zap.String("state", conf.State),
		zap.Bool("filled", conf.Filled),
		zap.String("avg_price", conf.AveragePrice.String()),
	)
}

func floatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return val, true, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
