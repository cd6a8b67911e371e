package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"dip-bot/internal/app"
	"dip-bot/internal/config"
	"dip-bot/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:   "dip-bot",
	Short: "Periodic BTC/ETH dip-buying trading agent",
	Long: `dip-bot wakes on a fixed interval, sells holdings that reached their profit
target, asks a dip classifier how far BTC and ETH are below trend and buys the
dips within a fixed capital ceiling.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler, API and operator until interrupted",
	RunE:  runBot,
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single trading cycle and print the result as JSON",
	RunE:  runCycle,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print the trading log",
	RunE:  printLedger,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "optional .env file")
	rootCmd.AddCommand(runCmd, cycleCmd, ledgerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", configPath), zap.String("broker", cfg.Broker.Mode), zap.String("classifier", cfg.Classifier.Mode))
	return cfg, log, nil
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	log.Info("app initialized")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	return nil
}

func runCycle(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer application.Close()
	result, err := application.RunOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func printLedger(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	l, closeLedger, err := app.OpenLedger(cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()
	entries, err := l.Entries(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tASSET\tBUY PRICE\tORDER ID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.RecordedAt.UTC().Format(time.RFC3339), e.Asset, e.BuyPrice.StringFixed(2), e.OrderID)
	}
	return w.Flush()
}
