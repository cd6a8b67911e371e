package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BrokerModePaper     = "paper"
	BrokerModeRobinhood = "robinhood"

	ClassifierModeHTTP      = "http"
	ClassifierModeHeuristic = "heuristic"

	LedgerBackendFile   = "file"
	LedgerBackendSQLite = "sqlite"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	Trading    TradingConfig    `yaml:"trading"`
	Broker     BrokerConfig     `yaml:"broker"`
	Paper      PaperConfig      `yaml:"paper"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	State      StateConfig      `yaml:"state"`
	Lock       LockConfig       `yaml:"lock"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
}

// TradingConfig carries the externally configurable cycle constants.
type TradingConfig struct {
	MaxInvestmentUSD       float64       `yaml:"max_investment_usd"`
	ProfitTargetPercentage float64       `yaml:"profit_target_percentage"`
	DipScoreThreshold      *float64      `yaml:"dip_score_threshold"`
	CycleInterval          time.Duration `yaml:"cycle_interval"`
	MinInvestableUSD       *float64      `yaml:"min_investable_usd"`
	MinTradeUSD            *float64      `yaml:"min_trade_usd"`
	DipSignalRetention     int           `yaml:"dip_signal_retention"`
	HistoryWindow          int           `yaml:"history_window"`
	RunOnStart             *bool         `yaml:"run_on_start"`
}

// Unset thresholds read as zero; applyDefaults fills them, so an explicit 0
// in the file is kept.
func (t TradingConfig) DipScoreThresholdValue() float64 { return floatValue(t.DipScoreThreshold) }

func (t TradingConfig) MinInvestableUSDValue() float64 { return floatValue(t.MinInvestableUSD) }

func (t TradingConfig) MinTradeUSDValue() float64 { return floatValue(t.MinTradeUSD) }

func floatValue(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func floatPtr(v float64) *float64 {
	return &v
}

func (t TradingConfig) RunOnStartValue() bool {
	if t.RunOnStart == nil {
		return true
	}
	return *t.RunOnStart
}

type BrokerConfig struct {
	Mode             string        `yaml:"mode"`
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	APIKey           string        `yaml:"-"`
	PrivateKey       string        `yaml:"-"`
}

type PaperConfig struct {
	StartingCashUSD float64 `yaml:"starting_cash_usd"`
	BTCPrice        float64 `yaml:"btc_price"`
	ETHPrice        float64 `yaml:"eth_price"`
	Volatility      float64 `yaml:"volatility"`
}

type ClassifierConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	APIKey  string        `yaml:"-"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LockConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Key           string        `yaml:"key"`
	TTL           time.Duration `yaml:"ttl"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	AccessKey      string `yaml:"-"`
	SecretKey      string `yaml:"-"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Trading.MaxInvestmentUSD == 0 {
		cfg.Trading.MaxInvestmentUSD = 2000
	}
	if cfg.Trading.ProfitTargetPercentage == 0 {
		cfg.Trading.ProfitTargetPercentage = 0.03
	}
	if cfg.Trading.DipScoreThreshold == nil {
		cfg.Trading.DipScoreThreshold = floatPtr(70)
	}
	if cfg.Trading.CycleInterval == 0 {
		cfg.Trading.CycleInterval = 5 * time.Minute
	}
	if cfg.Trading.MinInvestableUSD == nil {
		cfg.Trading.MinInvestableUSD = floatPtr(10)
	}
	if cfg.Trading.MinTradeUSD == nil {
		cfg.Trading.MinTradeUSD = floatPtr(1)
	}
	if cfg.Trading.DipSignalRetention == 0 {
		cfg.Trading.DipSignalRetention = 50
	}
	if cfg.Trading.HistoryWindow == 0 {
		cfg.Trading.HistoryWindow = 7 * 24
	}
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = BrokerModePaper
	}
	if cfg.Broker.BaseURL == "" {
		cfg.Broker.BaseURL = "https://trading.robinhood.com"
	}
	if cfg.Broker.Timeout == 0 {
		cfg.Broker.Timeout = 10 * time.Second
	}
	if cfg.Broker.FillTimeout == 0 {
		cfg.Broker.FillTimeout = 15 * time.Second
	}
	if cfg.Broker.FillPollInterval == 0 {
		cfg.Broker.FillPollInterval = 500 * time.Millisecond
	}
	if cfg.Paper.StartingCashUSD == 0 {
		cfg.Paper.StartingCashUSD = cfg.Trading.MaxInvestmentUSD
	}
	if cfg.Paper.BTCPrice == 0 {
		cfg.Paper.BTCPrice = 60000
	}
	if cfg.Paper.ETHPrice == 0 {
		cfg.Paper.ETHPrice = 3000
	}
	if cfg.Paper.Volatility == 0 {
		cfg.Paper.Volatility = 0.02
	}
	if cfg.Classifier.Mode == "" {
		cfg.Classifier.Mode = ClassifierModeHeuristic
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 30 * time.Second
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerBackendFile
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "data/trading_log.csv"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dip-bot.db"
	}
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "dip-bot:cycle"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 2 * time.Minute
	}
	if cfg.API.Address == "" {
		cfg.API.Address = "127.0.0.1:8080"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "cycles"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	t := cfg.Trading
	if t.MaxInvestmentUSD <= 0 {
		return errors.New("trading.max_investment_usd must be > 0")
	}
	if t.ProfitTargetPercentage <= 0 {
		return errors.New("trading.profit_target_percentage must be > 0")
	}
	if t.DipScoreThresholdValue() < 0 || t.DipScoreThresholdValue() > 100 {
		return errors.New("trading.dip_score_threshold must be within [0,100]")
	}
	if t.CycleInterval <= 0 {
		return errors.New("trading.cycle_interval must be > 0")
	}
	if t.MinInvestableUSDValue() < 0 || t.MinTradeUSDValue() < 0 {
		return errors.New("trading minimums must be >= 0")
	}
	if t.DipSignalRetention < 0 || t.HistoryWindow < 0 {
		return errors.New("trading retention settings must be >= 0")
	}
	switch cfg.Broker.Mode {
	case BrokerModePaper, BrokerModeRobinhood:
	default:
		return fmt.Errorf("unknown broker.mode %q", cfg.Broker.Mode)
	}
	if cfg.Broker.Timeout < 0 || cfg.Broker.FillTimeout < 0 || cfg.Broker.FillPollInterval < 0 {
		return errors.New("broker timeouts must be >= 0")
	}
	if cfg.Paper.StartingCashUSD < 0 || cfg.Paper.BTCPrice < 0 || cfg.Paper.ETHPrice < 0 {
		return errors.New("paper settings must be >= 0")
	}
	switch cfg.Classifier.Mode {
	case ClassifierModeHeuristic:
	case ClassifierModeHTTP:
		if strings.TrimSpace(cfg.Classifier.URL) == "" {
			return errors.New("classifier.url is required for http mode")
		}
	default:
		return fmt.Errorf("unknown classifier.mode %q", cfg.Classifier.Mode)
	}
	switch cfg.Ledger.Backend {
	case LedgerBackendFile, LedgerBackendSQLite:
	default:
		return fmt.Errorf("unknown ledger.backend %q", cfg.Ledger.Backend)
	}
	if cfg.Lock.Enabled && strings.TrimSpace(cfg.Lock.RedisAddr) == "" {
		return errors.New("lock.redis_addr is required when lock is enabled")
	}
	if cfg.Lock.TTL < 0 {
		return errors.New("lock.ttl must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Archive.Enabled {
		if strings.TrimSpace(cfg.Archive.Bucket) == "" || strings.TrimSpace(cfg.Archive.Region) == "" {
			return errors.New("archive.bucket and archive.region are required when archive is enabled")
		}
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
		}
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}
