package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment.
// Missing files are ignored and variables that are already set win.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// applyEnvOverrides lets secrets and deploy-specific knobs come from DIPBOT_*
// variables instead of the yaml file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Log.Level, "DIPBOT_LOG_LEVEL")
	setStr(&cfg.Log.Format, "DIPBOT_LOG_FORMAT")

	setFloat64(&cfg.Trading.MaxInvestmentUSD, "DIPBOT_MAX_INVESTMENT_USD")
	setFloat64(&cfg.Trading.ProfitTargetPercentage, "DIPBOT_PROFIT_TARGET_PERCENTAGE")
	setFloat64Ptr(&cfg.Trading.DipScoreThreshold, "DIPBOT_DIP_SCORE_THRESHOLD")
	setDuration(&cfg.Trading.CycleInterval, "DIPBOT_CYCLE_INTERVAL")

	setStr(&cfg.Broker.Mode, "DIPBOT_BROKER_MODE")
	setStr(&cfg.Broker.BaseURL, "DIPBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "DIPBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.PrivateKey, "DIPBOT_BROKER_PRIVATE_KEY")

	setStr(&cfg.Classifier.Mode, "DIPBOT_CLASSIFIER_MODE")
	setStr(&cfg.Classifier.URL, "DIPBOT_CLASSIFIER_URL")
	setStr(&cfg.Classifier.APIKey, "DIPBOT_CLASSIFIER_API_KEY")

	setStr(&cfg.Ledger.Backend, "DIPBOT_LEDGER_BACKEND")
	setStr(&cfg.Ledger.Path, "DIPBOT_LEDGER_PATH")
	setStr(&cfg.State.SQLitePath, "DIPBOT_STATE_SQLITE_PATH")

	setBool(&cfg.Lock.Enabled, "DIPBOT_LOCK_ENABLED")
	setStr(&cfg.Lock.RedisAddr, "DIPBOT_REDIS_ADDR")
	setStr(&cfg.Lock.RedisPassword, "DIPBOT_REDIS_PASSWORD")
	setInt(&cfg.Lock.RedisDB, "DIPBOT_REDIS_DB")

	setStr(&cfg.Timescale.DSN, "DIPBOT_TIMESCALE_DSN")

	setStr(&cfg.Archive.Endpoint, "DIPBOT_S3_ENDPOINT")
	setStr(&cfg.Archive.Bucket, "DIPBOT_S3_BUCKET")
	setStr(&cfg.Archive.AccessKey, "DIPBOT_S3_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "DIPBOT_S3_SECRET_KEY")

	setStr(&cfg.Telegram.Token, "DIPBOT_TELEGRAM_TOKEN")
	setStr(&cfg.Telegram.ChatID, "DIPBOT_TELEGRAM_CHAT_ID")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setFloat64Ptr(dst **float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = &f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
