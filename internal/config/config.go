package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Venues    VenuesConfig    `yaml:"venues"`
	Market    MarketConfig    `yaml:"market"`
	Predict   PredictConfig   `yaml:"predict"`
	Guards    GuardsConfig    `yaml:"guards"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type VenuesConfig struct {
	Left        VenueConfig   `yaml:"left"`
	Right       VenueConfig   `yaml:"right"`
	Timeout     time.Duration `yaml:"timeout"`
	WSPingEvery time.Duration `yaml:"ws_ping_every"`
}

type VenueConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
}

type MarketConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	TickerFetchRate  float64       `yaml:"ticker_fetch_rate"`
	TickerFetchBurst int           `yaml:"ticker_fetch_burst"`
}

type PredictConfig struct {
	LookbackHours   int           `yaml:"lookback_hours"`
	HalfLifeHours   float64       `yaml:"half_life_hours"`
	VolatilityHours int           `yaml:"volatility_hours"`
	SampleCount     int           `yaml:"sample_count"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	VolumeThreshold float64       `yaml:"volume_threshold"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type GuardsConfig struct {
	AutoCloseInterval       time.Duration `yaml:"auto_close_interval"`
	FundingInterval         time.Duration `yaml:"funding_interval"`
	FundingWindow           time.Duration `yaml:"funding_window"`
	LiquidationInterval     time.Duration `yaml:"liquidation_interval"`
	LiquidationThresholdPct float64       `yaml:"liquidation_threshold_pct"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
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

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
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
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/arb-trader.db"
	}
	if cfg.Venues.Timeout == 0 {
		cfg.Venues.Timeout = 10 * time.Second
	}
	if cfg.Venues.WSPingEvery == 0 {
		cfg.Venues.WSPingEvery = 20 * time.Second
	}
	if cfg.Market.CacheTTL == 0 {
		cfg.Market.CacheTTL = 10 * time.Minute
	}
	if cfg.Market.TickerFetchRate == 0 {
		cfg.Market.TickerFetchRate = 8
	}
	if cfg.Market.TickerFetchBurst == 0 {
		cfg.Market.TickerFetchBurst = 8
	}
	if cfg.Predict.LookbackHours == 0 {
		cfg.Predict.LookbackHours = 72
	}
	if cfg.Predict.HalfLifeHours == 0 {
		cfg.Predict.HalfLifeHours = 16
	}
	if cfg.Predict.VolatilityHours == 0 {
		cfg.Predict.VolatilityHours = 24
	}
	if cfg.Predict.SampleCount == 0 {
		cfg.Predict.SampleCount = 3
	}
	if cfg.Predict.SampleInterval == 0 {
		cfg.Predict.SampleInterval = time.Second
	}
	if cfg.Predict.CacheTTL == 0 {
		cfg.Predict.CacheTTL = 10 * time.Minute
	}
	if cfg.Guards.AutoCloseInterval == 0 {
		cfg.Guards.AutoCloseInterval = 2 * time.Second
	}
	if cfg.Guards.FundingInterval == 0 {
		cfg.Guards.FundingInterval = 15 * time.Second
	}
	if cfg.Guards.FundingWindow == 0 {
		cfg.Guards.FundingWindow = 5 * time.Minute
	}
	if cfg.Guards.LiquidationInterval == 0 {
		cfg.Guards.LiquidationInterval = time.Minute
	}
	if cfg.Guards.LiquidationThresholdPct == 0 {
		cfg.Guards.LiquidationThresholdPct = 50
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Venues.Left.Name == "" {
		return errors.New("venues.left.name is required")
	}
	if cfg.Venues.Right.Name == "" {
		return errors.New("venues.right.name is required")
	}
	if cfg.Venues.Left.Name == cfg.Venues.Right.Name {
		return errors.New("venues.left and venues.right must differ")
	}
	if cfg.Guards.LiquidationThresholdPct < 0 || cfg.Guards.LiquidationThresholdPct > 100 {
		return errors.New("guards.liquidation_threshold_pct must be within [0, 100]")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
