// Package config loads the per-process tunables of the trading engine from
// an optional YAML file layered under .env / environment variables, the
// same two-stage pattern the rest of the pack uses for configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PartialTPLevel is one rung of the partial take-profit ladder.
type PartialTPLevel struct {
	TargetPct float64 `yaml:"targetPct"`
	Fraction  float64 `yaml:"fraction"`
}

// Settings holds every per-process knob named in spec.md §6.
type Settings struct {
	CycleIntervalS         int              `yaml:"cycleIntervalS"`
	MonitorIntervalS       int              `yaml:"monitorIntervalS"`
	SignalSourcesWhitelist []string         `yaml:"signalSourcesWhitelist"`
	MinConfidence          float64          `yaml:"minConfidence"`
	HighVolConfidenceCap   float64          `yaml:"highVolConfidenceCap"`
	TrailingActivation     float64          `yaml:"trailingActivation"`
	TrailingDistance       float64          `yaml:"trailingDistance"`
	PartialTPLevels        []PartialTPLevel `yaml:"partialTpLevels"`
	PartialTPResidualFloor float64          `yaml:"partialTpResidualFloor"`
	MaxHoldHours           int              `yaml:"maxHoldHours"`
	LiquidationWarnPct     float64          `yaml:"liquidationWarnPct"`
	LiquidationClosePct    float64          `yaml:"liquidationClosePct"`
	CalendarGuardBeforeMin int              `yaml:"calendarGuardBeforeMin"`
	CalendarGuardAfterMin  int              `yaml:"calendarGuardAfterMin"`
	SignalFreshnessHours   int              `yaml:"signalFreshnessHours"`
	MaxTradesPerCycle      int              `yaml:"maxTradesPerCycle"`
	MaxTradesPerHour       int              `yaml:"maxTradesPerHour"`
	MaxTradesPerDay        int              `yaml:"maxTradesPerDay"`
	PriceCacheTTLSeconds   int              `yaml:"priceCacheTtlSeconds"`
	BrokerTimeoutSeconds   int              `yaml:"brokerTimeoutSeconds"`
	SignalStoreTimeoutSecs int              `yaml:"signalStoreTimeoutSeconds"`
	DatabasePath           string           `yaml:"databasePath"`
	RedisAddr              string           `yaml:"redisAddr"`
	UseRedisMirror         bool             `yaml:"useRedisMirror"`
	MetricsPort            int              `yaml:"metricsPort"`
	LogLevel               string           `yaml:"logLevel"`
}

// Default returns the spec-mandated defaults (spec.md §6).
func Default() Settings {
	return Settings{
		CycleIntervalS:         300,
		MonitorIntervalS:       5,
		SignalSourcesWhitelist: []string{"titan_v3", "COUNCIL_V2.0_FALLBACK"},
		MinConfidence:          0.35,
		HighVolConfidenceCap:   0.65,
		TrailingActivation:     0.005,
		TrailingDistance:       0.01,
		PartialTPLevels: []PartialTPLevel{
			{TargetPct: 0.01, Fraction: 0.25},
			{TargetPct: 0.02, Fraction: 0.50},
			{TargetPct: 0.03, Fraction: 0.75},
		},
		PartialTPResidualFloor: 0.10,
		MaxHoldHours:           12,
		LiquidationWarnPct:     15.0,
		LiquidationClosePct:    3.5,
		CalendarGuardBeforeMin: 30,
		CalendarGuardAfterMin:  60,
		SignalFreshnessHours:   6,
		MaxTradesPerCycle:      3,
		MaxTradesPerHour:       5,
		MaxTradesPerDay:        15,
		PriceCacheTTLSeconds:   5,
		BrokerTimeoutSeconds:   30,
		SignalStoreTimeoutSecs: 10,
		DatabasePath:           "tradecore.db",
		RedisAddr:              "",
		UseRedisMirror:         false,
		MetricsPort:            9090,
		LogLevel:               "info",
	}
}

// Load reads .env (if present), then a YAML file named by CONFIG_FILE (if
// set), layering environment overrides for the handful of settings that
// commonly differ per deployment. Anything not overridden keeps the
// package default.
func Load() (Settings, error) {
	_ = godotenv.Load()

	settings := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	settings.DatabasePath = getEnvOrDefault("TRADECORE_DB_PATH", settings.DatabasePath)
	settings.RedisAddr = getEnvOrDefault("TRADECORE_REDIS_ADDR", settings.RedisAddr)
	if settings.RedisAddr != "" {
		settings.UseRedisMirror = true
	}
	settings.LogLevel = getEnvOrDefault("TRADECORE_LOG_LEVEL", settings.LogLevel)
	settings.MetricsPort = getIntOrDefault("TRADECORE_METRICS_PORT", settings.MetricsPort)

	if err := validate(&settings); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return settings, nil
}

func validate(s *Settings) error {
	if s.CycleIntervalS <= 0 {
		return fmt.Errorf("cycleIntervalS must be positive")
	}
	if s.MonitorIntervalS <= 0 {
		return fmt.Errorf("monitorIntervalS must be positive")
	}
	if len(s.SignalSourcesWhitelist) == 0 {
		return fmt.Errorf("signalSourcesWhitelist must not be empty")
	}
	if s.MinConfidence <= 0 || s.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be in (0,1]")
	}
	if len(s.PartialTPLevels) != 3 {
		return fmt.Errorf("partialTpLevels must have exactly 3 rungs")
	}
	return nil
}

// CycleInterval and MonitorInterval convert the configured second counts to
// time.Duration for ticker construction.
func (s Settings) CycleInterval() time.Duration {
	return time.Duration(s.CycleIntervalS) * time.Second
}

func (s Settings) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalS) * time.Second
}

func (s Settings) BrokerTimeout() time.Duration {
	return time.Duration(s.BrokerTimeoutSeconds) * time.Second
}

func (s Settings) SignalStoreTimeout() time.Duration {
	return time.Duration(s.SignalStoreTimeoutSecs) * time.Second
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
