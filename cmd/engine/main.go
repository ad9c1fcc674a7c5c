// Command engine is the trading core's process entry point: it loads
// configuration, opens the durable store, builds one Auto-Trader and one
// Position Monitor per configured user, and serves the prometheus metrics
// endpoint until told to shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	osignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/alert"
	"github.com/poorman/tradecore/internal/broker"
	"github.com/poorman/tradecore/internal/config"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/logging"
	"github.com/poorman/tradecore/internal/marketdata"
	"github.com/poorman/tradecore/internal/monitor"
	"github.com/poorman/tradecore/internal/signal"
	"github.com/poorman/tradecore/internal/store"
	"github.com/poorman/tradecore/internal/telemetry"
	"github.com/poorman/tradecore/internal/trader"
)

// userProcesses bundles the two long-running loops driving one user's
// account, so shutdown can stop both in the right order.
type userProcesses struct {
	trader  *trader.Trader
	monitor *monitor.Monitor
	stream  *marketdata.PriceStreamer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.LogLevel)
	log.Info().Msg("starting tradecore engine")

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.UseRedisMirror {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	mirror := store.NewRedisMirror(redisClient, logging.Component(log, "redis_mirror"))
	log.Info().Bool("available", mirror.Available()).Msg("redis mirror initialized")

	users, err := loadUsers()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load user roster")
	}

	candles := marketdata.NewBinanceCandles()
	alertSink := alert.NewLogSink(logging.Component(log, "alert"))

	processes := make([]userProcesses, 0, len(users))
	for _, u := range users {
		b, err := brokerFor(u, cfg, log)
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID.String()).Msg("skipping user, broker construction failed")
			continue
		}

		settings, ok, err := db.LoadSettings(u.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID.String()).Msg("skipping user, settings load failed")
			continue
		}
		if !ok {
			settings = domain.DefaultTradingSettings(u.Mode)
			if err := db.SaveSettings(u.ID, settings); err != nil {
				log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("failed to persist default settings")
			}
		}

		priceCache := store.NewPriceCache(time.Duration(cfg.PriceCacheTTLSeconds) * time.Second)

		mon := monitor.New(monitor.Deps{
			UserID: u.ID, Broker: b, Store: db, Prices: priceCache, Candles: candles,
			Alert: alertSink, Settings: settings, Config: cfg, Log: logging.Component(log, "monitor"),
		})

		open, err := db.LoadOpenPositions(u.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID.String()).Msg("skipping user, position load failed")
			continue
		}
		if err := mon.Bootstrap(context.Background(), open); err != nil {
			log.Error().Err(err).Str("user_id", u.ID.String()).Msg("reconciliation failed, starting with last known state")
			mon.Seed(open)
		}

		reader := signal.NewReader(db, cfg.SignalSourcesWhitelist, time.Duration(cfg.SignalFreshnessHours)*time.Hour)

		tr := trader.New(trader.Deps{
			UserID: u.ID, Broker: b, Store: db, Signals: reader, Candles: candles,
			Limiter: trader.NewRateLimiter(), Notifier: mon, Settings: settings, Config: cfg,
			Log: logging.Component(log, "trader"), Alert: alertSink, Hedging: u.HedgingEnabled,
		})

		var stream *marketdata.PriceStreamer
		if symbols := openSymbols(open); len(symbols) > 0 {
			stream = marketdata.NewPriceStreamer(symbols, priceCache, logging.Component(log, "price_stream"))
			go stream.Run()
		}

		mon.Run()
		go tr.Run()
		processes = append(processes, userProcesses{trader: tr, monitor: mon, stream: stream})
		log.Info().Str("user_id", u.ID.String()).Str("exchange", u.Exchange).Str("mode", string(u.Mode)).Msg("user engine started")
	}

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	waitForShutdown(log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	for _, p := range processes {
		p.trader.Stop()
		p.monitor.Stop()
		if p.stream != nil {
			p.stream.Stop()
		}
	}
	log.Info().Msg("tradecore engine stopped")
}

// openSymbols collects the distinct symbols a user currently holds, the
// seed set for that user's live price stream. Newly opened positions in
// symbols outside this set still get priced by the Position Monitor's
// REST fallback until the next restart picks them up.
func openSymbols(positions []*domain.Position) []string {
	seen := make(map[string]bool, len(positions))
	var out []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}

func waitForShutdown(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received, stopping all users")
}

// brokerFor selects the concrete venue adapter for a user's exchange
// choice. Credentials are resolved from environment variables keyed by the
// user's opaque APICredentialsRef, never stored in the domain.User itself.
func brokerFor(u domain.User, cfg config.Settings, log zerolog.Logger) (broker.Broker, error) {
	key := os.Getenv(u.APICredentialsRef + "_KEY")
	secret := os.Getenv(u.APICredentialsRef + "_SECRET")

	switch u.Exchange {
	case "binance":
		return broker.NewBinanceBroker(key, secret, u.Mode, logging.Component(log, "broker.binance")), nil
	case "bybit":
		return broker.NewBybitBroker(key, secret, u.Mode, logging.Component(log, "broker.bybit")), nil
	case "hyperliquid":
		if u.Mode == domain.ModeSpot {
			return nil, fmt.Errorf("hyperliquid supports perpetual futures only, not %s mode", u.Mode)
		}
		return broker.NewHyperliquidBroker(key, secret, logging.Component(log, "broker.hyperliquid")), nil
	case "sim", "":
		return broker.NewSimBroker(u.Mode, decimal.NewFromInt(100000)), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", u.Exchange)
	}
}

// loadUsers reads the user roster. A real deployment backs this with its
// own account-management service; the engine core only needs the handful
// of fields trading depends on.
func loadUsers() ([]domain.User, error) {
	id := os.Getenv("TRADECORE_SOLO_USER_ID")
	if id == "" {
		return nil, nil
	}
	userID, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	mode := domain.TradingMode(os.Getenv("TRADECORE_SOLO_MODE"))
	if mode == "" {
		mode = domain.ModeFutures
	}
	exchange := os.Getenv("TRADECORE_SOLO_EXCHANGE")
	return []domain.User{{
		ID: userID, Exchange: exchange, Mode: mode,
		APICredentialsRef: "TRADECORE_SOLO",
		Settings:          domain.DefaultTradingSettings(mode),
	}}, nil
}
