package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/database"
	"tradecore/src/dispatcher"
	"tradecore/src/exchange"
	"tradecore/src/executor"
	"tradecore/src/keymanager"
	"tradecore/src/marketdata"
	"tradecore/src/model"
	"tradecore/src/repository"
	"tradecore/src/server"
	"tradecore/src/strategy"
	"tradecore/src/supervisor"
)

type Config struct {
	// Symbols is a comma-separated list; one stream and one strategy
	// instance is started per symbol.
	Symbols   string `envconfig:"ENGINE_SYMBOLS" default:"BTC/USDT"`
	Timeframe string `envconfig:"ENGINE_TIMEFRAME" default:"1m"`
	Strategy  string `envconfig:"ENGINE_STRATEGY" default:"breakout_reset"`
	User      string `envconfig:"ENGINE_USER" default:"engine"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

// logQuarantine stands in for the gorm repository when the database is
// disabled. Unconfirmed orders still surface for the operator, in the log.
type logQuarantine struct {
	log *logger.Entry
}

func (q logQuarantine) Add(_ context.Context, order *model.QuarantinedOrder) error {
	q.log.WithFields(logger.Fields{
		"client_id":         order.ClientID,
		"strategy_id":       order.StrategyID,
		"venue":             order.Venue,
		"symbol":            order.Symbol,
		"exchange_order_id": order.ExchangeOrderID,
	}).Error("order quarantined, database disabled so record is log-only")
	return nil
}

// Engine assembles the live pipeline from env config and runs it until ctx
// is cancelled.
type Engine struct {
	Log *logger.Entry
}

func (e *Engine) Start(ctx context.Context) error {
	const op = "engine.Start"

	config := GetConfig()
	reg := prometheus.NewRegistry()

	dbEnabled := database.GetConfig().EnableDB
	if dbEnabled {
		if err := database.InitMainDB(); err != nil {
			return exchange.Wrap(exchange.KindTransient, op, err)
		}
	}

	// Key manager comes up only when encryption is configured; without it
	// the adapter falls back to static API_KEY/API_SECRET credentials.
	keyConfig := keymanager.GetConfig()
	var (
		creds   exchange.CredentialSource
		sweeper *keymanager.Sweeper
	)
	if keyConfig.EncryptionKey != "" {
		cipher, err := keymanager.NewCipher(keyConfig.EncryptionKey, keyConfig.EncryptionSalt)
		if err != nil {
			return exchange.Wrap(exchange.KindInvalidParams, op, err)
		}
		store := keymanager.NewRedisStore(keyConfig, cipher)
		if err := store.Ping(ctx); err != nil {
			return exchange.Wrap(exchange.KindTransient, op, fmt.Errorf("key store unreachable: %w", err))
		}

		var audit keymanager.AuditSink
		if dbEnabled {
			audit = repository.NewAuditRepository()
		}
		manager := keymanager.NewManager(store, keyConfig, audit)
		sweeper = keymanager.NewSweeper(manager, keyConfig)
		creds = manager.CredentialSource(config.User)
	}

	adapter, err := exchange.NewFromConfig(exchange.GetConfig(), creds)
	if err != nil {
		return err
	}
	venue := adapter.Venue()

	reliable := executor.NewReliable(adapter, nil, reg)

	ingestor := marketdata.NewIngestor(map[string]exchange.Adapter{venue: reliable}, marketdata.GetConfig(), reg)
	runtime := strategy.NewRuntime(map[string]strategy.KlineSource{venue: reliable}, reg)

	var quarantine dispatcher.Quarantine = logQuarantine{log: e.Log}
	if dbEnabled {
		quarantine = repository.NewQuarantineRepository()
	}
	dispatch := dispatcher.New(map[string]dispatcher.Executor{venue: reliable}, runtime, quarantine, dispatcher.GetConfig(), reg)

	for _, symbol := range strings.Split(config.Symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if err := ingestor.AddStream(venue, symbol, config.Timeframe); err != nil {
			return err
		}
		if config.Strategy == "" {
			continue
		}
		id, err := runtime.Add(config.User, config.Strategy, nil, venue, symbol, config.Timeframe)
		if err != nil {
			return err
		}
		if err := runtime.Start(ctx, id); err != nil {
			return err
		}
		e.Log.WithFields(logger.Fields{
			"strategy_id": id,
			"symbol":      symbol,
			"kind":        config.Strategy,
		}).Info("strategy instance started")
	}

	go server.StartServer(ctx, server.GetConfig().Port, reg)

	supervisor.New(ingestor, runtime, dispatch, sweeper).Run(ctx)
	return nil
}
