package commands

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi"
	"github.com/finflow-dev/finflow/internal/aggregate"
	"github.com/finflow-dev/finflow/internal/config"
	"github.com/finflow-dev/finflow/internal/consent"
	"github.com/finflow-dev/finflow/internal/registry"
	"github.com/finflow-dev/finflow/internal/server"
)

// app is the wired object graph shared by the serve and snapshot commands.
type app struct {
	cfg      *config.Config
	registry *registry.Registry
	store    consent.Store
	banks    map[string]server.BankGateway
	agg      *aggregate.Aggregator
	poller   *consent.Poller
}

func buildApp(logger *zap.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	reg := registry.New(cfg.Banks...)
	store := consent.NewMemoryStore()

	banks := make(map[string]server.BankGateway, len(cfg.Banks))
	gateways := make(map[string]aggregate.Gateway, len(cfg.Banks))
	fetchers := make(map[string]consent.StatusFetcher, len(cfg.Banks))
	for _, bank := range cfg.Banks {
		client, err := bankapi.NewClient(bank.Code, bank.BaseURL,
			bankapi.WithCredentials(bank.ClientID, bank.ClientSecret),
			bankapi.WithRequestingBank(cfg.RequestingBank, cfg.RequestingBankName),
			bankapi.WithLogger(logger),
			bankapi.WithRetriesOnDefaultRetryPolicy(cfg.MaxRetries),
			bankapi.WithExponentialBackoffStrategy(500*time.Millisecond, 2),
		)
		if err != nil {
			return nil, fmt.Errorf("creating client for bank %s: %w", bank.Code, err)
		}
		banks[bank.Code] = client
		gateways[bank.Code] = client
		fetchers[bank.Code] = client
	}

	agg := aggregate.New(gateways, store, reg, logger,
		aggregate.WithFetchTimeout(cfg.FetchTimeout),
		aggregate.WithCacheTTL(cfg.CacheTTL),
		aggregate.WithTransactionWindow(cfg.TransactionWindow),
	)
	poller := consent.NewPoller(store, fetchers, cfg.ConsentPollEvery, agg.Invalidate, logger)

	return &app{
		cfg:      cfg,
		registry: reg,
		store:    store,
		banks:    banks,
		agg:      agg,
		poller:   poller,
	}, nil
}
