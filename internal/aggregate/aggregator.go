// Package aggregate implements the multi-bank fan-out/fan-in that feeds the
// FinFlow dashboard: list accounts per consented bank, fetch balance and a
// transaction window per account concurrently, and merge everything into a
// cached snapshot. Failures are partitioned per bank and per account; a
// partial result is always preferred over a total failure.
package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi/models"
	"github.com/finflow-dev/finflow/internal/consent"
	"github.com/finflow-dev/finflow/internal/registry"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultCacheTTL     = 5 * time.Minute
	defaultWindow       = 30 * 24 * time.Hour
)

// ErrRefreshInFlight is returned when a refresh is requested while a pass is
// already running for the user and no prior snapshot exists to serve.
var ErrRefreshInFlight = errors.New("aggregation pass already in flight")

// Gateway is the per-bank capability set the aggregator consumes.
// *bankapi.Client satisfies it; tests use fakes.
type Gateway interface {
	ListAccounts(ctx context.Context, userID, consentID string) ([]models.Account, error)
	GetBalances(ctx context.Context, accountID, consentID string) ([]models.Balance, error)
	GetTransactions(ctx context.Context, accountID, consentID string, from, to time.Time) ([]models.Transaction, error)
}

// Aggregator owns the aggregated per-user snapshots. Partial results flow
// over a channel into the merge loop, which is the only writer of a
// snapshot under construction.
type Aggregator struct {
	gateways     map[string]Gateway
	consents     consent.Store
	registry     *registry.Registry
	logger       *zap.Logger
	fetchTimeout time.Duration
	ttl          time.Duration
	window       time.Duration
	now          func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	cache    map[string]*Snapshot
}

// Option adjusts Aggregator defaults.
type Option func(*Aggregator)

// WithFetchTimeout bounds every individual bank fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// WithCacheTTL sets the snapshot freshness window.
func WithCacheTTL(d time.Duration) Option {
	return func(a *Aggregator) { a.ttl = d }
}

// WithTransactionWindow sets the trailing window transactions are fetched for.
func WithTransactionWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.window = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator over the given bank gateways (keyed by bank
// code), consent store and registry.
func New(gateways map[string]Gateway, consents consent.Store, reg *registry.Registry, logger *zap.Logger, options ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		gateways:     gateways,
		consents:     consents,
		registry:     reg,
		logger:       logger,
		fetchTimeout: defaultFetchTimeout,
		ttl:          defaultCacheTTL,
		window:       defaultWindow,
		now:          time.Now,
		inFlight:     make(map[string]bool),
		cache:        make(map[string]*Snapshot),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Snapshot returns the user's aggregated view, running a pass only when the
// cached snapshot is stale.
func (a *Aggregator) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	return a.Refresh(ctx, userID, false)
}

// Refresh returns the aggregated snapshot for the user. A cached snapshot
// younger than the TTL is served unless force is set. Only one pass runs per
// user at a time: a concurrent trigger is a no-op that serves the previous
// snapshot, or ErrRefreshInFlight when there is none.
func (a *Aggregator) Refresh(ctx context.Context, userID string, force bool) (*Snapshot, error) {
	a.mu.Lock()
	cached := a.cache[userID]
	if !force && cached != nil && a.now().Sub(cached.TakenAt) < a.ttl {
		a.mu.Unlock()
		return cached, nil
	}
	if a.inFlight[userID] {
		a.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, ErrRefreshInFlight
	}
	a.inFlight[userID] = true
	a.mu.Unlock()

	snapshot := a.run(ctx, userID)

	a.mu.Lock()
	a.cache[userID] = snapshot
	delete(a.inFlight, userID)
	a.mu.Unlock()

	return snapshot, nil
}

// Invalidate drops the user's cached snapshot so the next read runs a full
// pass. Called when a consent reaches approved.
func (a *Aggregator) Invalidate(userID string) {
	a.mu.Lock()
	delete(a.cache, userID)
	a.mu.Unlock()
}

// run executes one full fan-out pass. Bank results arrive over a channel and
// are merged by this goroutine alone.
func (a *Aggregator) run(ctx context.Context, userID string) *Snapshot {
	results := make(chan BankResult)
	var wg sync.WaitGroup
	for code, gateway := range a.gateways {
		wg.Add(1)
		go func(code string, gateway Gateway) {
			defer wg.Done()
			results <- a.collectBank(ctx, userID, code, gateway)
		}(code, gateway)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	snapshot := &Snapshot{
		TakenAt:      a.now(),
		TotalBalance: decimal.Zero,
		Banks:        make(map[string]BankResult, len(a.gateways)),
	}
	for result := range results {
		snapshot.Banks[result.BankCode] = result
		for _, account := range result.Accounts {
			snapshot.AccountCount++
			snapshot.TotalBalance = snapshot.TotalBalance.Add(account.Balance)
			for _, tx := range account.Transactions {
				snapshot.Transactions = append(snapshot.Transactions, FeedEntry{
					Transaction: tx,
					BankCode:    result.BankCode,
					BankName:    result.BankName,
				})
			}
		}
	}
	sortFeed(snapshot.Transactions)
	return snapshot
}

// collectBank gathers one bank's contribution. Any failure is captured in
// the result's Error field and never propagates to sibling banks.
func (a *Aggregator) collectBank(ctx context.Context, userID, code string, gateway Gateway) BankResult {
	result := BankResult{
		BankCode: code,
		BankName: a.registry.DisplayName(code),
	}

	rec, ok := a.consents.Active(userID, code)
	if !ok {
		result.Error = "no active consent"
		return result
	}
	result.ConsentID = rec.ConsentID

	listCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()
	accounts, err := gateway.ListAccounts(listCtx, userID, rec.ConsentID)
	if err != nil {
		a.logger.Warn("account listing failed",
			zap.String("bank_code", code),
			zap.Error(err))
		result.Error = err.Error()
		return result
	}

	result.Accounts = a.collectAccounts(ctx, gateway, rec.ConsentID, accounts)
	return result
}

// collectAccounts fans out over a bank's accounts concurrently. Each
// goroutine writes its own slice slot.
func (a *Aggregator) collectAccounts(ctx context.Context, gateway Gateway, consentID string, accounts []models.Account) []AccountView {
	views := make([]AccountView, len(accounts))
	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account models.Account) {
			defer wg.Done()
			views[i] = a.collectAccount(ctx, gateway, consentID, account)
		}(i, account)
	}
	wg.Wait()
	return views
}

// collectAccount fetches balance and transaction window concurrently, each
// under its own bounded timeout. A failed fetch degrades to zero/empty for
// this account only.
func (a *Aggregator) collectAccount(ctx context.Context, gateway Gateway, consentID string, account models.Account) AccountView {
	var (
		wg           sync.WaitGroup
		balance      decimal.Decimal
		transactions []models.Transaction
		balanceErr   error
		txErr        error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
		balances, err := gateway.GetBalances(fetchCtx, account.ID, consentID)
		if err != nil {
			balanceErr = err
			return
		}
		balance = models.SelectBalance(balances)
	}()
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
		to := a.now()
		from := to.Add(-a.window)
		txs, err := gateway.GetTransactions(fetchCtx, account.ID, consentID, from, to)
		if err != nil {
			txErr = err
			return
		}
		transactions = txs
	}()
	wg.Wait()

	view := AccountView{
		Account:      account,
		Balance:      balance,
		Transactions: transactions,
	}
	if balanceErr != nil {
		a.logger.Warn("balance fetch failed, degrading to zero",
			zap.String("bank_code", account.BankCode),
			zap.String("account_id", account.ID),
			zap.Error(balanceErr))
		view.Balance = decimal.Zero
		view.Degraded = true
	}
	if txErr != nil {
		a.logger.Warn("transaction fetch failed, degrading to empty",
			zap.String("bank_code", account.BankCode),
			zap.String("account_id", account.ID),
			zap.Error(txErr))
		view.Transactions = nil
		view.Degraded = true
	}
	return view
}
