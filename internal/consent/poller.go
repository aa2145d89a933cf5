package consent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi/models"
)

// StatusFetcher queries a bank for the current state of a consent.
// *bankapi.Client satisfies it.
type StatusFetcher interface {
	GetConsent(ctx context.Context, consentID string) (*models.Consent, error)
}

type pollKey struct {
	userID   string
	bankCode string
}

// Poller re-queries pending consents until they reach a terminal state.
// Reaching approved invalidates dependent account data via the onApproved
// callback so the next aggregation pass refetches it.
type Poller struct {
	store      Store
	fetchers   map[string]StatusFetcher
	interval   time.Duration
	onApproved func(userID string)
	logger     *zap.Logger

	mu      sync.Mutex
	watched map[pollKey]struct{}
}

// NewPoller creates a Poller over the given store. fetchers is keyed by bank
// code. onApproved may be nil.
func NewPoller(store Store, fetchers map[string]StatusFetcher, interval time.Duration, onApproved func(userID string), logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:      store,
		fetchers:   fetchers,
		interval:   interval,
		onApproved: onApproved,
		logger:     logger,
		watched:    make(map[pollKey]struct{}),
	}
}

// Watch registers a (user, bank) consent for interval polling. Consents
// already in a terminal state are dropped on the next tick.
func (p *Poller) Watch(userID, bankCode string) {
	p.mu.Lock()
	p.watched[pollKey{userID: userID, bankCode: bankCode}] = struct{}{}
	p.mu.Unlock()
}

// Run polls all watched consents on a fixed interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollWatched(ctx)
		}
	}
}

func (p *Poller) pollWatched(ctx context.Context) {
	p.mu.Lock()
	keys := make([]pollKey, 0, len(p.watched))
	for key := range p.watched {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		status, err := p.RefreshStatus(ctx, key.userID, key.bankCode)
		if err != nil {
			p.logger.Warn("consent status poll failed",
				zap.String("bank_code", key.bankCode),
				zap.Error(err))
			continue
		}
		if status.Terminal() {
			p.unwatch(key)
		}
	}
}

// RefreshStatus performs one on-demand status check for the consent of
// (user, bank) and applies any resulting lifecycle transition. It is also
// the manual-refresh path used by the HTTP surface.
func (p *Poller) RefreshStatus(ctx context.Context, userID, bankCode string) (Status, error) {
	rec, ok := p.store.Get(userID, bankCode)
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}

	fetcher, ok := p.fetchers[bankCode]
	if !ok {
		return rec.Status, ErrNotFound
	}

	remote, err := fetcher.GetConsent(ctx, rec.ConsentID)
	if err != nil {
		return rec.Status, err
	}

	status := ParseStatus(remote.Status)
	if status == rec.Status {
		return status, nil
	}
	if err := p.store.UpdateStatus(userID, bankCode, status); err != nil {
		return rec.Status, err
	}

	p.logger.Info("consent status changed",
		zap.String("bank_code", bankCode),
		zap.String("consent_id", rec.ConsentID),
		zap.String("status", string(status)))

	if status == StatusApproved && p.onApproved != nil {
		p.onApproved(userID)
	}
	return status, nil
}

func (p *Poller) unwatch(key pollKey) {
	p.mu.Lock()
	delete(p.watched, key)
	p.mu.Unlock()
}
