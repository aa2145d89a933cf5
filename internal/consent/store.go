package consent

import (
	"sort"
	"sync"
	"time"
)

type storeKey struct {
	userID   string
	bankCode string
}

// MemoryStore is an in-memory Store implementation, safe for concurrent use.
// Account data itself is never persisted beyond a fetch cycle, so an
// in-process consent map is sufficient for a single aggregator instance.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[storeKey]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[storeKey]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(userID string, rec Record) (superseded *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := storeKey{userID: userID, bankCode: rec.BankCode}

	if prev, ok := s.records[key]; ok && prev.ConsentID != rec.ConsentID {
		// one active consent per (user, bank): the old record is revoked
		// locally when a new consent replaces it
		prev.Status = StatusRevoked
		prev.UpdatedAt = now
		superseded = &prev
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = rec
	return superseded
}

func (s *MemoryStore) Get(userID, bankCode string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[storeKey{userID: userID, bankCode: bankCode}]
	return rec, ok
}

func (s *MemoryStore) Active(userID, bankCode string) (Record, bool) {
	rec, ok := s.Get(userID, bankCode)
	if !ok || !rec.Active(s.now()) {
		return Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) List(userID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	for key, rec := range s.records {
		if key.userID == userID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].BankCode < records[j].BankCode
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

func (s *MemoryStore) UpdateStatus(userID, bankCode string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{userID: userID, bankCode: bankCode}
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == status {
		return nil
	}
	if !rec.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.records[key] = rec
	return nil
}
