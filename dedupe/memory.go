package dedupe

import (
	"context"
	"sync"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
)

// MemoryStore is a single-process Store guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[x402.Fingerprint]*Entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[x402.Fingerprint]*Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, fp x402.Fingerprint, resource string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[fp]; exists {
		return false, nil
	}
	now := s.now()
	s.entries[fp] = &Entry{
		Fingerprint: fp,
		State:       StatePending,
		Resource:    resource,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (s *MemoryStore) Record(_ context.Context, fp x402.Fingerprint, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[fp]
	if !ok {
		e = &Entry{Fingerprint: fp, CreatedAt: now}
		s.entries[fp] = e
	}
	e.State = result.State
	e.Transaction = result.Transaction
	e.Payer = result.Payer
	e.Reason = result.Reason
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Release(_ context.Context, fp x402.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok && e.State == StatePending {
		delete(s.entries, fp)
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, fp x402.Fingerprint) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for fp, e := range s.entries {
		if e.CreatedAt.Before(before) {
			delete(s.entries, fp)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
