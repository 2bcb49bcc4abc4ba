package paygate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*SettledPayment
	usages   map[string]*Usage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory paygate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*SettledPayment),
		usages:   make(map[string]*Usage),
	}
}

func (s *MemoryStore) RecordPayment(ctx context.Context, p *SettledPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.TxRef] = &cp
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, txRef string) (*SettledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[txRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Consume(ctx context.Context, txRef, tool string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usages[txRef]; exists {
		return false, nil
	}
	s.usages[txRef] = &Usage{TxRef: txRef, Tool: tool, ConsumedAt: at}
	return true, nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, txRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usages[txRef]; ok {
		u.FailureReason = reason
	}
	return nil
}
