package session

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/sessionpay/internal/usdc"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetActiveByUser(ctx context.Context, userAddr string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserAddress == userAddr && sess.IsActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) AddSpent(ctx context.Context, id string, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.IsActive {
		return nil, ErrNotFound
	}

	spent, _ := usdc.Parse(sess.SpentAmount)
	max, _ := usdc.Parse(sess.MaxSpend)
	newSpent := new(big.Int).Add(spent, amount)
	if newSpent.Cmp(max) > 0 {
		return nil, ErrSpendCapExceeded
	}

	sess.SpentAmount = usdc.Format(newSpent)
	sess.LastUsedAt = time.Now()
	return newSpent, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *MemoryStore) DeactivateAllForUser(ctx context.Context, userAddr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.UserAddress == userAddr && sess.IsActive {
			sess.IsActive = false
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecordRefund(ctx context.Context, id string, rec *RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	// A retried refund re-sweeps balances the first pass already emptied.
	// Accumulate so a retry can never erase what already succeeded.
	sess.IsActive = false
	sess.RefundedStable = addStable(sess.RefundedStable, rec.StableAmount)
	sess.RefundedNative = addNative(sess.RefundedNative, rec.NativeAmount)
	sess.RefundTxRefs = append(sess.RefundTxRefs, rec.TxRefs...)
	at := rec.RefundedAt
	sess.RefundedAt = &at
	return nil
}

func addStable(prev, delta string) string {
	a, ok := usdc.Parse(prev)
	if !ok {
		a = big.NewInt(0)
	}
	b, ok := usdc.Parse(delta)
	if !ok {
		b = big.NewInt(0)
	}
	return usdc.Format(new(big.Int).Add(a, b))
}

func addNative(prev, delta string) string {
	sum := big.NewInt(0)
	if v, ok := new(big.Int).SetString(prev, 10); ok {
		sum.Add(sum, v)
	}
	if v, ok := new(big.Int).SetString(delta, 10); ok {
		sum.Add(sum, v)
	}
	return sum.String()
}
