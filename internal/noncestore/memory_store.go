package noncestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/sessionpay/internal/metrics"
)

// MemoryStore is an in-process Store. Suitable for single-instance
// deployments only — see the Store doc comment.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory nonce store with the given TTL.
// A ttl of 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
	}
}

func (s *MemoryStore) Claim(ctx context.Context, nonce, payer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[nonce]; exists {
		return false, nil
	}
	s.records[nonce] = &Record{
		Nonce:     nonce,
		Payer:     payer,
		Status:    StatusPending,
		ClaimedAt: time.Now(),
	}
	return true, nil
}

func (s *MemoryStore) Confirm(ctx context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[nonce]; ok {
		rec.Status = StatusConfirmed
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[nonce]; ok && rec.Status == StatusPending {
		delete(s.records, nonce)
	}
	return nil
}

func (s *MemoryStore) IsClaimed(ctx context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[nonce]
	return ok, nil
}

// Sweep evicts records older than the TTL irrespective of status and
// returns the number evicted. Best-effort: never fails.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.ttl)
	evicted := 0
	for nonce, rec := range s.records {
		if rec.ClaimedAt.Before(cutoff) {
			delete(s.records, nonce)
			evicted++
		}
	}
	return evicted
}

// Sweeper runs the TTL eviction loop for a MemoryStore.
type Sweeper struct {
	store    *MemoryStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(store *MemoryStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the eviction loop. Call in a goroutine. One reconciliation
// pass runs immediately, so a restart does not wait a full interval to
// release nonces stranded by the previous process.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.safeSweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in nonce sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if n := w.store.Sweep(time.Now()); n > 0 {
		metrics.NoncesSwept.Add(float64(n))
		w.logger.Debug("evicted expired nonces", "count", n)
	}
}
