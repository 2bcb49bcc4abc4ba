package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/sessionpay/internal/keyvault"
	"github.com/mbd888/sessionpay/internal/usdc"
)

func seedSession(t *testing.T, store *MemoryStore, id, user, maxSpend string) {
	t.Helper()
	now := time.Now()
	err := store.Create(context.Background(), &Session{
		ID:             id,
		UserAddress:    user,
		SessionAddress: "0x3333333333333333333333333333333333333333",
		EncryptedKey:   &keyvault.EncryptedKey{Ciphertext: "00", IV: "00"},
		MaxSpend:       maxSpend,
		SpentAmount:    "0.000000",
		IsActive:       true,
		CreatedAt:      now,
		LastUsedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestAddSpentCapBoundary(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "sess_a", testUser, "5.000000")
	ctx := context.Background()

	first, _ := usdc.Parse("4.97")
	if _, err := store.AddSpent(ctx, "sess_a", first); err != nil {
		t.Fatalf("first spend: %v", err)
	}

	// 4.97 + 0.05 > 5.00 must be rejected.
	over, _ := usdc.Parse("0.05")
	if _, err := store.AddSpent(ctx, "sess_a", over); !errors.Is(err, ErrSpendCapExceeded) {
		t.Fatalf("over-cap spend: err = %v, want ErrSpendCapExceeded", err)
	}

	// Exactly up to the cap is allowed.
	exact, _ := usdc.Parse("0.03")
	newSpent, err := store.AddSpent(ctx, "sess_a", exact)
	if err != nil {
		t.Fatalf("exact spend: %v", err)
	}
	if usdc.Format(newSpent) != "5.000000" {
		t.Errorf("spent = %s, want 5.000000", usdc.Format(newSpent))
	}
}

func TestAddSpentConcurrent(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "sess_a", testUser, "5.000000")

	// Two 3.00 settlements against a 5.00 cap: exactly one may win.
	amount, _ := usdc.Parse("3.00")
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.AddSpent(context.Background(), "sess_a", amount)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrSpendCapExceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	s, _ := store.Get(context.Background(), "sess_a")
	if s.SpentAmount != "3.000000" {
		t.Errorf("spent = %s, want 3.000000", s.SpentAmount)
	}
}

func TestAddSpentInactiveSession(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "sess_a", testUser, "5.000000")
	ctx := context.Background()

	if err := store.Deactivate(ctx, "sess_a"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	amount, _ := usdc.Parse("1.00")
	if _, err := store.AddSpent(ctx, "sess_a", amount); !errors.Is(err, ErrNotFound) {
		t.Fatalf("spend on inactive: err = %v, want ErrNotFound", err)
	}
}

func TestRecordRefundClosesSession(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "sess_a", testUser, "5.000000")
	ctx := context.Background()

	at := time.Now()
	err := store.RecordRefund(ctx, "sess_a", &RefundRecord{
		StableAmount: "2.500000",
		NativeAmount: "120000000000000",
		TxRefs:       []string{"0xaaa", "0xbbb"},
		RefundedAt:   at,
	})
	if err != nil {
		t.Fatalf("recordRefund: %v", err)
	}

	s, err := store.Get(ctx, "sess_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.IsActive {
		t.Error("refunded session still active")
	}
	if s.RefundedStable != "2.500000" || s.RefundedNative != "120000000000000" {
		t.Errorf("refund amounts = %q / %q", s.RefundedStable, s.RefundedNative)
	}
	if len(s.RefundTxRefs) != 2 {
		t.Errorf("txRefs = %v", s.RefundTxRefs)
	}
	if s.RefundedAt == nil || !s.RefundedAt.Equal(at) {
		t.Errorf("refundedAt = %v", s.RefundedAt)
	}

	if err := store.RecordRefund(ctx, "sess_missing", &RefundRecord{RefundedAt: at}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: err = %v", err)
	}
}

func TestRecordRefundAccumulates(t *testing.T) {
	store := NewMemoryStore()
	seedSession(t, store, "sess_a", testUser, "5.000000")
	ctx := context.Background()

	err := store.RecordRefund(ctx, "sess_a", &RefundRecord{
		StableAmount: "2.500000",
		NativeAmount: "120000000000000",
		TxRefs:       []string{"0xaaa", "0xbbb"},
		RefundedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("first record: %v", err)
	}

	// A retry sweeps a now-empty wallet and records zeros; the original
	// amounts and tx refs must survive.
	err = store.RecordRefund(ctx, "sess_a", &RefundRecord{
		StableAmount: "0.000000",
		NativeAmount: "0",
		RefundedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("retry record: %v", err)
	}

	s, _ := store.Get(ctx, "sess_a")
	if s.RefundedStable != "2.500000" || s.RefundedNative != "120000000000000" {
		t.Errorf("retry clobbered amounts: %q / %q", s.RefundedStable, s.RefundedNative)
	}
	if len(s.RefundTxRefs) != 2 {
		t.Errorf("retry clobbered txRefs: %v", s.RefundTxRefs)
	}

	// A retry that completes a previously failed sweep adds to the totals.
	err = store.RecordRefund(ctx, "sess_a", &RefundRecord{
		StableAmount: "0.750000",
		NativeAmount: "0",
		TxRefs:       []string{"0xccc"},
		RefundedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("completing record: %v", err)
	}
	s, _ = store.Get(ctx, "sess_a")
	if s.RefundedStable != "3.250000" {
		t.Errorf("stable total = %q, want 3.250000", s.RefundedStable)
	}
	if len(s.RefundTxRefs) != 3 || s.RefundTxRefs[2] != "0xccc" {
		t.Errorf("txRefs = %v", s.RefundTxRefs)
	}
}
