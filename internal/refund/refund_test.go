package refund

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/sessionpay/internal/chain"
	"github.com/mbd888/sessionpay/internal/keyvault"
	"github.com/mbd888/sessionpay/internal/noncestore"
	"github.com/mbd888/sessionpay/internal/paygate"
	"github.com/mbd888/sessionpay/internal/session"
	"github.com/mbd888/sessionpay/internal/usdc"
)

const testUser = "0x1111111111111111111111111111111111111111"

type nativeTransfer struct {
	to     common.Address
	amount *big.Int
}

// fakeGateway simulates the chain for refund flows: stable and native
// balances, a fixed gas price, recorded transfers.
type fakeGateway struct {
	mu        sync.Mutex
	stable    map[common.Address]*big.Int
	native    map[common.Address]*big.Int
	allowance map[common.Address]*big.Int
	gasPrice  *big.Int

	stableErr error
	settles   []*chain.Authorization
	transfers []nativeTransfer
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		stable:    make(map[common.Address]*big.Int),
		native:    make(map[common.Address]*big.Int),
		allowance: make(map[common.Address]*big.Int),
		gasPrice:  big.NewInt(1_000_000_000), // 1 gwei
	}
}

func (f *fakeGateway) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.stable[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeGateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.native[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeGateway) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowance[owner]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeGateway) Approve(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (*chain.SubmitResult, error) {
	return &chain.SubmitResult{TxHash: "0xapprove"}, nil
}

func (f *fakeGateway) EstimateFee(ctx context.Context) (*chain.FeeEstimate, error) {
	return &chain.FeeEstimate{GasPrice: new(big.Int).Set(f.gasPrice)}, nil
}

func (f *fakeGateway) SignAuthorization(key *ecdsa.PrivateKey, auth *chain.Authorization) (*chain.Signature, error) {
	return &chain.Signature{V: 27}, nil
}

func (f *fakeGateway) Settle(ctx context.Context, key *ecdsa.PrivateKey, auth *chain.Authorization, sig *chain.Signature) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stableErr != nil {
		return nil, f.stableErr
	}
	f.stable[auth.Owner] = new(big.Int).Sub(f.stable[auth.Owner], auth.Value)
	f.settles = append(f.settles, auth)
	return &chain.SubmitResult{TxHash: "0xsweep_stable"}, nil
}

func (f *fakeGateway) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := crypto.PubkeyToAddress(key.PublicKey)
	if b, ok := f.native[from]; ok {
		f.native[from] = new(big.Int).Sub(b, amount)
	}
	f.transfers = append(f.transfers, nativeTransfer{to: to, amount: new(big.Int).Set(amount)})
	return &chain.SubmitResult{TxHash: "0xsweep_native"}, nil
}

func testEngine(t *testing.T) (*Engine, *session.Manager, *session.MemoryStore, *fakeGateway) {
	t.Helper()
	vault, err := keyvault.NewAESVault("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	store := session.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := session.NewManager(store, vault, "", logger)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	gateway := newFakeGateway()
	engine := NewEngine(manager, store, noncestore.NewMemoryStore(0), gateway, logger)
	return engine, manager, store, gateway
}

func TestGasReserve(t *testing.T) {
	// 21000 gas x 1 gwei x 1.2 = 25200 gwei
	got := GasReserve(big.NewInt(1_000_000_000))
	want := big.NewInt(25_200_000_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("reserve = %s, want %s", got, want)
	}
}

func TestRefundSweepsBoth(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owner := common.HexToAddress(s.SessionAddress)
	stableBal, _ := usdc.Parse("2.50")
	gateway.stable[owner] = stableBal
	gateway.native[owner] = big.NewInt(1_000_000_000_000_000) // 0.001 ether

	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.StableAmount != "2.500000" {
		t.Errorf("stable = %s", result.StableAmount)
	}
	if result.StableError != "" || result.NativeError != "" {
		t.Errorf("errors = %q / %q", result.StableError, result.NativeError)
	}

	// Native refund is exactly balance minus the reserve.
	reserve := GasReserve(gateway.gasPrice)
	wantNative := new(big.Int).Sub(big.NewInt(1_000_000_000_000_000), reserve)
	if result.NativeAmount != wantNative.String() {
		t.Errorf("native = %s, want %s", result.NativeAmount, wantNative)
	}
	if len(result.TxRefs) != 2 {
		t.Errorf("txRefs = %v", result.TxRefs)
	}

	// Stable sweep went through the facilitator, back to the user.
	if len(gateway.settles) != 1 {
		t.Fatalf("settles = %d", len(gateway.settles))
	}
	auth := gateway.settles[0]
	if auth.Recipient != common.HexToAddress(testUser) {
		t.Errorf("sweep recipient = %s", auth.Recipient)
	}
	if auth.Value.Cmp(stableBal) != 0 {
		t.Errorf("sweep value = %s", auth.Value)
	}
	if len(gateway.transfers) != 1 || gateway.transfers[0].to != common.HexToAddress(testUser) {
		t.Errorf("native transfer = %+v", gateway.transfers)
	}

	// Session closed and refund recorded.
	got, err := manager.Get(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsActive {
		t.Error("refunded session still active")
	}
	if got.RefundedStable != "2.500000" || got.RefundedAt == nil {
		t.Errorf("record = %q refundedAt=%v", got.RefundedStable, got.RefundedAt)
	}
}

func TestRefundNativeBelowReserve(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owner := common.HexToAddress(s.SessionAddress)

	// Balance exactly at the reserve: explicit zero refund, no transfer.
	gateway.native[owner] = GasReserve(gateway.gasPrice)

	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.NativeAmount != "0" {
		t.Errorf("native = %s, want 0", result.NativeAmount)
	}
	if result.NativeError != "" {
		t.Errorf("nativeError = %q", result.NativeError)
	}
	if len(gateway.transfers) != 0 {
		t.Error("transfer attempted despite balance at reserve")
	}
}

func TestRefundEmptyWallet(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.StableAmount != "0.000000" || result.NativeAmount != "0" {
		t.Errorf("amounts = %s / %s", result.StableAmount, result.NativeAmount)
	}
	if len(result.TxRefs) != 0 {
		t.Errorf("txRefs = %v", result.TxRefs)
	}
	if len(gateway.settles) != 0 || len(gateway.transfers) != 0 {
		t.Error("chain transactions attempted for empty wallet")
	}

	// Still marked refunded: zero-amount refunds close the session.
	got, _ := manager.Get(context.Background(), s.ID, testUser)
	if got.IsActive || got.RefundedAt == nil {
		t.Error("empty refund did not close session")
	}
}

func TestRefundStableFailureDoesNotBlockNative(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owner := common.HexToAddress(s.SessionAddress)
	stableBal, _ := usdc.Parse("1.00")
	gateway.stable[owner] = stableBal
	gateway.native[owner] = big.NewInt(1_000_000_000_000_000)
	gateway.stableErr = &chain.SubmitError{Op: "settle", Err: chain.ErrSubmission}

	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.StableError == "" {
		t.Error("stable failure not reported")
	}
	if result.StableAmount != "0.000000" {
		t.Errorf("stable = %s", result.StableAmount)
	}

	// Native sweep still happened and was recorded.
	if result.NativeAmount == "0" || result.NativeError != "" {
		t.Errorf("native = %s err=%q", result.NativeAmount, result.NativeError)
	}
	if len(gateway.transfers) != 1 {
		t.Errorf("transfers = %d", len(gateway.transfers))
	}

	got, _ := manager.Get(context.Background(), s.ID, testUser)
	if got.IsActive {
		t.Error("partially refunded session still active")
	}
}

func TestRefundRetryPreservesAuditRecord(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owner := common.HexToAddress(s.SessionAddress)
	stableBal, _ := usdc.Parse("2.50")
	gateway.stable[owner] = stableBal
	gateway.native[owner] = big.NewInt(1_000_000_000_000_000)

	if _, err := engine.Refund(context.Background(), s.ID, testUser); err != nil {
		t.Fatalf("first refund: %v", err)
	}

	// The wallet is now empty; a second refund sweeps zeros but must not
	// erase the recorded amounts or tx refs.
	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if result.StableAmount != "0.000000" || len(result.TxRefs) != 0 {
		t.Errorf("retry result = %s / %v", result.StableAmount, result.TxRefs)
	}

	got, err := manager.Get(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RefundedStable != "2.500000" {
		t.Errorf("retry clobbered stable record: %q", got.RefundedStable)
	}
	if len(got.RefundTxRefs) != 2 {
		t.Errorf("retry clobbered txRefs: %v", got.RefundTxRefs)
	}
}

func TestRefundRecordsLedgerRow(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	ledger := paygate.NewMemoryStore()
	engine.WithLedger(ledger)

	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owner := common.HexToAddress(s.SessionAddress)
	stableBal, _ := usdc.Parse("1.25")
	gateway.stable[owner] = stableBal

	if _, err := engine.Refund(context.Background(), s.ID, testUser); err != nil {
		t.Fatalf("refund: %v", err)
	}

	p, err := ledger.GetPayment(context.Background(), "0xsweep_stable")
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if p.Amount != "1.250000" {
		t.Errorf("ledger amount = %s", p.Amount)
	}
	if p.Sender != s.UserAddress || p.Recipient != testUser {
		t.Errorf("ledger parties = %s -> %s", p.Sender, p.Recipient)
	}
}

func TestRefundWorksOnInactiveSession(t *testing.T) {
	engine, manager, _, gateway := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := manager.Deactivate(context.Background(), s.ID, testUser); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	owner := common.HexToAddress(s.SessionAddress)
	stranded, _ := usdc.Parse("0.75")
	gateway.stable[owner] = stranded

	result, err := engine.Refund(context.Background(), s.ID, testUser)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.StableAmount != "0.750000" {
		t.Errorf("stable = %s", result.StableAmount)
	}
}

func TestRefundRejectsForeignCaller(t *testing.T) {
	engine, manager, _, _ := testEngine(t)
	s, err := manager.Create(context.Background(), testUser, "5.00")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = engine.Refund(context.Background(), s.ID, "0x9999999999999999999999999999999999999999")
	if !errors.Is(err, session.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}
