// Package chain is the gateway to the blockchain network.
//
// The core engines never talk to an RPC endpoint directly; they depend on
// the Gateway interface, which covers exactly what the payment lifecycle
// needs: balance and allowance reads, fee estimation, typed-data signing,
// and settlement submission. The go-ethereum implementation lives in
// ethereum.go; tests substitute a fake.
package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Errors - typed for programmatic handling
var (
	ErrRPCConnection = errors.New("chain: RPC connection failed")
	ErrSubmission    = errors.New("chain: transaction failed")
	ErrTimeout       = errors.New("chain: timed out waiting for confirmation")
	ErrInvalidNonce  = errors.New("chain: invalid authorization nonce")
)

// SubmitError wraps submission failures with operation context.
type SubmitError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Authorization is one signed-once payment instruction for the facilitator
// contract: move Value stablecoin units from Owner to Recipient before
// Deadline, identified by a single-use Nonce. Spender is the facilitator
// itself and is part of the signing domain, not the message.
type Authorization struct {
	Owner     common.Address
	Recipient common.Address
	Value     *big.Int
	Deadline  *big.Int // unix seconds
	Nonce     [32]byte
}

// Signature is the r/s/v triple the facilitator verifies.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// FeeEstimate is a live network fee reading.
type FeeEstimate struct {
	GasPrice *big.Int // wei per gas unit
}

// SubmitResult describes a mined transaction.
type SubmitResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the collaborator contract over the blockchain network.
//
// All transaction methods sign with the provided key, submit, and wait
// for the receipt; callers must not hold in-process locks across these
// calls.
type Gateway interface {
	// StableBalance reads the stablecoin balance of an address.
	StableBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// NativeBalance reads the native gas-token balance of an address.
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// Allowance reads the facilitator's stablecoin spending allowance
	// granted by owner.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)

	// Approve raises the facilitator's allowance from the owner wallet.
	Approve(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (*SubmitResult, error)

	// EstimateFee returns a live network fee estimate.
	EstimateFee(ctx context.Context) (*FeeEstimate, error)

	// SignAuthorization produces the EIP-712 signature for an authorization.
	SignAuthorization(key *ecdsa.PrivateKey, auth *Authorization) (*Signature, error)

	// Settle submits a signed authorization to the facilitator and waits
	// for confirmation.
	Settle(ctx context.Context, key *ecdsa.PrivateKey, auth *Authorization, sig *Signature) (*SubmitResult, error)

	// TransferNative moves native gas tokens out of the wallet owning key.
	TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*SubmitResult, error)
}

// NonceBytes converts a 64-char hex nonce into the bytes32 form the
// facilitator contract expects.
func NonceBytes(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil || len(raw) != 32 {
		return out, ErrInvalidNonce
	}
	copy(out[:], raw)
	return out, nil
}
