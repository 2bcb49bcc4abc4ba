package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mbd888/sessionpay/internal/retry"
)

// ERC20 minimal ABI for balance/allowance/approve
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Facilitator settlement entry point: verifies the EIP-712 signature and
// moves owner's stablecoin to recipient. Used identically for payments and
// stablecoin refunds.
const facilitatorABI = `[
	{"inputs":[
		{"name":"owner","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}
	],"name":"settle","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// NativeTransferGas is the fixed cost of a plain value transfer.
	NativeTransferGas = uint64(21000)

	// DefaultGasLimit for contract calls when estimation fails.
	DefaultGasLimit = uint64(150000)

	// DefaultConfirmationTimeout bounds receipt polling.
	DefaultConfirmationTimeout = 60 * time.Second

	// confirmationPollInterval between receipt checks.
	confirmationPollInterval = 2 * time.Second

	eip712DomainName    = "PaymentFacilitator"
	eip712DomainVersion = "1"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for the Ethereum gateway.
type Config struct {
	RPCURL              string
	ChainID             int64
	StableContract      string // stablecoin (USDC) contract address
	FacilitatorContract string
	ConfirmationTimeout time.Duration
}

// Option configures the gateway.
type Option func(*EthGateway)

// WithClient sets a custom client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *EthGateway) {
		g.client = client
	}
}

// EthGateway implements Gateway on top of go-ethereum.
type EthGateway struct {
	client         EthClient
	chainID        *big.Int
	stable         common.Address
	facilitator    common.Address
	erc20          abi.ABI
	facilitatorAPI abi.ABI
	confirmTimeout time.Duration
}

var _ Gateway = (*EthGateway)(nil)

// New creates an Ethereum-backed gateway.
func New(cfg Config, opts ...Option) (*EthGateway, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if cfg.StableContract == "" || cfg.FacilitatorContract == "" {
		return nil, fmt.Errorf("stablecoin and facilitator contract addresses required")
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	facABI, err := abi.JSON(strings.NewReader(facilitatorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse facilitator ABI: %w", err)
	}

	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}

	g := &EthGateway{
		chainID:        big.NewInt(cfg.ChainID),
		stable:         common.HexToAddress(cfg.StableContract),
		facilitator:    common.HexToAddress(cfg.FacilitatorContract),
		erc20:          tokenABI,
		facilitatorAPI: facABI,
		confirmTimeout: timeout,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

// Close closes the underlying client.
func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// Read retries: RPC reads are idempotent, so transient failures get a few
// attempts with backoff. Transaction submissions are never retried here.
const (
	readRetryAttempts  = 3
	readRetryBaseDelay = 200 * time.Millisecond
)

func (g *EthGateway) callRead(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, readRetryAttempts, readRetryBaseDelay, func() error {
		var callErr error
		out, callErr = g.client.CallContract(ctx, msg, nil)
		return callErr
	})
	return out, err
}

func (g *EthGateway) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := g.erc20.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	result, err := g.callRead(ctx, ethereum.CallMsg{To: &g.stable, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf call: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (g *EthGateway) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := retry.Do(ctx, readRetryAttempts, readRetryBaseDelay, func() error {
		var readErr error
		bal, readErr = g.client.BalanceAt(ctx, addr, nil)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("chain: native balance: %w", err)
	}
	return bal, nil
}

func (g *EthGateway) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := g.erc20.Pack("allowance", owner, g.facilitator)
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance: %w", err)
	}
	result, err := g.callRead(ctx, ethereum.CallMsg{To: &g.stable, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chain: allowance call: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (g *EthGateway) Approve(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (*SubmitResult, error) {
	data, err := g.erc20.Pack("approve", g.facilitator, amount)
	if err != nil {
		return nil, &SubmitError{Op: "approve_pack", Err: err}
	}
	return g.sendAndWait(ctx, key, g.stable, big.NewInt(0), data, "approve")
}

func (g *EthGateway) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	var price *big.Int
	err := retry.Do(ctx, readRetryAttempts, readRetryBaseDelay, func() error {
		var readErr error
		price, readErr = g.client.SuggestGasPrice(ctx)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	return &FeeEstimate{GasPrice: price}, nil
}

// typedData builds the EIP-712 payload the facilitator verifies on-chain.
func (g *EthGateway) typedData(auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PaymentAuthorization": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "recipient", Type: "address"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              eip712DomainName,
			Version:           eip712DomainVersion,
			ChainId:           math.NewHexOrDecimal256(g.chainID.Int64()),
			VerifyingContract: g.facilitator.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":     auth.Owner.Hex(),
			"value":     auth.Value.String(),
			"deadline":  auth.Deadline.String(),
			"recipient": auth.Recipient.Hex(),
			"nonce":     "0x" + common.Bytes2Hex(auth.Nonce[:]),
		},
	}
}

// AuthorizationHash returns the EIP-712 digest for an authorization.
// Exposed so tests can verify signatures by recovery.
func (g *EthGateway) AuthorizationHash(auth *Authorization) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(g.typedData(auth))
	if err != nil {
		return nil, fmt.Errorf("chain: typed data hash: %w", err)
	}
	return hash, nil
}

func (g *EthGateway) SignAuthorization(key *ecdsa.PrivateKey, auth *Authorization) (*Signature, error) {
	hash, err := g.AuthorizationHash(auth)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign authorization: %w", err)
	}

	var sig Signature
	copy(sig.R[:], raw[0:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64] + 27 // contracts expect 27/28
	return &sig, nil
}

func (g *EthGateway) Settle(ctx context.Context, key *ecdsa.PrivateKey, auth *Authorization, sig *Signature) (*SubmitResult, error) {
	data, err := g.facilitatorAPI.Pack("settle",
		auth.Owner, auth.Value, auth.Deadline, auth.Recipient, auth.Nonce,
		sig.V, sig.R, sig.S,
	)
	if err != nil {
		return nil, &SubmitError{Op: "settle_pack", Err: err}
	}
	return g.sendAndWait(ctx, key, g.facilitator, big.NewInt(0), data, "settle")
}

func (g *EthGateway) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*SubmitResult, error) {
	return g.sendAndWait(ctx, key, to, amount, nil, "native_transfer")
}

// sendAndWait builds, signs, submits a transaction from the wallet owning
// key, then polls until it is mined or the confirmation timeout elapses.
func (g *EthGateway) sendAndWait(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte, op string) (*SubmitResult, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &SubmitError{Op: op + "_nonce", Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmitError{Op: op + "_gas_price", Err: err}
	}

	var gasLimit uint64
	if data == nil {
		gasLimit = NativeTransferGas
	} else {
		gasLimit, err = g.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			gasLimit = DefaultGasLimit
		}
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), key)
	if err != nil {
		return nil, &SubmitError{Op: op + "_sign", Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmitError{Op: op + "_send", TxHash: signedTx.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrSubmission, err)}
	}

	return g.waitMined(ctx, signedTx.Hash(), op)
}

func (g *EthGateway) waitMined(ctx context.Context, hash common.Hash, op string) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling.
				continue
			}
			if receipt.Status == 0 {
				return nil, &SubmitError{Op: op, TxHash: hash.Hex(), Err: ErrSubmission}
			}
			return &SubmitResult{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}
