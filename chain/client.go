// Package chain implements the EVM client the pipeline uses to anchor
// invoice batches: it packs and signs the anchorBatch call with gas headroom
// and a configured price ceiling, reads receipts and confirmation depth, and
// performs the read-only proof verification the control surface exposes.
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
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/retry"
)

// ErrNoSigner is returned by state-changing operations when the client was
// configured without a private key.
var ErrNoSigner = errors.New("chain: no signer configured")

// gas headroom applied on top of the node's estimate: estimate * 120 / 100.
const (
	gasHeadroomNum = 120
	gasHeadroomDen = 100
)

// Backend is the narrow RPC surface the client needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds chain-client settings.
type Config struct {
	// RPCURL is the JSON-RPC endpoint.
	RPCURL string
	// ContractAddress is the deployed anchoring contract.
	ContractAddress string
	// PrivateKey is the hex-encoded signing key; empty means read-only
	// (state-changing calls fail with ErrNoSigner).
	PrivateKey string
	// ChainID keys the signer to a specific network.
	ChainID int64
	// MaxGasPrice caps the gas price in wei; 0 disables the clamp.
	MaxGasPrice uint64
	// Confirmations is the default confirmation depth.
	Confirmations uint64
	// MaxRetries and RetryBase configure the retry policy around RPC reads.
	MaxRetries int
	RetryBase  time.Duration
}

// DefaultConfig returns chain defaults: 6 confirmations, 3 attempts at 1 s.
func DefaultConfig() Config {
	return Config{
		Confirmations: 6,
		MaxRetries:    3,
		RetryBase:     time.Second,
	}
}

// Client anchors batches and reads chain state through a Backend.
type Client struct {
	cfg      Config
	backend  Backend
	contract common.Address
	key      *ecdsa.PrivateKey
	sender   common.Address
	signer   types.Signer
	policy   retry.Policy
	logger   *log.Logger
}

// New creates a Client over an existing backend. The private key, when
// present, must be valid hex; the signer is keyed to cfg.ChainID.
func New(cfg Config, backend Backend, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		cfg:      cfg,
		backend:  backend,
		contract: common.HexToAddress(cfg.ContractAddress),
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			Base:        cfg.RetryBase,
			Retryable:   isRetryableRPC,
		},
		logger: logger.Module("chain"),
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		c.key = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
		c.signer = types.LatestSignerForChainID(big.NewInt(cfg.ChainID))
	}
	return c, nil
}

// Dial connects to cfg.RPCURL and returns a Client over the live node.
func Dial(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	return New(cfg, ec, logger)
}

// Sender returns the signing account address, zero when read-only.
func (c *Client) Sender() common.Address { return c.sender }

// isRetryableRPC classifies RPC failures: reverts and argument errors are
// permanent, everything else (transport, timeouts, 5xx) is worth retrying.
func isRetryableRPC(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, perm := range []string{"execution reverted", "invalid argument", "nonce too low", "insufficient funds"} {
		if strings.Contains(msg, perm) {
			return false
		}
	}
	return true
}

// AnchorBatch signs and sends anchorBatch(merkleRoot, batchSize,
// metadataURI) and returns the transaction hash. Gas is estimated with 20%
// headroom; the gas price is clamped to MaxGasPrice. Exactly one
// transaction is signed per call: the preparatory reads are retried, and a
// failed send is retried with the same signed transaction, never re-signed.
func (c *Client) AnchorBatch(ctx context.Context, merkleRoot common.Hash, batchSize uint64, metadataURI string) (string, error) {
	if c.key == nil {
		return "", ErrNoSigner
	}

	input, err := parsedABI.Pack("anchorBatch", merkleRoot, new(big.Int).SetUint64(batchSize), metadataURI)
	if err != nil {
		return "", fmt.Errorf("chain: pack anchorBatch: %w", err)
	}

	var (
		nonce    uint64
		gasLimit uint64
		gasPrice *big.Int
	)
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		if nonce, err = c.backend.PendingNonceAt(ctx, c.sender); err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		if gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: c.sender,
			To:   &c.contract,
			Data: input,
		}); err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		if gasPrice, err = c.backend.SuggestGasPrice(ctx); err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chain: prepare anchorBatch: %w", err)
	}

	gasLimit = gasLimit * gasHeadroomNum / gasHeadroomDen
	price := c.clampGasPrice(gasPrice)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gasLimit,
		GasPrice: price,
		Data:     input,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign anchorBatch: %w", err)
	}

	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, signed)
	})
	if err != nil {
		return "", fmt.Errorf("chain: send anchorBatch: %w", err)
	}

	txHash := signed.Hash().Hex()
	c.logger.Info("anchor transaction sent",
		"tx", txHash, "root", merkleRoot.Hex(), "size", batchSize,
		"gas", gasLimit, "gasPrice", price.String())
	return txHash, nil
}

// clampGasPrice bounds the suggested price to MaxGasPrice using uint256
// arithmetic (suggested prices are always non-negative and word-sized).
func (c *Client) clampGasPrice(suggested *big.Int) *big.Int {
	price, overflow := uint256.FromBig(suggested)
	if overflow {
		price = uint256.NewInt(c.cfg.MaxGasPrice)
	}
	if c.cfg.MaxGasPrice > 0 {
		max := uint256.NewInt(c.cfg.MaxGasPrice)
		if price.Gt(max) {
			price = max
		}
	}
	return price.ToBig()
}

// RegisterIndividualInvoice sends the optional per-invoice indexing call.
// Best-effort: callers log failures and move on.
func (c *Client) RegisterIndividualInvoice(ctx context.Context, merkleRoot common.Hash, invoiceID, cid string, invoiceHash common.Hash) (string, error) {
	if c.key == nil {
		return "", ErrNoSigner
	}
	input, err := parsedABI.Pack("registerIndividualInvoice", merkleRoot, invoiceID, cid, invoiceHash)
	if err != nil {
		return "", fmt.Errorf("chain: pack registerIndividualInvoice: %w", err)
	}
	return c.sendSimple(ctx, input)
}

// sendSimple prepares, signs, and sends a contract call without headroom
// tuning beyond the shared estimate path.
func (c *Client) sendSimple(ctx context.Context, input []byte) (string, error) {
	var (
		nonce    uint64
		gasLimit uint64
		gasPrice *big.Int
	)
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		if nonce, err = c.backend.PendingNonceAt(ctx, c.sender); err != nil {
			return err
		}
		if gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.sender, To: &c.contract, Data: input}); err != nil {
			return err
		}
		gasPrice, err = c.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gasLimit * gasHeadroomNum / gasHeadroomDen,
		GasPrice: c.clampGasPrice(gasPrice),
		Data:     input,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", err
	}
	if err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, signed)
	}); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}
