package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/invanchor/invanchor/retry"
)

// VerifyInvoiceByCID performs the read-only on-chain proof check.
func (c *Client) VerifyInvoiceByCID(ctx context.Context, merkleRoot common.Hash, cid string, proof []common.Hash) (bool, error) {
	input, err := parsedABI.Pack("verifyInvoiceByCID", merkleRoot, cid, proofWords(proof))
	if err != nil {
		return false, fmt.Errorf("chain: pack verifyInvoiceByCID: %w", err)
	}

	var out []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("chain: verifyInvoiceByCID: %w", err)
	}

	vals, err := parsedABI.Unpack("verifyInvoiceByCID", out)
	if err != nil {
		return false, fmt.Errorf("chain: unpack verifyInvoiceByCID: %w", err)
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

// GetBatch reads the anchored batch tuple for a Merkle root. It returns
// (nil, nil) when the contract has no batch under that root.
func (c *Client) GetBatch(ctx context.Context, merkleRoot common.Hash) (*BatchView, error) {
	input, err := parsedABI.Pack("getBatch", merkleRoot)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getBatch: %w", err)
	}

	var out []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: getBatch: %w", err)
	}

	vals, err := parsedABI.Unpack("getBatch", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getBatch: %w", err)
	}
	view := &BatchView{
		MerkleRoot:  vals[0].([32]byte),
		BatchSize:   vals[1].(*big.Int),
		Issuer:      vals[2].(common.Address),
		MetadataURI: vals[3].(string),
		Timestamp:   vals[4].(*big.Int),
	}
	if view.Zero() {
		return nil, nil
	}
	return view, nil
}

// TransactionReceipt fetches the receipt for a transaction hash, returning
// (nil, nil) while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var rcpt *types.Receipt
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			rcpt = nil
			return nil
		}
		if err != nil {
			return err
		}
		rcpt = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: receipt %s: %w", txHash, err)
	}
	return rcpt, nil
}

// CurrentBlock returns the latest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		n, err = c.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: current block: %w", err)
	}
	return n, nil
}

// Confirmation describes where a transaction stands relative to a required
// confirmation depth.
type Confirmation struct {
	// Mined is true once a receipt exists.
	Mined bool
	// Deep is true once the containing block is at least the required
	// number of confirmations below the head.
	Deep bool
	// Success mirrors the receipt status (true = status 1).
	Success bool
	// BlockNumber is the containing block, valid when Mined.
	BlockNumber uint64
}

// ConfirmationStatus reports the full confirmation state for txHash; the
// poller uses it to distinguish success, revert, and still-pending.
func (c *Client) ConfirmationStatus(ctx context.Context, txHash string, required uint64) (*Confirmation, error) {
	rcpt, err := c.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if rcpt == nil {
		return &Confirmation{}, nil
	}
	head, err := c.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	block := rcpt.BlockNumber.Uint64()
	depth := uint64(0)
	if head >= block {
		depth = head - block + 1
	}
	return &Confirmation{
		Mined:       true,
		Deep:        depth >= required,
		Success:     rcpt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: block,
	}, nil
}

// IsConfirmed reports whether txHash has a successful receipt buried at
// least requiredConfirmations blocks deep.
func (c *Client) IsConfirmed(ctx context.Context, txHash string, requiredConfirmations uint64) (bool, error) {
	st, err := c.ConfirmationStatus(ctx, txHash, requiredConfirmations)
	if err != nil {
		return false, err
	}
	return st.Mined && st.Deep && st.Success, nil
}
