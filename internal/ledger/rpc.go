package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// accountBatchSize caps getMultipleAccounts chunks.
	accountBatchSize = 100
	// txBatchSize caps a GetTransactions chunk.
	txBatchSize = 100
	// txFetchParallelism bounds concurrent per-item fetches inside a chunk.
	txFetchParallelism = 8

	rpcInitialBackoff = 500 * time.Millisecond
	rpcMaxBackoff     = 8 * time.Second
	rpcMaxRetries     = 3
)

// RPCClient implements Client over a JSON-RPC node endpoint.
type RPCClient struct {
	rpc    *rpc.Client
	logger *zap.Logger
}

// NewRPCClient dials the node endpoint.
func NewRPCClient(endpoint string, logger *zap.Logger) *RPCClient {
	return &RPCClient{
		rpc:    rpc.New(endpoint),
		logger: logger.Named("ledger"),
	}
}

var _ Client = (*RPCClient)(nil)

func toCommitment(c Commitment) rpc.CommitmentType {
	if c == CommitmentFinalized {
		return rpc.CommitmentFinalized
	}
	return rpc.CommitmentConfirmed
}

// withRetry runs fn with bounded exponential backoff for transient
// transport errors. Not-found conditions are not retried.
func (c *RPCClient) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := rpcInitialBackoff
	var err error
	for attempt := 0; attempt <= rpcMaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying rpc call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > rpcMaxBackoff {
				backoff = rpcMaxBackoff
			}
		}
		err = fn()
		if err == nil || errors.Is(err, rpc.ErrNotFound) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%s: exhausted retries: %w", op, err)
}

func (c *RPCClient) ListSignatures(ctx context.Context, program solana.PublicKey, before, until *solana.Signature, limit int) ([]SignatureInfo, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Commitment: rpc.CommitmentConfirmed,
	}
	if limit > 0 {
		opts.Limit = &limit
	}
	if before != nil {
		opts.Before = *before
	}
	if until != nil {
		opts.Until = *until
	}

	var raw []*rpc.TransactionSignature
	err := c.withRetry(ctx, "getSignaturesForAddress", func() error {
		var err error
		raw, err = c.rpc.GetSignaturesForAddressWithOpts(ctx, program, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]SignatureInfo, 0, len(raw))
	for _, sig := range raw {
		info := SignatureInfo{
			Signature: sig.Signature,
			Slot:      sig.Slot,
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			t := sig.BlockTime.Time()
			info.BlockTime = &t
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	maxVersion := uint64(0)
	var res *rpc.GetTransactionResult
	err := c.withRetry(ctx, "getTransaction", func() error {
		var err error
		res, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	tx := &Transaction{
		Signature: sig,
		Slot:      res.Slot,
	}
	if res.BlockTime != nil {
		t := res.BlockTime.Time()
		tx.BlockTime = &t
	}
	if res.Meta != nil {
		tx.LogMessages = res.Meta.LogMessages
		tx.Failed = res.Meta.Err != nil
	}
	return tx, nil
}

func (c *RPCClient) GetTransactions(ctx context.Context, sigs []solana.Signature) (map[solana.Signature]*Transaction, error) {
	out := make(map[solana.Signature]*Transaction, len(sigs))
	var mu sync.Mutex

	for start := 0; start < len(sigs); start += txBatchSize {
		end := start + txBatchSize
		if end > len(sigs) {
			end = len(sigs)
		}
		chunk := sigs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(txFetchParallelism)
		for _, sig := range chunk {
			sig := sig
			g.Go(func() error {
				tx, err := c.GetTransaction(gctx, sig)
				if err != nil {
					// Degrade: leave the signature out and let the caller's
					// per-item path pick it up.
					c.logger.Warn("batch transaction fetch item failed",
						zap.String("signature", sig.String()), zap.Error(err))
					return nil
				}
				if tx != nil {
					mu.Lock()
					out[sig] = tx
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *RPCClient) GetBlockSignatures(ctx context.Context, slot uint64) ([]solana.Signature, error) {
	maxVersion := uint64(0)
	includeRewards := false
	var res *rpc.GetBlockResult
	err := c.withRetry(ctx, "getBlock", func() error {
		var err error
		res, err = c.rpc.GetBlockWithOpts(ctx, slot, &rpc.GetBlockOpts{
			TransactionDetails:             rpc.TransactionDetailsSignatures,
			Commitment:                     rpc.CommitmentConfirmed,
			Rewards:                        &includeRewards,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("getBlock %d: empty result", slot)
	}
	return res.Signatures, nil
}

func (c *RPCClient) GetAccount(ctx context.Context, key solana.PublicKey, commitment Commitment) (*Account, error) {
	var res *rpc.GetAccountInfoResult
	err := c.withRetry(ctx, "getAccountInfo", func() error {
		var err error
		res, err = c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: toCommitment(commitment),
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil {
		return nil, nil
	}
	return accountFromRPC(res.Value), nil
}

func (c *RPCClient) GetAccounts(ctx context.Context, keys []solana.PublicKey, commitment Commitment) ([]*Account, error) {
	out := make([]*Account, len(keys))
	for start := 0; start < len(keys); start += accountBatchSize {
		end := start + accountBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		var res *rpc.GetMultipleAccountsResult
		err := c.withRetry(ctx, "getMultipleAccounts", func() error {
			var err error
			res, err = c.rpc.GetMultipleAccountsWithOpts(ctx, chunk, &rpc.GetMultipleAccountsOpts{
				Encoding:   solana.EncodingBase64,
				Commitment: toCommitment(commitment),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		for i, acc := range res.Value {
			if acc != nil {
				out[start+i] = accountFromRPC(acc)
			}
		}
	}
	return out, nil
}

func (c *RPCClient) CurrentSlot(ctx context.Context, commitment Commitment) (uint64, error) {
	var slot uint64
	err := c.withRetry(ctx, "getSlot", func() error {
		var err error
		slot, err = c.rpc.GetSlot(ctx, toCommitment(commitment))
		return err
	})
	return slot, err
}

func accountFromRPC(acc *rpc.Account) *Account {
	out := &Account{
		Owner:    acc.Owner,
		Lamports: acc.Lamports,
	}
	if acc.Data != nil {
		out.Data = acc.Data.GetBinary()
	}
	return out
}
