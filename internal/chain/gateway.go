// gateway.go is the single door to the chain: every outbound read —
// head, block header, receipt, logs, contract calls — is wrapped in
// withLimit, which acquires a limiter token, retries rate-limit errors
// with adaptive backoff, and propagates everything else to the caller.
// Callers own cancellation; rate-limit retries continue until the context
// is cancelled.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of ethclient the gateway consumes. Narrowed to an
// interface so tests can inject a fake chain.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Gateway serializes all chain reads through a shared Limiter. A secondary
// backend, when configured, is tried once per call after the primary fails
// with a non-rate-limit error.
type Gateway struct {
	backend  Backend
	fallback Backend // nil if no fallback endpoint configured
	limiter  *Limiter
	logger   *slog.Logger
}

// Dial connects the primary (and optional fallback) HTTP endpoints and
// wraps them in a Gateway.
func Dial(ctx context.Context, url, fallbackURL string, limiter *Limiter, logger *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	var fb Backend
	if fallbackURL != "" {
		fbClient, err := ethclient.DialContext(ctx, fallbackURL)
		if err != nil {
			logger.Warn("fallback rpc unavailable", "error", err)
		} else {
			fb = fbClient
		}
	}

	return NewGateway(client, fb, limiter, logger), nil
}

// NewGateway wires a gateway over explicit backends.
func NewGateway(backend, fallback Backend, limiter *Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		backend:  backend,
		fallback: fallback,
		limiter:  limiter,
		logger:   logger.With("component", "rpc-gateway"),
	}
}

// Stats returns limiter telemetry for the health endpoint.
func (g *Gateway) Stats() LimiterStats {
	return g.limiter.Stats()
}

// withLimit runs op under the token bucket. Rate-limit errors sleep the
// current backoff and retry indefinitely; any other error returns after a
// single fallback attempt (when one is configured).
func withLimit[T any](ctx context.Context, g *Gateway, label string, op func(ctx context.Context, b Backend) (T, error)) (T, error) {
	var zero T
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		res, err := op(ctx, g.backend)
		if err == nil {
			g.limiter.OnSuccess()
			return res, nil
		}

		if IsRateLimitErr(err) {
			sleep := g.limiter.OnRateLimited()
			g.logger.Warn("rpc throttled", "op", label, "backoff", sleep)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}

		if g.fallback != nil {
			if res, fbErr := op(ctx, g.fallback); fbErr == nil {
				g.limiter.OnSuccess()
				return res, nil
			}
		}
		return zero, fmt.Errorf("%s: %w", label, err)
	}
}

// BlockNumber returns the current chain head.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	return withLimit(ctx, g, "getBlockNumber", func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

// HeaderByNumber fetches one block header (used for block timestamps).
func (g *Gateway) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return withLimit(ctx, g, "getBlock", func(ctx context.Context, b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
}

// TransactionReceipt fetches a receipt. A not-found result propagates as
// the backend's error so the caller can distinguish chain lag.
func (g *Gateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return withLimit(ctx, g, "getTransactionReceipt", func(ctx context.Context, b Backend) (*types.Receipt, error) {
		return b.TransactionReceipt(ctx, txHash)
	})
}

// BlockLogs fetches every log of a single block by hash.
func (g *Gateway) BlockLogs(ctx context.Context, blockHash common.Hash) ([]types.Log, error) {
	return withLimit(ctx, g, "getLogs", func(ctx context.Context, b Backend) ([]types.Log, error) {
		return b.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
	})
}

// AddressLogs fetches logs for a set of addresses over [from, to].
func (g *Gateway) AddressLogs(ctx context.Context, from, to uint64, addrs []common.Address) ([]types.Log, error) {
	return withLimit(ctx, g, "getLogs", func(ctx context.Context, b Backend) ([]types.Log, error) {
		return b.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addrs,
		})
	})
}

// CallContract performs an eth_call at the latest block.
func (g *Gateway) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return withLimit(ctx, g, "call", func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
}

// balanceOf(address,uint256) — ERC-1155 single-id balance read.
var balanceOfSelector = [4]byte{0x00, 0xfd, 0xd5, 0x8e}

// PoolReserves probes a pool's conditional-token balances (YES and NO
// position ids) on the CTF contract. Used by the summary read path when
// stored liquidity looks stale.
func (g *Gateway) PoolReserves(ctx context.Context, ctf, pool common.Address, yesPos, noPos common.Hash) (*big.Int, *big.Int, error) {
	yes, err := g.erc1155Balance(ctx, ctf, pool, yesPos)
	if err != nil {
		return nil, nil, err
	}
	no, err := g.erc1155Balance(ctx, ctf, pool, noPos)
	if err != nil {
		return nil, nil, err
	}
	return yes, no, nil
}

func (g *Gateway) erc1155Balance(ctx context.Context, token, account common.Address, id common.Hash) (*big.Int, error) {
	data := make([]byte, 4+32+32)
	copy(data[:4], balanceOfSelector[:])
	copy(data[4+12:4+32], account.Bytes())
	copy(data[4+32:], id.Bytes())

	out, err := g.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("balanceOf: short return (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}
