// Package ingest maintains the push-subscription side of the pipeline.
//
// One log subscription runs per known pool plus one for the pool factory.
// The ingestor never decodes or persists: each received log is reduced to
// its transaction hash and enqueued as a hint for the indexer, which
// refetches the block's logs itself. The watch-list refreshes every
// minute; factory creation events add new pools immediately. A pool
// subscription that errors is logged, dropped, and resubscribed on the
// next watch-list refresh; the factory subscription is re-established only
// when the connection is rebuilt. A failed subscribe rebuilds the
// connection, and failed dials retry with doubling backoff. The
// reconciliation sweeper covers the gap in the meantime.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/queue"
	"fpmm-indexer/pkg/types"
)

const (
	refreshInterval  = 60 * time.Second
	logBuffer        = 128
	reconnectBase    = time.Second
	maxReconnectWait = 30 * time.Second
)

// Store supplies the watch-list.
type Store interface {
	PooledMarkets(ctx context.Context) ([]types.Market, error)
}

// Ingestor owns the WS connection and one subscription per watched
// address.
type Ingestor struct {
	wsURL   string
	factory common.Address
	store   Store
	txQ     queue.TxQueue
	logger  *slog.Logger

	mu     sync.Mutex
	client *ethclient.Client
	subs   map[string]ethereum.Subscription // lowercase address → live sub

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an ingestor. Run must be called to start it; an empty wsURL
// disables live ingestion entirely (the sweeper carries the load).
func New(wsURL, factoryAddr string, st Store, txQ queue.TxQueue, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		wsURL:   wsURL,
		factory: common.HexToAddress(factoryAddr),
		store:   st,
		txQ:     txQ,
		subs:    make(map[string]ethereum.Subscription),
		logger:  logger.With("component", "ingest"),
	}
}

// Start launches the connection manager goroutine.
func (in *Ingestor) Start(ctx context.Context) {
	if in.wsURL == "" {
		in.logger.Info("no ws endpoint configured, live ingestion disabled")
		return
	}
	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go in.run(ctx)
}

// Stop tears down the connection and waits for all goroutines.
func (in *Ingestor) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
}

// run dials, subscribes, and refreshes until the context ends. Any
// connection-level failure reconnects with doubling backoff.
func (in *Ingestor) run(ctx context.Context) {
	defer in.wg.Done()

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client, err := ethclient.DialContext(ctx, in.wsURL)
		if err != nil {
			in.logger.Warn("ws dial failed, retrying", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = doubled(backoff)
			continue
		}
		backoff = reconnectBase

		in.mu.Lock()
		in.client = client
		in.subs = make(map[string]ethereum.Subscription)
		in.mu.Unlock()

		in.subscribeFactory(ctx)
		in.refreshWatchList(ctx)

		// Block here until the context ends or the refresh loop detects a
		// dead connection.
		if !in.refreshLoop(ctx) {
			client.Close()
			return
		}
		client.Close()
		in.logger.Warn("ws connection lost, reconnecting")
	}
}

// refreshLoop re-reads the watch-list every minute. Returns false when
// the context is done and true when the connection needs a rebuild.
func (in *Ingestor) refreshLoop(ctx context.Context) bool {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !in.refreshWatchList(ctx) {
				return true
			}
		}
	}
}

// refreshWatchList subscribes any pool not yet watched. Returns false if
// the connection looks dead.
func (in *Ingestor) refreshWatchList(ctx context.Context) bool {
	markets, err := in.store.PooledMarkets(ctx)
	if err != nil {
		in.logger.Warn("watch-list refresh failed", "error", err)
		return true
	}

	for _, m := range markets {
		if m.FPMMAddress == "" {
			continue
		}
		if !in.watchPool(ctx, m.FPMMAddress, m.ID) {
			return false
		}
	}
	return true
}

// watchPool adds one pool subscription if absent. Returns false on a
// connection-level subscribe failure.
func (in *Ingestor) watchPool(ctx context.Context, addr, marketID string) bool {
	key := strings.ToLower(addr)

	in.mu.Lock()
	client := in.client
	if _, ok := in.subs[key]; ok || client == nil {
		in.mu.Unlock()
		return client != nil
	}
	in.mu.Unlock()

	ch := make(chan ethtypes.Log, logBuffer)
	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(addr)},
	}, ch)
	if err != nil {
		in.logger.Warn("pool subscribe failed", "pool", key, "error", err)
		return false
	}

	in.mu.Lock()
	in.subs[key] = sub
	in.mu.Unlock()
	in.logger.Info("watching pool", "pool", key, "market", marketID)

	in.wg.Add(1)
	go in.pump(ctx, key, marketID, ch, sub)
	return true
}

// subscribeFactory watches pool-creation events so new pools are picked
// up ahead of the next refresh tick.
func (in *Ingestor) subscribeFactory(ctx context.Context) {
	if in.factory == (common.Address{}) {
		return
	}

	in.mu.Lock()
	client := in.client
	in.mu.Unlock()
	if client == nil {
		return
	}

	ch := make(chan ethtypes.Log, logBuffer)
	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{in.factory},
		Topics:    [][]common.Hash{{chain.TopicPoolCreated}},
	}, ch)
	if err != nil {
		in.logger.Warn("factory subscribe failed", "error", err)
		return
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					in.logger.Warn("factory subscription error", "error", err)
				}
				return
			case lg := <-ch:
				in.enqueue(ctx, lg, "")
				if creation := chain.DecodePoolCreation(lg); creation != nil {
					// Watch the new pool right away; the market row lands
					// with the admin seed and resolves on apply.
					in.watchPool(ctx, creation.Pool.Hex(), "")
				}
			}
		}
	}()
}

// pump forwards one subscription's logs into the tx queue.
func (in *Ingestor) pump(ctx context.Context, key, marketID string, ch <-chan ethtypes.Log, sub ethereum.Subscription) {
	defer in.wg.Done()
	defer func() {
		in.mu.Lock()
		delete(in.subs, key)
		in.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case err := <-sub.Err():
			if err != nil {
				in.logger.Warn("pool subscription error", "pool", key, "error", err)
			}
			return
		case lg := <-ch:
			in.enqueue(ctx, lg, marketID)
		}
	}
}

// enqueue turns one log into a transaction hint.
func (in *Ingestor) enqueue(ctx context.Context, lg ethtypes.Log, marketID string) {
	job := types.TxJob{TxHash: lg.TxHash.Hex(), MarketID: marketID}
	if err := in.txQ.Enqueue(ctx, job); err != nil {
		in.logger.Error("tx hint enqueue failed", "tx", job.TxHash, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func doubled(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectWait {
		d = maxReconnectWait
	}
	return d
}
