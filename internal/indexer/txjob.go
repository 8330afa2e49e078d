// txjob.go handles transaction hints: poll the receipt (the hint usually
// arrives before the node has it), fetch the containing block's logs,
// partition by pool, and apply each market's slice in canonical order.
//
// Confirmations are 0 on this path: a receipt in hand proves inclusion,
// and every write is idempotent, so a reorg replay is harmless. The
// reconciliation loop applies its own confirmations knob.
package indexer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"fpmm-indexer/internal/amm"
	"fpmm-indexer/internal/bus"
	"fpmm-indexer/internal/chain"
	"fpmm-indexer/pkg/types"
)

// processTx resolves one transaction hint end to end.
func (ix *Indexer) processTx(ctx context.Context, job types.TxJob) {
	txHash := common.HexToHash(job.TxHash)
	logger := ix.logger.With("tx", job.TxHash)

	receipt, err := ix.pollReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Never lose a hint: back on the queue for a later pass.
		logger.Warn("receipt unavailable, requeueing", "error", err)
		if qErr := ix.txQ.Enqueue(ctx, job); qErr != nil {
			logger.Error("requeue failed, hint lost", "error", qErr)
		}
		return
	}

	logs, err := ix.gateway.BlockLogs(ctx, receipt.BlockHash)
	if err != nil {
		logger.Error("block logs fetch failed, requeueing", "error", err)
		if qErr := ix.txQ.Enqueue(ctx, job); qErr != nil {
			logger.Error("requeue failed, hint lost", "error", qErr)
		}
		return
	}

	block := receipt.BlockNumber.Uint64()
	ts, err := ix.blockTimestamp(ctx, block)
	if err != nil {
		logger.Error("block timestamp fetch failed", "error", err)
		return
	}

	// Partition logs by lowercase pool address, preserving first-seen order.
	byPool := make(map[string][]ethtypes.Log)
	var order []string
	for _, lg := range logs {
		addr := strings.ToLower(lg.Address.Hex())
		if _, seen := byPool[addr]; !seen {
			order = append(order, addr)
		}
		byPool[addr] = append(byPool[addr], lg)
	}

	head, _ := ix.LatestHead(ctx)

	for _, addr := range order {
		market, err := ix.marketByPool(ctx, addr)
		if err != nil {
			logger.Error("market lookup failed", "pool", addr, "error", err)
			continue
		}
		if market == nil {
			continue // not one of ours
		}

		poolLogs := byPool[addr]
		sort.Slice(poolLogs, func(i, j int) bool { return poolLogs[i].Index < poolLogs[j].Index })

		if err := ix.applyMarketLogs(ctx, market, poolLogs, func(uint64) (time.Time, error) { return ts, nil }); err != nil {
			// No cursor advance for this market; schedule recovery.
			logger.Error("apply failed, scheduling sweep", "market", market.ID, "error", err)
			if _, sErr := ix.sweepQ.Enqueue(ctx, market.ID); sErr != nil {
				logger.Error("recovery sweep enqueue failed", "market", market.ID, "error", sErr)
			}
			continue
		}

		if err := ix.store.EnsureMarketSync(ctx, market.ID, ix.initialCursor(block)); err != nil {
			logger.Error("ensure cursor failed", "market", market.ID, "error", err)
			continue
		}
		if err := ix.store.AdvanceMarketSync(ctx, market.ID, block, false); err != nil {
			logger.Error("cursor advance failed", "market", market.ID, "error", err)
			continue
		}
		ix.publishIndexed(market.ID, block, head)
	}
}

// initialCursor places a brand-new market's cursor just behind the block
// that introduced it, clamped to the configured baseline, so the first
// sweep doesn't replay history older than the pool.
func (ix *Indexer) initialCursor(block uint64) uint64 {
	start := uint64(0)
	if block > ix.cfg.InitLagBlocks {
		start = block - ix.cfg.InitLagBlocks
	}
	if start < ix.cfg.BaselineBlock {
		start = ix.cfg.BaselineBlock
	}
	return start
}

// pollReceipt retries a not-found receipt until the chain catches up,
// bounded by maxReceiptAttempts.
func (ix *Indexer) pollReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < maxReceiptAttempts; attempt++ {
		receipt, err := ix.gateway.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
	return nil, lastErr
}

// applyMarketLogs runs the decoder+applier over one market's logs (already
// sorted by (block, logIndex)) and persists everything each event
// produced. tsOf resolves a block number to its timestamp.
//
// Events at or before the hydrated state cursor are skipped: the
// liquidity row is written last per event and doubles as its commit
// marker, so a replay never re-merges candle volume for an event that
// already fully landed, and a partially written event (trade or candle
// missing) replays in full.
func (ix *Indexer) applyMarketLogs(ctx context.Context, market *types.Market, logs []ethtypes.Log, tsOf func(uint64) (time.Time, error)) error {
	state, err := ix.store.LoadMarketState(ctx, market.ID, market.FPMMAddress)
	if err != nil {
		return err
	}
	state.ConditionID = market.ConditionID

	for _, lg := range logs {
		if lg.BlockNumber < state.LastProcessedBlock ||
			(lg.BlockNumber == state.LastProcessedBlock && lg.Index <= state.LastProcessedLogIndex &&
				(state.LastProcessedBlock > 0 || state.LastProcessedLogIndex > 0)) {
			continue // already committed
		}
		ev := chain.DecodePoolLog(lg)
		if ev == nil {
			continue // unknown topic — inert
		}
		ts, err := tsOf(lg.BlockNumber)
		if err != nil {
			return err
		}

		res := amm.Apply(state, ev, amm.EventMeta{
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
			BlockNumber: lg.BlockNumber,
			Timestamp:   ts,
		})

		if res.Trade != nil {
			if err := ix.store.InsertTrade(ctx, *res.Trade); err != nil {
				return err
			}
		}
		if res.Candle != nil {
			if err := ix.store.UpsertCandle(ctx, *res.Candle); err != nil {
				return err
			}
		}
		if res.Spot != nil {
			if err := ix.store.UpsertSpotPoint(ctx, *res.Spot); err != nil {
				return err
			}
		}
		if res.Liquidity != nil {
			if err := ix.store.InsertLiquidityEvent(ctx, *res.Liquidity); err != nil {
				return err
			}
		}
		if res.Trade != nil {
			ix.publishTrade(*res.Trade)
		}
	}
	return nil
}

// publishTrade fans a persisted trade out on the bus. Publish failure is
// log-only — storage already committed.
func (ix *Indexer) publishTrade(t types.Trade) {
	msg := bus.TradeMessage{
		Type:        "trade",
		MarketID:    t.MarketID,
		TxHash:      t.TxHash,
		LogIndex:    t.LogIndex,
		BlockNumber: t.BlockNumber,
		Timestamp:   t.Timestamp.UTC().Format(time.RFC3339Nano),
		Side:        string(t.Side),
		Outcome:     int(t.Outcome),
		AmountIn:    t.AmountInUSDF.String(),
		Price:       t.Price.String(),
		Shares:      t.AmountOutShares.String(),
	}
	if err := bus.PublishJSON(ix.bus, bus.TradesTopic(t.MarketID), msg); err != nil {
		ix.logger.Warn("trade publish failed", "market", t.MarketID, "error", err)
	}
}

// publishIndexed fans out an indexing-progress notification.
func (ix *Indexer) publishIndexed(marketID string, lastIndexed, head uint64) {
	msg := bus.NewIndexedMessage(marketID, lastIndexed, head)
	if err := bus.PublishJSON(ix.bus, bus.TradesTopic(marketID), msg); err != nil {
		ix.logger.Warn("indexed publish failed", "market", marketID, "error", err)
	}
}
