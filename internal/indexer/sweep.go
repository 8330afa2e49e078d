// sweep.go replays windows of logs for one market from its cursor toward
// the chain head. Work per job is bounded by SweepMaxBatches windows of
// ScanBlocksPerBatch blocks; a market that is still behind after that gets
// picked up again by the periodic sweeper or the next read-path hint.
package indexer

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// firstTradeSafetyFloor is the minimum rewind applied when bootstrapping a
// cursor from the oldest persisted trade.
const firstTradeSafetyFloor = 50000

// ApplyLogs sorts one market's logs into canonical order and runs them
// through the decoder, applier, and store. Shared with the reconciliation
// sweeper so both ingest paths produce identical rows.
func (ix *Indexer) ApplyLogs(ctx context.Context, marketID string, logs []ethtypes.Log) error {
	market, err := ix.marketByID(ctx, marketID)
	if err != nil {
		return err
	}
	if market == nil {
		return nil
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return ix.applyMarketLogs(ctx, market, logs, func(block uint64) (time.Time, error) {
		return ix.blockTimestamp(ctx, block)
	})
}

// processSweep drains up to SweepMaxBatches log windows for one market.
// The sweep lock is released on every exit path.
func (ix *Indexer) processSweep(ctx context.Context, marketID string) {
	defer func() {
		if err := ix.sweepQ.ReleaseLock(context.WithoutCancel(ctx), marketID); err != nil {
			ix.logger.Warn("sweep lock release failed", "market", marketID, "error", err)
		}
	}()

	logger := ix.logger.With("market", marketID)

	market, err := ix.marketByID(ctx, marketID)
	if err != nil || market == nil {
		logger.Warn("sweep: market lookup failed", "error", err)
		return
	}
	if market.FPMMAddress == "" {
		return // not seeded yet, nothing on chain to sweep
	}

	if err := ix.store.EnsureMarketSync(ctx, marketID, ix.cfg.BaselineBlock); err != nil {
		logger.Error("sweep: ensure cursor failed", "error", err)
		return
	}
	ms, err := ix.store.GetMarketSync(ctx, marketID)
	if err != nil || ms == nil {
		logger.Error("sweep: cursor read failed", "error", err)
		return
	}
	lastIndexed := ms.LastIndexedBlock

	safeHead, err := ix.RefreshHead(ctx)
	if err != nil {
		logger.Error("sweep: head fetch failed", "error", err)
		return
	}

	if safeHead <= lastIndexed || safeHead-lastIndexed <= ix.cfg.SweepWindowBlocks {
		return // close enough to head, nothing to do
	}

	// Bootstrap a migrated market: when the cursor still sits at 0 but
	// trades already exist, start a safety margin before the oldest trade
	// instead of scanning from genesis. The baseline stays a hard floor.
	if lastIndexed == 0 {
		if first, ok, err := ix.store.FirstTradeBlock(ctx, marketID); err == nil && ok {
			safety := ix.cfg.ScanBlocksPerBatch * uint64(ix.cfg.SweepMaxBatches)
			if safety < firstTradeSafetyFloor {
				safety = firstTradeSafetyFloor
			}
			start := uint64(0)
			if first > safety {
				start = first - safety
			}
			if start < ix.cfg.BaselineBlock {
				start = ix.cfg.BaselineBlock
			}
			if start > 0 {
				if err := ix.store.RewindMarketSync(ctx, marketID, start); err != nil {
					logger.Error("sweep: bootstrap cursor write failed", "error", err)
					return
				}
				lastIndexed = start
				logger.Info("sweep: bootstrapped cursor from first trade", "block", start)
			}
		}
	}

	addr := common.HexToAddress(market.FPMMAddress)

	for batch := 0; batch < ix.cfg.SweepMaxBatches; batch++ {
		from := lastIndexed + 1
		if from > safeHead {
			break
		}
		to := from + ix.cfg.ScanBlocksPerBatch - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := ix.gateway.AddressLogs(ctx, from, to, []common.Address{addr})
		if err != nil {
			logger.Error("sweep: log fetch failed", "from", from, "to", to, "error", err)
			return
		}

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})

		if len(logs) > 0 {
			if err := ix.applyMarketLogs(ctx, market, logs, func(block uint64) (time.Time, error) {
				return ix.blockTimestamp(ctx, block)
			}); err != nil {
				logger.Error("sweep: apply failed", "from", from, "to", to, "error", err)
				return // cursor stays put; next sweep retries this window
			}
		}

		if err := ix.store.AdvanceMarketSync(ctx, marketID, to, true); err != nil {
			logger.Error("sweep: cursor advance failed", "error", err)
			return
		}
		lastIndexed = to

		if to >= safeHead {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interWindowSleep):
		}
	}

	if err := ix.store.AdvanceMarketSync(ctx, marketID, lastIndexed, false); err != nil {
		logger.Error("sweep: final cursor write failed", "error", err)
	}
	ix.publishIndexed(marketID, lastIndexed, safeHead)
}
