// Package recon is the periodic reconciliation sweeper — the fallback
// ingest path that closes gaps when push subscriptions are missing logs
// or unavailable entirely.
//
// Each cycle reads the safe head (head minus confirmations — this loop
// persists ranges it never saw receipts for, so it waits out shallow
// reorgs), then walks every known pool from its cursor toward the safe
// head in bounded windows, chunking addresses so one getLogs call covers
// up to 40 pools. Every window commits its cursors, so a crash mid-cycle
// loses no progress.
package recon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"fpmm-indexer/internal/config"
	"fpmm-indexer/pkg/types"
)

const maxAddressesPerQuery = 40

// Store is the persistence surface the sweeper needs.
type Store interface {
	PooledMarkets(ctx context.Context) ([]types.Market, error)
	GetMarketSync(ctx context.Context, marketID string) (*types.MarketSync, error)
	EnsureMarketSync(ctx context.Context, marketID string, baseline uint64) error
	AdvanceMarketSync(ctx context.Context, marketID string, block uint64, sweeping bool) error
	RewindMarketSync(ctx context.Context, marketID string, block uint64) error
}

// Gateway is the chain-read surface.
type Gateway interface {
	BlockNumber(ctx context.Context) (uint64, error)
	AddressLogs(ctx context.Context, from, to uint64, addrs []common.Address) ([]ethtypes.Log, error)
}

// Applier applies one market's logs; implemented by the indexer so both
// ingest paths share one decoder and one write path.
type Applier interface {
	ApplyLogs(ctx context.Context, marketID string, logs []ethtypes.Log) error
}

// Sweeper runs the reconciliation cycle on a fixed period.
type Sweeper struct {
	cfg      config.ReconConfig
	baseline uint64
	store    Store
	gateway  Gateway
	applier  Applier
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a sweeper.
func New(cfg config.ReconConfig, baseline uint64, st Store, gw Gateway, ap Applier, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		baseline: baseline,
		store:    st,
		gateway:  gw,
		applier:  ap,
		logger:   logger.With("component", "recon"),
	}
}

// Start launches the periodic loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("reconciliation cycle failed", "error", err)
				}
			}
		}
	}()
	s.logger.Info("reconciliation sweeper started",
		"interval", s.cfg.Interval, "confirmations", s.cfg.Confirmations)
}

// Stop cancels the loop and waits for the current cycle.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Cycle runs one reconciliation pass over every known pool.
func (s *Sweeper) Cycle(ctx context.Context) error {
	head, err := s.gateway.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= s.cfg.Confirmations {
		return nil
	}
	safeHead := head - s.cfg.Confirmations

	markets, err := s.store.PooledMarkets(ctx)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		return nil
	}

	// Per-market cursors, with jump-to-head protection: a cursor that has
	// fallen behind by more than the jump threshold warps to head−2. The
	// operator is recovering from a long outage; full replay is not wanted.
	cursors := make(map[string]uint64, len(markets))
	var active []types.Market
	for _, m := range markets {
		if err := s.store.EnsureMarketSync(ctx, m.ID, s.baseline); err != nil {
			s.logger.Warn("ensure cursor failed", "market", m.ID, "error", err)
			continue
		}
		ms, err := s.store.GetMarketSync(ctx, m.ID)
		if err != nil || ms == nil {
			s.logger.Warn("cursor read failed", "market", m.ID, "error", err)
			continue
		}
		last := ms.LastIndexedBlock
		if safeHead > last && safeHead-last > s.cfg.JumpThreshold {
			warp := head - 2
			s.logger.Warn("cursor far behind head, warping forward",
				"market", m.ID, "from", last, "to", warp)
			if err := s.store.RewindMarketSync(ctx, m.ID, warp); err != nil {
				s.logger.Warn("warp write failed", "market", m.ID, "error", err)
				continue
			}
			last = warp
		}
		if last >= safeHead {
			continue
		}
		cursors[m.ID] = last
		active = append(active, m)
	}

	for start := 0; start < len(active); start += maxAddressesPerQuery {
		end := start + maxAddressesPerQuery
		if end > len(active) {
			end = len(active)
		}
		if err := s.sweepChunk(ctx, active[start:end], cursors, safeHead); err != nil {
			return err
		}
	}
	return nil
}

// sweepChunk walks one address chunk from its lowest cursor to safeHead.
func (s *Sweeper) sweepChunk(ctx context.Context, markets []types.Market, cursors map[string]uint64, safeHead uint64) error {
	byPool := make(map[string]types.Market, len(markets))
	addrs := make([]common.Address, 0, len(markets))
	from := safeHead
	for _, m := range markets {
		byPool[strings.ToLower(m.FPMMAddress)] = m
		addrs = append(addrs, common.HexToAddress(m.FPMMAddress))
		if c := cursors[m.ID] + 1; c < from {
			from = c
		}
	}

	for from <= safeHead {
		to := from + s.cfg.ScanBlocks - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := s.gateway.AddressLogs(ctx, from, to, addrs)
		if err != nil {
			return err
		}

		perMarket := make(map[string][]ethtypes.Log)
		for _, lg := range logs {
			m, ok := byPool[strings.ToLower(lg.Address.Hex())]
			if !ok {
				continue
			}
			// Skip blocks this market has already committed.
			if lg.BlockNumber <= cursors[m.ID] {
				continue
			}
			perMarket[m.ID] = append(perMarket[m.ID], lg)
		}

		for _, m := range markets {
			if mLogs := perMarket[m.ID]; len(mLogs) > 0 {
				if err := s.applier.ApplyLogs(ctx, m.ID, mLogs); err != nil {
					s.logger.Error("apply failed, cursor held", "market", m.ID, "error", err)
					continue
				}
			}
			if err := s.store.AdvanceMarketSync(ctx, m.ID, to, true); err != nil {
				s.logger.Warn("cursor advance failed", "market", m.ID, "error", err)
				continue
			}
			cursors[m.ID] = to
		}

		from = to + 1
	}
	return nil
}
