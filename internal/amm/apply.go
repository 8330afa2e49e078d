package amm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/pkg/types"
)

// EventMeta carries the log coordinates and block timestamp of the event
// being applied.
type EventMeta struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	Timestamp   time.Time
}

// Result is everything one applied event produces: the rows to persist
// and, for swaps, the candle/spot deltas. Liquidity is set for every
// recognized event; Trade, Candle, and Spot only for Buy/Sell. An
// unrecognized event yields an empty Result.
type Result struct {
	Trade     *types.Trade
	Liquidity *types.LiquidityEvent
	Candle    *types.Candle5m
	Spot      *types.SpotPoint
}

// CandleBucket floors a timestamp onto its 5-minute bucket.
func CandleBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(5 * time.Minute)
}

// Apply advances the pool state by one decoded event and derives the rows
// to persist. Events must arrive in (blockNumber, logIndex) ascending
// order per market — the indexer sorts before calling. The state is owned
// by the calling worker; Apply mutates it in place.
func Apply(state *types.MarketState, ev chain.PoolEvent, meta EventMeta) Result {
	switch e := ev.(type) {
	case chain.FundingAdded:
		kind := types.LiquidityAdd
		if !state.HasLiquidity {
			kind = types.LiquidityInit
		}
		state.YesReserve = new(big.Int).Add(state.YesReserve, outcomeAmount(e.Amounts, 0))
		state.NoReserve = new(big.Int).Add(state.NoReserve, outcomeAmount(e.Amounts, 1))
		return finish(state, meta, Result{Liquidity: liquidityRow(state, meta, kind)})

	case chain.FundingRemoved:
		state.YesReserve = SubFloor(state.YesReserve, outcomeAmount(e.Amounts, 0))
		state.NoReserve = SubFloor(state.NoReserve, outcomeAmount(e.Amounts, 1))
		return finish(state, meta, Result{Liquidity: liquidityRow(state, meta, types.LiquidityRemove)})

	case chain.Buy:
		net := SubFloor(e.Investment, e.Fee)
		if e.OutcomeIndex == 0 {
			state.NoReserve = new(big.Int).Add(state.NoReserve, net)
			state.YesReserve = SubFloor(state.YesReserve, e.TokensBought)
		} else {
			state.YesReserve = new(big.Int).Add(state.YesReserve, net)
			state.NoReserve = SubFloor(state.NoReserve, e.TokensBought)
		}
		return finish(state, meta, swapResult(state, meta, types.SideBuy,
			e.OutcomeIndex, e.Investment, e.Fee, e.TokensBought))

	case chain.Sell:
		gross := new(big.Int).Add(e.Return, e.Fee)
		if e.OutcomeIndex == 0 {
			state.YesReserve = new(big.Int).Add(state.YesReserve, e.TokensSold)
			state.NoReserve = SubFloor(state.NoReserve, gross)
		} else {
			state.NoReserve = new(big.Int).Add(state.NoReserve, e.TokensSold)
			state.YesReserve = SubFloor(state.YesReserve, gross)
		}
		return finish(state, meta, swapResult(state, meta, types.SideSell,
			e.OutcomeIndex, e.Return, e.Fee, e.TokensSold))

	default:
		return Result{}
	}
}

// swapResult builds the trade row plus the candle and spot deltas priced
// at the post-trade spot.
func swapResult(state *types.MarketState, meta EventMeta, side types.Side,
	outcomeIndex uint64, amountIn, fee, shares *big.Int) Result {

	spot := YesPriceScaled(state.YesReserve, state.NoReserve)
	spotF := types.NewFixed18(spot)
	volume := types.NewFixed18(amountIn)

	trade := &types.Trade{
		MarketID:        state.MarketID,
		FPMMAddress:     state.FPMMAddress,
		TxHash:          meta.TxHash.Hex(),
		LogIndex:        meta.LogIndex,
		BlockNumber:     meta.BlockNumber,
		Timestamp:       meta.Timestamp,
		Side:            side,
		Outcome:         types.Outcome(outcomeIndex),
		AmountInUSDF:    types.NewFixed18(amountIn),
		Price:           types.NewFixed18(DivScaled(amountIn, shares)),
		AmountOutShares: types.NewFixed18(shares),
		FeeUSDF:         types.NewFixed18(fee),
	}

	candle := &types.Candle5m{
		MarketID:    state.MarketID,
		BucketStart: CandleBucket(meta.Timestamp),
		Open:        spotF,
		High:        spotF,
		Low:         spotF,
		Close:       spotF,
		VolumeUSDF:  volume,
	}

	spotPoint := &types.SpotPoint{
		MarketID:  state.MarketID,
		Timestamp: meta.Timestamp,
		YesPrice:  spotF,
		NoPrice:   types.NewFixed18(NoPriceScaled(state.YesReserve, state.NoReserve)),
	}

	return Result{
		Trade:     trade,
		Liquidity: liquidityRow(state, meta, types.LiquidityTrade),
		Candle:    candle,
		Spot:      spotPoint,
	}
}

func liquidityRow(state *types.MarketState, meta EventMeta, kind types.LiquidityKind) *types.LiquidityEvent {
	return &types.LiquidityEvent{
		MarketID:    state.MarketID,
		FPMMAddress: state.FPMMAddress,
		TxHash:      meta.TxHash.Hex(),
		LogIndex:    meta.LogIndex,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.Timestamp,
		Kind:        kind,
		YesReserves: types.NewFixed18(state.YesReserve),
		NoReserves:  types.NewFixed18(state.NoReserve),
		TVLUSDF:     types.NewFixed18(TVLScaled(state.YesReserve, state.NoReserve)),
		Source:      "indexer",
	}
}

// finish stamps the processed-cursor fields after the reserve mutation.
func finish(state *types.MarketState, meta EventMeta, r Result) Result {
	state.LastProcessedBlock = meta.BlockNumber
	state.LastProcessedLogIndex = meta.LogIndex
	state.HasLiquidity = state.YesReserve.Sign() > 0 || state.NoReserve.Sign() > 0
	return r
}

func outcomeAmount(amounts []*big.Int, i int) *big.Int {
	if i >= len(amounts) || amounts[i] == nil {
		return new(big.Int)
	}
	return amounts[i]
}
