package amm

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/pkg/types"
)

var applyTS = time.Date(2025, 6, 1, 12, 3, 27, 0, time.UTC)

func meta(block uint64, logIndex uint) EventMeta {
	return EventMeta{
		TxHash:      common.HexToHash("0xabc1"),
		LogIndex:    logIndex,
		BlockNumber: block,
		Timestamp:   applyTS,
	}
}

func TestApplyFundingInitThenAdd(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")

	res := Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))
	if res.Liquidity == nil || res.Liquidity.Kind != types.LiquidityInit {
		t.Fatalf("first funding kind = %v, want init", res.Liquidity)
	}
	if res.Trade != nil || res.Candle != nil {
		t.Error("funding must not produce trade or candle rows")
	}
	if state.YesReserve.Cmp(e18("100")) != 0 || state.NoReserve.Cmp(e18("100")) != 0 {
		t.Errorf("reserves = (%v, %v), want (100e18, 100e18)", state.YesReserve, state.NoReserve)
	}

	res = Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("10"), e18("10")}}, meta(11, 0))
	if res.Liquidity.Kind != types.LiquidityAdd {
		t.Errorf("second funding kind = %v, want add", res.Liquidity.Kind)
	}
}

func TestApplyFundingRemovedSaturates(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("10"), e18("10")}}, meta(10, 0))

	res := Apply(state, chain.FundingRemoved{Amounts: []*big.Int{e18("50"), e18("4")}}, meta(11, 0))
	if res.Liquidity.Kind != types.LiquidityRemove {
		t.Errorf("kind = %v, want remove", res.Liquidity.Kind)
	}
	if state.YesReserve.Sign() != 0 {
		t.Errorf("yes reserve = %v, want 0 (saturated)", state.YesReserve)
	}
	if state.NoReserve.Cmp(e18("6")) != 0 {
		t.Errorf("no reserve = %v, want 6e18", state.NoReserve)
	}
}

// Init + buy: the canonical two-event sequence against a fresh 100/100 pool.
func TestApplyInitThenBuy(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")

	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))

	shares := e18("0.990099")
	res := Apply(state, chain.Buy{
		Investment:   e18("1"),
		Fee:          new(big.Int),
		OutcomeIndex: 0,
		TokensBought: shares,
	}, meta(10, 1))

	if res.Trade == nil || res.Liquidity == nil || res.Candle == nil || res.Spot == nil {
		t.Fatal("buy must produce trade, liquidity, candle, and spot rows")
	}

	wantYes := new(big.Int).Sub(e18("100"), shares) // 99.009901e18
	if state.YesReserve.Cmp(wantYes) != 0 {
		t.Errorf("yes reserve = %v, want %v", state.YesReserve, wantYes)
	}
	if state.NoReserve.Cmp(e18("101")) != 0 {
		t.Errorf("no reserve = %v, want 101e18", state.NoReserve)
	}

	if res.Trade.Side != types.SideBuy || res.Trade.Outcome != types.OutcomeYes {
		t.Errorf("trade = %+v, want buy/yes", res.Trade)
	}
	if res.Trade.AmountInUSDF.Int().Cmp(e18("1")) != 0 {
		t.Errorf("amountIn = %v, want 1e18", res.Trade.AmountInUSDF)
	}
	wantPrice := DivScaled(e18("1"), shares)
	if res.Trade.Price.Int().Cmp(wantPrice) != 0 {
		t.Errorf("price = %v, want %v", res.Trade.Price, wantPrice)
	}

	if res.Liquidity.Kind != types.LiquidityTrade {
		t.Errorf("liquidity kind = %v, want trade", res.Liquidity.Kind)
	}

	// Candle closes at the post-trade spot: 101 / (99.009901 + 101).
	wantSpot := YesPriceScaled(wantYes, e18("101"))
	if res.Candle.Close.Int().Cmp(wantSpot) != 0 {
		t.Errorf("candle close = %v, want %v", res.Candle.Close, wantSpot)
	}
	if res.Candle.VolumeUSDF.Int().Cmp(e18("1")) != 0 {
		t.Errorf("candle volume = %v, want 1e18", res.Candle.VolumeUSDF)
	}
	wantBucket := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !res.Candle.BucketStart.Equal(wantBucket) {
		t.Errorf("candle bucket = %v, want %v", res.Candle.BucketStart, wantBucket)
	}

	sum := new(big.Int).Add(res.Spot.YesPrice.Int(), res.Spot.NoPrice.Int())
	if sum.Cmp(Scale) != 0 {
		t.Errorf("spot prices sum to %v, want 1e18", sum)
	}
}

func TestApplyBuyFeeReducesNet(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))

	Apply(state, chain.Buy{
		Investment:   e18("1"),
		Fee:          e18("0.02"),
		OutcomeIndex: 0,
		TokensBought: e18("0.96"),
	}, meta(10, 1))

	// Only net = investment − fee enters the opposing reserve.
	if state.NoReserve.Cmp(e18("100.98")) != 0 {
		t.Errorf("no reserve = %v, want 100.98e18", state.NoReserve)
	}
}

func TestApplySellMirrorsBuy(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))

	res := Apply(state, chain.Sell{
		Return:       e18("1"),
		Fee:          e18("0.01"),
		OutcomeIndex: 0,
		TokensSold:   e18("1.03"),
	}, meta(10, 1))

	// gross = return + fee leaves the opposing reserve; sold tokens return.
	if state.YesReserve.Cmp(e18("101.03")) != 0 {
		t.Errorf("yes reserve = %v, want 101.03e18", state.YesReserve)
	}
	if state.NoReserve.Cmp(e18("98.99")) != 0 {
		t.Errorf("no reserve = %v, want 98.99e18", state.NoReserve)
	}
	if res.Trade.Side != types.SideSell {
		t.Errorf("side = %v, want sell", res.Trade.Side)
	}
	if res.Trade.AmountInUSDF.Int().Cmp(e18("1")) != 0 {
		t.Errorf("amountIn = %v, want returnAmount 1e18", res.Trade.AmountInUSDF)
	}
	// Candle volume for a sell is the return amount, not gross.
	if res.Candle.VolumeUSDF.Int().Cmp(e18("1")) != 0 {
		t.Errorf("candle volume = %v, want 1e18", res.Candle.VolumeUSDF)
	}
}

func TestApplySellOutcomeNoMirrors(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))

	Apply(state, chain.Sell{
		Return:       e18("2"),
		Fee:          new(big.Int),
		OutcomeIndex: 1,
		TokensSold:   e18("2.1"),
	}, meta(10, 1))

	if state.NoReserve.Cmp(e18("102.1")) != 0 {
		t.Errorf("no reserve = %v, want 102.1e18", state.NoReserve)
	}
	if state.YesReserve.Cmp(e18("98")) != 0 {
		t.Errorf("yes reserve = %v, want 98e18", state.YesReserve)
	}
}

func TestApplyZeroSharesPricesAtZero(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("100"), e18("100")}}, meta(10, 0))

	res := Apply(state, chain.Buy{
		Investment:   e18("1"),
		Fee:          new(big.Int),
		OutcomeIndex: 0,
		TokensBought: new(big.Int),
	}, meta(10, 1))
	if !res.Trade.Price.IsZero() {
		t.Errorf("price = %v, want 0 when shares = 0", res.Trade.Price)
	}
}

func TestApplyUpdatesProcessedCursor(t *testing.T) {
	t.Parallel()
	state := types.NewMarketState("m1", "0xPool")
	Apply(state, chain.FundingAdded{Amounts: []*big.Int{e18("1"), e18("1")}}, meta(42, 7))
	if state.LastProcessedBlock != 42 || state.LastProcessedLogIndex != 7 {
		t.Errorf("processed cursor = (%d, %d), want (42, 7)",
			state.LastProcessedBlock, state.LastProcessedLogIndex)
	}
	if !state.HasLiquidity {
		t.Error("HasLiquidity = false after funding")
	}
}
