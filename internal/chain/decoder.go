// decoder.go decodes fixed-product market-maker logs into a closed sum
// type. Recognition is by topic-0 against the canonical event signatures;
// any other topic decodes to nil and the caller skips the log. Payload
// words are read directly from the 32-byte-aligned data section — the
// event set is small and fixed, so a hand-written decoder beats dragging
// in run-time ABI tables.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic-0 hashes of the recognized pool and factory events.
var (
	TopicFundingAdded   = crypto.Keccak256Hash([]byte("FPMMFundingAdded(address,uint256[],uint256)"))
	TopicFundingRemoved = crypto.Keccak256Hash([]byte("FPMMFundingRemoved(address,uint256[],uint256,uint256)"))
	TopicBuy            = crypto.Keccak256Hash([]byte("FPMMBuy(address,uint256,uint256,uint256,uint256)"))
	TopicSell           = crypto.Keccak256Hash([]byte("FPMMSell(address,uint256,uint256,uint256,uint256)"))
	TopicPoolCreated    = crypto.Keccak256Hash([]byte("FixedProductMarketMakerCreation(address,address,address,address,bytes32[],uint256)"))
)

// PoolEvent is one decoded AMM event. Exactly one of the four concrete
// types below; extend here if future pools emit additional reserve-moving
// events.
type PoolEvent interface {
	poolEvent()
}

// FundingAdded reports liquidity added to the pool, per outcome.
type FundingAdded struct {
	Funder  common.Address
	Amounts []*big.Int // per-outcome tokens added, YES=0 / NO=1
	Shares  *big.Int   // LP shares minted
}

// FundingRemoved reports liquidity withdrawn from the pool, per outcome.
type FundingRemoved struct {
	Funder  common.Address
	Amounts []*big.Int
	FeePool *big.Int // collateral removed from the fee pool
	Shares  *big.Int // LP shares burnt
}

// Buy is a collateral-in, outcome-tokens-out swap.
type Buy struct {
	Buyer        common.Address
	Investment   *big.Int
	Fee          *big.Int
	OutcomeIndex uint64
	TokensBought *big.Int
}

// Sell is an outcome-tokens-in, collateral-out swap.
type Sell struct {
	Seller       common.Address
	Return       *big.Int
	Fee          *big.Int
	OutcomeIndex uint64
	TokensSold   *big.Int
}

func (FundingAdded) poolEvent()   {}
func (FundingRemoved) poolEvent() {}
func (Buy) poolEvent()            {}
func (Sell) poolEvent()           {}

// DecodePoolLog decodes one log into a PoolEvent, or nil for topics the
// indexer does not recognize. A malformed payload under a known topic also
// returns nil; the caller logs and skips it.
func DecodePoolLog(lg types.Log) PoolEvent {
	if len(lg.Topics) == 0 {
		return nil
	}
	switch lg.Topics[0] {
	case TopicFundingAdded:
		return decodeFundingAdded(lg)
	case TopicFundingRemoved:
		return decodeFundingRemoved(lg)
	case TopicBuy:
		return decodeBuy(lg)
	case TopicSell:
		return decodeSell(lg)
	default:
		return nil
	}
}

// FPMMFundingAdded(address indexed funder, uint256[] amountsAdded, uint256 sharesMinted)
// data layout: [offset(amounts), sharesMinted, len(amounts), amounts...]
func decodeFundingAdded(lg types.Log) PoolEvent {
	if len(lg.Topics) < 2 {
		return nil
	}
	amounts, ok := wordArray(lg.Data, 0)
	if !ok {
		return nil
	}
	shares, ok := word(lg.Data, 1)
	if !ok {
		return nil
	}
	return FundingAdded{
		Funder:  common.BytesToAddress(lg.Topics[1].Bytes()),
		Amounts: amounts,
		Shares:  shares,
	}
}

// FPMMFundingRemoved(address indexed funder, uint256[] amountsRemoved,
// uint256 collateralRemovedFromFeePool, uint256 sharesBurnt)
// data layout: [offset(amounts), feePool, sharesBurnt, len(amounts), amounts...]
func decodeFundingRemoved(lg types.Log) PoolEvent {
	if len(lg.Topics) < 2 {
		return nil
	}
	amounts, ok := wordArray(lg.Data, 0)
	if !ok {
		return nil
	}
	feePool, ok1 := word(lg.Data, 1)
	shares, ok2 := word(lg.Data, 2)
	if !ok1 || !ok2 {
		return nil
	}
	return FundingRemoved{
		Funder:  common.BytesToAddress(lg.Topics[1].Bytes()),
		Amounts: amounts,
		FeePool: feePool,
		Shares:  shares,
	}
}

// FPMMBuy(address indexed buyer, uint256 investmentAmount, uint256 feeAmount,
// uint256 indexed outcomeIndex, uint256 outcomeTokensBought)
func decodeBuy(lg types.Log) PoolEvent {
	if len(lg.Topics) < 3 {
		return nil
	}
	investment, ok1 := word(lg.Data, 0)
	fee, ok2 := word(lg.Data, 1)
	bought, ok3 := word(lg.Data, 2)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}
	return Buy{
		Buyer:        common.BytesToAddress(lg.Topics[1].Bytes()),
		Investment:   investment,
		Fee:          fee,
		OutcomeIndex: lg.Topics[2].Big().Uint64(),
		TokensBought: bought,
	}
}

// FPMMSell(address indexed seller, uint256 returnAmount, uint256 feeAmount,
// uint256 indexed outcomeIndex, uint256 outcomeTokensSold)
func decodeSell(lg types.Log) PoolEvent {
	if len(lg.Topics) < 3 {
		return nil
	}
	ret, ok1 := word(lg.Data, 0)
	fee, ok2 := word(lg.Data, 1)
	sold, ok3 := word(lg.Data, 2)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}
	return Sell{
		Seller:       common.BytesToAddress(lg.Topics[1].Bytes()),
		Return:       ret,
		Fee:          fee,
		OutcomeIndex: lg.Topics[2].Big().Uint64(),
		TokensSold:   sold,
	}
}

// PoolCreation is a factory log announcing a new pool.
type PoolCreation struct {
	Creator common.Address
	Pool    common.Address
}

// DecodePoolCreation extracts the new pool address from a factory creation
// log, or nil for other topics. The pool address is the first data word
// (creator, conditional-tokens, and collateral are indexed).
func DecodePoolCreation(lg types.Log) *PoolCreation {
	if len(lg.Topics) < 2 || lg.Topics[0] != TopicPoolCreated {
		return nil
	}
	w, ok := word(lg.Data, 0)
	if !ok {
		return nil
	}
	return &PoolCreation{
		Creator: common.BytesToAddress(lg.Topics[1].Bytes()),
		Pool:    common.BytesToAddress(w.Bytes()),
	}
}

// word reads the i-th 32-byte word of the data section.
func word(data []byte, i int) (*big.Int, bool) {
	start := i * 32
	if len(data) < start+32 {
		return nil, false
	}
	return new(big.Int).SetBytes(data[start : start+32]), true
}

// wordArray reads a dynamic uint256[] whose offset sits in the i-th head
// word.
func wordArray(data []byte, i int) ([]*big.Int, bool) {
	off, ok := word(data, i)
	if !ok || !off.IsUint64() {
		return nil, false
	}
	base := int(off.Uint64())
	if len(data) < base+32 {
		return nil, false
	}
	length := new(big.Int).SetBytes(data[base : base+32])
	if !length.IsUint64() || length.Uint64() > 64 {
		return nil, false
	}
	n := int(length.Uint64())
	if len(data) < base+32+n*32 {
		return nil, false
	}
	out := make([]*big.Int, n)
	for j := 0; j < n; j++ {
		start := base + 32 + j*32
		out[j] = new(big.Int).SetBytes(data[start : start+32])
	}
	return out, true
}
