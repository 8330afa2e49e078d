package api

import (
	"encoding/json"
	"net/http"
	"time"

	"fpmm-indexer/pkg/types"
)

// SummaryDoc is the one-shot market summary document served to UI
// clients. Immutable once assembled; Cache carries the validators the
// HTTP layer derives ETag/Last-Modified from.
type SummaryDoc struct {
	Market     MarketDoc       `json:"market"`
	Metrics    MetricsDoc      `json:"metrics"`
	Candles    []CandleDoc     `json:"candles"`
	Trades     []TradeDoc      `json:"trades"`
	SpotSeries []SpotDoc       `json:"spotSeries"`
	Cache      CacheDoc        `json:"cache"`
}

// MarketDoc is the serialized market core.
type MarketDoc struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug,omitempty"`
	Title       string     `json:"title"`
	ConditionID string     `json:"conditionId,omitempty"`
	FPMMAddress string     `json:"fpmmAddress,omitempty"`
	Outcomes    [2]string  `json:"outcomes"`
	Status      string     `json:"status"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// MetricsDoc is the headline numbers block. Fixed-18 values serialize as
// scaled-integer strings; the Display variants are decimal renderings.
type MetricsDoc struct {
	SpotYes        string     `json:"spotYes"`
	SpotNo         string     `json:"spotNo"`
	SpotYesDisplay string     `json:"spotYesDisplay"`
	TVLUSDF        string     `json:"tvlUSDF"`
	Volume24hUSDF  string     `json:"volume24hUSDF"`
	LastTradeAt    *time.Time `json:"lastTradeAt,omitempty"`
}

// CandleDoc is one serialized 5-minute bar.
type CandleDoc struct {
	BucketStart time.Time `json:"bucketStart"`
	Open        string    `json:"open"`
	High        string    `json:"high"`
	Low         string    `json:"low"`
	Close       string    `json:"close"`
	VolumeUSDF  string    `json:"volumeUSDF"`
}

// TradeDoc is one serialized trade-feed entry.
type TradeDoc struct {
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	Side        string    `json:"side"`
	Outcome     int       `json:"outcome"`
	AmountIn    string    `json:"amountInUSDF"`
	Price       string    `json:"price"`
	Shares      string    `json:"amountOutShares"`
	Fee         string    `json:"feeUSDF"`
}

// SpotDoc is one serialized spot sample.
type SpotDoc struct {
	Timestamp time.Time `json:"timestamp"`
	YesPrice  string    `json:"yesPrice"`
	NoPrice   string    `json:"noPrice"`
}

// CacheDoc carries freshness metadata for the client and the HTTP cache
// validators.
type CacheDoc struct {
	LastIndexedBlock uint64    `json:"lastIndexedBlock"`
	LagBlocks        uint64    `json:"lagBlocks"`
	GeneratedAt      time.Time `json:"generatedAt"`
	Stale            bool      `json:"stale"`
}

// errorBody is the structured error envelope for client-input failures.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}})
}

func marketDoc(m *types.Market) MarketDoc {
	return MarketDoc{
		ID:          m.ID,
		Slug:        m.Slug,
		Title:       m.Title,
		ConditionID: m.ConditionID,
		FPMMAddress: m.FPMMAddress,
		Outcomes:    m.Outcomes,
		Status:      string(m.Status),
		Category:    m.Category,
		Tags:        m.Tags,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		ResolvedAt:  m.ResolvedAt,
	}
}

func candleDocs(candles []types.Candle5m) []CandleDoc {
	out := make([]CandleDoc, 0, len(candles))
	for _, c := range candles {
		out = append(out, CandleDoc{
			BucketStart: c.BucketStart,
			Open:        c.Open.String(),
			High:        c.High.String(),
			Low:         c.Low.String(),
			Close:       c.Close.String(),
			VolumeUSDF:  c.VolumeUSDF.String(),
		})
	}
	return out
}

func tradeDocs(trades []types.Trade) []TradeDoc {
	out := make([]TradeDoc, 0, len(trades))
	for _, t := range trades {
		out = append(out, TradeDoc{
			TxHash:      t.TxHash,
			LogIndex:    t.LogIndex,
			BlockNumber: t.BlockNumber,
			Timestamp:   t.Timestamp,
			Side:        string(t.Side),
			Outcome:     int(t.Outcome),
			AmountIn:    t.AmountInUSDF.String(),
			Price:       t.Price.String(),
			Shares:      t.AmountOutShares.String(),
			Fee:         t.FeeUSDF.String(),
		})
	}
	return out
}

func spotDocs(points []types.SpotPoint) []SpotDoc {
	out := make([]SpotDoc, 0, len(points))
	for _, p := range points {
		out = append(out, SpotDoc{
			Timestamp: p.Timestamp,
			YesPrice:  p.YesPrice.String(),
			NoPrice:   p.NoPrice.String(),
		})
	}
	return out
}
