// health.go rolls the subsystem signals up into one status document:
// alert on a hard DB or RPC failure, warn when the RPC spend exceeds the
// per-minute budget or a known contract is unconfigured, ok otherwise.
// An optional short cache keeps aggressive external probes from turning
// into DB load.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fpmm-indexer/internal/chain"
	"fpmm-indexer/internal/config"
	"fpmm-indexer/internal/indexer"
	"fpmm-indexer/internal/store"
)

const lagTopN = 5

// HealthDoc is the /healthz response shape.
type HealthDoc struct {
	Status    string            `json:"status"` // "ok" | "warn" | "alert"
	Recon     ReconHealth       `json:"recon"`
	RPC       chain.LimiterStats `json:"rpc"`
	Contracts map[string]string `json:"contracts"`
}

// ReconHealth is the pipeline block of the health document.
type ReconHealth struct {
	Mode          string             `json:"mode"` // "live" | "poll"
	QPS1m         int                `json:"qps1m"`
	BackoffMs     int64              `json:"backoffMs"`
	Last429At     int64              `json:"last429At"`
	Jobs          indexer.JobStats   `json:"jobs"`
	Head          HeadHealth         `json:"head"`
	MarketsLagTop []store.MarketLag  `json:"marketsLagTop"`
}

type HeadHealth struct {
	Block uint64 `json:"block"`
}

// Health evaluates and caches the health document.
type Health struct {
	cfg       config.Config
	store     Store
	idx       Indexer
	prober    Prober
	liveMode  bool
	logger    *slog.Logger

	mu       sync.Mutex
	cached   *HealthDoc
	cachedAt time.Time
}

// NewHealth wires the health evaluator. liveMode reports whether push
// ingestion is configured.
func NewHealth(cfg config.Config, st Store, idx Indexer, prober Prober, liveMode bool, logger *slog.Logger) *Health {
	return &Health{
		cfg:      cfg,
		store:    st,
		idx:      idx,
		prober:   prober,
		liveMode: liveMode,
		logger:   logger.With("component", "health"),
	}
}

// Handle serves GET /healthz.
func (h *Health) Handle(w http.ResponseWriter, r *http.Request) {
	doc := h.evaluate(r.Context())
	status := http.StatusOK
	if doc.Status == "alert" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, doc)
}

func (h *Health) evaluate(ctx context.Context) HealthDoc {
	if ttl := h.cfg.Server.HealthzCache; ttl > 0 {
		h.mu.Lock()
		if h.cached != nil && time.Since(h.cachedAt) < ttl {
			doc := *h.cached
			h.mu.Unlock()
			return doc
		}
		h.mu.Unlock()
	}

	doc := h.build(ctx)

	h.mu.Lock()
	h.cached = &doc
	h.cachedAt = time.Now()
	h.mu.Unlock()
	return doc
}

func (h *Health) build(ctx context.Context) HealthDoc {
	status := "ok"
	rpcStats := h.prober.Stats()

	mode := "poll"
	if h.liveMode {
		mode = "live"
	}

	var head uint64
	if hd, err := h.idx.LatestHead(ctx); err != nil {
		h.logger.Warn("health: head fetch failed", "error", err)
		status = "alert"
	} else {
		head = hd
	}

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: db ping failed", "error", err)
		status = "alert"
	}

	var lagTop []store.MarketLag
	if head > 0 {
		if rows, err := h.store.LaggingMarkets(ctx, head, lagTopN); err == nil {
			lagTop = rows
		}
	}

	contracts := map[string]string{
		"marketFactory": h.cfg.Contracts.MarketFactory,
		"ctf":           h.cfg.Contracts.CTF,
		"usdf":          h.cfg.Contracts.USDF,
	}
	if status == "ok" {
		budget := int(h.cfg.RPC.MaxQPS*60) + int(h.cfg.RPC.EffectiveBurst())
		if rpcStats.QPS1m > budget {
			status = "warn"
		}
		for _, addr := range contracts {
			if addr == "" {
				status = "warn"
				break
			}
		}
	}

	return HealthDoc{
		Status: status,
		Recon: ReconHealth{
			Mode:          mode,
			QPS1m:         rpcStats.QPS1m,
			BackoffMs:     rpcStats.BackoffMs,
			Last429At:     rpcStats.Last429At,
			Jobs:          h.idx.Stats(ctx),
			Head:          HeadHealth{Block: head},
			MarketsLagTop: lagTop,
		},
		RPC:       rpcStats,
		Contracts: contracts,
	}
}
