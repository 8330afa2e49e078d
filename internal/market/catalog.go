// Package market syncs market definitions from an upstream catalog.
//
// Admin mutations (create/seed/resolve) live outside this system; from the
// indexer's point of view they are inputs that register markets. The
// catalog poller models that input as a feed: it periodically fetches the
// catalog endpoint and upserts each definition into the store, which in
// turn extends the ingest watch-list and the reconciliation sweep set.
// Deployments that write the markets table directly simply leave the
// catalog URL unset.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"fpmm-indexer/pkg/types"
)

// CatalogMarket is the JSON shape served by the catalog endpoint.
type CatalogMarket struct {
	ID            string   `json:"id"`
	Slug          string   `json:"slug"`
	Title         string   `json:"title"`
	ConditionID   string   `json:"conditionId"`
	FPMMAddress   string   `json:"fpmmAddress"`
	YesPositionID string   `json:"yesPositionId"`
	NoPositionID  string   `json:"noPositionId"`
	Outcomes      []string `json:"outcomes"`
	Status        string   `json:"status"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	CreatedAt     string   `json:"createdAt"`
	ExpiresAt     string   `json:"expiresAt"`
	ResolvedAt    string   `json:"resolvedAt"`
}

// Store is the write surface for synced definitions.
type Store interface {
	UpsertMarket(ctx context.Context, m types.Market) error
}

// Catalog polls the upstream endpoint and keeps the markets table current.
type Catalog struct {
	httpClient *resty.Client
	interval   time.Duration
	store      Store
	logger     *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCatalog creates a catalog poller for the given base URL.
func NewCatalog(url string, interval time.Duration, st Store, logger *slog.Logger) *Catalog {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Catalog{
		httpClient: client,
		interval:   interval,
		store:      st,
		logger:     logger.With("component", "catalog"),
	}
}

// Start launches the polling loop with an immediate first sync.
func (c *Catalog) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.sync(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sync(ctx)
			}
		}
	}()
}

// Stop cancels the loop.
func (c *Catalog) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// sync fetches the catalog once and upserts every definition.
func (c *Catalog) sync(ctx context.Context) {
	markets, err := c.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("catalog fetch failed", "error", err)
		}
		return
	}

	synced := 0
	for _, cm := range markets {
		m, err := cm.domain()
		if err != nil {
			c.logger.Warn("skipping malformed catalog entry", "id", cm.ID, "error", err)
			continue
		}
		if err := c.store.UpsertMarket(ctx, m); err != nil {
			c.logger.Error("market upsert failed", "id", m.ID, "error", err)
			continue
		}
		synced++
	}
	c.logger.Debug("catalog synced", "markets", synced)
}

func (c *Catalog) fetch(ctx context.Context) ([]CatalogMarket, error) {
	resp, err := c.httpClient.R().SetContext(ctx).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("catalog status %d", resp.StatusCode())
	}

	var markets []CatalogMarket
	if err := json.Unmarshal(resp.Body(), &markets); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	return markets, nil
}

func (cm CatalogMarket) domain() (types.Market, error) {
	if cm.ID == "" {
		return types.Market{}, fmt.Errorf("missing id")
	}
	if len(cm.Outcomes) != 2 {
		return types.Market{}, fmt.Errorf("expected 2 outcomes, got %d", len(cm.Outcomes))
	}

	m := types.Market{
		ID:            cm.ID,
		Slug:          cm.Slug,
		Title:         cm.Title,
		ConditionID:   cm.ConditionID,
		FPMMAddress:   cm.FPMMAddress,
		YesPositionID: cm.YesPositionID,
		NoPositionID:  cm.NoPositionID,
		Outcomes:      [2]string{cm.Outcomes[0], cm.Outcomes[1]},
		Status:        types.MarketStatus(cm.Status),
		Category:      cm.Category,
		Tags:          cm.Tags,
	}
	if m.Status == "" {
		m.Status = types.StatusActive
	}
	if ts, err := time.Parse(time.RFC3339, cm.CreatedAt); err == nil {
		m.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, cm.ExpiresAt); err == nil {
		m.ExpiresAt = &ts
	}
	if ts, err := time.Parse(time.RFC3339, cm.ResolvedAt); err == nil {
		m.ResolvedAt = &ts
	}
	return m, nil
}
