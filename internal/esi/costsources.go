package esi

import "context"

// CostSources adapts a Client + its IndustryCache to the cost engine's
// AdjustedPriceSource and CostIndexSource interfaces (spec.md §6: adjusted
// prices come from GET /latest/markets/prices, cost indices from GET
// /latest/industry/systems — both public, cached by IndustryCache).
type CostSources struct {
	client *Client
	cache  *IndustryCache
}

// NewCostSources builds the adapter. The cache should be long-lived (one per
// process), matching the teacher's IndustryCache lifetime.
func NewCostSources(client *Client, cache *IndustryCache) *CostSources {
	return &CostSources{client: client, cache: cache}
}

// AdjustedPrice implements costengine.AdjustedPriceSource.
func (s *CostSources) AdjustedPrice(typeID int32) (float64, bool) {
	price, err := s.client.GetAdjustedPrice(s.cache, typeID)
	if err != nil {
		return 0, false
	}
	return price, price != 0
}

// AdjustedPriceCtx is the context-aware variant the ESI Fetcher contract
// (spec.md §5: "every ESI call must accept a cancellation signal") expects
// at the boundary that triggers the underlying fetch.
func (s *CostSources) AdjustedPriceCtx(ctx context.Context, typeID int32) (float64, bool) {
	if err := ctx.Err(); err != nil {
		return 0, false
	}
	return s.AdjustedPrice(typeID)
}

// ManufacturingIndex implements costengine.CostIndexSource.
func (s *CostSources) ManufacturingIndex(systemID int32) (float64, bool) {
	idx, err := s.client.GetSystemCostIndex(s.cache, systemID)
	if err != nil || idx == nil {
		return 0, false
	}
	return idx.Manufacturing, idx.Manufacturing != 0
}

// ManufacturingIndexCtx is the context-aware variant.
func (s *CostSources) ManufacturingIndexCtx(ctx context.Context, systemID int32) (float64, bool) {
	if err := ctx.Err(); err != nil {
		return 0, false
	}
	return s.ManufacturingIndex(systemID)
}
