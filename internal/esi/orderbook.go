package esi

import (
	"time"

	"forgeplan/internal/pricing"
)

// Book adapts a Client's cached order/history fetches to
// pricing.OrderBook, grounded on FetchRegionOrdersCached (order_cache.go)
// and FetchMarketHistory (history.go). It swallows fetch errors to nil
// results: the Market Pricing Engine treats an empty order book as a
// missing-price case, not a hard failure (spec.md §7: pure engines return
// partial data and warnings, never panic).
type Book struct {
	client *Client
}

// NewBook wraps a Client for pricing.Source consumption.
func NewBook(client *Client) *Book {
	return &Book{client: client}
}

func (b *Book) Orders(regionID, typeID int32) []pricing.Order {
	sell, _ := b.client.FetchRegionOrdersCached(regionID, "sell")
	buy, _ := b.client.FetchRegionOrdersCached(regionID, "buy")
	out := make([]pricing.Order, 0, len(sell)+len(buy))
	for _, o := range sell {
		if o.TypeID != typeID {
			continue
		}
		out = append(out, toPricingOrder(o, regionID))
	}
	for _, o := range buy {
		if o.TypeID != typeID {
			continue
		}
		out = append(out, toPricingOrder(o, regionID))
	}
	return out
}

func (b *Book) History(regionID, typeID int32) []pricing.HistoryDay {
	entries, err := b.client.FetchMarketHistory(regionID, typeID)
	if err != nil {
		return nil
	}
	out := make([]pricing.HistoryDay, len(entries))
	for i, e := range entries {
		date, _ := time.Parse("2006-01-02", e.Date)
		out[i] = pricing.HistoryDay{
			RegionID:   regionID,
			TypeID:     typeID,
			Date:       date,
			Average:    e.Average,
			Highest:    e.Highest,
			Lowest:     e.Lowest,
			Volume:     e.Volume,
			OrderCount: e.OrderCount,
		}
	}
	return out
}

func toPricingOrder(o MarketOrder, regionID int32) pricing.Order {
	return pricing.Order{
		OrderID:      o.OrderID,
		RegionID:     regionID,
		TypeID:       o.TypeID,
		Price:        o.Price,
		VolumeRemain: int64(o.VolumeRemain),
		IsBuyOrder:   o.IsBuyOrder,
		LocationID:   o.LocationID,
	}
}
