package pricing

// OrderBook supplies live orders and recent daily history for a
// (regionId, typeId) pair — implemented by internal/esi's OrderCache for
// production use and by fakes in tests.
type OrderBook interface {
	Orders(regionID, typeID int32) []Order
	History(regionID, typeID int32) []HistoryDay
}

// Source adapts an OrderBook plus fixed region/settings/override lookups to
// costengine.MarketPriceSource's single-method shape
// (`Price(typeID, isBuy, qty, modifier) (price, ok)`), so the Blueprint Cost
// Engine can price materials/output without depending on this package's
// richer Input type directly.
type Source struct {
	RegionID   int32
	LocationID int64
	Book       OrderBook
	Settings   Settings
	Overrides  map[int32]PriceOverride
}

// NewSource builds a Source with the hybrid method and no location filter by
// default (spec.md §4.3's settings defaults).
func NewSource(regionID int32, book OrderBook) *Source {
	return &Source{
		RegionID: regionID,
		Book:     book,
		Settings: Settings{PriceMethod: PriceMethodHybrid, Percentile: 0.2, PriceModifier: 1, MinVolume: 1},
	}
}

// Price implements costengine.MarketPriceSource.
func (s *Source) Price(typeID int32, isBuy bool, qty int64, modifier float64) (float64, bool) {
	side := SideSell
	if isBuy {
		side = SideBuy
	}
	in := Input{
		TypeID:     typeID,
		RegionID:   s.RegionID,
		LocationID: s.LocationID,
		Side:       side,
		Quantity:   qty,
		Settings:   s.Settings,
	}
	if modifier != 0 {
		in.Settings.PriceModifier = modifier
	}
	if ov, ok := s.Overrides[typeID]; ok {
		in.Override = &ov
	}
	if s.Book != nil {
		in.Orders = s.Book.Orders(s.RegionID, typeID)
		in.History = s.Book.History(s.RegionID, typeID)
	}
	result := RealisticPrice(in)
	if result.Confidence == ConfidenceNone {
		return 0, false
	}
	return result.Price, true
}
