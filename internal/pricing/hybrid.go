package pricing

import "math"

// PriceOverride mirrors the PriceOverride row from the data model (spec.md §3).
type PriceOverride struct {
	TypeID int32
	Price  float64
}

// Input bundles everything realisticPrice needs. Loading orders/history from
// the Market Store (and falling back to ESI on a miss) is the caller's job —
// this function is pure given its inputs, matching spec.md §4.3's composition
// of pure candidate functions.
type Input struct {
	TypeID     int32
	RegionID   int32
	LocationID int64 // 0 = no location filter
	Side       Side
	Quantity   int64
	Settings   Settings
	Override   *PriceOverride
	Orders     []Order
	History    []HistoryDay
}

// RealisticPrice implements the hybrid pricer composition from spec.md §4.3.
func RealisticPrice(in Input) Result {
	if in.Override != nil {
		return Result{Price: in.Override.Price, Method: MethodOverride, Confidence: ConfidenceHigh}
	}

	orders := in.Orders
	if in.LocationID != 0 {
		orders = filterByLocation(orders, in.LocationID)
	}
	isBuy := in.Side == SideBuy

	modifier := in.Settings.PriceModifier
	if modifier == 0 {
		modifier = 1
	}

	result := dispatch(in, orders, isBuy)
	result.Price *= modifier
	return result
}

func dispatch(in Input, orders []Order, isBuy bool) Result {
	switch in.Settings.PriceMethod {
	case PriceMethodImmediate:
		return immediatePrice(orders, in.History, isBuy)
	case PriceMethodVWAP:
		return vwapPrice(orders, in.Quantity, isBuy)
	case PriceMethodPercentile:
		p := in.Settings.Percentile
		if p <= 0 {
			p = 0.5
		}
		price, ok := PercentilePrice(orders, isBuy, p)
		if !ok {
			return Result{Confidence: ConfidenceNone, Method: MethodPercentile, Warning: "no orders"}
		}
		return Result{Price: price, Method: MethodPercentile, Confidence: ConfidenceMedium}
	case PriceMethodHistorical:
		return historicalPrice(in.History)
	default:
		return hybridPrice(in, orders, isBuy)
	}
}

func immediatePrice(orders []Order, history []HistoryDay, isBuy bool) Result {
	if price, ok := BestPriceWithMinVolume(orders, isBuy, 1); ok {
		return Result{Price: price, Method: MethodImmediate, Confidence: ConfidenceHigh}
	}
	if avg, ok := HistoricalAverage(history, "average", 7); ok {
		return Result{Price: avg, Method: MethodImmediate, Confidence: ConfidenceLow, Warning: "no orders"}
	}
	return Result{Method: MethodImmediate, Confidence: ConfidenceNone, Warning: "no orders"}
}

func vwapPrice(orders []Order, qty int64, isBuy bool) Result {
	v := VWAP(orders, qty, isBuy)
	if v.Filled == 0 {
		return Result{Method: MethodVWAP, Confidence: ConfidenceNone, Warning: "no orders"}
	}
	conf := ConfidenceHigh
	warning := ""
	if v.Incomplete {
		conf = ConfidenceMedium
		warning = "insufficient order book depth"
	}
	return Result{Price: v.Price, Method: MethodVWAP, Confidence: conf, Warning: warning}
}

func historicalPrice(history []HistoryDay) Result {
	if avg, ok := HistoricalAverage(history, "average", 30); ok {
		return Result{Price: avg, Method: MethodHistorical, Confidence: ConfidenceMedium}
	}
	if avg, ok := HistoricalAverage(history, "average", 7); ok {
		return Result{Price: avg, Method: MethodHistorical, Confidence: ConfidenceLow}
	}
	return Result{Method: MethodHistorical, Confidence: ConfidenceNone, Warning: "no history"}
}

// hybridPrice takes the median over candidates within ±50% of the 7-day
// historical average; falls back to the median over raw candidates with a
// deviation warning; falls back to 7d historical; falls back to zero.
func hybridPrice(in Input, orders []Order, isBuy bool) Result {
	avg7d, haveAvg := HistoricalAverage(in.History, "average", 7)

	var candidates []float64
	if v := VWAP(orders, in.Quantity, isBuy); v.Filled > 0 {
		candidates = append(candidates, v.Price)
	}
	if p, ok := PercentilePrice(orders, isBuy, 0.5); ok {
		candidates = append(candidates, p)
	}
	if p, ok := BestPriceWithMinVolume(orders, isBuy, 1); ok {
		candidates = append(candidates, p)
	}
	if filtered := RemoveOutliers(orders, isBuy); len(filtered) > 0 {
		if p, ok := BestPriceWithMinVolume(filtered, isBuy, 1); ok {
			candidates = append(candidates, p)
		}
	}
	if haveAvg {
		candidates = append(candidates, avg7d)
	}

	if len(candidates) == 0 {
		if r := historicalPrice(in.History); r.Confidence != ConfidenceNone {
			return r
		}
		return Result{Method: MethodHybrid, Confidence: ConfidenceNone}
	}

	if haveAvg {
		var near []float64
		for _, c := range candidates {
			if math.Abs(c-avg7d) <= 0.5*avg7d {
				near = append(near, c)
			}
		}
		if len(near) > 0 {
			return Result{Price: Median(near), Method: MethodHybrid, Confidence: ConfidenceHigh}
		}
		return Result{
			Price:      Median(candidates),
			Method:     MethodHybrid,
			Confidence: ConfidenceMedium,
			Warning:    "deviates from historical",
		}
	}

	if r := historicalPrice(in.History); r.Confidence != ConfidenceNone {
		return r
	}
	return Result{Price: Median(candidates), Method: MethodHybrid, Confidence: ConfidenceLow}
}

func filterByLocation(orders []Order, locationID int64) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.LocationID == locationID {
			out = append(out, o)
		}
	}
	return out
}
