package pricing

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// VWAPResult is the outcome of filling a quantity against an order book.
type VWAPResult struct {
	Price      float64
	Incomplete bool
	Filled     int64
	Requested  int64
	OrdersUsed int
}

// VWAP fills qty greedily against orders on the requested side and returns
// the volume-weighted average price actually paid. Sell orders are walked
// ascending by price (cheapest first); buy orders descending (highest bid
// first) since that is the side a seller would be filled against.
func VWAP(orders []Order, qty int64, isBuy bool) VWAPResult {
	side := sideOrders(orders, isBuy)
	if isBuy {
		sort.Slice(side, func(i, j int) bool { return side[i].Price > side[j].Price })
	} else {
		sort.Slice(side, func(i, j int) bool { return side[i].Price < side[j].Price })
	}

	var filled int64
	var cost float64
	used := 0
	remaining := qty
	for _, o := range side {
		if remaining <= 0 {
			break
		}
		take := o.VolumeRemain
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		cost += float64(take) * o.Price
		filled += take
		remaining -= take
		used++
	}

	price := 0.0
	if filled > 0 {
		price = cost / float64(filled)
	}
	return VWAPResult{
		Price:      price,
		Incomplete: filled < qty,
		Filled:     filled,
		Requested:  qty,
		OrdersUsed: used,
	}
}

// percentilePrice sorts orders on the requested side ascending by price,
// accumulates volumeRemain, and returns the price of the first order whose
// cumulative volume reaches p*totalVolume.
func PercentilePrice(orders []Order, isBuy bool, p float64) (float64, bool) {
	side := sideOrders(orders, isBuy)
	if len(side) == 0 {
		return 0, false
	}
	sort.Slice(side, func(i, j int) bool { return side[i].Price < side[j].Price })

	var total int64
	for _, o := range side {
		total += o.VolumeRemain
	}
	if total <= 0 {
		return 0, false
	}

	threshold := p * float64(total)
	var cum int64
	for _, o := range side {
		cum += o.VolumeRemain
		if float64(cum) >= threshold {
			return o.Price, true
		}
	}
	return side[len(side)-1].Price, true
}

// bestPriceWithMinVolume returns the best price among orders whose
// volumeRemain meets minVol, falling back to the mean of the top-5 orders on
// the correct side (by price favorability) when none qualify.
func BestPriceWithMinVolume(orders []Order, isBuy bool, minVol int64) (float64, bool) {
	side := sideOrders(orders, isBuy)
	if len(side) == 0 {
		return 0, false
	}
	if isBuy {
		sort.Slice(side, func(i, j int) bool { return side[i].Price > side[j].Price })
	} else {
		sort.Slice(side, func(i, j int) bool { return side[i].Price < side[j].Price })
	}

	for _, o := range side {
		if o.VolumeRemain >= minVol {
			return o.Price, true
		}
	}

	n := 5
	if n > len(side) {
		n = len(side)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += side[i].Price
	}
	return sum / float64(n), true
}

// removeOutliers applies an IQR filter at [Q1-1.5*IQR, Q3+1.5*IQR] to orders
// on the requested side. Orders outside the fence are dropped. With fewer
// than 4 orders the input passes through unchanged.
func RemoveOutliers(orders []Order, isBuy bool) []Order {
	side := sideOrders(orders, isBuy)
	if len(side) < 4 {
		return side
	}

	prices := make([]float64, len(side))
	for i, o := range side {
		prices[i] = o.Price
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr

	out := make([]Order, 0, len(side))
	for _, o := range side {
		if o.Price >= lo && o.Price <= hi {
			out = append(out, o)
		}
	}
	return out
}

// historicalAverage averages the requested field over the trailing `days`
// of history (0 or negative days means "all available history").
func HistoricalAverage(history []HistoryDay, field string, days int) (float64, bool) {
	window := lastNDays(history, days)
	if len(window) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, h := range window {
		switch field {
		case "highest":
			sum += h.Highest
		case "lowest":
			sum += h.Lowest
		default:
			sum += h.Average
		}
	}
	return sum / float64(len(window)), true
}

// StdDev returns the sample standard deviation (Bessel's correction) of the
// given values, or 0 for fewer than 2 samples.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// Median is invariant to input order: it copies and sorts before taking the
// middle element(s).
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func sideOrders(orders []Order, isBuy bool) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.IsBuyOrder == isBuy {
			out = append(out, o)
		}
	}
	return out
}

func lastNDays(history []HistoryDay, days int) []HistoryDay {
	if days <= 0 || days >= len(history) {
		return history
	}
	sorted := append([]HistoryDay(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	return sorted[len(sorted)-days:]
}
