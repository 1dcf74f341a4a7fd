package pricing

import "testing"

// S1 — VWAP exact fill.
func TestVWAP_ExactFill(t *testing.T) {
	orders := []Order{
		{Price: 100, VolumeRemain: 1000, IsBuyOrder: false},
		{Price: 200, VolumeRemain: 1000, IsBuyOrder: false},
	}
	got := VWAP(orders, 2000, false)
	if got.Price != 150 {
		t.Errorf("price = %v, want 150", got.Price)
	}
	if got.Incomplete {
		t.Errorf("incomplete = true, want false")
	}
	if got.Filled != 2000 {
		t.Errorf("filled = %v, want 2000", got.Filled)
	}
}

func TestVWAP_Incomplete(t *testing.T) {
	orders := []Order{{Price: 100, VolumeRemain: 500, IsBuyOrder: false}}
	got := VWAP(orders, 1000, false)
	if !got.Incomplete {
		t.Errorf("incomplete = false, want true")
	}
	if got.Filled != 500 {
		t.Errorf("filled = %v, want 500", got.Filled)
	}
}

// S2 — Percentile 20%.
func TestPercentilePrice_S2(t *testing.T) {
	orders := []Order{
		{Price: 6.52, VolumeRemain: 1000, IsBuyOrder: false},
		{Price: 6.53, VolumeRemain: 2000, IsBuyOrder: false},
		{Price: 6.55, VolumeRemain: 3000, IsBuyOrder: false},
		{Price: 6.60, VolumeRemain: 4000, IsBuyOrder: false},
	}
	price, ok := PercentilePrice(orders, false, 0.2)
	if !ok {
		t.Fatal("expected ok")
	}
	if price != 6.53 {
		t.Errorf("price = %v, want 6.53", price)
	}
}

func TestRemoveOutliers_PassthroughUnderFour(t *testing.T) {
	orders := []Order{
		{Price: 1, IsBuyOrder: false},
		{Price: 2, IsBuyOrder: false},
		{Price: 3, IsBuyOrder: false},
	}
	out := RemoveOutliers(orders, false)
	if len(out) != 3 {
		t.Errorf("len = %d, want 3", len(out))
	}
}

func TestMedian_OrderInvariant(t *testing.T) {
	a := Median([]float64{5, 1, 3})
	b := Median([]float64{1, 3, 5})
	if a != b || a != 3 {
		t.Errorf("median mismatch: %v vs %v", a, b)
	}
	even := Median([]float64{1, 2, 3, 4})
	if even != 2.5 {
		t.Errorf("even median = %v, want 2.5", even)
	}
}

// S4 — Override wins regardless of priceModifier.
func TestRealisticPrice_OverrideWins(t *testing.T) {
	in := Input{
		TypeID:   34,
		RegionID: 10000002,
		Side:     SideSell,
		Quantity: 1_000_000,
		Settings: Settings{PriceModifier: 1.5},
		Override: &PriceOverride{TypeID: 34, Price: 10.00},
	}
	got := RealisticPrice(in)
	if got.Price != 10.00 {
		t.Errorf("price = %v, want 10.00", got.Price)
	}
	if got.Method != MethodOverride {
		t.Errorf("method = %v, want override", got.Method)
	}
	if got.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %v, want high", got.Confidence)
	}
}
