package costengine

import (
	"context"
	"testing"
)

type fakeSDE struct {
	materials map[int32][]MaterialLine
	products  map[int32][2]int32 // bpTypeID -> [productTypeID, perRunQty]
	byProduct map[int32]int32    // productTypeID -> bpTypeID
	groups    map[int32]int32
	rigs      map[int32][]RigEffect
	structureBonus map[int32]float64
}

func (f *fakeSDE) BlueprintMaterials(bpTypeID int32, activityID int) ([]MaterialLine, error) {
	return f.materials[bpTypeID], nil
}
func (f *fakeSDE) BlueprintProduct(bpTypeID int32, activityID int) (int32, int32, bool) {
	p, ok := f.products[bpTypeID]
	if !ok {
		return 0, 0, false
	}
	return p[0], p[1], true
}
func (f *fakeSDE) BlueprintForProduct(productTypeID int32) (int32, bool) {
	bp, ok := f.byProduct[productTypeID]
	return bp, ok
}
func (f *fakeSDE) TypeName(typeID int32) string { return "" }
func (f *fakeSDE) GroupID(typeID int32) int32   { return f.groups[typeID] }
func (f *fakeSDE) RigEffects(rigTypeID int32) []RigEffect { return f.rigs[rigTypeID] }
func (f *fakeSDE) StructureCostBonus(structureTypeID int32) float64 {
	return f.structureBonus[structureTypeID]
}

func newFakeSDE() *fakeSDE {
	return &fakeSDE{
		materials:      map[int32][]MaterialLine{},
		products:       map[int32][2]int32{},
		byProduct:      map[int32]int32{},
		groups:         map[int32]int32{},
		rigs:           map[int32][]RigEffect{},
		structureBonus: map[int32]float64{},
	}
}

// S3 — ME floor.
func TestApplyMaterialStages_S3(t *testing.T) {
	got := applyMaterialStages(10, 1, 10, nil, false, 0)
	if got != 9 {
		t.Errorf("qBase=10,runs=1,me=10: got %d, want 9", got)
	}

	got2 := applyMaterialStages(10, 1, 100, nil, false, 0)
	if got2 != 1 {
		t.Errorf("qBase=10,runs=1,me=100(clamped): got %d, want 1 (floor at runs)", got2)
	}
}

func TestApplyMaterialStages_NeverBelowRuns(t *testing.T) {
	got := applyMaterialStages(1, 1000, 10, nil, false, 0)
	if got < 1000 {
		t.Errorf("got %d, want >= 1000 (runs floor)", got)
	}
}

func TestCompute_SimpleBlueprint(t *testing.T) {
	sde := newFakeSDE()
	sde.materials[100] = []MaterialLine{{TypeID: 34, Quantity: 10}, {TypeID: 35, Quantity: 5}}
	sde.products[100] = [2]int32{200, 1}

	eng := New(sde, nil, nil, nil, nil)
	result, err := eng.Compute(context.Background(), Params{BPTypeID: 100, Runs: 10, MELevel: 0})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Materials[34] != 100 {
		t.Errorf("material 34 = %d, want 100", result.Materials[34])
	}
	if result.Materials[35] != 50 {
		t.Errorf("material 35 = %d, want 50", result.Materials[35])
	}
	if result.Product.Quantity != 10 {
		t.Errorf("product qty = %d, want 10", result.Product.Quantity)
	}
}

func TestCompute_BlueprintNotFound(t *testing.T) {
	sde := newFakeSDE()
	eng := New(sde, nil, nil, nil, nil)
	_, err := eng.Compute(context.Background(), Params{BPTypeID: 999, Runs: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCompute_RecursiveIntermediate(t *testing.T) {
	sde := newFakeSDE()
	// Top blueprint 100 -> product 200, needs 1 unit of component 300.
	sde.materials[100] = []MaterialLine{{TypeID: 300, Quantity: 1}}
	sde.products[100] = [2]int32{200, 1}
	// Component 300 is itself manufacturable from blueprint 150, 1 run -> 1 unit,
	// consuming 4 units of raw material 400.
	sde.byProduct[300] = 150
	sde.materials[150] = []MaterialLine{{TypeID: 400, Quantity: 4}}
	sde.products[150] = [2]int32{300, 1}

	eng := New(sde, nil, nil, nil, nil)
	result, err := eng.Compute(context.Background(), Params{
		BPTypeID: 100, Runs: 5, MELevel: 0, UseIntermediates: UseRawMaterials,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, has300 := result.Materials[300]; has300 {
		t.Errorf("expected component 300 to be fully expanded, found directly in totals")
	}
	if result.Materials[400] != 20 {
		t.Errorf("raw material 400 = %d, want 20 (5 runs * 1 component * 4 raw each)", result.Materials[400])
	}
}

func TestCompute_UseComponentsStopsRecursion(t *testing.T) {
	sde := newFakeSDE()
	sde.materials[100] = []MaterialLine{{TypeID: 300, Quantity: 2}}
	sde.products[100] = [2]int32{200, 1}
	sde.byProduct[300] = 150
	sde.materials[150] = []MaterialLine{{TypeID: 400, Quantity: 4}}
	sde.products[150] = [2]int32{300, 1}

	eng := New(sde, nil, nil, nil, nil)
	result, err := eng.Compute(context.Background(), Params{
		BPTypeID: 100, Runs: 1, MELevel: 0, UseIntermediates: UseComponents,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Materials[300] != 2 {
		t.Errorf("component 300 = %d, want 2 (not expanded)", result.Materials[300])
	}
	if _, has400 := result.Materials[400]; has400 {
		t.Errorf("expected no recursion into raw material 400 under UseComponents")
	}
}

type fakeAdj struct{ prices map[int32]float64 }

func (f fakeAdj) AdjustedPrice(typeID int32) (float64, bool) {
	p, ok := f.prices[typeID]
	return p, ok
}

type fakeCostIndex struct{ idx float64 }

func (f fakeCostIndex) ManufacturingIndex(systemID int32) (float64, bool) { return f.idx, true }

type fakeMarket struct {
	buy  map[int32]float64
	sell map[int32]float64
}

func (f fakeMarket) Price(typeID int32, isBuy bool, qty int64, modifier float64) (float64, bool) {
	if isBuy {
		p, ok := f.buy[typeID]
		return p * modifier, ok
	}
	p, ok := f.sell[typeID]
	return p * modifier, ok
}

// S5 — Taxes with max skills.
func TestPriceResult_S5_Taxes(t *testing.T) {
	sde := newFakeSDE()
	sde.materials[100] = []MaterialLine{{TypeID: 34, Quantity: 1}}
	sde.products[100] = [2]int32{200, 1}

	market := fakeMarket{
		buy:  map[int32]float64{34: 10000}, // 1 unit * runs(1) priced at 10000 -> materialsCost=10000
		sell: map[int32]float64{200: 20000},
	}
	eng := New(sde, nil, fakeAdj{}, fakeCostIndex{idx: 0}, market)

	result, err := eng.Compute(context.Background(), Params{
		BPTypeID: 100, Runs: 1, MELevel: 0,
		Facility:             &Facility{FacilityID: 1, SystemID: 1, SystemSecurity: 1.0},
		AccountingLevel:      5,
		BrokerRelationsLevel: 5,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if result.Pricing == nil {
		t.Fatal("expected pricing at depth 0")
	}
	p := result.Pricing
	if p.MaterialBrokerFee != 150 {
		t.Errorf("materialBrokerFee = %v, want 150", p.MaterialBrokerFee)
	}
	if p.SalesTax != 675 {
		t.Errorf("salesTax = %v, want 675", p.SalesTax)
	}
	if p.ProductBrokerFee != 300 {
		t.Errorf("productBrokerFee = %v, want 300", p.ProductBrokerFee)
	}
	total := p.MaterialBrokerFee + p.SalesTax + p.ProductBrokerFee
	if total != 1125 {
		t.Errorf("tax total = %v, want 1125", total)
	}
}
