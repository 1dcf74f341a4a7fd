package planstore

import (
	"context"
	"path/filepath"
	"testing"

	"forgeplan/internal/costengine"
)

type fakeSDE struct {
	materials map[int32][]costengine.MaterialLine
	products  map[int32][2]int32
	byProduct map[int32]int32
}

func (f *fakeSDE) BlueprintMaterials(bpTypeID int32, activityID int) ([]costengine.MaterialLine, error) {
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
func (f *fakeSDE) TypeName(typeID int32) string                          { return "" }
func (f *fakeSDE) GroupID(typeID int32) int32                            { return 0 }
func (f *fakeSDE) RigEffects(rigTypeID int32) []costengine.RigEffect     { return nil }
func (f *fakeSDE) StructureCostBonus(structureTypeID int32) float64      { return 0 }

// newFakeEngine builds a two-level blueprint graph: blueprint 100 builds
// product 200 directly from a raw material (34) and a component (35), where
// 35 is itself built by blueprint 101 from raw material 36 — enough depth to
// exercise insertIntermediateForest's parent-tracking stack.
func newFakeEngine() *costengine.Engine {
	sde := &fakeSDE{
		materials: map[int32][]costengine.MaterialLine{
			100: {{TypeID: 34, Quantity: 10}, {TypeID: 35, Quantity: 2}},
			101: {{TypeID: 36, Quantity: 5}},
		},
		products: map[int32][2]int32{
			100: {200, 1},
			101: {35, 1},
		},
		byProduct: map[int32]int32{
			35: 101,
		},
	}
	return costengine.New(sde, nil, nil, nil, nil)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.db")
	store, err := Open(path, newFakeEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreatePlan_AutoNamesWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreatePlan(1, "", "")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero plan id")
	}

	var name string
	if err := store.db.QueryRow(`SELECT name FROM plans WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("read back name: %v", err)
	}
	if name == "" {
		t.Errorf("expected auto-generated name, got empty string")
	}
}

func TestAddBlueprint_BuildsForestAndAggregates(t *testing.T) {
	store := newTestStore(t)
	planID, err := store.CreatePlan(1, "Test Plan", "")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	rootID, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID:  100,
		Runs:             10,
		Lines:            1,
		MELevel:          0,
		UseIntermediates: costengine.UseRawMaterials,
	})
	if err != nil {
		t.Fatalf("add blueprint: %v", err)
	}
	if rootID == 0 {
		t.Fatalf("expected nonzero blueprint id")
	}

	var childCount int
	if err := store.db.QueryRow(`
		SELECT COUNT(*) FROM plan_blueprints WHERE parent_blueprint_id = ?`, rootID).Scan(&childCount); err != nil {
		t.Fatalf("count children: %v", err)
	}
	if childCount != 1 {
		t.Errorf("expected 1 intermediate child (blueprint 101), got %d", childCount)
	}

	materials, err := store.GetMaterials(planID, false)
	if err != nil {
		t.Fatalf("get materials: %v", err)
	}
	want := map[int32]int64{34: 100, 36: 100}
	got := map[int32]int64{}
	for _, m := range materials {
		got[m.TypeID] = m.Quantity
	}
	for typeID, qty := range want {
		if got[typeID] != qty {
			t.Errorf("material %d = %d, want %d (materials: %+v)", typeID, got[typeID], qty, materials)
		}
	}
}

func TestMarkIntermediateBuilt_ClampsToRuns(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	rootID, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 5, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	})
	if err != nil {
		t.Fatalf("add blueprint: %v", err)
	}

	if _, err := store.MarkIntermediateBuilt(rootID, 999); err != nil {
		t.Fatalf("mark built: %v", err)
	}
	var builtRuns int32
	if err := store.db.QueryRow(`SELECT built_runs FROM plan_blueprints WHERE id = ?`, rootID).Scan(&builtRuns); err != nil {
		t.Fatalf("read built_runs: %v", err)
	}
	if builtRuns != 5 {
		t.Errorf("built_runs = %d, want clamped to runs (5)", builtRuns)
	}
}

func TestMaterialAcquisition_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	if _, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	}); err != nil {
		t.Fatalf("add blueprint: %v", err)
	}

	if err := store.MarkMaterialAcquired(planID, 34, AcquisitionInput{Quantity: 40, Method: "bought"}); err != nil {
		t.Fatalf("mark acquired: %v", err)
	}

	lines, err := store.GetMaterials(planID, false)
	if err != nil {
		t.Fatalf("get materials: %v", err)
	}
	var found bool
	for _, l := range lines {
		if l.TypeID != 34 {
			continue
		}
		found = true
		if l.ManuallyAcquiredQty != 40 {
			t.Errorf("manually acquired = %d, want 40", l.ManuallyAcquiredQty)
		}
		if l.StillNeeded != l.Quantity-40 {
			t.Errorf("still needed = %d, want %d", l.StillNeeded, l.Quantity-40)
		}
	}
	if !found {
		t.Fatalf("material 34 not found in getMaterials result")
	}

	if err := store.UnmarkMaterialAcquired(planID, 34); err != nil {
		t.Fatalf("unmark acquired: %v", err)
	}
	lines, _ = store.GetMaterials(planID, false)
	for _, l := range lines {
		if l.TypeID == 34 && l.ManuallyAcquiredQty != 0 {
			t.Errorf("expected manually_acquired_qty reset to 0, got %d", l.ManuallyAcquiredQty)
		}
	}
}

func TestRemoveBlueprint_CascadesAndReaggregates(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	rootID, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	})
	if err != nil {
		t.Fatalf("add blueprint: %v", err)
	}

	if _, err := store.RemoveBlueprint(rootID); err != nil {
		t.Fatalf("remove blueprint: %v", err)
	}

	var remaining int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM plan_blueprints WHERE plan_id = ?`, planID).Scan(&remaining); err != nil {
		t.Fatalf("count remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected cascading delete to remove all blueprints, %d remain", remaining)
	}

	materials, err := store.GetMaterials(planID, false)
	if err != nil {
		t.Fatalf("get materials: %v", err)
	}
	for _, m := range materials {
		if m.Quantity != 0 {
			t.Errorf("expected zeroed demand after removal, type %d still wants %d", m.TypeID, m.Quantity)
		}
	}
}

func TestAllocateAssets_LocationFirstFallsBackToGlobal(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	if _, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	}); err != nil {
		t.Fatalf("add blueprint: %v", err)
	}

	assets := []AssetSnapshot{
		{TypeID: 34, LocationID: 999, Quantity: 30},  // wrong location
		{TypeID: 34, LocationID: 60003760, Quantity: 20}, // plan location
	}
	if err := store.AllocateAssets(planID, AllocationScopeLocationFirst, 60003760, assets); err != nil {
		t.Fatalf("allocate assets: %v", err)
	}

	materials, err := store.GetMaterials(planID, true)
	if err != nil {
		t.Fatalf("get materials: %v", err)
	}
	for _, m := range materials {
		if m.TypeID != 34 {
			continue
		}
		if m.AllocatedAssetQty != 50 {
			t.Errorf("allocated = %d, want 50 (20 local + 30 global overflow)", m.AllocatedAssetQty)
		}
	}
}
