package sde

import "testing"

func TestInventionProductsAndProbability(t *testing.T) {
	ind := NewIndustryData()
	ind.Blueprints[100] = &Blueprint{
		BlueprintTypeID: 100,
		Activities: map[string]*ActivityData{
			"invention": {
				Products: []BlueprintProduct{
					{TypeID: 200, Quantity: 1, Probability: 0.34},
					{TypeID: 201, Quantity: 1, Probability: 0.28},
				},
			},
		},
	}

	got := ind.InventionProducts(100)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	p, ok := ind.ProbabilityFor(100, 201)
	if !ok || p != 0.28 {
		t.Errorf("ProbabilityFor(100,201) = %v, %v; want 0.28, true", p, ok)
	}

	_, ok = ind.ProbabilityFor(100, 999)
	if ok {
		t.Error("ProbabilityFor(100,999) should be false")
	}
}

func TestDecryptorsClassifiedByGroupName(t *testing.T) {
	ind := NewIndustryData()
	types := map[int32]*ItemType{
		34201: {ID: 34201, GroupID: 1304},
		645:   {ID: 645, GroupID: 27}, // a ship, not a decryptor
	}
	groups := map[int32]*ItemGroup{
		1304: {ID: 1304, Name: "Decryptor"},
		27:   {ID: 27, Name: "Battlecruiser"},
	}
	ind.loadDecryptors(types, groups)

	found := false
	for _, id := range ind.Decryptors() {
		if id == 34201 {
			found = true
		}
		if id == 645 {
			t.Error("battlecruiser type should not be classified as a decryptor")
		}
	}
	if !found {
		t.Error("expected type 34201 to be classified as a decryptor")
	}
}
