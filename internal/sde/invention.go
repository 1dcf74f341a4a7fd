package sde

import "strings"

// decryptorGroupName is the SDE group name for decryptor items.
const decryptorGroupName = "decryptor"

// loadDecryptors scans already-loaded types for the Decryptor group,
// grounded on the existing ItemGroup.Name classification loadTypes builds.
func (ind *IndustryData) loadDecryptors(types map[int32]*ItemType, groups map[int32]*ItemGroup) {
	decryptorGroups := make(map[int32]bool)
	for id, g := range groups {
		if strings.EqualFold(strings.TrimSpace(g.Name), "decryptor") {
			decryptorGroups[id] = true
		}
	}
	for typeID, t := range types {
		if decryptorGroups[t.GroupID] {
			ind.Decryptors_ = append(ind.Decryptors_, typeID)
		}
	}
}

// Decryptors lists all known decryptor item type IDs (spec.md §4.1's
// `decryptors()` query).
func (ind *IndustryData) Decryptors() []int32 {
	return ind.Decryptors_
}

// InventionActivity returns the invention activity data for a blueprint, if
// any (spec.md §4.1's `inventionActivity(bpTypeId)`).
func (ind *IndustryData) InventionActivity(bpTypeID int32) (*ActivityData, bool) {
	bp, ok := ind.Blueprints[bpTypeID]
	if !ok {
		return nil, false
	}
	act, ok := bp.Activities["invention"]
	return act, ok
}

// InventionProducts lists the candidate T2 products invention on this
// blueprint can yield, with their base probability (spec.md §4.1's
// `inventionProducts(bpTypeId)`).
func (ind *IndustryData) InventionProducts(bpTypeID int32) []BlueprintProduct {
	act, ok := ind.InventionActivity(bpTypeID)
	if !ok {
		return nil
	}
	return act.Products
}

// ProbabilityFor returns the base invention probability for a specific
// product of a blueprint's invention activity, or (0, false) if that product
// isn't one of its invention outputs (spec.md §4.1's `probabilityFor`).
func (ind *IndustryData) ProbabilityFor(bpTypeID, productTypeID int32) (float64, bool) {
	for _, p := range ind.InventionProducts(bpTypeID) {
		if p.TypeID == productTypeID {
			return p.Probability, true
		}
	}
	return 0, false
}
