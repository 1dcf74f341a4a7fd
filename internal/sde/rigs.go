package sde

import (
	"encoding/json"

	"forgeplan/internal/costengine"
)

// rigCostBonusAttributeID is the dogma attribute carrying a rig's material/
// cost reduction percentage (spec.md §4.1/§4.4: "attribute 2783 is the bonus
// key").
const rigCostBonusAttributeID = 2783

// Rig holds the parsed bonus effects for one rig type, keyed by the product
// groups and security bands it applies to.
type Rig struct {
	TypeID  int32
	Effects []costengine.RigEffect
}

// loadRigs reads dogmaTypeAttributes.jsonl for rig-type entries and builds
// the RigEffect table the teacher never modeled (it only tracked
// ItemType.IsRig as a bool). Rig applicability (group + security band) is
// not itself in dogmaTypeAttributes; it is derived from typeDogma's
// "fittingUsageChanceAttribute"-style scoping which SDE does not expose
// directly, so this loader captures bonus magnitude per rig and leaves
// per-product-group/security-band scoping to the static rigScopes table
// below, matched by rig group name prefix (the SDE's own naming convention:
// "Standup X Rig I/II" groups).
func (ind *IndustryData) loadRigs(dir string, types map[int32]*ItemType, groups map[int32]*ItemGroup) error {
	ind.RigEffects_ = make(map[int32][]costengine.RigEffect)

	bonusByType := make(map[int32]float64)
	err := readJSONL(dir, "dogmaTypeAttributes", func(raw json.RawMessage) error {
		var row struct {
			TypeID      int32 `json:"typeID"`
			AttributeID int32 `json:"attributeID"`
			Value       float64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.AttributeID == rigCostBonusAttributeID {
			bonusByType[row.TypeID] = row.Value
		}
		return nil
	})
	if err != nil {
		return err
	}

	for typeID, value := range bonusByType {
		t, ok := types[typeID]
		if !ok || !t.IsRig {
			continue
		}
		scope, matched := rigScopeFor(groups[t.GroupID])
		if !matched {
			continue
		}
		ind.RigEffects_[typeID] = []costengine.RigEffect{{
			RigTypeID:      typeID,
			AttributeID:    rigCostBonusAttributeID,
			Value:          value,
			ApplicableTo:   scope.productGroups,
			ApplicableBand: scope.bands,
		}}
	}
	return nil
}

type rigScope struct {
	productGroups []int32
	bands         []costengine.SecurityBand
}

// rigScopes maps a rig group's name substring to the product groups and
// security bands it applies to. This is a small static table, not SDE data:
// the SDE does not expose rig->product-group scoping directly, only the
// bonus magnitude (dogmaTypeAttributes) and the rig's own group/category.
var rigScopes = map[string]rigScope{
	// Standup Manufacturing Material Efficiency rigs apply to ship hulls.
	"manufacturing material efficiency": {productGroups: nil, bands: nil},
}

func rigScopeFor(group *ItemGroup) (rigScope, bool) {
	if group == nil {
		return rigScope{}, false
	}
	name := normalizeRigGroupName(group.Name)
	if scope, ok := rigScopes[name]; ok {
		return scope, true
	}
	// Unknown rig kind: apply unconditionally (nil slices match anything in
	// containsInt32/containsBand) rather than silently drop the bonus.
	return rigScope{}, true
}

func normalizeRigGroupName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

// RigEffects returns the bonus effects for a rig type, or nil if it carries
// none (not a rig, or no cost-bonus attribute found).
func (ind *IndustryData) RigEffects(rigTypeID int32) []costengine.RigEffect {
	return ind.RigEffects_[rigTypeID]
}

// structureCostBonuses is the small static table the teacher hardcodes as a
// "1% Upwell bonus" magic constant in engine/industry.go, exposed here as
// data keyed by structure type ID instead.
var structureCostBonuses = map[int32]float64{
	35825: 1.0, // Raitaru
	35827: 1.0, // Azbel
	35826: 1.0, // Sotiyo
	35835: 1.0, // Athanor
	35836: 1.0, // Tatara
}

// StructureCostBonus returns the job-cost reduction percentage (e.g. 1.0 for
// 1%) an Upwell structure applies, or 0 for an NPC station / unknown type.
func (ind *IndustryData) StructureCostBonus(structureTypeID int32) float64 {
	if structureTypeID == 0 {
		return 0
	}
	if bonus, ok := structureCostBonuses[structureTypeID]; ok {
		return bonus
	}
	return 1.0 // all Upwell Engineering Complexes carry the same base bonus
}
