package costengine

import (
	"context"
	"fmt"
	"math"

	"forgeplan/internal/costcache"
	"forgeplan/internal/ferr"
)

// CacheKey identifies a memoized depth-0 result (spec.md §4.4: "keyed by
// (bpTypeId, runs, meLevel, facilityFingerprint, characterId, useIntermediates)").
type CacheKey struct {
	BPTypeID            int32
	Runs                int32
	MELevel              int32
	FacilityFingerprint string
	CharacterID         int64
	UseIntermediates    UseIntermediates
}

// Engine is the Blueprint Cost Engine. It holds no mutable state beyond the
// bounded depth-0 result cache (spec.md §5: "hold no shared mutable state
// beyond bounded caches").
type Engine struct {
	sde     SDEReader
	owner   OwnershipReader
	adj     AdjustedPriceSource
	costIdx CostIndexSource
	market  MarketPriceSource
	cache   *costcache.LRU[CacheKey, Result]
}

// New builds an Engine. Pass a nil cache (via NewWithCache) in tests that
// want the "null cache" double the Design Notes call for.
func New(sde SDEReader, owner OwnershipReader, adj AdjustedPriceSource, costIdx CostIndexSource, market MarketPriceSource) *Engine {
	return NewWithCache(sde, owner, adj, costIdx, market, costcache.New[CacheKey, Result](costcache.DefaultCapacity, Result.Clone))
}

// NewWithCache builds an Engine with an explicit cache instance (or a fresh,
// always-empty one if cache is nil — the "null cache" test double).
func NewWithCache(sde SDEReader, owner OwnershipReader, adj AdjustedPriceSource, costIdx CostIndexSource, market MarketPriceSource, cache *costcache.LRU[CacheKey, Result]) *Engine {
	if cache == nil {
		cache = costcache.New[CacheKey, Result](costcache.DefaultCapacity, Result.Clone)
	}
	return &Engine{sde: sde, owner: owner, adj: adj, costIdx: costIdx, market: market, cache: cache}
}

// Compute evaluates a blueprint per spec.md §4.4. At depth 0 with a facility
// present, it also computes the priced breakdown and consults/populates the
// bounded LRU cache.
func (e *Engine) Compute(ctx context.Context, p Params) (Result, error) {
	if p.Depth == 0 {
		key := e.cacheKey(p)
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
		result, err := e.compute(ctx, p)
		if err != nil {
			return Result{}, err
		}
		e.cache.Put(key, result)
		return result, nil
	}
	return e.compute(ctx, p)
}

func (e *Engine) cacheKey(p Params) CacheKey {
	return CacheKey{
		BPTypeID:            p.BPTypeID,
		Runs:                p.Runs,
		MELevel:             p.MELevel,
		FacilityFingerprint: facilityFingerprint(p.Facility),
		CharacterID:         p.CharacterID,
		UseIntermediates:    p.UseIntermediates,
	}
}

// ProductOf exposes the SDE's blueprint->product lookup for callers (e.g.
// internal/planstore) that need to label an intermediate blueprint node
// with the product type it builds, without depending on SDEReader directly.
func (e *Engine) ProductOf(bpTypeID int32) (int32, bool) {
	productTypeID, _, ok := e.sde.BlueprintProduct(bpTypeID, activityManufacturing)
	return productTypeID, ok
}

// OwnedME exposes the OwnershipReader lookup the same way.
func (e *Engine) OwnedME(characterID int64, bpTypeID int32) (int32, bool) {
	if e.owner == nil || characterID == 0 {
		return 0, false
	}
	return e.owner.OwnedBlueprintME(characterID, bpTypeID)
}

func facilityFingerprint(f *Facility) string {
	if f == nil {
		return "none"
	}
	return fmt.Sprintf("%d:%d:%d:%v", f.FacilityID, f.SystemID, f.StructureTypeID, f.RigTypeIDs)
}

func (e *Engine) compute(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, ferr.Wrap(ferr.Cancelled, "cost engine compute cancelled", err)
	}

	materials, err := e.sde.BlueprintMaterials(p.BPTypeID, activityManufacturing)
	if err != nil || len(materials) == 0 {
		return Result{}, ferr.Wrap(ferr.BlueprintNotFound, fmt.Sprintf("no blueprint for type %d", p.BPTypeID), err)
	}
	productTypeID, perRunQty, ok := e.sde.BlueprintProduct(p.BPTypeID, activityManufacturing)
	if !ok {
		return Result{}, ferr.New(ferr.BlueprintNotFound, fmt.Sprintf("blueprint %d has no product", p.BPTypeID))
	}

	useIntermediates := p.UseIntermediates
	if useIntermediates == "" {
		useIntermediates = UseRawMaterials
	}

	me := clampInt(p.MELevel, 0, 10)
	if p.CharacterID != 0 && e.owner != nil {
		if ownedME, found := e.owner.OwnedBlueprintME(p.CharacterID, p.BPTypeID); found {
			me = clampInt(ownedME, 0, 10)
		}
	}

	lines := p.linesOrDefault()
	runsPerLine := int32(math.Ceil(float64(p.Runs) / float64(lines)))

	totals := make(map[int32]int64, len(materials))
	ownMaterials := make(map[int32]int64, len(materials))
	breakdown := []BreakdownRow{}
	var warnings []string

	rigApplies, rigBonus := e.rigBonusFor(p.Facility, productTypeID)

	for _, mat := range materials {
		perLine := applyMaterialStages(mat.Quantity, runsPerLine, me, p.Facility, rigApplies, rigBonus)
		total := perLine * int64(lines)
		totals[mat.TypeID] += total
		ownMaterials[mat.TypeID] += total

		if p.Depth >= MaxRecursionDepth {
			warnings = append(warnings, fmt.Sprintf("recursion limit reached at type %d", mat.TypeID))
			continue
		}

		subBPTypeID, manufacturable := e.sde.BlueprintForProduct(mat.TypeID)
		if !manufacturable {
			continue
		}

		switch useIntermediates {
		case UseComponents, UseBuy:
			// Stop recursing; the component itself is the raw material to purchase.
			continue
		default: // raw_materials, build_buy (reserved, treated as raw_materials)
			_, subPerRunQty, subOK := e.sde.BlueprintProduct(subBPTypeID, activityManufacturing)
			if !subOK || subPerRunQty <= 0 {
				continue
			}
			subRuns := int32(math.Ceil(float64(total) / float64(subPerRunQty)))
			subME := int32(0)
			if e.owner != nil && p.CharacterID != 0 {
				if ownedME, found := e.owner.OwnedBlueprintME(p.CharacterID, subBPTypeID); found {
					subME = ownedME
				}
			}
			subResult, err := e.compute(ctx, Params{
				BPTypeID:             subBPTypeID,
				Runs:                 subRuns,
				Lines:                1,
				MELevel:              subME,
				TELevel:              0,
				CharacterID:          p.CharacterID,
				Facility:             p.Facility,
				UseIntermediates:     useIntermediates,
				Depth:                p.Depth + 1,
				AccountingLevel:      p.AccountingLevel,
				BrokerRelationsLevel: p.BrokerRelationsLevel,
			})
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("intermediate %d: %v", subBPTypeID, err))
				continue
			}
			warnings = append(warnings, subResult.Warnings...)
			for k, v := range subResult.Materials {
				totals[k] += v
			}
			breakdown = append(breakdown, subResult.Breakdown...)
		}
	}

	row := BreakdownRow{
		BPTypeID:  p.BPTypeID,
		Depth:     p.Depth,
		Runs:      p.Runs,
		Materials: ownMaterials,
	}
	breakdown = append([]BreakdownRow{row}, breakdown...)

	result := Result{
		Materials: totals,
		Product: Product{
			TypeID:       productTypeID,
			BaseQuantity: perRunQty,
			Quantity:     perRunQty * p.Runs,
		},
		Breakdown: breakdown,
		Warnings:  warnings,
	}

	if p.Depth == 0 && p.Facility != nil {
		pricing, err := e.priceResult(ctx, p, result)
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		} else {
			result.Pricing = pricing
		}
	}

	return result, nil
}

// applyMaterialStages implements the three-stage ME/structure/rig pipeline
// from spec.md §4.4, with the max(runs, ceil(...)) floor applied exactly
// once at the end (Open Question 3: do not compress into one multiply). It
// evaluates me literally, including out-of-range values — callers clamp ME
// to [0,10] before calling this (see compute's resolution of p.MELevel /
// OwnedBlueprintME); the floor example in spec.md §4.4 exercises an
// unclamped ME=100 to demonstrate max(runs, ...) on its own.
func applyMaterialStages(qBase, runs, me int32, facility *Facility, rigApplies bool, rigBonusPct float64) int64 {
	afterME := float64(runs) * float64(qBase) * (1 - float64(me)/100)

	afterStructure := afterME
	if facility.HasStructure() {
		afterStructure = afterME * (1 - 0.01)
	}

	afterRig := afterStructure
	if rigApplies {
		afterRig = afterStructure * (1 + rigBonusPct/100)
	}

	adjusted := int64(math.Ceil(afterRig))
	if adjusted < int64(runs) {
		adjusted = int64(runs)
	}
	return adjusted
}

func clampInt(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rigBonusFor decides whether any rig fitted to the facility applies to the
// product being built, per spec.md §4.4: "Rig applicability depends on the
// rig's effect set, the product's group, and the facility security band."
// Multiple applicable rigs stack multiplicatively on the material-quantity
// path per Open Question 1.
func (e *Engine) rigBonusFor(facility *Facility, productTypeID int32) (bool, float64) {
	if facility == nil || len(facility.RigTypeIDs) == 0 {
		return false, 0
	}
	groupID := e.sde.GroupID(productTypeID)
	band := facility.SecurityBand()

	applies := false
	totalBonus := 0.0
	for _, rigTypeID := range facility.RigTypeIDs {
		for _, effect := range e.sde.RigEffects(rigTypeID) {
			if !containsInt32(effect.ApplicableTo, groupID) {
				continue
			}
			if !containsBand(effect.ApplicableBand, band) {
				continue
			}
			applies = true
			totalBonus += effect.Value
		}
	}
	return applies, totalBonus
}

func containsInt32(xs []int32, v int32) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsBand(xs []SecurityBand, v SecurityBand) bool {
	if len(xs) == 0 {
		return true
	}
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

