package planstore

import "sort"

// assetStockPool mirrors the teacher's industryMaterialStockPool: total
// known quantity of a type, split by location, plus an "unknown location"
// remainder bucket consumed first by global allocation (adapted from
// internal/db/industry_ledger.go's industryMaterialStockPool).
type assetStockPool struct {
	TotalQty   int64
	UnknownQty int64
	ByLocation map[int64]int64
}

// AssetSnapshot is one owned-asset row as reported by an external asset
// source (ESI characters/assets, corporation assets) — the allocation input.
type AssetSnapshot struct {
	TypeID        int32
	LocationID    int64
	Quantity      int64
	IsCorporation bool
}

// AllocateAssets applies spec.md §4.5's asset-allocation scopes against a
// plan's material demand and records the resulting plan_asset_allocations
// rows. planLocationID is the plan's primary facility location (used by
// strict_location/location_first); scope is one of
// AllocationScope{StrictLocation,LocationFirst,Global}.
func (s *Store) AllocateAssets(planID int64, scope string, planLocationID int64, assets []AssetSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plan_asset_allocations WHERE plan_id = ?`, planID); err != nil {
		return err
	}

	pools := buildStockPools(assets)

	rows, err := tx.Query(`SELECT type_id, quantity, manually_acquired_qty FROM plan_materials WHERE plan_id = ?`, planID)
	if err != nil {
		return err
	}
	type need struct {
		typeID              int32
		remaining           int64
	}
	var needs []need
	for rows.Next() {
		var typeID int32
		var qty, manual int64
		if err := rows.Scan(&typeID, &qty, &manual); err != nil {
			rows.Close()
			return err
		}
		want := qty - manual
		if want > 0 {
			needs = append(needs, need{typeID: typeID, remaining: want})
		}
	}
	rows.Close()

	now := nowRFC3339()
	for _, n := range needs {
		pool := pools[n.typeID]
		if pool == nil {
			continue
		}

		var allocated int64
		switch scope {
		case AllocationScopeStrictLocation:
			allocated = allocateFromLocation(pool, planLocationID, n.remaining)
		case AllocationScopeGlobal:
			allocated = allocateGlobal(pool, n.remaining)
		default: // location_first
			allocated = allocateFromLocation(pool, planLocationID, n.remaining)
			if allocated < n.remaining {
				allocated += allocateGlobal(pool, n.remaining-allocated)
			}
		}
		if allocated <= 0 {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO plan_asset_allocations (plan_id, type_id, quantity, is_corporation, allocated_at)
			VALUES (?, ?, ?, 0, ?)`, planID, n.typeID, allocated, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// buildStockPools groups raw asset rows by type into a location-aware pool,
// capping ByLocation's sum at TotalQty the same way the teacher's
// buildIndustryMaterialStockPools does (adapted from
// internal/db/industry_ledger.go).
func buildStockPools(assets []AssetSnapshot) map[int32]*assetStockPool {
	byTypeLocation := make(map[int32]map[int64]int64)
	for _, a := range assets {
		if a.Quantity <= 0 {
			continue
		}
		byLoc := byTypeLocation[a.TypeID]
		if byLoc == nil {
			byLoc = make(map[int64]int64)
			byTypeLocation[a.TypeID] = byLoc
		}
		byLoc[a.LocationID] += a.Quantity
	}

	out := make(map[int32]*assetStockPool, len(byTypeLocation))
	for typeID, byLocation := range byTypeLocation {
		validLocationSum := int64(0)
		valid := make(map[int64]int64, len(byLocation))
		for locationID, qty := range byLocation {
			if locationID <= 0 || qty <= 0 {
				continue
			}
			valid[locationID] = qty
			validLocationSum += qty
		}
		if len(valid) == 0 {
			continue
		}

		pool := &assetStockPool{
			TotalQty:   validLocationSum,
			UnknownQty: validLocationSum,
			ByLocation: map[int64]int64{},
		}

		locationIDs := make([]int64, 0, len(valid))
		for locationID := range valid {
			locationIDs = append(locationIDs, locationID)
		}
		sort.Slice(locationIDs, func(i, j int) bool { return locationIDs[i] < locationIDs[j] })

		remainingCap := pool.TotalQty
		for _, locationID := range locationIDs {
			if remainingCap <= 0 {
				break
			}
			qty := valid[locationID]
			if qty > remainingCap {
				qty = remainingCap
			}
			pool.ByLocation[locationID] = qty
			remainingCap -= qty
		}
		pool.UnknownQty = remainingCap
		out[typeID] = pool
	}
	return out
}

// allocateFromLocation consumes only stock known to be at locationID
// (AllocationScopeStrictLocation and the first pass of location_first).
func allocateFromLocation(pool *assetStockPool, locationID int64, want int64) int64 {
	if pool == nil || locationID <= 0 || want <= 0 || pool.TotalQty <= 0 || pool.ByLocation == nil {
		return 0
	}
	locationQty := pool.ByLocation[locationID]
	if locationQty <= 0 {
		return 0
	}

	alloc := want
	if locationQty < alloc {
		alloc = locationQty
	}
	if pool.TotalQty < alloc {
		alloc = pool.TotalQty
	}
	if alloc <= 0 {
		return 0
	}

	locationQty -= alloc
	if locationQty > 0 {
		pool.ByLocation[locationID] = locationQty
	} else {
		delete(pool.ByLocation, locationID)
	}
	pool.TotalQty -= alloc
	return alloc
}

// allocateGlobal consumes stock anywhere, unknown-location stock first
// (AllocationScopeGlobal and location_first's overflow pass).
func allocateGlobal(pool *assetStockPool, want int64) int64 {
	if pool == nil || want <= 0 || pool.TotalQty <= 0 {
		return 0
	}

	need := want
	if pool.TotalQty < need {
		need = pool.TotalQty
	}
	if need <= 0 {
		return 0
	}

	var allocated int64
	if pool.UnknownQty > 0 {
		take := need
		if pool.UnknownQty < take {
			take = pool.UnknownQty
		}
		pool.UnknownQty -= take
		pool.TotalQty -= take
		need -= take
		allocated += take
	}
	if need <= 0 {
		return allocated
	}

	locationIDs := make([]int64, 0, len(pool.ByLocation))
	for locationID := range pool.ByLocation {
		locationIDs = append(locationIDs, locationID)
	}
	sort.Slice(locationIDs, func(i, j int) bool { return locationIDs[i] < locationIDs[j] })

	for _, locationID := range locationIDs {
		if need <= 0 {
			break
		}
		locationQty := pool.ByLocation[locationID]
		if locationQty <= 0 {
			continue
		}
		take := need
		if locationQty < take {
			take = locationQty
		}
		pool.TotalQty -= take
		need -= take
		allocated += take
		locationQty -= take
		if locationQty > 0 {
			pool.ByLocation[locationID] = locationQty
		} else {
			delete(pool.ByLocation, locationID)
		}
	}
	return allocated
}
