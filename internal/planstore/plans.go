package planstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"forgeplan/internal/costengine"
	"forgeplan/internal/ferr"
)

// CreatePlan creates a new plan, auto-naming it "Plan YYYY-MM-DD HH:MM" when
// name is empty (spec.md §4.5).
func (s *Store) CreatePlan(characterID int64, name, description string) (int64, error) {
	if name == "" {
		name = "Plan " + time.Now().UTC().Format("2006-01-02 15:04")
	}
	now := nowRFC3339()
	res, err := s.db.Exec(`
		INSERT INTO plans (character_id, name, description, status, asset_allocation_scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		characterID, name, description, PlanStatusActive, AllocationScopeLocationFirst, now, now,
	)
	if err != nil {
		return 0, wrapSQL(ferr.Constraint, "create plan", err)
	}
	return res.LastInsertId()
}

// AddBlueprint inserts a top-level blueprint, runs the cost engine, upserts
// the recursive intermediate tree, and upserts materials/products, all in
// one transaction (spec.md §4.5).
func (s *Store) AddBlueprint(ctx context.Context, planID int64, cfg BlueprintConfig) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	params := costengine.Params{
		BPTypeID:         cfg.BlueprintTypeID,
		Runs:             cfg.Runs,
		Lines:            cfg.Lines,
		MELevel:          cfg.MELevel,
		TELevel:          cfg.TELevel,
		CharacterID:      cfg.CharacterID,
		Facility:         cfg.Facility,
		UseIntermediates: cfg.UseIntermediates,
	}
	result, err := s.engine.Compute(ctx, params)
	if err != nil {
		return 0, err
	}

	now := nowRFC3339()
	res, err := tx.Exec(`
		INSERT INTO plan_blueprints
			(plan_id, blueprint_type_id, runs, lines, me_level, te_level, facility_id, facility_snapshot,
			 use_intermediates, is_intermediate, parent_blueprint_id, intermediate_product_type_id, built_runs, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, 0, ?)`,
		planID, cfg.BlueprintTypeID, cfg.Runs, linesOrOne(cfg.Lines), cfg.MELevel, cfg.TELevel,
		facilityIDOf(cfg.Facility), cfg.FacilitySnapshot, string(orRawMaterials(cfg.UseIntermediates)), now,
	)
	if err != nil {
		return 0, wrapSQL(ferr.Constraint, "insert top-level blueprint", err)
	}
	rootID, _ := res.LastInsertId()

	if err := s.insertIntermediateForest(tx, planID, rootID, result.Breakdown, cfg); err != nil {
		return 0, err
	}

	if err := s.insertProductRows(tx, planID, rootID, result); err != nil {
		return 0, err
	}

	if err := s.reaggregateLocked(tx, planID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rootID, nil
}

// insertIntermediateForest walks the cost engine's flattened DFS-preorder
// breakdown (row 0 = the blueprint just inserted) and stamps parentBlueprintId
// using a depth-indexed stack, reconstructing the forest spec.md §3 invariant 2
// requires. Skips row 0 (already inserted as the top-level row).
func (s *Store) insertIntermediateForest(tx *sql.Tx, planID, rootID int64, breakdown []costengine.BreakdownRow, cfg BlueprintConfig) error {
	if len(breakdown) <= 1 {
		return nil
	}
	// stack[d] = planBlueprintId of the most recently inserted node at depth d.
	stack := map[int]int64{breakdown[0].Depth: rootID}
	now := nowRFC3339()

	for _, row := range breakdown[1:] {
		parentID, ok := stack[row.Depth-1]
		if !ok {
			return ferr.New(ferr.Constraint, fmt.Sprintf("breakdown row at depth %d has no parent", row.Depth))
		}
		productTypeID, _ := s.engine.ProductOf(row.BPTypeID)
		me, _ := s.engine.OwnedME(cfg.CharacterID, row.BPTypeID)

		res, err := tx.Exec(`
			INSERT INTO plan_blueprints
				(plan_id, blueprint_type_id, runs, lines, me_level, te_level, facility_id, facility_snapshot,
				 use_intermediates, is_intermediate, parent_blueprint_id, intermediate_product_type_id, built_runs, added_at)
			VALUES (?, ?, ?, 1, ?, 0, ?, ?, ?, 1, ?, ?, 0, ?)`,
			planID, row.BPTypeID, row.Runs, me, facilityIDOf(cfg.Facility), cfg.FacilitySnapshot,
			string(orRawMaterials(cfg.UseIntermediates)), parentID, productTypeID, now,
		)
		if err != nil {
			return wrapSQL(ferr.Constraint, "insert intermediate blueprint", err)
		}
		id, _ := res.LastInsertId()
		stack[row.Depth] = id
	}
	return nil
}

func (s *Store) insertProductRows(tx *sql.Tx, planID, rootID int64, result costengine.Result) error {
	_, err := tx.Exec(`
		INSERT INTO plan_products (plan_id, blueprint_id, type_id, quantity, is_intermediate, intermediate_depth)
		VALUES (?, ?, ?, ?, 0, 0)
		ON CONFLICT(plan_id, blueprint_id) DO UPDATE SET quantity = excluded.quantity`,
		planID, rootID, result.Product.TypeID, result.Product.Quantity,
	)
	return wrapSQL(ferr.Constraint, "insert product row", err)
}

// reaggregateLocked recomputes plan_materials totals for the whole plan from
// every (non-deleted) blueprint's engine recompute, inside the caller's
// transaction — spec.md §4.5's "ordering guarantee: material aggregation...
// complete before any subsequent reconciler pass" (achieved by running both
// in the same write transaction).
func (s *Store) reaggregateLocked(tx *sql.Tx, planID int64) error {
	rows, err := tx.Query(`
		SELECT id, blueprint_type_id, runs, lines, me_level, facility_id, use_intermediates, built_runs
		FROM plan_blueprints
		WHERE plan_id = ? AND is_intermediate = 0`, planID)
	if err != nil {
		return err
	}
	type topRow struct {
		id, runs, lines, me, builtRuns int64
		bpTypeID                       int32
		useInt                         string
		facilityID                     sql.NullInt64
	}
	var tops []topRow
	for rows.Next() {
		var r topRow
		if err := rows.Scan(&r.id, &r.bpTypeID, &r.runs, &r.lines, &r.me, &r.facilityID, &r.useInt, &r.builtRuns); err != nil {
			rows.Close()
			return err
		}
		tops = append(tops, r)
	}
	rows.Close()

	totals := make(map[int32]int64)
	for _, t := range tops {
		remaining := t.runs - t.builtRuns
		if remaining <= 0 {
			continue
		}
		result, err := s.engine.Compute(context.Background(), costengine.Params{
			BPTypeID:         t.bpTypeID,
			Runs:             int32(remaining),
			Lines:            int32(t.lines),
			MELevel:          int32(t.me),
			UseIntermediates: costengine.UseIntermediates(t.useInt),
		})
		if err != nil {
			continue
		}
		for typeID, qty := range result.Materials {
			totals[typeID] += qty
		}
	}

	if _, err := tx.Exec(`DELETE FROM plan_materials WHERE plan_id = ?`, planID); err != nil {
		return err
	}
	for typeID, qty := range totals {
		if _, err := tx.Exec(`
			INSERT INTO plan_materials (plan_id, type_id, quantity)
			VALUES (?, ?, ?)`, planID, typeID, qty); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBlueprint edits a blueprint's fields and, unless skipRecalc, recomputes
// its subtree and reaggregates the whole plan (spec.md §4.5).
func (s *Store) UpdateBlueprint(ctx context.Context, planBlueprintID int64, patch BlueprintPatch, skipRecalc bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.applyPatch(tx, planBlueprintID, patch); err != nil {
		return err
	}

	var planID int64
	if err := tx.QueryRow(`SELECT plan_id FROM plan_blueprints WHERE id = ?`, planBlueprintID).Scan(&planID); err != nil {
		return wrapSQL(ferr.NotFound, "blueprint not found", err)
	}

	if !skipRecalc {
		if err := s.recomputeSubtreeLocked(ctx, tx, planBlueprintID); err != nil {
			return err
		}
		if err := s.reaggregateLocked(tx, planID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) applyPatch(tx *sql.Tx, id int64, patch BlueprintPatch) error {
	if patch.Runs != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET runs = ? WHERE id = ?`, *patch.Runs, id); err != nil {
			return err
		}
	}
	if patch.Lines != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET lines = ? WHERE id = ?`, *patch.Lines, id); err != nil {
			return err
		}
	}
	if patch.MELevel != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET me_level = ? WHERE id = ?`, *patch.MELevel, id); err != nil {
			return err
		}
	}
	if patch.TELevel != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET te_level = ? WHERE id = ?`, *patch.TELevel, id); err != nil {
			return err
		}
	}
	if patch.Facility != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET facility_id = ? WHERE id = ?`, facilityIDOf(patch.Facility), id); err != nil {
			return err
		}
	}
	if patch.FacilitySnapshot != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET facility_snapshot = ? WHERE id = ?`, *patch.FacilitySnapshot, id); err != nil {
			return err
		}
	}
	if patch.UseIntermediates != nil {
		if _, err := tx.Exec(`UPDATE plan_blueprints SET use_intermediates = ? WHERE id = ?`, string(*patch.UseIntermediates), id); err != nil {
			return err
		}
	}
	return nil
}

// recomputeSubtreeLocked deletes and reinserts the intermediate descendants
// of a blueprint node after an edit, then rebuilds its own product row.
func (s *Store) recomputeSubtreeLocked(ctx context.Context, tx *sql.Tx, planBlueprintID int64) error {
	var planID int64
	var bpTypeID int32
	var runs, lines, me int32
	var useInt string
	var facilityID sql.NullInt64
	err := tx.QueryRow(`
		SELECT plan_id, blueprint_type_id, runs, lines, me_level, use_intermediates, facility_id
		FROM plan_blueprints WHERE id = ?`, planBlueprintID).
		Scan(&planID, &bpTypeID, &runs, &lines, &me, &useInt, &facilityID)
	if err != nil {
		return wrapSQL(ferr.NotFound, "blueprint not found", err)
	}

	if _, err := tx.Exec(`DELETE FROM plan_blueprints WHERE parent_blueprint_id = ?`, planBlueprintID); err != nil {
		return err
	}

	result, err := s.engine.Compute(ctx, costengine.Params{
		BPTypeID:         bpTypeID,
		Runs:             runs,
		Lines:            lines,
		MELevel:          me,
		UseIntermediates: costengine.UseIntermediates(useInt),
	})
	if err != nil {
		return err
	}

	if err := s.insertIntermediateForest(tx, planID, planBlueprintID, result.Breakdown, BlueprintConfig{UseIntermediates: costengine.UseIntermediates(useInt)}); err != nil {
		return err
	}
	if err := s.insertProductRows(tx, planID, planBlueprintID, result); err != nil {
		return err
	}
	return nil
}

// BulkUpdate applies patches to multiple blueprints with a single recompute
// pass afterward — the main performance lever for bulk-edit UIs (spec.md
// §4.5).
func (s *Store) BulkUpdate(ctx context.Context, planID int64, patches map[int64]BlueprintPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for id, patch := range patches {
		if err := s.applyPatch(tx, id, patch); err != nil {
			return err
		}
	}
	for id := range patches {
		if err := s.recomputeSubtreeLocked(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := s.reaggregateLocked(tx, planID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveBlueprint cascades to descendants and re-aggregates; if that leaves
// manuallyAcquiredQty > 0 for a material no longer needed, the acquisition
// is deleted and the type ID returned as a dismissible warning (spec.md §3
// invariant 5).
func (s *Store) RemoveBlueprint(planBlueprintID int64) ([]int32, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var planID int64
	if err := tx.QueryRow(`SELECT plan_id FROM plan_blueprints WHERE id = ?`, planBlueprintID).Scan(&planID); err != nil {
		return nil, wrapSQL(ferr.NotFound, "blueprint not found", err)
	}

	if _, err := tx.Exec(`DELETE FROM plan_blueprints WHERE id = ?`, planBlueprintID); err != nil {
		return nil, err
	}
	// ON DELETE CASCADE (parent_blueprint_id, plan_products) handles descendants/products.

	if err := s.reaggregateLocked(tx, planID); err != nil {
		return nil, err
	}

	var orphaned []int32
	rows, err := tx.Query(`
		SELECT pm.type_id FROM plan_materials pm
		WHERE pm.plan_id = ? AND pm.manually_acquired_qty > 0 AND pm.quantity = 0`, planID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typeID int32
		if err := rows.Scan(&typeID); err == nil {
			orphaned = append(orphaned, typeID)
		}
	}
	rows.Close()
	for _, typeID := range orphaned {
		if _, err := tx.Exec(`
			UPDATE plan_materials SET manually_acquired_qty = 0, acquisition_method = NULL, acquisition_note = NULL
			WHERE plan_id = ? AND type_id = ?`, planID, typeID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return orphaned, nil
}

// RecalculateMaterials recomputes quantities (and, if forceRefreshPrices,
// clears frozen prices so the next read re-prices) without any schema
// change (spec.md §4.5).
func (s *Store) RecalculateMaterials(planID int64, forceRefreshPrices bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.reaggregateLocked(tx, planID); err != nil {
		return err
	}
	if forceRefreshPrices {
		if _, err := tx.Exec(`UPDATE plan_materials SET price_frozen_at = NULL WHERE plan_id = ?`, planID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkIntermediateBuilt clamps builtRuns to [0, runs], recomputes downstream
// demand, and returns a warning if some material is now over-acquired
// (spec.md §4.5, §3 invariant 3).
func (s *Store) MarkIntermediateBuilt(planBlueprintID int64, builtRuns int32) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var planID int64
	var runs int32
	if err := tx.QueryRow(`SELECT plan_id, runs FROM plan_blueprints WHERE id = ?`, planBlueprintID).Scan(&planID, &runs); err != nil {
		return nil, wrapSQL(ferr.NotFound, "blueprint not found", err)
	}
	if builtRuns < 0 {
		builtRuns = 0
	}
	if builtRuns > runs {
		builtRuns = runs
	}
	if _, err := tx.Exec(`UPDATE plan_blueprints SET built_runs = ? WHERE id = ?`, builtRuns, planBlueprintID); err != nil {
		return nil, err
	}
	if err := s.reaggregateLocked(tx, planID); err != nil {
		return nil, err
	}

	var warnings []string
	rows, err := tx.Query(`
		SELECT type_id, manually_acquired_qty, quantity FROM plan_materials
		WHERE plan_id = ? AND manually_acquired_qty > quantity`, planID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typeID int32
		var have, need int64
		if err := rows.Scan(&typeID, &have, &need); err == nil {
			warnings = append(warnings, fmt.Sprintf("type %d over-acquired: have %d, need %d", typeID, have, need))
		}
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return warnings, nil
}

// MarkMaterialAcquired records a manual acquisition against a plan material.
func (s *Store) MarkMaterialAcquired(planID int64, typeID int32, in AcquisitionInput) error {
	_, err := s.db.Exec(`
		INSERT INTO plan_materials (plan_id, type_id, manually_acquired_qty, custom_price, acquisition_method, acquisition_note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, type_id) DO UPDATE SET
			manually_acquired_qty = excluded.manually_acquired_qty,
			custom_price = excluded.custom_price,
			acquisition_method = excluded.acquisition_method,
			acquisition_note = excluded.acquisition_note`,
		planID, typeID, in.Quantity, in.CustomPrice, in.Method, in.Note,
	)
	return wrapSQL(ferr.Constraint, "mark material acquired", err)
}

// UnmarkMaterialAcquired clears a manual acquisition.
func (s *Store) UnmarkMaterialAcquired(planID int64, typeID int32) error {
	_, err := s.db.Exec(`
		UPDATE plan_materials SET manually_acquired_qty = 0, acquisition_method = NULL, acquisition_note = NULL
		WHERE plan_id = ? AND type_id = ?`, planID, typeID)
	return wrapSQL(ferr.NotFound, "unmark material acquired", err)
}

// CleanupExcessAcquisitions clamps manuallyAcquiredQty down to quantity for
// one type (or all, when typeID is nil).
func (s *Store) CleanupExcessAcquisitions(planID int64, typeID *int32) error {
	if typeID != nil {
		_, err := s.db.Exec(`
			UPDATE plan_materials SET manually_acquired_qty = quantity
			WHERE plan_id = ? AND type_id = ? AND manually_acquired_qty > quantity`, planID, *typeID)
		return err
	}
	_, err := s.db.Exec(`
		UPDATE plan_materials SET manually_acquired_qty = quantity
		WHERE plan_id = ? AND manually_acquired_qty > quantity`, planID)
	return err
}

// GetSummary computes plan-level cost/value/profit metrics from frozen
// material and product prices (spec.md §4.5: ROI = profit / materialCost,
// 0 when materialCost is 0).
func (s *Store) GetSummary(planID int64) (Summary, error) {
	var sum Summary

	matRows, err := s.db.Query(`
		SELECT quantity, COALESCE(custom_price, base_price) FROM plan_materials WHERE plan_id = ?`, planID)
	if err != nil {
		return sum, err
	}
	for matRows.Next() {
		var qty int64
		var price sql.NullFloat64
		if err := matRows.Scan(&qty, &price); err != nil {
			matRows.Close()
			return sum, err
		}
		sum.MaterialsTotal++
		if price.Valid {
			sum.MaterialsWithPrice++
			sum.MaterialCost += price.Float64 * float64(qty)
		}
	}
	matRows.Close()

	prodRows, err := s.db.Query(`
		SELECT quantity, base_price FROM plan_products WHERE plan_id = ? AND is_intermediate = 0`, planID)
	if err != nil {
		return sum, err
	}
	for prodRows.Next() {
		var qty int64
		var price sql.NullFloat64
		if err := prodRows.Scan(&qty, &price); err != nil {
			prodRows.Close()
			return sum, err
		}
		sum.ProductsTotal++
		if price.Valid {
			sum.ProductsWithPrice++
			sum.ProductValue += price.Float64 * float64(qty)
		}
	}
	prodRows.Close()

	sum.EstimatedProfit = sum.ProductValue - sum.MaterialCost
	if sum.MaterialCost > 0 {
		sum.ROI = sum.EstimatedProfit / sum.MaterialCost
	}
	return sum, nil
}

// GetMaterials returns the per-material demand breakdown (spec.md §4.5:
// "stillNeeded = max(0, quantity - manually - purchased - manufactured -
// allocatedAssetQty)"). When includeAssets is false, allocatedAssetQty is
// always reported as 0 so stillNeeded reflects raw plan demand.
func (s *Store) GetMaterials(planID int64, includeAssets bool) ([]MaterialLine, error) {
	rows, err := s.db.Query(`
		SELECT type_id, quantity, manually_acquired_qty, base_price, custom_price
		FROM plan_materials WHERE plan_id = ? ORDER BY type_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []MaterialLine
	for rows.Next() {
		var l MaterialLine
		var base, custom sql.NullFloat64
		if err := rows.Scan(&l.TypeID, &l.Quantity, &l.ManuallyAcquiredQty, &base, &custom); err != nil {
			return nil, err
		}
		if base.Valid {
			v := base.Float64
			l.BasePrice = &v
		}
		if custom.Valid {
			v := custom.Float64
			l.CustomPrice = &v
		}
		l.PurchasedQty = s.purchasedQty(planID, l.TypeID)
		l.ManufacturedQty = s.manufacturedQty(planID, l.TypeID)
		if includeAssets {
			var allocated int64
			_ = s.db.QueryRow(`
				SELECT COALESCE(SUM(quantity), 0) FROM plan_asset_allocations
				WHERE plan_id = ? AND type_id = ?`, planID, l.TypeID).Scan(&allocated)
			l.AllocatedAssetQty = allocated
		}
		stillNeeded := l.Quantity - l.ManuallyAcquiredQty - l.PurchasedQty - l.ManufacturedQty - l.AllocatedAssetQty
		if stillNeeded < 0 {
			stillNeeded = 0
		}
		l.StillNeeded = stillNeeded
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func linesOrOne(l int32) int32 {
	if l <= 0 {
		return 1
	}
	return l
}

func orRawMaterials(u costengine.UseIntermediates) costengine.UseIntermediates {
	if u == "" {
		return costengine.UseRawMaterials
	}
	return u
}

func facilityIDOf(f *costengine.Facility) interface{} {
	if f == nil {
		return nil
	}
	return f.FacilityID
}
