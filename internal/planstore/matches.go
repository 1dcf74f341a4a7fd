package planstore

import (
	"database/sql"
	"time"

	"forgeplan/internal/ferr"
	"forgeplan/internal/reconciler"
)

// PersistJobCandidates inserts reconciler.MatchJobs' output as pending rows,
// skipping any (planBlueprintId, jobId) pair that already has a pending or
// confirmed row so re-running the matcher doesn't pile up duplicates.
func (s *Store) PersistJobCandidates(planID int64, candidates []reconciler.JobCandidate) (int, error) {
	inserted := 0
	for _, c := range candidates {
		res, err := s.db.Exec(`
			INSERT INTO plan_job_matches (plan_id, plan_blueprint_id, job_id, match_type, confidence, reason, status)
			SELECT ?, ?, ?, 'job', ?, ?, 'pending'
			WHERE NOT EXISTS (
				SELECT 1 FROM plan_job_matches
				WHERE plan_blueprint_id = ? AND job_id = ? AND status IN ('pending', 'confirmed')
			)`,
			planID, c.PlanBlueprintID, c.JobID, c.Confidence, c.Reason,
			c.PlanBlueprintID, c.JobID,
		)
		if err != nil {
			return inserted, wrapSQL(ferr.Constraint, "persist job match", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// PersistTransactionCandidates inserts reconciler.MatchTransactions' output as
// pending rows, with the same (transactionId, typeId) dedup as job matches.
func (s *Store) PersistTransactionCandidates(planID int64, candidates []reconciler.TransactionCandidate) (int, error) {
	inserted := 0
	for _, c := range candidates {
		res, err := s.db.Exec(`
			INSERT INTO plan_transaction_matches (plan_id, transaction_id, type_id, match_type, quantity, confidence, reason, status)
			SELECT ?, ?, ?, ?, ?, ?, ?, 'pending'
			WHERE NOT EXISTS (
				SELECT 1 FROM plan_transaction_matches
				WHERE transaction_id = ? AND type_id = ? AND status IN ('pending', 'confirmed')
			)`,
			planID, c.TransactionID, c.TypeID, c.MatchType, c.Quantity, c.Confidence, c.Reason,
			c.TransactionID, c.TypeID,
		)
		if err != nil {
			return inserted, wrapSQL(ferr.Constraint, "persist transaction match", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// ListJobMatches returns a plan's job matches, optionally filtered by status
// ("" = all).
func (s *Store) ListJobMatches(planID int64, status string) ([]Match, error) {
	return s.listMatches(`
		SELECT match_id, plan_id, plan_blueprint_id, job_id, match_type, quantity, confidence, reason, status, confirmed_at, confirmed_by_user
		FROM plan_job_matches WHERE plan_id = ?`, planID, status)
}

// ListTransactionMatches returns a plan's transaction matches, optionally
// filtered by status ("" = all).
func (s *Store) ListTransactionMatches(planID int64, status string) ([]Match, error) {
	return s.listMatches(`
		SELECT match_id, plan_id, transaction_id, type_id, match_type, quantity, confidence, reason, status, confirmed_at, confirmed_by_user
		FROM plan_transaction_matches WHERE plan_id = ?`, planID, status)
}

func (s *Store) listMatches(baseQuery string, planID int64, status string) ([]Match, error) {
	query := baseQuery
	args := []interface{}{planID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var qty sql.NullInt64
		var confirmedAt sql.NullString
		var confirmedByUser int
		if err := rows.Scan(&m.MatchID, &m.PlanID, &m.SubjectID, &m.MatchType, &qty, &m.Confidence, &m.Reason, &m.Status, &confirmedAt, &confirmedByUser); err != nil {
			return nil, err
		}
		if qty.Valid {
			m.Quantity = &qty.Int64
		}
		if confirmedAt.Valid {
			t, _ := time.Parse(time.RFC3339, confirmedAt.String)
			m.ConfirmedAt = &t
		}
		m.ConfirmedByUser = confirmedByUser != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConfirmJobMatch marks a job match confirmed, crediting quantity units of
// the blueprint's product as manufactured (read back via GetMaterials'
// manufacturedQty). quantity is caller-supplied since only the caller (which
// fetched the underlying ESI job) knows how much of the run actually
// completed.
func (s *Store) ConfirmJobMatch(matchID int64, quantity int64) error {
	return s.confirmMatch("plan_job_matches", matchID, quantity)
}

// ConfirmTransactionMatch marks a transaction match confirmed. If quantity is
// 0 the match's own persisted quantity (set at matcher time) is kept.
func (s *Store) ConfirmTransactionMatch(matchID int64, quantity int64) error {
	return s.confirmMatch("plan_transaction_matches", matchID, quantity)
}

func (s *Store) confirmMatch(table string, matchID, quantity int64) error {
	now := nowRFC3339()
	var res sql.Result
	var err error
	if quantity > 0 {
		res, err = s.db.Exec(`UPDATE `+table+` SET status = 'confirmed', confirmed_at = ?, confirmed_by_user = 1, quantity = ? WHERE match_id = ?`, now, quantity, matchID)
	} else {
		res, err = s.db.Exec(`UPDATE `+table+` SET status = 'confirmed', confirmed_at = ?, confirmed_by_user = 1 WHERE match_id = ?`, now, matchID)
	}
	if err != nil {
		return wrapSQL(ferr.Constraint, "confirm match", err)
	}
	return requireOneRow(res, "match not found")
}

// RejectJobMatch marks a job match rejected; it is excluded from future
// aggregation and from re-insertion by PersistJobCandidates's dedup check.
func (s *Store) RejectJobMatch(matchID int64) error {
	return s.setMatchStatus("plan_job_matches", matchID, MatchStatusRejected)
}

// RejectTransactionMatch marks a transaction match rejected.
func (s *Store) RejectTransactionMatch(matchID int64) error {
	return s.setMatchStatus("plan_transaction_matches", matchID, MatchStatusRejected)
}

// UnlinkJobMatch reverts a confirmed job match to pending (spec.md §4.6:
// "Unlink reverts confirmed → pending").
func (s *Store) UnlinkJobMatch(matchID int64) error {
	return s.setMatchStatus("plan_job_matches", matchID, MatchStatusPending)
}

// UnlinkTransactionMatch reverts a confirmed transaction match to pending.
func (s *Store) UnlinkTransactionMatch(matchID int64) error {
	return s.setMatchStatus("plan_transaction_matches", matchID, MatchStatusPending)
}

func (s *Store) setMatchStatus(table string, matchID int64, status string) error {
	res, err := s.db.Exec(`UPDATE `+table+` SET status = ?, confirmed_at = NULL, confirmed_by_user = 0 WHERE match_id = ?`, status, matchID)
	if err != nil {
		return wrapSQL(ferr.Constraint, "update match status", err)
	}
	return requireOneRow(res, "match not found")
}

func requireOneRow(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ferr.New(ferr.NotFound, notFoundMsg)
	}
	return nil
}

// purchasedQty sums confirmed material_buy transaction matches for one type.
func (s *Store) purchasedQty(planID int64, typeID int32) int64 {
	var qty int64
	_ = s.db.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM plan_transaction_matches
		WHERE plan_id = ? AND type_id = ? AND match_type = ? AND status = ?`,
		planID, typeID, reconciler.MatchTypeMaterialBuy, MatchStatusConfirmed).Scan(&qty)
	return qty
}

// BlueprintRefs returns the subset of a plan's blueprints the job matcher
// needs, facility_id defaulting to 0 (unknown) when unset.
func (s *Store) BlueprintRefs(planID int64) ([]reconciler.PlanBlueprintRef, error) {
	rows, err := s.db.Query(`
		SELECT id, blueprint_type_id, runs, COALESCE(facility_id, 0)
		FROM plan_blueprints WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconciler.PlanBlueprintRef
	for rows.Next() {
		var ref reconciler.PlanBlueprintRef
		if err := rows.Scan(&ref.PlanBlueprintID, &ref.BlueprintTypeID, &ref.Runs, &ref.FacilityID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// DemandRefs returns a plan's outstanding material (buy) and product (sell)
// demand for the transaction matcher, net of already-confirmed matches.
func (s *Store) DemandRefs(planID int64) ([]reconciler.PlanDemandRef, error) {
	materials, err := s.GetMaterials(planID, false)
	if err != nil {
		return nil, err
	}
	var out []reconciler.PlanDemandRef
	for _, m := range materials {
		if m.StillNeeded <= 0 {
			continue
		}
		out = append(out, reconciler.PlanDemandRef{TypeID: m.TypeID, IsProduct: false, OutstandingQty: m.StillNeeded})
	}

	rows, err := s.db.Query(`
		SELECT type_id, SUM(quantity) FROM plan_products
		WHERE plan_id = ? AND is_intermediate = 0 GROUP BY type_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typeID int32
		var qty int64
		if err := rows.Scan(&typeID, &qty); err != nil {
			return nil, err
		}
		sold := s.soldQty(planID, typeID)
		outstanding := qty - sold
		if outstanding <= 0 {
			continue
		}
		out = append(out, reconciler.PlanDemandRef{TypeID: typeID, IsProduct: true, OutstandingQty: outstanding})
	}
	return out, rows.Err()
}

// soldQty sums confirmed product_sell transaction matches for one type.
func (s *Store) soldQty(planID int64, typeID int32) int64 {
	var qty int64
	_ = s.db.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM plan_transaction_matches
		WHERE plan_id = ? AND type_id = ? AND match_type = ? AND status = ?`,
		planID, typeID, reconciler.MatchTypeProductSell, MatchStatusConfirmed).Scan(&qty)
	return qty
}

// manufacturedQty sums confirmed job matches whose blueprint produces typeID
// as an intermediate (i.e. the plan is building this component in-house
// rather than buying it).
func (s *Store) manufacturedQty(planID int64, typeID int32) int64 {
	var qty int64
	_ = s.db.QueryRow(`
		SELECT COALESCE(SUM(jm.quantity), 0)
		FROM plan_job_matches jm
		JOIN plan_blueprints pb ON pb.id = jm.plan_blueprint_id
		WHERE jm.plan_id = ? AND jm.status = ? AND pb.intermediate_product_type_id = ?`,
		planID, MatchStatusConfirmed, typeID).Scan(&qty)
	return qty
}
