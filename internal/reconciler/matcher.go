package reconciler

import (
	"fmt"
	"math"
	"time"
)

const manufacturingActivityID = 1

// MatchJobs implements spec.md §4.6's job matcher: for each plan blueprint
// and each character's recent manufacturing job against the same blueprint
// type, score runsMatch/facilityMatch/recencyMatch and keep candidates at or
// above minConfidence (0 ⇒ DefaultMinConfidence).
func MatchJobs(blueprints []PlanBlueprintRef, jobs []ObservedJob, minConfidence float64, now time.Time) []JobCandidate {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	var out []JobCandidate
	for _, job := range jobs {
		if job.ActivityID != manufacturingActivityID {
			continue
		}
		for _, bp := range blueprints {
			if bp.BlueprintTypeID != job.BlueprintTypeID {
				continue
			}

			runsMatch := runsMatchScore(job.Runs, bp.Runs)
			facilityMatch := 0.3
			if bp.FacilityID != 0 && job.FacilityID == bp.FacilityID {
				facilityMatch = 1
			}
			recencyMatch := recencyMatchScore(job.StartDate, now)

			confidence := 0.5*runsMatch + 0.3*facilityMatch + 0.2*recencyMatch
			if confidence < minConfidence {
				continue
			}

			out = append(out, JobCandidate{
				PlanBlueprintID: bp.PlanBlueprintID,
				JobID:           job.JobID,
				Confidence:      confidence,
				Reason: fmt.Sprintf(
					"runs %d~%d, facility %s, started %s ago",
					job.Runs, bp.Runs, facilityDesc(bp.FacilityID, job.FacilityID), time.Since(job.StartDate).Round(time.Hour),
				),
			})
		}
	}
	return out
}

func runsMatchScore(jobRuns, planRuns int32) float64 {
	if planRuns == 0 {
		return 0
	}
	diff := math.Abs(float64(jobRuns - planRuns))
	return 1 - math.Min(1, diff/float64(planRuns))
}

func recencyMatchScore(startDate, now time.Time) float64 {
	days := now.Sub(startDate).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 7)
}

func facilityDesc(planFacilityID, jobFacilityID int64) string {
	if planFacilityID != 0 && planFacilityID == jobFacilityID {
		return "match"
	}
	return "mismatch"
}

// MatchTransactions implements spec.md §4.6's transaction matcher: for each
// wallet transaction and each plan material/product of the same type,
// emit a material_buy or product_sell candidate when the buy/sell sign
// matches, scored by locality and magnitude proximity to outstanding
// demand. planLocationID is the plan's primary facility/hub location used
// for the locality bonus; pass 0 to skip it.
func MatchTransactions(demand []PlanDemandRef, txns []ObservedTransaction, planLocationID int64) []TransactionCandidate {
	var out []TransactionCandidate
	for _, txn := range txns {
		for _, d := range demand {
			if d.TypeID != txn.TypeID {
				continue
			}
			// Materials are bought (IsBuy==true); products are sold (IsBuy==false).
			if d.IsProduct == txn.IsBuy {
				continue
			}

			matchType := MatchTypeMaterialBuy
			if d.IsProduct {
				matchType = MatchTypeProductSell
			}

			locality := 0.0
			if planLocationID != 0 && txn.LocationID == planLocationID {
				locality = 1
			}
			magnitude := magnitudeProximity(int64(txn.Quantity), d.OutstandingQty)

			// Type equality is required (already filtered above) and worth a
			// fixed floor; locality and magnitude refine it.
			confidence := 0.5 + 0.2*locality + 0.3*magnitude

			qty := int64(txn.Quantity)
			if d.OutstandingQty > 0 && qty > d.OutstandingQty {
				qty = d.OutstandingQty
			}

			out = append(out, TransactionCandidate{
				TransactionID: txn.TransactionID,
				TypeID:        txn.TypeID,
				MatchType:     matchType,
				Quantity:      qty,
				Confidence:    confidence,
				Reason:        fmt.Sprintf("qty %d vs outstanding %d, locality=%v", txn.Quantity, d.OutstandingQty, locality == 1),
			})
		}
	}
	return out
}

// magnitudeProximity scores how close a transaction's quantity is to a
// plan's outstanding demand, 1.0 at an exact match, decaying with relative
// distance, 0 when demand is already satisfied.
func magnitudeProximity(txnQty, outstandingQty int64) float64 {
	if outstandingQty <= 0 {
		return 0
	}
	diff := math.Abs(float64(txnQty - outstandingQty))
	return math.Max(0, 1-diff/float64(outstandingQty))
}
