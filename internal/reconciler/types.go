// Package reconciler implements the two fuzzy matchers of spec.md §4.6: the
// job matcher (IndustryJob → PlanBlueprint) and the transaction matcher
// (WalletTransaction → PlanMaterial/PlanProduct). Both are pure functions
// over plain input slices — match persistence and the confirm/reject/unlink
// state machine live in internal/planstore, which owns the
// plan_job_matches/plan_transaction_matches tables.
package reconciler

import "time"

// DefaultMinConfidence is the job matcher's caller-supplied floor when the
// caller doesn't specify one (spec.md §4.6).
const DefaultMinConfidence = 0.3

// PlanBlueprintRef is the subset of a PlanBlueprint the job matcher needs.
type PlanBlueprintRef struct {
	PlanBlueprintID int64
	BlueprintTypeID int32
	Runs            int32
	FacilityID      int64 // 0 = unknown/unset
}

// ObservedJob mirrors ESI's GET /characters/{id}/industry/jobs/ row (only
// the fields the matcher needs).
type ObservedJob struct {
	JobID           int64
	ActivityID      int32 // 1 = manufacturing
	BlueprintTypeID int32
	Runs            int32
	FacilityID      int64
	StartDate       time.Time
}

// JobCandidate is one job-matcher result (spec.md §4.6: "{matchId,
// confidence∈[0,1], reason}" — matchId is assigned at persistence time, not
// here).
type JobCandidate struct {
	PlanBlueprintID int64
	JobID           int64
	Confidence      float64
	Reason          string
}

// PlanDemandRef is the subset of plan material/product demand the
// transaction matcher needs, keyed by the same typeId a wallet transaction
// reports.
type PlanDemandRef struct {
	TypeID         int32
	IsProduct      bool // true = this is an expected sale, false = a material to buy
	OutstandingQty int64
}

// ObservedTransaction mirrors ESI's GET /characters/{id}/wallet/transactions/
// row (only the fields the matcher needs).
type ObservedTransaction struct {
	TransactionID int64
	TypeID        int32
	LocationID    int64
	Quantity      int32
	IsBuy         bool
}

// TransactionCandidate is one transaction-matcher result. Quantity may be
// less than the transaction's full quantity — spec.md §4.6: "a transaction's
// quantity may be split across multiple matches".
type TransactionCandidate struct {
	TransactionID int64
	TypeID        int32
	MatchType     string // "material_buy" | "product_sell"
	Quantity      int64
	Confidence    float64
	Reason        string
}

const (
	MatchTypeMaterialBuy  = "material_buy"
	MatchTypeProductSell  = "product_sell"
)
