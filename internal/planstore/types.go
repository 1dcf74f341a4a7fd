// Package planstore implements the Plan Store (spec.md §4.5): transactional,
// ACID manufacturing-plan CRUD over a SQLite-backed forest of blueprints and
// the materials/products aggregated from them. Grounded on the teacher's
// internal/db/industry_ledger.go shapes, repurposed to spec.md §3's
// Plan/PlanBlueprint/PlanMaterial/PlanProduct/PlanJobMatch/
// PlanTransactionMatch/PlanAssetAllocation data model.
package planstore

import (
	"time"

	"forgeplan/internal/costengine"
)

const (
	PlanStatusActive    = "active"
	PlanStatusCompleted = "completed"
	PlanStatusArchived  = "archived"
)

const (
	AllocationScopeStrictLocation = "strict_location"
	AllocationScopeLocationFirst  = "location_first" // default
	AllocationScopeGlobal         = "global"
)

const (
	MatchStatusPending   = "pending"
	MatchStatusConfirmed = "confirmed"
	MatchStatusRejected  = "rejected"
)

// Plan is the top-level manufacturing plan (spec.md §3).
type Plan struct {
	PlanID               int64
	CharacterID           int64
	Name                  string
	Description           string
	Status                string
	AssetAllocationScope  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}

// PlanBlueprint is one node in a plan's blueprint forest (spec.md §3).
type PlanBlueprint struct {
	PlanBlueprintID          int64
	PlanID                   int64
	BlueprintTypeID          int32
	Runs                     int32
	Lines                    int32
	MELevel                  int32
	TELevel                  int32
	FacilityID               *int64
	FacilitySnapshot         string // opaque JSON
	UseIntermediates         costengine.UseIntermediates
	IsIntermediate           bool
	ParentBlueprintID        *int64
	IntermediateProductTypeID *int32
	BuiltRuns                int32
	AddedAt                  time.Time
}

// PlanMaterial is the plan-wide aggregated demand for one material type
// (spec.md §3, invariant 1).
type PlanMaterial struct {
	PlanID              int64
	TypeID              int32
	Quantity            int64
	BasePrice           *float64
	CustomPrice         *float64
	PriceFrozenAt       *time.Time
	ManuallyAcquiredQty int64
	AcquisitionMethod   string
	AcquisitionNote     string
}

// PlanProduct is one blueprint node's output (spec.md §3; depth 0 = final
// product).
type PlanProduct struct {
	PlanID            int64
	BlueprintID       int64
	TypeID            int32
	Quantity          int64
	BasePrice         *float64
	PriceFrozenAt     *time.Time
	IsIntermediate    bool
	IntermediateDepth int
}

// Match is the shared shape of PlanJobMatch / PlanTransactionMatch (spec.md
// §3 groups them with one definition).
type Match struct {
	MatchID         int64
	PlanID          int64
	SubjectID       int64 // jobId or transactionId
	MatchType       string
	Quantity        *int64
	Confidence      float64
	Reason          string
	Status          string
	ConfirmedAt     *time.Time
	ConfirmedByUser bool
}

// AssetAllocation is owned-asset credit applied against a plan's material
// demand (spec.md §3).
type AssetAllocation struct {
	AllocationID  int64
	PlanID        int64
	TypeID        int32
	Quantity      int64
	IsCorporation bool
	AllocatedAt   time.Time
}

// BlueprintConfig is addBlueprint's input (spec.md §4.5).
type BlueprintConfig struct {
	BlueprintTypeID  int32
	Runs             int32
	Lines            int32
	MELevel          int32
	TELevel          int32
	Facility         *costengine.Facility
	FacilitySnapshot string
	UseIntermediates costengine.UseIntermediates
	CharacterID      int64 // for ownedBlueprintME resolution
}

// BlueprintPatch is updateBlueprint's partial-update input; nil fields are
// left unchanged.
type BlueprintPatch struct {
	Runs             *int32
	Lines            *int32
	MELevel          *int32
	TELevel          *int32
	Facility         *costengine.Facility
	FacilitySnapshot *string
	UseIntermediates *costengine.UseIntermediates
}

// Summary is getSummary's return value (spec.md §4.5).
type Summary struct {
	MaterialCost      float64
	ProductValue      float64
	EstimatedProfit   float64
	ROI               float64
	MaterialsWithPrice int
	MaterialsTotal     int
	ProductsWithPrice  int
	ProductsTotal      int
}

// MaterialLine is one row of getMaterials' per-material demand breakdown
// (spec.md §4.5: "stillNeeded = max(0, quantity - manually - purchased -
// manufactured)").
type MaterialLine struct {
	TypeID              int32
	Quantity            int64
	ManuallyAcquiredQty int64
	PurchasedQty        int64
	ManufacturedQty     int64
	AllocatedAssetQty   int64
	StillNeeded         int64
	BasePrice           *float64
	CustomPrice         *float64
}

// AcquisitionInput is markMaterialAcquired's input.
type AcquisitionInput struct {
	Quantity    int64
	Method      string
	CustomPrice *float64
	Note        string
}
