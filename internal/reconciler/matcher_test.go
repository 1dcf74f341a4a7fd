package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchJobs_ExactMatchHighConfidence(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	blueprints := []PlanBlueprintRef{{PlanBlueprintID: 1, BlueprintTypeID: 100, Runs: 10, FacilityID: 777}}
	jobs := []ObservedJob{{JobID: 500, ActivityID: 1, BlueprintTypeID: 100, Runs: 10, FacilityID: 777, StartDate: now.Add(-time.Hour)}}

	got := MatchJobs(blueprints, jobs, 0, now)
	require.Len(t, got, 1)
	require.GreaterOrEqual(t, got[0].Confidence, 0.95, "expected near-1.0 confidence for exact match")
}

func TestMatchJobs_WrongActivityExcluded(t *testing.T) {
	now := time.Now()
	blueprints := []PlanBlueprintRef{{PlanBlueprintID: 1, BlueprintTypeID: 100, Runs: 10}}
	jobs := []ObservedJob{{JobID: 500, ActivityID: 8, BlueprintTypeID: 100, Runs: 10, StartDate: now}}

	got := MatchJobs(blueprints, jobs, 0, now)
	require.Empty(t, got, "invention-activity job should be excluded")
}

func TestMatchJobs_BelowMinConfidenceFiltered(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	blueprints := []PlanBlueprintRef{{PlanBlueprintID: 1, BlueprintTypeID: 100, Runs: 10, FacilityID: 777}}
	// runs way off, wrong facility, stale start date: every component is weak.
	jobs := []ObservedJob{{JobID: 500, ActivityID: 1, BlueprintTypeID: 100, Runs: 1000, FacilityID: 1, StartDate: now.Add(-90 * 24 * time.Hour)}}

	got := MatchJobs(blueprints, jobs, 0.3, now)
	require.Empty(t, got, "candidate below default minConfidence should be filtered")
}

func TestMatchTransactions_SignMustMatchDemandKind(t *testing.T) {
	demand := []PlanDemandRef{
		{TypeID: 34, IsProduct: false, OutstandingQty: 100}, // material: expect a buy
		{TypeID: 200, IsProduct: true, OutstandingQty: 5},   // product: expect a sell
	}
	txns := []ObservedTransaction{
		{TransactionID: 1, TypeID: 34, Quantity: 100, IsBuy: true, LocationID: 60003760},
		{TransactionID: 2, TypeID: 34, Quantity: 100, IsBuy: false, LocationID: 60003760}, // wrong sign for a material
		{TransactionID: 3, TypeID: 200, Quantity: 5, IsBuy: false, LocationID: 60003760},
	}

	got := MatchTransactions(demand, txns, 60003760)
	require.Len(t, got, 2, "txn 2 should be excluded by sign")
	for _, c := range got {
		require.NotEqual(t, int64(2), c.TransactionID, "wrong-sign transaction should not have matched")
	}
}

func TestMatchTransactions_ExactQuantityAndLocalityMaximizeConfidence(t *testing.T) {
	demand := []PlanDemandRef{{TypeID: 34, IsProduct: false, OutstandingQty: 100}}
	txns := []ObservedTransaction{{TransactionID: 1, TypeID: 34, Quantity: 100, IsBuy: true, LocationID: 60003760}}

	got := MatchTransactions(demand, txns, 60003760)
	require.Len(t, got, 1)
	require.GreaterOrEqual(t, got[0].Confidence, 0.95)
	require.Equal(t, int64(100), got[0].Quantity)
}

func TestMatchTransactions_SplitCapsAtOutstandingQty(t *testing.T) {
	demand := []PlanDemandRef{{TypeID: 34, IsProduct: false, OutstandingQty: 40}}
	txns := []ObservedTransaction{{TransactionID: 1, TypeID: 34, Quantity: 100, IsBuy: true, LocationID: 0}}

	got := MatchTransactions(demand, txns, 0)
	require.Len(t, got, 1)
	require.Equal(t, int64(40), got[0].Quantity, "quantity should be capped at outstanding demand")
}
