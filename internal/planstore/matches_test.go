package planstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"forgeplan/internal/costengine"
	"forgeplan/internal/reconciler"
)

func TestPersistJobCandidates_DedupesPendingAndConfirmed(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	rootID, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	})
	require.NoError(t, err)

	cand := []reconciler.JobCandidate{{PlanBlueprintID: rootID, JobID: 999, Confidence: 0.8, Reason: "test"}}
	n, err := store.PersistJobCandidates(planID, cand)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.PersistJobCandidates(planID, cand)
	require.NoError(t, err)
	require.Equal(t, 0, n, "re-run should insert 0 (dedup)")

	matches, err := store.ListJobMatches(planID, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestConfirmRejectUnlinkJobMatch(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	rootID, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	})
	require.NoError(t, err)

	// The intermediate blueprint (101, producing component 35) is the one
	// worth confirming a job against — it drives plan_materials' 36 demand
	// satisfaction via manufacturedQty.
	var intermediateID int64
	require.NoError(t, store.db.QueryRow(`SELECT id FROM plan_blueprints WHERE parent_blueprint_id = ?`, rootID).Scan(&intermediateID))

	_, err = store.PersistJobCandidates(planID, []reconciler.JobCandidate{
		{PlanBlueprintID: intermediateID, JobID: 42, Confidence: 0.9, Reason: "exact match"},
	})
	require.NoError(t, err)

	matches, err := store.ListJobMatches(planID, MatchStatusPending)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	matchID := matches[0].MatchID

	require.NoError(t, store.ConfirmJobMatch(matchID, 20))

	materials, err := store.GetMaterials(planID, false)
	require.NoError(t, err)
	var got36 int64
	for _, m := range materials {
		if m.TypeID == 36 {
			got36 = m.ManufacturedQty
		}
	}
	require.Equal(t, int64(20), got36)

	require.NoError(t, store.UnlinkJobMatch(matchID))
	materials, err = store.GetMaterials(planID, false)
	require.NoError(t, err)
	for _, m := range materials {
		if m.TypeID == 36 {
			require.Zero(t, m.ManufacturedQty, "expected manufacturedQty reset after unlink")
		}
	}

	require.NoError(t, store.RejectJobMatch(matchID))
	rejected, err := store.ListJobMatches(planID, MatchStatusRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
}

func TestConfirmTransactionMatch_DrivesPurchasedQty(t *testing.T) {
	store := newTestStore(t)
	planID, _ := store.CreatePlan(1, "", "")
	_, err := store.AddBlueprint(context.Background(), planID, BlueprintConfig{
		BlueprintTypeID: 100, Runs: 10, Lines: 1, UseIntermediates: costengine.UseRawMaterials,
	})
	require.NoError(t, err)

	_, err = store.PersistTransactionCandidates(planID, []reconciler.TransactionCandidate{
		{TransactionID: 7, TypeID: 34, MatchType: reconciler.MatchTypeMaterialBuy, Quantity: 60, Confidence: 0.9, Reason: "test"},
	})
	require.NoError(t, err)

	matches, err := store.ListTransactionMatches(planID, MatchStatusPending)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, store.ConfirmTransactionMatch(matches[0].MatchID, 0))

	materials, err := store.GetMaterials(planID, false)
	require.NoError(t, err)
	var got34 int64
	for _, m := range materials {
		if m.TypeID == 34 {
			got34 = m.PurchasedQty
		}
	}
	require.Equal(t, int64(60), got34, "should keep matcher-assigned quantity")
}
