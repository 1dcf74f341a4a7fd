package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"forgeplan/internal/costengine"
	"forgeplan/internal/logger"
	"forgeplan/internal/planstore"
	"forgeplan/internal/reconciler"
)

var bodyValidator = validator.New()

// planRouter returns the chi-routed plan.* / blueprint.* surface (spec.md
// §4.5/§4.7), mounted under /api/plans by Handler(). Every handler first
// checks s.planStore != nil — planning comes up asynchronously after SDE
// load (see InitPlanning) and is simply unavailable until then.
func (s *Server) planRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requirePlanStore)

	r.Post("/", s.handleCreatePlan)
	r.Route("/{planID}", func(r chi.Router) {
		r.Get("/summary", s.handleGetPlanSummary)
		r.Get("/materials", s.handleGetPlanMaterials)
		r.Post("/blueprints", s.handleAddBlueprint)
		r.Post("/recalculate", s.handleRecalculateMaterials)
		r.Post("/allocate-assets", s.handleAllocateAssets)
		r.Patch("/blueprints/bulk", s.handleBulkUpdateBlueprints)

		r.Route("/blueprints/{blueprintID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateBlueprint)
			r.Delete("/", s.handleRemoveBlueprint)
			r.Post("/built", s.handleMarkIntermediateBuilt)
		})

		r.Post("/materials/{typeID}/acquire", s.handleMarkMaterialAcquired)
		r.Delete("/materials/{typeID}/acquire", s.handleUnmarkMaterialAcquired)

		r.Post("/reconcile", s.handleReconcilePlan)
		r.Get("/matches/jobs", s.handleListJobMatches)
		r.Get("/matches/transactions", s.handleListTransactionMatches)
	})

	r.Post("/matches/jobs/{matchID}/confirm", s.handleConfirmJobMatch)
	r.Post("/matches/jobs/{matchID}/reject", s.handleRejectJobMatch)
	r.Post("/matches/jobs/{matchID}/unlink", s.handleUnlinkJobMatch)
	r.Post("/matches/transactions/{matchID}/confirm", s.handleConfirmTransactionMatch)
	r.Post("/matches/transactions/{matchID}/reject", s.handleRejectTransactionMatch)
	r.Post("/matches/transactions/{matchID}/unlink", s.handleUnlinkTransactionMatch)

	return r
}

func (s *Server) requirePlanStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		ready := s.planStore != nil
		s.mu.RUnlock()
		if !ready {
			writeError(w, http.StatusServiceUnavailable, "plan store not ready (SDE still loading)")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pathInt64(r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	return v, err == nil
}

func pathInt32(r *http.Request, key string) (int32, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, key), 10, 32)
	return int32(v), err == nil
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CharacterID int64  `json:"characterId" validate:"required,gt=0"`
		Name        string `json:"name" validate:"omitempty,max=200"`
		Description string `json:"description" validate:"omitempty,max=2000"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := bodyValidator.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.planStore.CreatePlan(body.CharacterID, body.Name, body.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int64{"planId": id})
}

func (s *Server) handleAddBlueprint(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	var cfg planstore.BlueprintConfig
	var body struct {
		BlueprintTypeID  int32  `json:"blueprintTypeId" validate:"required,gt=0"`
		Runs             int32  `json:"runs" validate:"required,gt=0"`
		Lines            int32  `json:"lines" validate:"omitempty,gt=0"`
		MELevel          int32  `json:"meLevel" validate:"gte=0,lte=10"`
		TELevel          int32  `json:"teLevel" validate:"gte=0,lte=20"`
		UseIntermediates string `json:"useIntermediates"`
		CharacterID      int64  `json:"characterId"`
		Facility         *costengine.Facility `json:"facility"`
		FacilitySnapshot string `json:"facilitySnapshot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := bodyValidator.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg = planstore.BlueprintConfig{
		BlueprintTypeID:  body.BlueprintTypeID,
		Runs:             body.Runs,
		Lines:            body.Lines,
		MELevel:          body.MELevel,
		TELevel:          body.TELevel,
		Facility:         body.Facility,
		FacilitySnapshot: body.FacilitySnapshot,
		UseIntermediates: costengine.ParseUseIntermediates(body.UseIntermediates),
		CharacterID:      body.CharacterID,
	}

	id, err := s.planStore.AddBlueprint(r.Context(), planID, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int64{"planBlueprintId": id})
}

func (s *Server) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	blueprintID, ok := pathInt64(r, "blueprintID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid blueprintID")
		return
	}
	var patch planstore.BlueprintPatch
	var skipRecalc bool
	var body struct {
		Runs             *int32                `json:"runs"`
		Lines            *int32                `json:"lines"`
		MELevel          *int32                `json:"meLevel"`
		TELevel          *int32                `json:"teLevel"`
		Facility         *costengine.Facility  `json:"facility"`
		FacilitySnapshot *string               `json:"facilitySnapshot"`
		UseIntermediates *string               `json:"useIntermediates"`
		SkipRecalc       bool                  `json:"skipRecalc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	patch = planstore.BlueprintPatch{
		Runs: body.Runs, Lines: body.Lines, MELevel: body.MELevel, TELevel: body.TELevel,
		Facility: body.Facility, FacilitySnapshot: body.FacilitySnapshot,
	}
	if body.UseIntermediates != nil {
		u := costengine.ParseUseIntermediates(*body.UseIntermediates)
		patch.UseIntermediates = &u
	}
	skipRecalc = body.SkipRecalc

	if err := s.planStore.UpdateBlueprint(r.Context(), blueprintID, patch, skipRecalc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleBulkUpdateBlueprints(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	var body struct {
		Patches map[string]planstore.BlueprintPatch `json:"patches"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	patches := make(map[int64]planstore.BlueprintPatch, len(body.Patches))
	for k, v := range body.Patches {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		patches[id] = v
	}
	if err := s.planStore.BulkUpdate(r.Context(), planID, patches); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveBlueprint(w http.ResponseWriter, r *http.Request) {
	blueprintID, ok := pathInt64(r, "blueprintID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid blueprintID")
		return
	}
	warnings, err := s.planStore.RemoveBlueprint(blueprintID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "orphanedAcquisitions": warnings})
}

func (s *Server) handleRecalculateMaterials(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	forceRefresh := r.URL.Query().Get("forceRefreshPrices") == "true"
	if err := s.planStore.RecalculateMaterials(planID, forceRefresh); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleMarkIntermediateBuilt(w http.ResponseWriter, r *http.Request) {
	blueprintID, ok := pathInt64(r, "blueprintID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid blueprintID")
		return
	}
	var body struct {
		BuiltRuns int32 `json:"builtRuns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	warnings, err := s.planStore.MarkIntermediateBuilt(blueprintID, body.BuiltRuns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "warnings": warnings})
}

func (s *Server) handleMarkMaterialAcquired(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	typeID, ok := pathInt32(r, "typeID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid typeID")
		return
	}
	var in planstore.AcquisitionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.planStore.MarkMaterialAcquired(planID, typeID, in); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleUnmarkMaterialAcquired(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	typeID, ok := pathInt32(r, "typeID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid typeID")
		return
	}
	if err := s.planStore.UnmarkMaterialAcquired(planID, typeID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleGetPlanSummary(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	summary, err := s.planStore.GetSummary(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleGetPlanMaterials(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	includeAssets := r.URL.Query().Get("includeAssets") == "true"
	lines, err := s.planStore.GetMaterials(planID, includeAssets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, lines)
}

func (s *Server) handleAllocateAssets(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	var body struct {
		Scope          string                     `json:"scope"`
		LocationID     int64                      `json:"locationId"`
		Assets         []planstore.AssetSnapshot  `json:"assets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.planStore.AllocateAssets(planID, body.Scope, body.LocationID, body.Assets); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleReconcilePlan runs spec.md §4.6's two fuzzy matchers against a
// character's recent ESI industry jobs and wallet transactions and persists
// the resulting candidates as pending matches.
func (s *Server) handleReconcilePlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	var body struct {
		CharacterID   int64   `json:"characterId"`
		LocationID    int64   `json:"locationId"`
		MinConfidence float64 `json:"minConfidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	runID := uuid.NewString()
	logger.Info("RECONCILE", fmt.Sprintf("run %s: plan %d, character %d", runID, planID, body.CharacterID))

	userID := userIDFromRequest(r)
	token, err := s.sessions.EnsureValidTokenForUserCharacter(s.sso, userID, body.CharacterID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no valid token for character: "+err.Error())
		return
	}

	esiJobs, err := s.esi.GetCharacterIndustryJobs(body.CharacterID, token, true)
	if err != nil {
		writeError(w, http.StatusBadGateway, "fetch industry jobs: "+err.Error())
		return
	}
	esiTxns, err := s.esi.GetWalletTransactions(body.CharacterID, token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "fetch wallet transactions: "+err.Error())
		return
	}

	blueprints, err := s.planStore.BlueprintRefs(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	demand, err := s.planStore.DemandRefs(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobs := make([]reconciler.ObservedJob, 0, len(esiJobs))
	for _, j := range esiJobs {
		startDate, _ := time.Parse(time.RFC3339, j.StartDate)
		jobs = append(jobs, reconciler.ObservedJob{
			JobID:           j.JobID,
			ActivityID:      j.ActivityID,
			BlueprintTypeID: j.BlueprintTypeID,
			Runs:            j.Runs,
			FacilityID:      j.FacilityID,
			StartDate:       startDate,
		})
	}
	txns := make([]reconciler.ObservedTransaction, 0, len(esiTxns))
	for _, t := range esiTxns {
		txns = append(txns, reconciler.ObservedTransaction{
			TransactionID: t.TransactionID,
			TypeID:        t.TypeID,
			LocationID:    t.LocationID,
			Quantity:      t.Quantity,
			IsBuy:         t.IsBuy,
		})
	}

	jobCandidates := reconciler.MatchJobs(blueprints, jobs, body.MinConfidence, time.Now())
	txnCandidates := reconciler.MatchTransactions(demand, txns, body.LocationID)

	jobsInserted, err := s.planStore.PersistJobCandidates(planID, jobCandidates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	txnsInserted, err := s.planStore.PersistTransactionCandidates(planID, txnCandidates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"runId":                   runID,
		"jobMatchesFound":         jobsInserted,
		"transactionMatchesFound": txnsInserted,
	})
}

func (s *Server) handleListJobMatches(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	matches, err := s.planStore.ListJobMatches(planID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleListTransactionMatches(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathInt64(r, "planID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid planID")
		return
	}
	matches, err := s.planStore.ListTransactionMatches(planID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, matches)
}

func matchQuantityBody(r *http.Request) int64 {
	var body struct {
		Quantity int64 `json:"quantity"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Quantity
}

func (s *Server) handleConfirmJobMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.ConfirmJobMatch(matchID, matchQuantityBody(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRejectJobMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.RejectJobMatch(matchID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleUnlinkJobMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.UnlinkJobMatch(matchID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleConfirmTransactionMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.ConfirmTransactionMatch(matchID, matchQuantityBody(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRejectTransactionMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.RejectTransactionMatch(matchID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleUnlinkTransactionMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := pathInt64(r, "matchID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid matchID")
		return
	}
	if err := s.planStore.UnlinkTransactionMatch(matchID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}
