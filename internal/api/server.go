package api

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"forgeplan/internal/auth"
	"forgeplan/internal/config"
	"forgeplan/internal/costengine"
	"forgeplan/internal/db"
	"forgeplan/internal/esi"
	"forgeplan/internal/logger"
	"forgeplan/internal/planstore"
	"forgeplan/internal/pricing"
	"forgeplan/internal/sde"
)

// Server is the HTTP API server that connects the ESI client, the SDE, the
// Blueprint Cost Engine, and the Plan Store (spec.md §4.4/§4.5).
type Server struct {
	cfg     *config.Config
	sdeData *sde.Data
	esi     *esi.Client
	db      *db.DB
	sso     *auth.SSOConfig
	sessions *auth.SessionStore
	mu      sync.RWMutex
	ready   bool

	// SSO state: map of CSRF state tokens -> (expiry, desktop flag). Supports
	// concurrent login flows from multiple tabs.
	ssoStatesMu sync.Mutex
	ssoStates   map[string]ssoStateEntry

	userIDCookieSecret []byte

	authRevisionMu sync.Mutex
	authRevision   map[string]int64

	// Blueprint Cost Engine + Plan Store, initialized once SDE data is ready
	// (see InitPlanning). ownership adapts ESI's owned-blueprint-ME lookup;
	// planStore is forgeplan's own SQLite database, separate from db.DB.
	ownership  *esi.Ownership
	costEngine *costengine.Engine
	planStore  *planstore.Store
}

// ssoStateEntry holds metadata for a pending SSO login flow.
type ssoStateEntry struct {
	ExpiresAt time.Time
	Desktop   bool
	UserID    string
}

const userIDCookieName = "forgeplan_uid"
const userIDCookieMaxAge = 365 * 24 * 60 * 60
const userIDCookieSignatureBytes = 16
const userIDCookieSecretMetaKey = "user_cookie_secret_v1"
const industryAnalyzeMaxBodyBytes = 64 * 1024
const industryAnalyzeMaxRuns int32 = 10000
const industryAnalyzeMaxDepth = 20
const industrySearchMaxLimit = 100

type contextKey string

const userIDContextKey contextKey = "user_id"

func (s *Server) userIDCookieSignature(userID string) []byte {
	secret := s.userIDCookieSecret
	if len(secret) == 0 {
		secret = []byte("forgeplan-user-cookie-secret-fallback")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(userID))
	sum := mac.Sum(nil)
	return sum[:userIDCookieSignatureBytes]
}

func (s *Server) signedUserIDCookieValue(userID string) string {
	signature := base64.RawURLEncoding.EncodeToString(s.userIDCookieSignature(userID))
	return userID + "." + signature
}

func (s *Server) parseSignedUserIDCookieValue(value string) (string, bool) {
	value = strings.TrimSpace(value)
	sep := strings.LastIndexByte(value, '.')
	if sep <= 0 || sep >= len(value)-1 {
		return "", false
	}

	userID := strings.TrimSpace(value[:sep])
	signatureValue := strings.TrimSpace(value[sep+1:])
	if !isValidUserID(userID) || signatureValue == "" {
		return "", false
	}

	gotSignature, err := base64.RawURLEncoding.DecodeString(signatureValue)
	if err != nil {
		return "", false
	}
	wantSignature := s.userIDCookieSignature(userID)
	if len(gotSignature) != len(wantSignature) {
		return "", false
	}
	if !hmac.Equal(gotSignature, wantSignature) {
		return "", false
	}
	return userID, true
}

func (s *Server) setUserIDCookie(w http.ResponseWriter, r *http.Request, userID string) string {
	userID = strings.TrimSpace(userID)
	if !isValidUserID(userID) {
		userID = generateUserID()
		if !isValidUserID(userID) {
			userID = db.DefaultUserID
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     userIDCookieName,
		Value:    s.signedUserIDCookieValue(userID),
		Path:     "/",
		HttpOnly: true,
		Secure:   secureCookieFromRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   userIDCookieMaxAge,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	})
	return userID
}

func (s *Server) ensureRequestUserID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(userIDCookieName); err == nil {
		if userID, ok := s.parseSignedUserIDCookieValue(c.Value); ok {
			return userID
		}
	}

	return s.setUserIDCookie(w, r, generateUserID())
}

func userIDFromRequest(r *http.Request) string {
	if r == nil {
		return db.DefaultUserID
	}
	if v := r.Context().Value(userIDContextKey); v != nil {
		if userID, ok := v.(string); ok {
			userID = strings.TrimSpace(userID)
			if isValidUserID(userID) {
				return userID
			}
		}
	}
	return db.DefaultUserID
}

func (s *Server) userScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := s.ensureRequestUserID(w, r)
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func normalizeAuthRevisionUserID(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return db.DefaultUserID
	}
	return userID
}

func (s *Server) authRevisionForUser(userID string) int64 {
	userID = normalizeAuthRevisionUserID(userID)
	s.authRevisionMu.Lock()
	defer s.authRevisionMu.Unlock()
	if s.authRevision == nil {
		return 0
	}
	return s.authRevision[userID]
}

func (s *Server) bumpAuthRevision(userID string) int64 {
	userID = normalizeAuthRevisionUserID(userID)
	s.authRevisionMu.Lock()
	defer s.authRevisionMu.Unlock()
	if s.authRevision == nil {
		s.authRevision = make(map[string]int64)
	}
	s.authRevision[userID]++
	return s.authRevision[userID]
}

func cloneConfig(cfg *config.Config) *config.Config {
	if cfg == nil {
		return config.Default()
	}
	copied := *cfg
	copied.Facilities = append([]config.Facility(nil), cfg.Facilities...)
	copied.Characters = append([]config.CharacterPref(nil), cfg.Characters...)
	return &copied
}

func secureCookieFromRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	return false
}

func generateUserID() string {
	var raw [18]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return db.DefaultUserID
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func generateUserCookieSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return []byte("forgeplan-user-cookie-secret-fallback")
	}
	return secret
}

func loadOrCreateUserCookieSecret(database *db.DB) []byte {
	secret := generateUserCookieSecret()
	if database == nil || database.SqlDB() == nil {
		return secret
	}

	sqlDB := database.SqlDB()
	var encoded string
	err := sqlDB.QueryRow("SELECT value FROM app_meta WHERE key = ? LIMIT 1", userIDCookieSecretMetaKey).Scan(&encoded)
	switch {
	case err == nil:
		decoded, decodeErr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
		if decodeErr == nil && len(decoded) >= 32 {
			return decoded
		}
	case err != sql.ErrNoRows:
		log.Printf("[API] Failed to load user cookie secret from app_meta: %v", err)
		return secret
	}

	encoded = base64.RawURLEncoding.EncodeToString(secret)
	if _, err := sqlDB.Exec(`
		INSERT INTO app_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, userIDCookieSecretMetaKey, encoded); err != nil {
		log.Printf("[API] Failed to persist user cookie secret to app_meta: %v", err)
	}

	return secret
}

func isValidUserID(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > 128 {
		return false
	}
	for _, ch := range userID {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
			continue
		}
		return false
	}
	return true
}

// NewServer creates a Server with the given config, ESI client, and database.
func NewServer(cfg *config.Config, esiClient *esi.Client, database *db.DB, ssoConfig *auth.SSOConfig, sessions *auth.SessionStore) *Server {
	s := &Server{
		cfg:                cfg,
		esi:                esiClient,
		db:                 database,
		sso:                ssoConfig,
		sessions:           sessions,
		ssoStates:          make(map[string]ssoStateEntry),
		userIDCookieSecret: loadOrCreateUserCookieSecret(database),
		authRevision:       make(map[string]int64),
	}
	return s
}

// SetSDE is called when SDE data finishes loading.
func (s *Server) SetSDE(data *sde.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdeData = data
	s.ready = true
}

// InitPlanning wires the Blueprint Cost Engine and opens the Plan Store
// (spec.md §4.4/§4.5). Must be called after SetSDE; planDBPath is typically
// <dataDir>/plans.db. Logs and leaves planning disabled on failure rather
// than aborting the whole server — the rest of the API still works.
func (s *Server) InitPlanning(planDBPath string) {
	s.mu.Lock()
	data := s.sdeData
	s.mu.Unlock()
	if data == nil {
		logger.Error("PLANSTORE", "InitPlanning called before SDE data was ready")
		return
	}

	sdeReader := sde.NewReader(data)
	s.ownership = esi.NewOwnership(s.esi)
	costSources := esi.NewCostSources(s.esi, esi.NewIndustryCache())
	book := esi.NewBook(s.esi)
	marketSource := pricing.NewSource(0, book)

	eng := costengine.New(sdeReader, s.ownership, costSources, costSources, marketSource)

	store, err := planstore.Open(planDBPath, eng)
	if err != nil {
		logger.Error("PLANSTORE", fmt.Sprintf("open failed: %v", err))
		return
	}

	s.mu.Lock()
	s.costEngine = eng
	s.planStore = store
	s.mu.Unlock()
	logger.Success("PLANSTORE", "Plan Store ready")
}

func (s *Server) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleSetConfig)
	mux.HandleFunc("GET /api/sde/systems/autocomplete", s.handleAutocomplete)
	mux.HandleFunc("GET /api/sde/regions/autocomplete", s.handleRegionAutocomplete)
	// Auth (character identity, tokens, sessions)
	mux.HandleFunc("GET /api/auth/login", s.handleAuthLogin)
	mux.HandleFunc("GET /api/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("POST /api/auth/character/select", s.handleAuthCharacterSelect)
	mux.HandleFunc("DELETE /api/auth/characters/{characterID}", s.handleAuthCharacterDelete)
	mux.HandleFunc("GET /api/auth/character", s.handleAuthCharacter)
	mux.HandleFunc("GET /api/auth/location", s.handleAuthLocation)
	// Facility (candidate manufacturing locations, spec.md §4.1/§4.4)
	mux.HandleFunc("GET /api/facility/structures", s.handleFacilityStructures)
	// Blueprint Cost Engine (spec.md §4.4) standalone calculator, outside any plan
	mux.HandleFunc("POST /api/calculator/compute", s.handleCalculatorCompute)
	mux.HandleFunc("GET /api/blueprint/search", s.handleBlueprintSearch)
	mux.HandleFunc("GET /api/blueprint/systems", s.handleBlueprintSystems)
	mux.HandleFunc("GET /api/blueprint/status", s.handleBlueprintStatus)
	// Manufacturing Plan Store (spec.md §4.5)
	mux.Handle("/api/plans/", http.StripPrefix("/api/plans", s.planRouter()))
	return corsMiddleware(s.userScopeMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowedOrigin := ""
		if origin != "" && isAllowedCORSOrigin(origin, r.Host) {
			allowedOrigin = origin
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			if origin != "" && allowedOrigin == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedCORSOrigin(origin, requestHost string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	originHost := normalizeHost(u.Host)
	reqHost := normalizeHost(requestHost)
	if originHost == "" || reqHost == "" {
		return false
	}
	if originHost == reqHost {
		return true
	}
	return isLoopbackHost(originHost) && isLoopbackHost(reqHost)
}

func normalizeHost(hostPort string) string {
	if hostPort == "" {
		return ""
	}
	u, err := url.Parse("http://" + hostPort)
	if err != nil {
		return strings.ToLower(strings.Trim(hostPort, "[]"))
	}
	return strings.ToLower(u.Hostname())
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sdeLoaded := s.ready
	var systemCount, typeCount, blueprintCount int
	if s.sdeData != nil {
		systemCount = len(s.sdeData.Systems)
		typeCount = len(s.sdeData.Types)
		if s.sdeData.Industry != nil {
			blueprintCount = len(s.sdeData.Industry.Blueprints)
		}
	}
	planningReady := s.planStore != nil
	s.mu.RUnlock()

	esiOK := s.esi.HealthCheck()
	_, lastOK := s.esi.HealthStatus()

	result := map[string]interface{}{
		"sde_loaded":      sdeLoaded,
		"sde_systems":     systemCount,
		"sde_types":       typeCount,
		"sde_blueprints":  blueprintCount,
		"esi_ok":          esiOK,
		"planning_ready":  planningReady,
	}

	if !lastOK.IsZero() {
		result["esi_last_ok"] = lastOK.Unix()
	}

	writeJSON(w, result)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := cloneConfig(s.cfg)
	s.mu.RUnlock()
	writeJSON(w, cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := cloneConfig(s.cfg)
	s.mu.RUnlock()

	var patch struct {
		General    *config.General         `json:"general"`
		Market     *config.Market          `json:"market"`
		Facilities []config.Facility       `json:"facilities"`
		Characters []config.CharacterPref  `json:"characters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	if patch.General != nil {
		cfg.General = *patch.General
	}
	if patch.Market != nil {
		cfg.Market = *patch.Market
	}
	if patch.Facilities != nil {
		cfg.Facilities = patch.Facilities
	}
	if patch.Characters != nil {
		cfg.Characters = patch.Characters
	}

	// Validate bounds.
	if cfg.General.Opacity < 0 {
		cfg.General.Opacity = 0
	} else if cfg.General.Opacity > 255 {
		cfg.General.Opacity = 255
	}
	if cfg.Market.Percentile < 0 {
		cfg.Market.Percentile = 0
	} else if cfg.Market.Percentile > 1 {
		cfg.Market.Percentile = 1
	}
	if cfg.Market.InputPriceModifier <= 0 {
		cfg.Market.InputPriceModifier = 1
	}
	if cfg.Market.OutputPriceModifier <= 0 {
		cfg.Market.OutputPriceModifier = 1
	}
	if cfg.Market.MinVolume < 0 {
		cfg.Market.MinVolume = 0
	}
	if cfg.Market.AccountingLevel < 0 {
		cfg.Market.AccountingLevel = 0
	} else if cfg.Market.AccountingLevel > 5 {
		cfg.Market.AccountingLevel = 5
	}
	if cfg.Market.BrokerRelationsLevel < 0 {
		cfg.Market.BrokerRelationsLevel = 0
	} else if cfg.Market.BrokerRelationsLevel > 5 {
		cfg.Market.BrokerRelationsLevel = 5
	}
	switch cfg.Market.PriceMethod {
	case "immediate", "vwap", "percentile", "historical", "hybrid":
	default:
		cfg.Market.PriceMethod = "hybrid"
	}

	if err := config.Save(cfg); err != nil {
		writeError(w, 500, "failed to save config")
		return
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	writeJSON(w, cfg)
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" || !s.isReady() {
		writeJSON(w, map[string][]string{"systems": {}})
		return
	}

	s.mu.RLock()
	names := s.sdeData.SystemNames
	s.mu.RUnlock()

	var prefix, contains []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, q) {
			prefix = append(prefix, name)
		} else if strings.Contains(lower, q) {
			contains = append(contains, name)
		}
	}

	result := append(prefix, contains...)
	if len(result) > 15 {
		result = result[:15]
	}

	writeJSON(w, map[string][]string{"systems": result})
}

func (s *Server) handleRegionAutocomplete(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" || !s.isReady() {
		writeJSON(w, map[string][]string{"regions": {}})
		return
	}

	s.mu.RLock()
	regions := s.sdeData.Regions
	systems := s.sdeData.Systems
	s.mu.RUnlock()

	seen := map[string]bool{}
	var prefix, contains, bySystem []string
	for _, region := range regions {
		lower := strings.ToLower(region.Name)
		if strings.HasPrefix(lower, q) {
			prefix = append(prefix, region.Name)
			seen[region.Name] = true
		} else if strings.Contains(lower, q) {
			contains = append(contains, region.Name)
			seen[region.Name] = true
		}
	}

	for _, sys := range systems {
		if strings.HasPrefix(strings.ToLower(sys.Name), q) {
			if reg, ok := regions[sys.RegionID]; ok && !seen[reg.Name] {
				bySystem = append(bySystem, reg.Name+" ("+sys.Name+")")
				seen[reg.Name] = true
			}
		}
	}

	result := append(prefix, contains...)
	result = append(result, bySystem...)
	if len(result) > 15 {
		result = result[:15]
	}

	writeJSON(w, map[string][]string{"regions": result})
}

type authCharacterSummary struct {
	CharacterID   int64  `json:"character_id"`
	CharacterName string `json:"character_name"`
	Active        bool   `json:"active"`
}

func parseAuthScope(r *http.Request) (characterID int64, all bool, err error) {
	scope := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("scope")))
	charParam := strings.TrimSpace(r.URL.Query().Get("character_id"))

	if scope == "all" || strings.EqualFold(charParam, "all") {
		if charParam != "" && !strings.EqualFold(charParam, "all") {
			return 0, false, fmt.Errorf("character_id and scope=all cannot be combined")
		}
		return 0, true, nil
	}

	if charParam == "" {
		return 0, false, nil
	}
	id, parseErr := strconv.ParseInt(charParam, 10, 64)
	if parseErr != nil || id <= 0 {
		return 0, false, fmt.Errorf("invalid character_id")
	}
	return id, false, nil
}

func (s *Server) authSessionsForScope(userID string, characterID int64, all bool, allowAll bool) ([]*auth.Session, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if all {
		if !allowAll {
			return nil, fmt.Errorf("scope=all is not supported for this endpoint")
		}
		allSessions := s.sessions.ListForUser(userID)
		if len(allSessions) == 0 {
			return nil, fmt.Errorf("not logged in")
		}
		return allSessions, nil
	}
	if characterID > 0 {
		sess := s.sessions.GetByCharacterIDForUser(userID, characterID)
		if sess == nil {
			return nil, fmt.Errorf("character not logged in")
		}
		return []*auth.Session{sess}, nil
	}
	sess := s.sessions.GetForUser(userID)
	if sess == nil {
		return nil, fmt.Errorf("not logged in")
	}
	return []*auth.Session{sess}, nil
}

func (s *Server) authStatusPayload(userID string) map[string]interface{} {
	revision := s.authRevisionForUser(userID)
	if s.sessions == nil {
		return map[string]interface{}{
			"logged_in":     false,
			"auth_revision": revision,
		}
	}
	active := s.sessions.GetForUser(userID)
	if active == nil {
		return map[string]interface{}{
			"logged_in":     false,
			"auth_revision": revision,
		}
	}
	all := s.sessions.ListForUser(userID)
	characters := make([]authCharacterSummary, 0, len(all))
	for _, sess := range all {
		characters = append(characters, authCharacterSummary{
			CharacterID:   sess.CharacterID,
			CharacterName: sess.CharacterName,
			Active:        sess.Active,
		})
	}
	return map[string]interface{}{
		"logged_in":      true,
		"character_id":   active.CharacterID,
		"character_name": active.CharacterName,
		"characters":     characters,
		"auth_revision":  revision,
	}
}

func (s *Server) writeAuthStatus(w http.ResponseWriter, userID string) {
	writeJSON(w, s.authStatusPayload(userID))
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.sso == nil {
		writeError(w, 500, "SSO not configured")
		return
	}
	state := auth.GenerateState()
	desktop := r.URL.Query().Get("desktop") == "1"
	userID := userIDFromRequest(r)

	s.ssoStatesMu.Lock()
	now := time.Now()
	for k, v := range s.ssoStates {
		if now.After(v.ExpiresAt) {
			delete(s.ssoStates, k)
		}
	}
	s.ssoStates[state] = ssoStateEntry{
		ExpiresAt: now.Add(10 * time.Minute),
		Desktop:   desktop,
		UserID:    userID,
	}
	s.ssoStatesMu.Unlock()

	http.Redirect(w, r, s.sso.BuildAuthURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.sso == nil {
		writeError(w, 500, "SSO not configured")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	s.ssoStatesMu.Lock()
	entry, ok := s.ssoStates[state]
	if ok {
		delete(s.ssoStates, state) // consume: one-time use
	}
	s.ssoStatesMu.Unlock()

	if state == "" || !ok || time.Now().After(entry.ExpiresAt) {
		writeError(w, 400, "invalid or expired state parameter")
		return
	}

	tok, err := s.sso.ExchangeCode(code)
	if err != nil {
		log.Printf("[AUTH] Exchange error: %v", err)
		writeError(w, 500, "token exchange failed: "+err.Error())
		return
	}

	info, err := auth.VerifyToken(tok.AccessToken)
	if err != nil {
		log.Printf("[AUTH] Verify error: %v", err)
		writeError(w, 500, "token verify failed: "+err.Error())
		return
	}

	userID := strings.TrimSpace(entry.UserID)
	if !isValidUserID(userID) {
		userID = userIDFromRequest(r)
	}
	userID = s.setUserIDCookie(w, r, userID)
	sess := &auth.Session{
		CharacterID:   info.CharacterID,
		CharacterName: info.CharacterName,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := s.sessions.SaveAndActivateForUser(userID, sess); err != nil {
		log.Printf("[AUTH] Save session error: %v", err)
		writeError(w, 500, "save session failed")
		return
	}
	s.bumpAuthRevision(userID)

	log.Printf("[AUTH] Logged in as %s (ID: %d)", info.CharacterName, info.CharacterID)

	if !entry.Desktop {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	// Desktop app: show a styled success page in the system browser. The
	// desktop shell detects login via polling /api/auth/status.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>forgeplan - Login</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
body{background:#0d1117;color:#c9d1d9;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;
display:flex;align-items:center;justify-content:center;min-height:100vh}
.card{text-align:center;padding:3rem 4rem;border:1px solid #30363d;border-radius:12px;background:#161b22}
.avatar{width:64px;height:64px;border-radius:8px;margin-bottom:1rem}
h1{font-size:1.5rem;color:#58a6ff;margin-bottom:.5rem}
p{color:#8b949e;margin-bottom:.25rem}
.hint{margin-top:1.5rem;font-size:.85rem;color:#484f58}
</style></head>
<body><div class="card">
<img class="avatar" src="https://images.evetech.net/characters/%d/portrait?size=128" alt="">
<h1>%s</h1>
<p>Login successful!</p>
<p class="hint">You can close this tab and return to forgeplan.</p>
</div>
<script>setTimeout(function(){window.close()},4000)</script>
</body></html>`, info.CharacterID, info.CharacterName)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	s.writeAuthStatus(w, userID)
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if s.sessions != nil {
		s.sessions.DeleteForUser(userID)
	}
	s.bumpAuthRevision(userID)
	log.Println("[AUTH] Logged out")
	s.writeAuthStatus(w, userID)
}

func (s *Server) handleAuthCharacterSelect(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if s.sessions == nil {
		writeError(w, 401, "not logged in")
		return
	}
	var req struct {
		CharacterID int64 `json:"character_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if req.CharacterID <= 0 {
		writeError(w, 400, "character_id is required")
		return
	}
	if err := s.sessions.SetActiveForUser(userID, req.CharacterID); err != nil {
		writeError(w, 404, err.Error())
		return
	}
	s.bumpAuthRevision(userID)
	s.writeAuthStatus(w, userID)
}

func (s *Server) handleAuthCharacterDelete(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if s.sessions == nil {
		writeError(w, 401, "not logged in")
		return
	}
	characterID, err := strconv.ParseInt(r.PathValue("characterID"), 10, 64)
	if err != nil || characterID <= 0 {
		writeError(w, 400, "invalid characterID")
		return
	}
	if err := s.sessions.DeleteByCharacterIDForUser(userID, characterID); err != nil {
		writeError(w, 500, "delete failed: "+err.Error())
		return
	}
	s.bumpAuthRevision(userID)
	s.writeAuthStatus(w, userID)
}

// handleAuthCharacter returns identity/wallet/transaction/skill facts for the
// active (or selected) character — the Character Store read path (spec.md §3).
func (s *Server) handleAuthCharacter(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)

	type charInfo struct {
		CharacterID   int64                   `json:"character_id"`
		CharacterName string                  `json:"character_name"`
		Wallet        float64                 `json:"wallet"`
		Transactions  []esi.WalletTransaction `json:"transactions"`
		Skills        *esi.SkillSheet         `json:"skills"`
	}

	characterID, allScope, err := parseAuthScope(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	selectedSessions, err := s.authSessionsForScope(userID, characterID, allScope, true)
	if err != nil {
		if strings.Contains(err.Error(), "not logged in") {
			writeError(w, 401, err.Error())
		} else {
			writeError(w, 400, err.Error())
		}
		return
	}

	fetchOne := func(sess *auth.Session) (*charInfo, error) {
		token, tokenErr := s.sessions.EnsureValidTokenForUserCharacter(s.sso, userID, sess.CharacterID)
		if tokenErr != nil {
			return nil, tokenErr
		}

		result := &charInfo{
			CharacterID:   sess.CharacterID,
			CharacterName: sess.CharacterName,
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wg.Add(3)

		go func() {
			defer wg.Done()
			if balance, fetchErr := s.esi.GetWalletBalance(sess.CharacterID, token); fetchErr == nil {
				mu.Lock()
				result.Wallet = balance
				mu.Unlock()
			} else {
				log.Printf("[AUTH] Wallet error (%s): %v", sess.CharacterName, fetchErr)
			}
		}()

		go func() {
			defer wg.Done()
			if txns, fetchErr := s.esi.GetWalletTransactions(sess.CharacterID, token); fetchErr == nil {
				mu.Lock()
				result.Transactions = txns
				mu.Unlock()
			} else {
				log.Printf("[AUTH] Transactions error (%s): %v", sess.CharacterName, fetchErr)
			}
		}()

		go func() {
			defer wg.Done()
			if skills, fetchErr := s.esi.GetSkills(sess.CharacterID, token); fetchErr == nil {
				mu.Lock()
				result.Skills = skills
				mu.Unlock()
			} else {
				log.Printf("[AUTH] Skills error (%s): %v", sess.CharacterName, fetchErr)
			}
		}()

		wg.Wait()
		return result, nil
	}

	collected := make([]*charInfo, 0, len(selectedSessions))
	for _, sess := range selectedSessions {
		info, fetchErr := fetchOne(sess)
		if fetchErr != nil {
			log.Printf("[AUTH] Failed to fetch character (%s): %v", sess.CharacterName, fetchErr)
			if !allScope {
				writeError(w, 401, fetchErr.Error())
				return
			}
			continue
		}
		collected = append(collected, info)
	}
	if len(collected) == 0 {
		writeError(w, 401, "failed to fetch character data")
		return
	}

	var result charInfo
	if allScope {
		result = charInfo{CharacterID: 0, CharacterName: "All Characters"}
		for _, part := range collected {
			result.Wallet += part.Wallet
			result.Transactions = append(result.Transactions, part.Transactions...)
		}
	} else {
		result = *collected[0]
	}

	s.mu.RLock()
	sdeData := s.sdeData
	s.mu.RUnlock()

	if sdeData != nil {
		locationIDs := make(map[int64]bool)
		for _, t := range result.Transactions {
			locationIDs[t.LocationID] = true
		}
		s.esi.PrefetchStationNames(locationIDs)

		for i := range result.Transactions {
			if t, ok := sdeData.Types[result.Transactions[i].TypeID]; ok {
				result.Transactions[i].TypeName = t.Name
			}
			result.Transactions[i].LocationName = s.esi.StationName(result.Transactions[i].LocationID)
		}
	}

	writeJSON(w, result)
}

func (s *Server) handleAuthLocation(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)

	characterID, allScope, err := parseAuthScope(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	selectedSessions, err := s.authSessionsForScope(userID, characterID, allScope, false)
	if err != nil {
		if strings.Contains(err.Error(), "not logged in") {
			writeError(w, 401, err.Error())
		} else {
			writeError(w, 400, err.Error())
		}
		return
	}
	sess := selectedSessions[0]

	token, err := s.sessions.EnsureValidTokenForUserCharacter(s.sso, userID, sess.CharacterID)
	if err != nil {
		writeError(w, 401, err.Error())
		return
	}

	loc, err := s.esi.GetCharacterLocation(sess.CharacterID, token)
	if err != nil {
		writeError(w, 500, "failed to get location: "+err.Error())
		return
	}

	s.mu.RLock()
	sdeData := s.sdeData
	s.mu.RUnlock()

	result := struct {
		SolarSystemID   int32  `json:"solar_system_id"`
		SolarSystemName string `json:"solar_system_name"`
		StationID       int64  `json:"station_id,omitempty"`
		StationName     string `json:"station_name,omitempty"`
	}{
		SolarSystemID: loc.SolarSystemID,
	}

	if sdeData != nil {
		if sys, ok := sdeData.Systems[loc.SolarSystemID]; ok {
			result.SolarSystemName = sys.Name
		}
	}

	if loc.StationID != 0 {
		result.StationID = loc.StationID
		result.StationName = s.esi.StationName(loc.StationID)
	} else if loc.StructureID != 0 {
		result.StationID = loc.StructureID
		result.StationName = s.esi.StationName(loc.StructureID)
	}

	writeJSON(w, result)
}

// handleFacilityStructures lists named Upwell structures in a system that the
// active character has docking/viewing access to — candidates for a saved
// config.Facility (spec.md §3/§6).
func (s *Server) handleFacilityStructures(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	token, err := s.sessions.EnsureValidTokenForUser(s.sso, userID)
	if err != nil {
		writeError(w, 401, err.Error())
		return
	}

	systemIDStr := r.URL.Query().Get("system_id")
	regionIDStr := r.URL.Query().Get("region_id")
	if systemIDStr == "" || regionIDStr == "" {
		writeJSON(w, []interface{}{})
		return
	}

	systemID64, err1 := strconv.ParseInt(systemIDStr, 10, 32)
	regionID64, err2 := strconv.ParseInt(regionIDStr, 10, 32)
	if err1 != nil || err2 != nil {
		writeJSON(w, []interface{}{})
		return
	}
	systemID := int32(systemID64)
	regionID := int32(regionID64)

	structures, err := s.esi.FetchSystemStructures(systemID, regionID, token)
	if err != nil {
		log.Printf("[API] FetchSystemStructures error: %v", err)
		writeJSON(w, []interface{}{})
		return
	}

	type structureInfo struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		SystemID int32  `json:"system_id"`
		RegionID int32  `json:"region_id"`
	}

	result := make([]structureInfo, 0, len(structures))
	skipped := 0
	for _, st := range structures {
		// Skip structures with placeholder names (no access or not in EVERef).
		if st.Name == "" || strings.HasPrefix(st.Name, "Structure ") || strings.HasPrefix(st.Name, "Location ") {
			skipped++
			continue
		}
		result = append(result, structureInfo{ID: st.ID, Name: st.Name, SystemID: st.SystemID, RegionID: st.RegionID})
	}
	if skipped > 0 {
		log.Printf("[API] Filtered out %d inaccessible structures from dropdown", skipped)
	}
	writeJSON(w, result)
}

func clampInt(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}

func clampInt32(value, minValue, maxValue int32) int32 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}

// handleCalculatorCompute runs the Blueprint Cost Engine for a single
// blueprint outside of any saved plan (spec.md §4.4) — a standalone
// what-if calculator for the UI's quick-estimate panel.
func (s *Server) handleCalculatorCompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BPTypeID         int32                `json:"bpTypeId"`
		Runs             int32                `json:"runs"`
		Lines            int32                `json:"lines"`
		MELevel          int32                `json:"meLevel"`
		TELevel          int32                `json:"teLevel"`
		CharacterID      int64                `json:"characterId"`
		Facility         *costengine.Facility `json:"facility"`
		UseIntermediates string               `json:"useIntermediates"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, industryAnalyzeMaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	s.mu.RLock()
	eng := s.costEngine
	s.mu.RUnlock()
	if eng == nil {
		writeError(w, 503, "cost engine not ready yet")
		return
	}
	if req.BPTypeID <= 0 {
		writeError(w, 400, "bpTypeId is required")
		return
	}
	req.Runs = clampInt32(req.Runs, 1, industryAnalyzeMaxRuns)
	req.MELevel = clampInt32(req.MELevel, 0, 10)
	req.TELevel = clampInt32(req.TELevel, 0, 20)

	params := costengine.Params{
		BPTypeID:         req.BPTypeID,
		Runs:             req.Runs,
		Lines:            req.Lines,
		MELevel:          req.MELevel,
		TELevel:          req.TELevel,
		CharacterID:      req.CharacterID,
		Facility:         req.Facility,
		UseIntermediates: costengine.ParseUseIntermediates(req.UseIntermediates),
		Depth:            0,
	}

	result, err := eng.Compute(r.Context(), params)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, result)
}

// handleBlueprintSearch finds buildable item types by name (spec.md §4.1) for
// the blueprint picker — a thin SDE lookup, no cost computation.
func (s *Server) handleBlueprintSearch(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		writeError(w, 503, "SDE not loaded yet")
		return
	}

	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if len(query) > 128 {
		query = query[:128]
	}
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	limit = clampInt(limit, 1, industrySearchMaxLimit)

	s.mu.RLock()
	sdeData := s.sdeData
	s.mu.RUnlock()

	type buildableItem struct {
		TypeID          int32  `json:"type_id"`
		TypeName        string `json:"type_name"`
		BlueprintTypeID int32  `json:"blueprint_type_id"`
	}

	var results []buildableItem
	if sdeData != nil && sdeData.Industry != nil {
		for typeID, bpTypeID := range sdeData.Industry.ProductToBlueprint {
			t, ok := sdeData.Types[typeID]
			if !ok {
				continue
			}
			if query != "" && !strings.Contains(strings.ToLower(t.Name), query) {
				continue
			}
			results = append(results, buildableItem{TypeID: typeID, TypeName: t.Name, BlueprintTypeID: bpTypeID})
			if len(results) >= limit {
				break
			}
		}
	}
	if results == nil {
		results = []buildableItem{}
	}
	writeJSON(w, results)
}

// handleBlueprintSystems lists manufacturing cost indices per system
// (spec.md §4.4's JobGross system cost index input), enriched with SDE names.
func (s *Server) handleBlueprintSystems(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		writeError(w, 503, "SDE not loaded yet")
		return
	}

	systems, err := s.esi.FetchIndustrySystems()
	if err != nil {
		writeError(w, 500, "failed to fetch industry systems: "+err.Error())
		return
	}

	s.mu.RLock()
	sdeData := s.sdeData
	s.mu.RUnlock()

	type systemWithName struct {
		SolarSystemID   int32   `json:"solar_system_id"`
		SolarSystemName string  `json:"solar_system_name"`
		Manufacturing   float64 `json:"manufacturing"`
		Reaction        float64 `json:"reaction"`
		Copying         float64 `json:"copying"`
		Invention       float64 `json:"invention"`
	}

	result := make([]systemWithName, 0, len(systems))
	for _, sys := range systems {
		name := ""
		if s, ok := sdeData.Systems[sys.SolarSystemID]; ok {
			name = s.Name
		}
		swn := systemWithName{SolarSystemID: sys.SolarSystemID, SolarSystemName: name}
		for _, ci := range sys.CostIndices {
			switch ci.Activity {
			case "manufacturing":
				swn.Manufacturing = ci.CostIndex
			case "reaction":
				swn.Reaction = ci.CostIndex
			case "copying":
				swn.Copying = ci.CostIndex
			case "invention":
				swn.Invention = ci.CostIndex
			}
		}
		result = append(result, swn)
	}

	writeJSON(w, result)
}

func (s *Server) handleBlueprintStatus(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		writeError(w, 503, "SDE not loaded yet")
		return
	}

	s.mu.RLock()
	sdeData := s.sdeData
	s.mu.RUnlock()

	blueprintCount := 0
	productCount := 0
	if sdeData.Industry != nil {
		blueprintCount = len(sdeData.Industry.Blueprints)
		productCount = len(sdeData.Industry.ProductToBlueprint)
	}

	writeJSON(w, map[string]interface{}{
		"blueprints": blueprintCount,
		"products":   productCount,
	})
}
