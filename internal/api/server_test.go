package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"forgeplan/internal/config"
	"forgeplan/internal/esi"
)

// GET /api/status is not tested here because it calls esi.Client.HealthCheck() which performs a real HTTP request.

func TestHandleGetConfig_ReturnsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.General.DefaultFacilityID = 42
	cfg.Facilities = append(cfg.Facilities, config.Facility{FacilityID: 42, Name: "Raitaru"})
	srv := NewServer(cfg, &esi.Client{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/config status = %d, want 200", rec.Code)
	}
	var out config.Config
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if out.General.DefaultFacilityID != 42 {
		t.Errorf("General.DefaultFacilityID = %d, want 42", out.General.DefaultFacilityID)
	}
	if len(out.Facilities) != 1 || out.Facilities[0].Name != "Raitaru" {
		t.Errorf("Facilities = %+v", out.Facilities)
	}
}

func TestEnsureRequestUserID_SignedCookieRoundTrip(t *testing.T) {
	srv := NewServer(config.Default(), &esi.Client{}, nil, nil, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec1 := httptest.NewRecorder()
	userID1 := srv.ensureRequestUserID(rec1, req1)
	if !isValidUserID(userID1) {
		t.Fatalf("ensureRequestUserID returned invalid user id: %q", userID1)
	}

	cookies := rec1.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected Set-Cookie on first request")
	}
	cookie := cookies[0]
	if cookie.Name != userIDCookieName {
		t.Fatalf("cookie name = %q, want %q", cookie.Name, userIDCookieName)
	}
	if parsed, ok := srv.parseSignedUserIDCookieValue(cookie.Value); !ok || parsed != userID1 {
		t.Fatalf("cookie value is not a valid signed user id: value=%q parsed=%q ok=%v", cookie.Value, parsed, ok)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	userID2 := srv.ensureRequestUserID(rec2, req2)
	if userID2 != userID1 {
		t.Fatalf("user id mismatch on valid signed cookie: got %q, want %q", userID2, userID1)
	}
	if len(rec2.Result().Cookies()) != 0 {
		t.Fatalf("did not expect Set-Cookie for valid signed cookie, got %d", len(rec2.Result().Cookies()))
	}
}

func TestEnsureRequestUserID_RotatesTamperedCookie(t *testing.T) {
	srv := NewServer(config.Default(), &esi.Client{}, nil, nil, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec1 := httptest.NewRecorder()
	userID1 := srv.ensureRequestUserID(rec1, req1)
	origCookies := rec1.Result().Cookies()
	if len(origCookies) == 0 {
		t.Fatal("expected Set-Cookie on first request")
	}
	original := origCookies[0]

	tampered := *original
	tampered.Value = userID1 + ".tampered-signature"

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(&tampered)
	rec2 := httptest.NewRecorder()
	userID2 := srv.ensureRequestUserID(rec2, req2)
	if userID2 == "" {
		t.Fatal("expected non-empty user id after tampered cookie")
	}

	newCookies := rec2.Result().Cookies()
	if len(newCookies) == 0 {
		t.Fatal("expected Set-Cookie after tampered cookie")
	}
	if parsed, ok := srv.parseSignedUserIDCookieValue(newCookies[0].Value); !ok || parsed != userID2 {
		t.Fatalf("new cookie is not a valid signed user id: value=%q parsed=%q ok=%v", newCookies[0].Value, parsed, ok)
	}
}

func TestAuthRevisionBumpAndStatusPayload(t *testing.T) {
	srv := NewServer(config.Default(), &esi.Client{}, nil, nil, nil)

	if got := srv.authRevisionForUser("u1"); got != 0 {
		t.Fatalf("initial auth revision = %d, want 0", got)
	}
	if got := srv.bumpAuthRevision("u1"); got != 1 {
		t.Fatalf("auth revision after first bump = %d, want 1", got)
	}
	if got := srv.bumpAuthRevision("u1"); got != 2 {
		t.Fatalf("auth revision after second bump = %d, want 2", got)
	}
	if got := srv.authRevisionForUser("u1"); got != 2 {
		t.Fatalf("stored auth revision = %d, want 2", got)
	}

	payload := srv.authStatusPayload("u1")
	revision, ok := payload["auth_revision"].(int64)
	if !ok {
		t.Fatalf("auth_revision type = %T, want int64", payload["auth_revision"])
	}
	if revision != 2 {
		t.Fatalf("payload auth_revision = %d, want 2", revision)
	}
}
