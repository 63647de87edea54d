package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestHttpServer(t *testing.T) (*HttpServer, *driverEnv) {
	t.Helper()
	e := newDriverEnv(t, MdBlock{Name: "example.com"})
	e.reload(t)

	hs, err := NewHttpServer(0, e.challenges, e.drv)
	if err != nil {
		t.Fatalf("NewHttpServer: %v", err)
	}
	return hs, e
}

func TestHttpChallengeServing(t *testing.T) {
	hs, e := newTestHttpServer(t)

	e.challenges.Activate("example.com")
	e.challenges.WriteToken("example.com", "tok123", "tok123.keyauth")

	req := httptest.NewRequest("GET", "/.well-known/acme-challenge/tok123", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if w.Body.String() != "tok123.keyauth" {
		t.Errorf("body = %q, want the key authorization", w.Body.String())
	}
}

func TestHttpChallengeUnknownToken(t *testing.T) {
	hs, _ := newTestHttpServer(t)

	req := httptest.NewRequest("GET", "/.well-known/acme-challenge/nosuch", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHttpChallengeSweptTokenGone(t *testing.T) {
	hs, e := newTestHttpServer(t)

	e.challenges.Activate("stale.example.com")
	e.challenges.WriteToken("stale.example.com", "tok", "auth")
	e.reload(t) // stale.example.com is not configured, the sweep takes it

	req := httptest.NewRequest("GET", "/.well-known/acme-challenge/tok", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 after the sweep", w.Code)
	}
}

func TestHttpStatusEndpoint(t *testing.T) {
	hs, _ := newTestHttpServer(t)

	req := httptest.NewRequest("GET", "/md-status", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rows []DomainStatus
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("status body is not JSON: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "example.com" {
		t.Errorf("status rows = %+v", rows)
	}
	if rows[0].State != MD_STATE_NO_CERT {
		t.Errorf("State = %q, want %q", rows[0].State, MD_STATE_NO_CERT)
	}
}

func TestHttpChallengeMethodFilter(t *testing.T) {
	hs, e := newTestHttpServer(t)
	e.challenges.Activate("example.com")
	e.challenges.WriteToken("example.com", "tok", "auth")

	req := httptest.NewRequest("POST", "/.well-known/acme-challenge/tok", nil)
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Error("POST served a challenge, want method filtering")
	}
}
