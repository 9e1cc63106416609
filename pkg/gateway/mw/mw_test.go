package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/gateway/ratelimit"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header=%q, context=%q", got, seen)
	}
}

func TestRequestID_KeepsCallerID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req_caller")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != "req_caller" {
		t.Fatalf("request id=%q, want caller's", seen)
	}
}

func TestAuth_RequiredRejectsMissingToken(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired}
	authenticator := auth.NewStaticAuthenticator(map[string]string{"tok1": "alice"})
	h := Auth(cfg, authenticator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not run without a token")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "auth_error") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestAuth_RequiredResolvesPrincipal(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired}
	authenticator := auth.NewStaticAuthenticator(map[string]string{"tok1": "alice"})

	var userID string
	h := Auth(cfg, authenticator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			userID = p.UserID
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	r.Header.Set("Authorization", "Bearer tok1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if userID != "alice" {
		t.Fatalf("principal=%q, want alice", userID)
	}
}

func TestAuth_ExemptsProbesAndLive(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeRequired}
	authenticator := auth.NewStaticAuthenticator(map[string]string{"tok1": "alice"})

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/live"} {
		called := false
		h := Auth(cfg, authenticator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		if !called {
			t.Fatalf("path %s should bypass bearer auth", path)
		}
	}
}

func TestRateLimit_Returns429WhenExhausted(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	h := RateLimit(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{UserID: "alice"}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.Clone(r.Context()))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status=%d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r.Clone(r.Context()))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRecover_TurnsPanicInto500(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", w.Code)
	}
}
