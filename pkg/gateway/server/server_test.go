package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lingolive/gateway/pkg/backend"
	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/store"
	"github.com/lingolive/gateway/pkg/tutor"
)

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, backend.CompletionRequest) (backend.Reply, error) {
	return backend.Reply{Text: "Anything else?"}, nil
}

type stubEvaluator struct{}

func (stubEvaluator) Evaluate(context.Context, string, string) (tutor.Evaluation, error) {
	return tutor.Evaluation{Score: 90, Feedback: "well phrased"}, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, []byte, string) (backend.Transcription, error) {
	return backend.Transcription{Text: "hello", Confidence: 1}, nil
}

type stubScorer struct{}

func (stubScorer) Score(context.Context, backend.ScoreRequest) (backend.PronunciationScore, error) {
	return backend.PronunciationScore{Pronunciation: 80, Accuracy: 80, Fluency: 80, Completeness: 80}, nil
}

func testConfig() config.Config {
	return config.Config{
		Addr:                  ":0",
		AuthMode:              config.AuthModeRequired,
		APITokens:             map[string]string{"tok1": "alice"},
		MaxBodyBytes:          1 << 20,
		SessionIdleTimeout:    time.Hour,
		SessionEndedRetention: time.Hour,
		MessageBackendTimeout: time.Second,
		VoiceBackendTimeout:   time.Second,
		LiveMaxMessageBytes:   1 << 20,
		ReadHeaderTimeout:     time.Second,
		ReadTimeout:           time.Minute,
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.DiscardHandler)
	registry := tutor.NewRegistry(tutor.RegistryConfig{JanitorInterval: time.Hour}, logger, nil)
	t.Cleanup(registry.Close)
	history := store.NewMemoryHistory()

	s := New(Dependencies{
		Config:        cfg,
		Logger:        logger,
		Authenticator: auth.NewStaticAuthenticator(cfg.APITokens),
		Registry:      registry,
		Messages:      pipeline.NewMessagePipeline(pipeline.MessageConfig{}, registry, stubCompleter{}, stubEvaluator{}, history, logger),
		Voice:         pipeline.NewVoicePipeline(pipeline.VoiceConfig{}, registry, stubTranscriber{}, stubScorer{}, history, logger),
		Progress:      store.NewMemoryProgress(),
	})
	return s.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServer_HealthIsOpen(t *testing.T) {
	h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
}

func TestServer_AuthRequired(t *testing.T) {
	h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/v1/sessions", "", `{"scenario_id":"cafe"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d, want 401", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/v1/sessions", "wrong", `{"scenario_id":"cafe"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d, want 401", w.Code)
	}
}

func TestServer_SessionFlow(t *testing.T) {
	h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/v1/sessions", "tok1", `{"session_id":"s1","scenario_id":"cafe"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("join status=%d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("missing X-Request-ID header")
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/s1/messages", "tok1", `{"text":"one espresso"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("message status=%d: %s", w.Code, w.Body.String())
	}
	var msg pipeline.MessageResult
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Reply.Text != "Anything else?" {
		t.Fatalf("reply=%q", msg.Reply.Text)
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/s1/end", "tok1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("end status=%d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/s1/end", "tok1", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("double end status=%d, want 409", w.Code)
	}
}

func TestServer_UnknownRouteIs404Envelope(t *testing.T) {
	h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/v2/nope", "tok1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not_found_error") {
		t.Fatalf("body=%s", w.Body.String())
	}
}
