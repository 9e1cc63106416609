package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lingolive/gateway/pkg/core"
	"github.com/lingolive/gateway/pkg/gateway/apierror"
	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/gateway/metrics"
	"github.com/lingolive/gateway/pkg/gateway/mw"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/tutor"
)

// SessionsHandler serves the HTTP session API. It is the non-WebSocket
// surface over the same registry and pipelines the live endpoint uses.
type SessionsHandler struct {
	Config        config.Config
	Logger        *slog.Logger
	Registry      *tutor.Registry
	Messages      *pipeline.MessagePipeline
	VoicePipeline *pipeline.VoicePipeline
	Progress      tutor.ProgressStore
	Metrics       *metrics.Metrics
}

type joinRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	ScenarioID string `json:"scenario_id"`
}

type joinResponse struct {
	SessionID    string `json:"session_id"`
	ScenarioID   string `json:"scenario_id"`
	Created      bool   `json:"created"`
	Participants int    `json:"participants"`
}

// Join handles POST /v1/sessions.
func (h SessionsHandler) Join(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		h.fail(w, r, core.NewValidationErrorWithParam("scenario_id is required", "scenario_id"))
		return
	}

	res, err := h.Registry.Join(r.Context(), req.SessionID, req.ScenarioID, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, joinResponse{
		SessionID:    res.SessionID,
		ScenarioID:   req.ScenarioID,
		Created:      res.Created,
		Participants: res.Participants,
	})
}

// Get handles GET /v1/sessions/{id}.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	snap, err := h.Registry.Snapshot(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if snap.UserID != p.UserID {
		h.fail(w, r, core.NewPermissionError("session is owned by another user"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type messageRequest struct {
	Text string `json:"text"`
}

// Message handles POST /v1/sessions/{id}/messages.
func (h SessionsHandler) Message(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Messages.Respond(r.Context(), r.PathValue("id"), p.UserID, req.Text)
	if err != nil {
		h.Metrics.RecordMessage("text", "rejected")
		h.fail(w, r, err)
		return
	}
	outcome := "ok"
	if res.Fallback {
		outcome = "fallback"
	}
	h.Metrics.RecordMessage("text", outcome)
	writeJSON(w, http.StatusOK, res)
}

// Voice handles POST /v1/sessions/{id}/voice. The audio arrives either
// as a multipart form (field "audio", optional "expected_text" and
// "duration_ms") or as a raw body with an audio/* Content-Type.
func (h SessionsHandler) Voice(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}

	audio, mimeType, expected, duration, err := readVoicePayload(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.VoicePipeline.Analyze(r.Context(), pipeline.VoiceRequest{
		SessionID:    r.PathValue("id"),
		UserID:       p.UserID,
		Audio:        audio,
		MIMEType:     mimeType,
		ExpectedText: expected,
		Duration:     duration,
	})
	if err != nil {
		h.Metrics.RecordMessage("voice", "rejected")
		h.fail(w, r, err)
		return
	}
	h.Metrics.RecordMessage("voice", "ok")
	if h.Metrics != nil {
		h.Metrics.VoiceBytesTotal.Add(float64(len(audio)))
	}
	writeJSON(w, http.StatusOK, res)
}

type endResponse struct {
	Summary  tutor.Summary           `json:"summary"`
	Progress *tutor.LearningProgress `json:"progress,omitempty"`
}

// End handles POST /v1/sessions/{id}/end.
func (h SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	summary, err := h.Registry.End(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := endResponse{Summary: summary}
	if h.Progress != nil {
		if progress, err := h.Progress.Progress(r.Context(), p.UserID); err == nil {
			resp.Progress = &progress
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UserProgress handles GET /v1/progress.
func (h SessionsHandler) UserProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if h.Progress == nil {
		h.fail(w, r, core.NewInternalError("progress store is not configured"))
		return
	}
	progress, err := h.Progress.Progress(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	progress.UserID = p.UserID
	writeJSON(w, http.StatusOK, progress)
}

func readVoicePayload(r *http.Request) (audio []byte, mimeType, expected string, duration time.Duration, err error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, parseErr := mime.ParseMediaType(contentType)
	if parseErr != nil {
		return nil, "", "", 0, core.NewValidationErrorWithParam("invalid Content-Type", "Content-Type")
	}

	if mediaType == "multipart/form-data" {
		file, fileHeader, formErr := r.FormFile("audio")
		if formErr != nil {
			return nil, "", "", 0, core.NewValidationErrorWithParam("audio file part is required", "audio")
		}
		defer file.Close()

		audio, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", 0, core.NewValidationErrorWithParam("failed to read audio part", "audio")
		}
		mimeType = fileHeader.Header.Get("Content-Type")
		expected = r.FormValue("expected_text")
		if raw := strings.TrimSpace(r.FormValue("duration_ms")); raw != "" {
			ms, convErr := strconv.ParseInt(raw, 10, 64)
			if convErr != nil || ms < 0 {
				return nil, "", "", 0, core.NewValidationErrorWithParam("duration_ms must be a non-negative integer", "duration_ms")
			}
			duration = time.Duration(ms) * time.Millisecond
		}
		return audio, mimeType, expected, duration, nil
	}

	// Raw body mode: the Content-Type is the audio MIME type.
	audio, err = io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, "", "", 0, core.NewValidationErrorWithParam("audio payload is too large", "audio")
		}
		return nil, "", "", 0, core.NewValidationErrorWithParam("failed to read request body", "audio")
	}
	expected = r.URL.Query().Get("expected_text")
	if raw := strings.TrimSpace(r.URL.Query().Get("duration_ms")); raw != "" {
		ms, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil || ms < 0 {
			return nil, "", "", 0, core.NewValidationErrorWithParam("duration_ms must be a non-negative integer", "duration_ms")
		}
		duration = time.Duration(ms) * time.Millisecond
	}
	return audio, mediaType, expected, duration, nil
}

func (h SessionsHandler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeError(w, reqID, &core.Error{
			Type:      core.ErrAuth,
			Message:   "authentication required",
			RequestID: reqID,
		}, http.StatusUnauthorized)
		return nil, false
	}
	return p, true
}

func (h SessionsHandler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if h.Config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, core.NewValidationError("invalid JSON body"))
		return false
	}
	return true
}

func (h SessionsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	canonical, status := apierror.FromError(err, reqID)
	h.Metrics.RecordError(string(canonical.Type))
	writeError(w, reqID, canonical, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, requestID string, err *core.Error, status int) {
	if err.RequestID == "" {
		err.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: err})
}
