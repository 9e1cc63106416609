package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lingolive/gateway/pkg/backend"
	"github.com/lingolive/gateway/pkg/core"
	"github.com/lingolive/gateway/pkg/store"
	"github.com/lingolive/gateway/pkg/tutor"
)

const (
	// MaxAudioBytes caps one voice submission at 10 MiB.
	MaxAudioBytes = 10 << 20

	// masteryWindow is how many recent session averages feed the learner
	// level estimate.
	masteryWindow = 10
)

// VoiceConfig tunes backend call budgets for the voice pipeline.
type VoiceConfig struct {
	BackendTimeout time.Duration
	RetryTimeout   time.Duration
	// ObserveBackendCall receives the duration and outcome of every
	// backend attempt. Nil disables observation.
	ObserveBackendCall func(backend, status string, duration time.Duration)
}

func (c VoiceConfig) withDefaults() VoiceConfig {
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 20 * time.Second
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 8 * time.Second
	}
	return c
}

// VoiceRequest is one voice submission.
type VoiceRequest struct {
	SessionID string
	UserID    string
	Audio     []byte
	MIMEType  string
	// ExpectedText is the phrase the learner was asked to read. Empty
	// for free speech; the transcription then scores against itself.
	ExpectedText string
	Duration     time.Duration
}

// VoiceResult is one completed voice analysis.
type VoiceResult struct {
	Message    tutor.Message       `json:"message"`
	Analysis   tutor.VoiceAnalysis `json:"analysis"`
	Level      int                 `json:"level"`
	SessionAvg float64             `json:"session_avg"`
}

// VoicePipeline transcribes and scores learner speech. A failure at any
// stage leaves the session untouched; only a fully analyzed turn is
// appended.
type VoicePipeline struct {
	cfg         VoiceConfig
	registry    *tutor.Registry
	transcriber backend.Transcriber
	scorer      backend.PronunciationScorer
	history     store.History
	logger      *slog.Logger
}

// NewVoicePipeline wires the voice pipeline. history may be nil, which
// also disables level estimation (the default band is used).
func NewVoicePipeline(cfg VoiceConfig, registry *tutor.Registry, transcriber backend.Transcriber, scorer backend.PronunciationScorer, history store.History, logger *slog.Logger) *VoicePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoicePipeline{
		cfg:         cfg.withDefaults(),
		registry:    registry,
		transcriber: transcriber,
		scorer:      scorer,
		history:     history,
		logger:      logger,
	}
}

// Analyze processes one voice submission: validate the payload, estimate
// the learner level from recent history, transcribe, score, then append
// the turn. Validation runs before any backend call; an oversized or
// non-audio payload never reaches the transcriber.
func (p *VoicePipeline) Analyze(ctx context.Context, req VoiceRequest) (VoiceResult, error) {
	if err := validateAudio(req.Audio, req.MIMEType); err != nil {
		return VoiceResult{}, err
	}
	// Fail fast on a bad session before spending backend budget.
	snap, err := p.registry.Snapshot(req.SessionID)
	if err != nil {
		return VoiceResult{}, err
	}
	if snap.State != tutor.StateActive {
		return VoiceResult{}, core.NewStateError("session is not active", "not-active")
	}

	level := p.learnerLevel(ctx, req.UserID)

	var trans backend.Transcription
	err = p.callBackend(ctx, "transcription", func(ctx context.Context) error {
		var err error
		trans, err = p.transcriber.Transcribe(ctx, req.Audio, req.MIMEType)
		return err
	})
	if err != nil {
		return VoiceResult{}, err
	}

	expected := strings.TrimSpace(req.ExpectedText)
	if expected == "" {
		expected = trans.Text
	}
	var score backend.PronunciationScore
	err = p.callBackend(ctx, "scoring", func(ctx context.Context) error {
		var err error
		score, err = p.scorer.Score(ctx, backend.ScoreRequest{
			ExpectedText:    expected,
			TranscribedText: trans.Text,
			Level:           level,
		})
		return err
	})
	if err != nil {
		return VoiceResult{}, err
	}

	analysis := tutor.VoiceAnalysis{
		Transcription: trans.Text,
		Confidence:    trans.Confidence,
		Pronunciation: score.Pronunciation,
		Accuracy:      score.Accuracy,
		Fluency:       score.Fluency,
		Completeness:  score.Completeness,
		Words:         score.Words,
		Feedback:      score.Feedback,
		Duration:      req.Duration,
		DurationMS:    req.Duration.Milliseconds(),
	}
	msg, avg, err := p.registry.AppendVoice(req.SessionID, req.UserID, analysis)
	if err != nil {
		return VoiceResult{}, err
	}

	p.persist(ctx, req, msg, analysis)
	return VoiceResult{Message: msg, Analysis: analysis, Level: level, SessionAvg: avg}, nil
}

func validateAudio(audio []byte, mimeType string) error {
	if len(audio) == 0 {
		return core.NewValidationErrorWithParam("audio payload is empty", "audio")
	}
	if len(audio) > MaxAudioBytes {
		return core.NewValidationErrorWithParam("audio payload exceeds 10 MiB", "audio")
	}
	if !strings.HasPrefix(mimeType, "audio/") {
		return core.NewValidationErrorWithParam("unsupported content type", "mime_type")
	}
	return nil
}

// learnerLevel maps the user's recent session averages to a 1..5 band.
// No history, or a history read failure, means the default mid band.
func (p *VoicePipeline) learnerLevel(ctx context.Context, userID string) int {
	if p.history == nil {
		return tutor.DefaultBand
	}
	scores, err := p.history.RecentMasteryScores(ctx, userID, masteryWindow)
	if err != nil {
		p.logger.Warn("mastery lookup failed, using default level",
			"user_id", userID, "error", err)
		return tutor.DefaultBand
	}
	return tutor.BandFromMastery(scores)
}

func (p *VoicePipeline) callBackend(ctx context.Context, name string, fn func(context.Context) error) error {
	attempt := func(budget time.Duration) error {
		callCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		start := time.Now()
		err := fn(callCtx)
		if p.cfg.ObserveBackendCall != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			p.cfg.ObserveBackendCall(name, status, time.Since(start))
		}
		return err
	}

	err := attempt(p.cfg.BackendTimeout)
	if err == nil {
		return nil
	}
	typed := core.FromBackendError(name, err)
	if !typed.IsRetryable() || ctx.Err() != nil {
		return typed
	}
	p.logger.Debug("retrying backend call", "backend", name, "error", err)
	if err := attempt(p.cfg.RetryTimeout); err != nil {
		return core.FromBackendError(name, err)
	}
	return nil
}

func (p *VoicePipeline) persist(ctx context.Context, req VoiceRequest, msg tutor.Message, analysis tutor.VoiceAnalysis) {
	if p.history == nil {
		return
	}
	if err := p.history.SaveMessage(ctx, req.SessionID, msg); err != nil {
		p.logger.Warn("history write failed",
			"session_id", req.SessionID, "message_id", msg.ID, "error", err)
	}
	if err := p.history.SaveVoiceAnalysis(ctx, req.SessionID, req.UserID, analysis); err != nil {
		p.logger.Warn("voice analysis write failed",
			"session_id", req.SessionID, "error", err)
	}
}
