// Package backend defines the pluggable language and speech backends the
// pipelines call. Production backends are swappable without touching
// pipeline logic; tests substitute deterministic doubles.
package backend

import (
	"context"

	"github.com/lingolive/gateway/pkg/tutor"
)

// CompletionRequest asks for the assistant's next conversational turn.
type CompletionRequest struct {
	ScenarioID string
	// Messages is the bounded context window, oldest first.
	Messages []tutor.Message
}

// Reply is the assistant's generated turn.
type Reply struct {
	Text string
}

// Completer generates the assistant reply for a text turn.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Reply, error)
}

// Evaluator scores a user utterance (0-100) with a short feedback string.
type Evaluator interface {
	Evaluate(ctx context.Context, utterance, scenarioID string) (tutor.Evaluation, error)
}

// Transcription is the speech-to-text result for one audio clip.
type Transcription struct {
	Text       string
	Confidence float64
}

// Transcriber converts an audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (Transcription, error)
}

// ScoreRequest asks for pronunciation/fluency scoring of a read-aloud or
// free-speech clip. Level is the learner band (1..5) and lets the scorer
// calibrate difficulty expectations.
type ScoreRequest struct {
	ExpectedText    string
	TranscribedText string
	Level           int
}

// PronunciationScore carries the four sub-scores, the word-level
// breakdown, and qualitative feedback.
type PronunciationScore struct {
	Pronunciation float64
	Accuracy      float64
	Fluency       float64
	Completeness  float64
	Words         []tutor.WordScore
	Feedback      string
}

// PronunciationScorer scores transcribed speech against the expected text.
type PronunciationScorer interface {
	Score(ctx context.Context, req ScoreRequest) (PronunciationScore, error)
}
