// Package tutor holds the session domain: conversation state, the
// session registry, and the learning-progress aggregation rules.
package tutor

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StatePending: requested but not yet attached.
	StatePending State = "pending"
	// StateActive: joined and accepting messages.
	StateActive State = "active"
	// StateEnded: finalized, read-only until evicted.
	StateEnded State = "ended"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one turn in a session. Immutable once appended; ordering
// within a session follows acceptance time, never backend completion time.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Score     *float64  `json:"score,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Evaluation is the grammar/usage judgment attached to an assistant reply.
type Evaluation struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
	// Fallback marks a neutral default substituted for a failed
	// evaluation backend call.
	Fallback bool `json:"fallback,omitempty"`
}

// WordScore is one entry of the word-level pronunciation breakdown.
type WordScore struct {
	Word  string  `json:"word"`
	Score float64 `json:"score"`
}

// VoiceAnalysis is the result of one voice submission.
type VoiceAnalysis struct {
	Transcription string        `json:"transcription"`
	Confidence    float64       `json:"confidence"`
	Pronunciation float64       `json:"pronunciation"`
	Accuracy      float64       `json:"accuracy"`
	Fluency       float64       `json:"fluency"`
	Completeness  float64       `json:"completeness"`
	Words         []WordScore   `json:"words,omitempty"`
	Feedback      string        `json:"feedback,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
}

// Overall is the scalar score folded into the session running average.
func (a VoiceAnalysis) Overall() float64 {
	return (a.Pronunciation + a.Accuracy + a.Fluency + a.Completeness) / 4
}

// Summary is the immutable result of ending a session.
type Summary struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	ScenarioID   string        `json:"scenario_id"`
	MessageCount int           `json:"message_count"`
	AvgScore     float64       `json:"avg_score"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
	EndedAt      time.Time     `json:"ended_at"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ScenarioID   string    `json:"scenario_id"`
	State        State     `json:"state"`
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"message_count"`
	AvgScore     float64   `json:"avg_score"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
}

// Window returns the most recent n messages, oldest first. It caps the
// conversation context handed to the completion backend deterministically.
func (s Snapshot) Window(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
