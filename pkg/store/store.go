// Package store defines the persistence ports for session history and
// learning progress, plus in-memory implementations used by tests and
// single-node deployments. Durable backends live in the postgres and
// redisstore subpackages.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lingolive/gateway/pkg/tutor"
)

// History records finished turns and sessions for later review. All
// writes are best-effort from the pipelines' point of view: a history
// failure is logged, never surfaced to the learner.
type History interface {
	// SaveMessage records one accepted turn.
	SaveMessage(ctx context.Context, sessionID string, msg tutor.Message) error
	// SaveVoiceAnalysis records the full analysis behind a voice turn.
	SaveVoiceAnalysis(ctx context.Context, sessionID, userID string, analysis tutor.VoiceAnalysis) error
	// SaveSummary records a finished session.
	SaveSummary(ctx context.Context, summary tutor.Summary) error
	// RecentMasteryScores returns up to limit recent per-session average
	// scores for the user, newest first. Used to pick the learner level
	// band for pronunciation scoring.
	RecentMasteryScores(ctx context.Context, userID string, limit int) ([]float64, error)
}

// MemoryHistory is an in-memory History.
type MemoryHistory struct {
	mu        sync.Mutex
	messages  map[string][]tutor.Message
	analyses  map[string][]tutor.VoiceAnalysis
	summaries map[string][]tutor.Summary // keyed by user id, append order
}

// NewMemoryHistory creates an empty in-memory history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		messages:  make(map[string][]tutor.Message),
		analyses:  make(map[string][]tutor.VoiceAnalysis),
		summaries: make(map[string][]tutor.Summary),
	}
}

func (h *MemoryHistory) SaveMessage(_ context.Context, sessionID string, msg tutor.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[sessionID] = append(h.messages[sessionID], msg)
	return nil
}

func (h *MemoryHistory) SaveVoiceAnalysis(_ context.Context, sessionID, _ string, analysis tutor.VoiceAnalysis) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.analyses[sessionID] = append(h.analyses[sessionID], analysis)
	return nil
}

func (h *MemoryHistory) SaveSummary(_ context.Context, summary tutor.Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries[summary.UserID] = append(h.summaries[summary.UserID], summary)
	return nil
}

func (h *MemoryHistory) RecentMasteryScores(_ context.Context, userID string, limit int) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sums := h.summaries[userID]
	scores := make([]float64, 0, limit)
	for i := len(sums) - 1; i >= 0 && len(scores) < limit; i-- {
		scores = append(scores, sums[i].AvgScore)
	}
	return scores, nil
}

// Messages returns the recorded turns for a session, in append order.
// Test helper.
func (h *MemoryHistory) Messages(sessionID string) []tutor.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]tutor.Message, len(h.messages[sessionID]))
	copy(out, h.messages[sessionID])
	return out
}

// MemoryProgress is an in-memory tutor.ProgressStore. Update runs the
// mutation under one lock, so concurrent session completions for the
// same user never lose an increment.
type MemoryProgress struct {
	mu      sync.Mutex
	records map[string]tutor.LearningProgress
}

var _ tutor.ProgressStore = (*MemoryProgress)(nil)

// NewMemoryProgress creates an empty in-memory progress store.
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{records: make(map[string]tutor.LearningProgress)}
}

func (p *MemoryProgress) Progress(_ context.Context, userID string) (tutor.LearningProgress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		return tutor.LearningProgress{UserID: userID}, nil
	}
	return rec, nil
}

func (p *MemoryProgress) Update(_ context.Context, userID string, fn func(tutor.LearningProgress) tutor.LearningProgress) (tutor.LearningProgress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		rec = tutor.LearningProgress{UserID: userID}
	}
	rec = fn(rec)
	rec.UserID = userID
	p.records[userID] = rec
	return rec, nil
}

// Users lists user ids with recorded progress, sorted. Test helper.
func (p *MemoryProgress) Users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
