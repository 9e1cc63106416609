package tutor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingolive/gateway/pkg/core"
)

// EndedFunc receives the summary of every finished session, including
// sessions finished by idle eviction. It is the ProgressAggregator hand-off.
type EndedFunc func(ctx context.Context, userID string, summary Summary)

// RegistryHooks observe registry lifecycle transitions. Metrics attach
// here; nil funcs are skipped.
type RegistryHooks struct {
	// SessionCreated fires once per created session.
	SessionCreated func()
	// SessionEnded fires for every finished session with the end reason
	// ("explicit" or "idle") and its duration.
	SessionEnded func(reason string, duration time.Duration)
	// SessionEvicted fires after a sweep with the number of evicted
	// session records.
	SessionEvicted func(count int)
}

// RegistryConfig tunes the session registry.
type RegistryConfig struct {
	// IdleTimeout evicts ACTIVE sessions with no activity, via an
	// implicit end.
	IdleTimeout time.Duration
	// EndedRetention keeps ENDED sessions around so a late duplicate
	// end-session still reports "already-ended" instead of "not found".
	EndedRetention time.Duration
	// JanitorInterval is how often idle/ended sessions are swept.
	JanitorInterval time.Duration
	// ContextWindow caps how many recent messages Snapshot.Window
	// callers are given by default.
	ContextWindow int
	// Hooks observe session creation, end, and eviction.
	Hooks RegistryHooks
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.EndedRetention <= 0 {
		c.EndedRetention = 5 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 12
	}
	return c
}

// Registry owns the authoritative map of session id to session state.
// All mutations on one session serialize through that session's lock, so
// a voice submission and a text submission for the same session never
// interleave their state updates even though their backend calls overlap.
type Registry struct {
	cfg     RegistryConfig
	logger  *slog.Logger
	now     func() time.Time
	onEnded EndedFunc

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// session is one registry record. mu serializes every mutation; the
// registry map lock is never held while a session lock is held.
type session struct {
	mu sync.Mutex

	id         string
	userID     string
	scenarioID string
	state      State

	messages     []Message
	scoredCount  int
	scoreSum     float64
	participants int

	createdAt    time.Time
	lastActivity time.Time
	endedAt      time.Time
}

// JoinResult reports the outcome of a join.
type JoinResult struct {
	SessionID    string
	Participants int
	Created      bool
}

// NewRegistry creates a registry and starts its eviction janitor.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger, onEnded EndedFunc) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
		onEnded:     onEnded,
		sessions:    make(map[string]*session),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.janitor()
	return r
}

// SetClock overrides the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Join creates the session if absent, or attaches to it when it already
// exists and is owned by the same user. Repeated joins with the same
// parameters are idempotent and converge on one session record. A join
// against a session owned by a different user is rejected.
func (r *Registry) Join(ctx context.Context, sessionID, scenarioID, userID string) (JoinResult, error) {
	if userID == "" {
		return JoinResult{}, core.NewAuthError("user id is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JoinResult{}, core.NewInternalError("registry is closed")
	}
	s, ok := r.sessions[sessionID]
	created := false
	if !ok {
		now := r.now()
		s = &session{
			id:           sessionID,
			userID:       userID,
			scenarioID:   scenarioID,
			state:        StateActive,
			messages:     make([]Message, 0, 16),
			createdAt:    now,
			lastActivity: now,
		}
		r.sessions[sessionID] = s
		created = true
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != userID {
		return JoinResult{}, core.NewPermissionError("session is owned by another user")
	}
	if s.state == StateEnded {
		return JoinResult{}, core.NewStateError("session already ended", "already-ended")
	}
	s.participants++
	s.lastActivity = r.now()
	if created {
		r.logger.Info("session created", "session_id", sessionID, "scenario_id", scenarioID)
		if r.cfg.Hooks.SessionCreated != nil {
			r.cfg.Hooks.SessionCreated()
		}
	}
	return JoinResult{SessionID: sessionID, Participants: s.participants, Created: created}, nil
}

// Leave detaches one participant. The session stays ACTIVE; leaving never
// ends a session (idle eviction or an explicit end does).
func (r *Registry) Leave(sessionID, userID string) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == userID && s.participants > 0 {
		s.participants--
	}
}

// AppendUser appends a user utterance and returns the appended message
// plus a context window of the most recent messages (oldest first,
// including the new one). Only legal in ACTIVE.
func (r *Registry) AppendUser(sessionID, userID, text string) (Message, []Message, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Message{}, nil, core.NewNotFoundError("unknown session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(userID); err != nil {
		return Message{}, nil, err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    SenderUser,
		Text:      text,
		CreatedAt: r.now(),
	}
	s.messages = append(s.messages, msg)
	s.lastActivity = msg.CreatedAt

	window := s.window(r.cfg.ContextWindow)
	return msg, window, nil
}

// AppendAssistant appends an assistant reply tagged with its evaluation
// and folds the score into the running average. Only legal in ACTIVE.
func (r *Registry) AppendAssistant(sessionID string, text string, eval Evaluation) (Message, float64, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Message{}, 0, core.NewNotFoundError("unknown session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return Message{}, 0, core.NewStateError("session is not active", "not-active")
	}
	score := eval.Score
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    SenderAssistant,
		Text:      text,
		Score:     &score,
		Feedback:  eval.Feedback,
		CreatedAt: r.now(),
	}
	s.messages = append(s.messages, msg)
	s.scoredCount++
	s.scoreSum += score
	s.lastActivity = msg.CreatedAt
	return msg, s.avgScore(), nil
}

// AppendVoice appends the user's transcribed voice turn with its overall
// analysis score. Only legal in ACTIVE.
func (r *Registry) AppendVoice(sessionID, userID string, analysis VoiceAnalysis) (Message, float64, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Message{}, 0, core.NewNotFoundError("unknown session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(userID); err != nil {
		return Message{}, 0, err
	}
	score := analysis.Overall()
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    SenderUser,
		Text:      analysis.Transcription,
		Score:     &score,
		Feedback:  analysis.Feedback,
		CreatedAt: r.now(),
	}
	s.messages = append(s.messages, msg)
	s.scoredCount++
	s.scoreSum += score
	s.lastActivity = msg.CreatedAt
	return msg, s.avgScore(), nil
}

// Snapshot returns a read-only copy of the session.
func (r *Registry) Snapshot(sessionID string) (Snapshot, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Snapshot{}, core.NewNotFoundError("unknown session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// End finalizes an ACTIVE session: computes the summary, transitions to
// ENDED, and hands the summary to the progress aggregator. A second End
// is a caller bug, not a retryable situation: it returns a state error so
// a double-accounted session can never corrupt learning progress.
// Concurrent End calls serialize through the session lock; exactly one
// wins.
func (r *Registry) End(ctx context.Context, sessionID, userID string) (Summary, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Summary{}, core.NewNotFoundError("unknown session")
	}

	s.mu.Lock()
	if userID != "" && s.userID != userID {
		s.mu.Unlock()
		return Summary{}, core.NewPermissionError("session is owned by another user")
	}
	if s.state == StateEnded {
		s.mu.Unlock()
		return Summary{}, core.NewStateError("session already ended", "already-ended")
	}
	summary := s.finalize(r.now())
	owner := s.userID
	s.mu.Unlock()

	r.logger.Info("session ended",
		"session_id", sessionID,
		"message_count", summary.MessageCount,
		"avg_score", summary.AvgScore,
		"duration_ms", summary.DurationMS,
	)
	if r.cfg.Hooks.SessionEnded != nil {
		r.cfg.Hooks.SessionEnded("explicit", summary.Duration)
	}
	if r.onEnded != nil {
		r.onEnded(ctx, owner, summary)
	}
	return summary, nil
}

// Count returns the number of registered sessions, ended ones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the janitor. Sessions still in the map are left untouched;
// the process is going away.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.janitorStop)
	<-r.janitorDone
}

// Sweep runs one eviction pass. The janitor calls this on a timer; tests
// call it directly with a controlled clock.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var evict []string
	for _, s := range candidates {
		s.mu.Lock()
		switch s.state {
		case StateActive:
			if idle := now.Sub(s.lastActivity); idle >= r.cfg.IdleTimeout {
				summary := s.finalize(now)
				owner := s.userID
				s.mu.Unlock()
				r.logger.Info("idle session ended",
					"session_id", summary.SessionID,
					"idle_for", idle.String(),
				)
				if r.cfg.Hooks.SessionEnded != nil {
					r.cfg.Hooks.SessionEnded("idle", summary.Duration)
				}
				if r.onEnded != nil {
					r.onEnded(ctx, owner, summary)
				}
				continue
			}
		case StateEnded:
			if now.Sub(s.endedAt) >= r.cfg.EndedRetention {
				evict = append(evict, s.id)
			}
		}
		s.mu.Unlock()
	}

	if len(evict) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range evict {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if r.cfg.Hooks.SessionEvicted != nil {
		r.cfg.Hooks.SessionEvicted(len(evict))
	}
	r.logger.Debug("sessions evicted", "count", len(evict))
}

func (r *Registry) janitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

func (r *Registry) lookup(sessionID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// writable checks ownership and lifecycle for a mutating user operation.
// Caller holds s.mu.
func (s *session) writable(userID string) error {
	if userID != "" && s.userID != userID {
		return core.NewPermissionError("session is owned by another user")
	}
	if s.state != StateActive {
		return core.NewStateError("session is not active", "not-active")
	}
	return nil
}

// finalize transitions to ENDED and builds the summary. Caller holds s.mu.
func (s *session) finalize(now time.Time) Summary {
	s.state = StateEnded
	s.endedAt = now
	duration := now.Sub(s.createdAt)
	return Summary{
		SessionID:    s.id,
		UserID:       s.userID,
		ScenarioID:   s.scenarioID,
		MessageCount: len(s.messages),
		AvgScore:     s.avgScore(),
		Duration:     duration,
		DurationMS:   duration.Milliseconds(),
		EndedAt:      now,
	}
}

// avgScore is the arithmetic mean of all scored messages. Caller holds s.mu.
func (s *session) avgScore() float64 {
	if s.scoredCount == 0 {
		return 0
	}
	return s.scoreSum / float64(s.scoredCount)
}

// window copies the most recent n messages, oldest first. Caller holds s.mu.
func (s *session) window(n int) []Message {
	start := 0
	if n > 0 && len(s.messages) > n {
		start = len(s.messages) - n
	}
	out := make([]Message, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

// snapshot copies the full state. Caller holds s.mu.
func (s *session) snapshot() Snapshot {
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		ID:           s.id,
		UserID:       s.userID,
		ScenarioID:   s.scenarioID,
		State:        s.state,
		Messages:     msgs,
		MessageCount: len(msgs),
		AvgScore:     s.avgScore(),
		Participants: s.participants,
		CreatedAt:    s.createdAt,
		EndedAt:      s.endedAt,
	}
}
