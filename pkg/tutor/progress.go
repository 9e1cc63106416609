package tutor

import (
	"context"
	"log/slog"
	"time"
)

// LearningProgress is the per-user longitudinal aggregate. It is shared
// across sessions and mutated only by the Aggregator, under the store's
// atomic per-user update.
type LearningProgress struct {
	UserID         string        `json:"user_id"`
	TotalSessions  int           `json:"total_sessions"`
	TotalStudyTime time.Duration `json:"-"`
	TotalStudyMS   int64         `json:"total_study_ms"`
	AvgScore       float64       `json:"avg_score"`
	Streak         int           `json:"streak"`
	LongestStreak  int           `json:"longest_streak"`
	LastStudyDate  time.Time     `json:"last_study_date,omitzero"`
}

// ProgressStore persists LearningProgress. Update must apply fn as an
// atomic read-modify-write per user: two sessions for the same user
// ending concurrently must never both compute from the same stale read.
type ProgressStore interface {
	Progress(ctx context.Context, userID string) (LearningProgress, error)
	Update(ctx context.Context, userID string, fn func(LearningProgress) LearningProgress) (LearningProgress, error)
}

// Aggregator folds finished-session summaries into LearningProgress.
type Aggregator struct {
	store  ProgressStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store ProgressStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger, now: time.Now}
}

// SetClock overrides the aggregator clock. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// OnSessionEnded applies the recompute rules for one finished session.
// Totals, running average, streak, and last-study-date are all updated in
// a single atomic per-user update.
func (a *Aggregator) OnSessionEnded(ctx context.Context, userID string, summary Summary) (LearningProgress, error) {
	today := DateOnly(a.now())
	updated, err := a.store.Update(ctx, userID, func(p LearningProgress) LearningProgress {
		total := p.TotalSessions + 1
		p.AvgScore = (p.AvgScore*float64(p.TotalSessions) + summary.AvgScore) / float64(total)
		p.TotalSessions = total
		p.TotalStudyTime += summary.Duration
		p.TotalStudyMS = p.TotalStudyTime.Milliseconds()
		p.Streak = NextStreak(p.LastStudyDate, today, p.Streak)
		if p.Streak > p.LongestStreak {
			p.LongestStreak = p.Streak
		}
		p.LastStudyDate = today
		return p
	})
	if err != nil {
		return LearningProgress{}, err
	}
	a.logger.Info("progress updated",
		"user_id", userID,
		"total_sessions", updated.TotalSessions,
		"avg_score", updated.AvgScore,
		"streak", updated.Streak,
	)
	return updated, nil
}

// NextStreak is the streak recompute rule as a pure function of
// (last-study-date, today, previous streak):
//
//	same day        -> unchanged
//	exactly one day -> +1
//	longer gap      -> reset to 1
//	no history      -> 1
func NextStreak(last, today time.Time, prev int) int {
	if last.IsZero() {
		return 1
	}
	switch days := daysBetween(last, today); {
	case days == 0:
		if prev == 0 {
			return 1
		}
		return prev
	case days == 1:
		return prev + 1
	default:
		return 1
	}
}

// DateOnly truncates a time to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
