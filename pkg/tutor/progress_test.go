package tutor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memProgress is a ProgressStore with a per-user mutex, matching the
// atomicity contract the aggregator relies on.
type memProgress struct {
	mu      sync.Mutex
	records map[string]LearningProgress
}

func newMemProgress() *memProgress {
	return &memProgress{records: make(map[string]LearningProgress)}
}

func (m *memProgress) Progress(_ context.Context, userID string) (LearningProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[userID]
	if !ok {
		return LearningProgress{UserID: userID}, nil
	}
	return p, nil
}

func (m *memProgress) Update(_ context.Context, userID string, fn func(LearningProgress) LearningProgress) (LearningProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[userID]
	if !ok {
		p = LearningProgress{UserID: userID}
	}
	p = fn(p)
	m.records[userID] = p
	return p, nil
}

func TestNextStreak(t *testing.T) {
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		last time.Time
		prev int
		want int
	}{
		{"no history", time.Time{}, 0, 1},
		{"same day unchanged", today, 4, 4},
		{"same day no previous", today, 0, 1},
		{"yesterday increments", today.AddDate(0, 0, -1), 5, 6},
		{"three day gap resets", today.AddDate(0, 0, -3), 6, 1},
		{"long gap resets", today.AddDate(0, 0, -30), 12, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextStreak(tt.last, today, tt.prev))
		})
	}
}

func TestNextStreak_IgnoresTimeOfDay(t *testing.T) {
	last := time.Date(2026, 3, 9, 23, 58, 0, 0, time.UTC)
	today := time.Date(2026, 3, 10, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 3, NextStreak(last, today, 2), "a few minutes across midnight is one calendar day")
}

func TestAggregator_RunningAverage(t *testing.T) {
	store := newMemProgress()
	agg := NewAggregator(store, slog.New(slog.DiscardHandler))

	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agg.SetClock(func() time.Time { return day })

	for _, score := range []float64{80, 90, 100} {
		_, err := agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: score, Duration: 10 * time.Minute})
		require.NoError(t, err)
	}
	p, err := store.Progress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalSessions)
	assert.InDelta(t, 90, p.AvgScore, 1e-9)

	_, err = agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 70, Duration: 10 * time.Minute})
	require.NoError(t, err)
	p, err = store.Progress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.TotalSessions)
	assert.InDelta(t, 85, p.AvgScore, 1e-9)
	assert.Equal(t, (40 * time.Minute).Milliseconds(), p.TotalStudyMS)
}

func TestAggregator_StreakAcrossDays(t *testing.T) {
	store := newMemProgress()
	agg := NewAggregator(store, slog.New(slog.DiscardHandler))

	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := day1
	agg.SetClock(func() time.Time { return clock })

	p, err := agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 80})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Streak)
	assert.Equal(t, 1, p.LongestStreak)

	// Second session the same day leaves the streak alone.
	clock = day1.Add(6 * time.Hour)
	p, err = agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 80})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Streak)

	// Next day extends it.
	clock = day1.AddDate(0, 0, 1)
	p, err = agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 80})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Streak)
	assert.Equal(t, 2, p.LongestStreak)

	// A gap resets the streak but keeps the longest.
	clock = day1.AddDate(0, 0, 5)
	p, err = agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 80})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Streak)
	assert.Equal(t, 2, p.LongestStreak)
	assert.Equal(t, DateOnly(clock), p.LastStudyDate)
}

func TestAggregator_ConcurrentCompletionsSerialize(t *testing.T) {
	store := newMemProgress()
	agg := NewAggregator(store, slog.New(slog.DiscardHandler))

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.OnSessionEnded(context.Background(), "u1", Summary{AvgScore: 50, Duration: time.Minute})
			if err != nil {
				t.Errorf("OnSessionEnded: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := store.Progress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, n, p.TotalSessions, "no update may be lost to a stale read")
	assert.InDelta(t, 50, p.AvgScore, 1e-9)
}

func TestBandFromMastery(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   int
	}{
		{"no history defaults mid-level", nil, DefaultBand},
		{"low scores", []float64{10, 15}, 1},
		{"band boundary", []float64{40}, 2},
		{"just over boundary", []float64{41}, 3},
		{"high scores", []float64{95, 100}, 5},
		{"zero clamps to min", []float64{0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BandFromMastery(tt.scores))
		})
	}
}
