package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingolive/gateway/pkg/tutor"
)

func TestMemoryHistory_RecentMasteryScores(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()

	for i, score := range []float64{60, 70, 80, 90} {
		require.NoError(t, h.SaveSummary(ctx, tutor.Summary{
			SessionID: string(rune('a' + i)),
			UserID:    "u1",
			AvgScore:  score,
			EndedAt:   time.Now(),
		}))
	}

	scores, err := h.RecentMasteryScores(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{90, 80, 70}, scores, "newest first, capped at the limit")

	scores, err = h.RecentMasteryScores(ctx, "unknown", 3)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestMemoryProgress_UpdateCreatesRecord(t *testing.T) {
	p := NewMemoryProgress()
	ctx := context.Background()

	rec, err := p.Update(ctx, "u1", func(rec tutor.LearningProgress) tutor.LearningProgress {
		rec.TotalSessions++
		return rec
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, 1, rec.TotalSessions)

	got, err := p.Progress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, []string{"u1"}, p.Users())
}
