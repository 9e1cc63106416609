package tutor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingolive/gateway/pkg/core"
)

func newTestRegistry(t *testing.T, onEnded EndedFunc) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{
		IdleTimeout:     30 * time.Minute,
		EndedRetention:  5 * time.Minute,
		JanitorInterval: time.Hour, // sweeps are driven manually in tests
	}, slog.New(slog.DiscardHandler), onEnded)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_JoinCreatesAndAttaches(t *testing.T) {
	r := newTestRegistry(t, nil)

	res, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, 1, res.Participants)

	res2, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, 2, res2.Participants)
}

func TestRegistry_JoinGeneratesID(t *testing.T) {
	r := newTestRegistry(t, nil)

	res, err := r.Join(context.Background(), "", "free-talk", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
}

func TestRegistry_JoinOwnerMismatchRejected(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)

	_, err = r.Join(context.Background(), "s1", "cafe-ordering", "u2")
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrPermission, coreErr.Type)
}

func TestRegistry_ConcurrentJoinsConverge(t *testing.T) {
	r := newTestRegistry(t, nil)

	const n = 16
	var wg sync.WaitGroup
	var created atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			if res.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load(), "exactly one join creates the session")
	assert.Equal(t, 1, r.Count())

	snap, err := r.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, n, snap.Participants)
}

func TestRegistry_AppendOrderingAndAverage(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)

	_, window, err := r.AppendUser("s1", "u1", "I would like coffee")
	require.NoError(t, err)
	assert.Len(t, window, 1)

	_, avg, err := r.AppendAssistant("s1", "Of course! What size?", Evaluation{Score: 80, Feedback: "good"})
	require.NoError(t, err)
	assert.InDelta(t, 80, avg, 1e-9)

	_, _, err = r.AppendUser("s1", "u1", "Large please")
	require.NoError(t, err)
	_, avg, err = r.AppendAssistant("s1", "Coming right up.", Evaluation{Score: 90})
	require.NoError(t, err)
	assert.InDelta(t, 85, avg, 1e-9)

	snap, err := r.Snapshot("s1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, SenderUser, snap.Messages[0].Sender)
	assert.Equal(t, SenderAssistant, snap.Messages[1].Sender)
	assert.Equal(t, SenderUser, snap.Messages[2].Sender)
	assert.Equal(t, SenderAssistant, snap.Messages[3].Sender)
}

func TestRegistry_AppendVoiceFoldsOverall(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Join(context.Background(), "s1", "pronunciation-drill", "u1")
	require.NoError(t, err)

	analysis := VoiceAnalysis{
		Transcription: "the quick brown fox",
		Pronunciation: 80,
		Accuracy:      90,
		Fluency:       70,
		Completeness:  100,
	}
	msg, avg, err := r.AppendVoice("s1", "u1", analysis)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", msg.Text)
	require.NotNil(t, msg.Score)
	assert.InDelta(t, 85, *msg.Score, 1e-9)
	assert.InDelta(t, 85, avg, 1e-9)
}

func TestRegistry_AppendUnknownSession(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, _, err := r.AppendUser("nope", "u1", "hello")
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrNotFound, coreErr.Type)
}

func TestRegistry_EndSummaryAndHandoff(t *testing.T) {
	var handoffUser string
	var handoff Summary
	var calls atomic.Int64
	r := newTestRegistry(t, func(ctx context.Context, userID string, s Summary) {
		handoffUser = userID
		handoff = s
		calls.Add(1)
	})

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := base
	r.SetClock(func() time.Time { return clock })

	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	_, _, err = r.AppendUser("s1", "u1", "hello")
	require.NoError(t, err)
	_, _, err = r.AppendAssistant("s1", "hi there", Evaluation{Score: 90})
	require.NoError(t, err)

	clock = base.Add(4 * time.Minute)
	summary, err := r.End(context.Background(), "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MessageCount)
	assert.InDelta(t, 90, summary.AvgScore, 1e-9)
	assert.Equal(t, (4 * time.Minute).Milliseconds(), summary.DurationMS)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, "u1", handoffUser)
	assert.Equal(t, summary, handoff)
}

func TestRegistry_DoubleEndErrors(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)

	_, err = r.End(context.Background(), "s1", "u1")
	require.NoError(t, err)

	_, err = r.End(context.Background(), "s1", "u1")
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrState, coreErr.Type)
	assert.Equal(t, "already-ended", coreErr.Code)
}

func TestRegistry_ConcurrentEndsOneWinner(t *testing.T) {
	var calls atomic.Int64
	r := newTestRegistry(t, func(context.Context, string, Summary) { calls.Add(1) })
	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	var wins, stateErrs atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.End(context.Background(), "s1", "u1")
			if err == nil {
				wins.Add(1)
				return
			}
			var coreErr *core.Error
			if assert.ErrorAs(t, err, &coreErr) && coreErr.Type == core.ErrState {
				stateErrs.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(n-1), stateErrs.Load())
	assert.Equal(t, int64(1), calls.Load(), "progress hand-off fires exactly once")
}

func TestRegistry_AppendAfterEndRejected(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	_, err = r.End(context.Background(), "s1", "u1")
	require.NoError(t, err)

	_, _, err = r.AppendUser("s1", "u1", "still there?")
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrState, coreErr.Type)
}

func TestRegistry_IdleSweepEndsImplicitly(t *testing.T) {
	var calls atomic.Int64
	r := newTestRegistry(t, func(context.Context, string, Summary) { calls.Add(1) })

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := base
	r.SetClock(func() time.Time { return clock })

	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)

	// Not yet idle.
	clock = base.Add(10 * time.Minute)
	r.Sweep(context.Background())
	assert.Equal(t, int64(0), calls.Load())

	// Idle now: implicit end, exactly once even across repeated sweeps.
	clock = base.Add(31 * time.Minute)
	r.Sweep(context.Background())
	r.Sweep(context.Background())
	assert.Equal(t, int64(1), calls.Load())

	// Still resident so a late explicit end reports already-ended.
	_, err = r.End(context.Background(), "s1", "u1")
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, "already-ended", coreErr.Code)

	// Past the retention window the record is evicted.
	clock = clock.Add(6 * time.Minute)
	r.Sweep(context.Background())
	assert.Equal(t, 0, r.Count())
	_, err = r.End(context.Background(), "s1", "u1")
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrNotFound, coreErr.Type)
}

func TestRegistry_HooksObserveLifecycle(t *testing.T) {
	var created, evicted atomic.Int64
	type ended struct {
		reason   string
		duration time.Duration
	}
	var mu sync.Mutex
	var ends []ended

	r := NewRegistry(RegistryConfig{
		IdleTimeout:     30 * time.Minute,
		EndedRetention:  5 * time.Minute,
		JanitorInterval: time.Hour,
		Hooks: RegistryHooks{
			SessionCreated: func() { created.Add(1) },
			SessionEnded: func(reason string, d time.Duration) {
				mu.Lock()
				defer mu.Unlock()
				ends = append(ends, ended{reason, d})
			},
			SessionEvicted: func(n int) { evicted.Add(int64(n)) },
		},
	}, slog.New(slog.DiscardHandler), nil)
	t.Cleanup(r.Close)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := base
	r.SetClock(func() time.Time { return clock })

	_, err := r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	_, err = r.Join(context.Background(), "s1", "cafe-ordering", "u1")
	require.NoError(t, err)
	_, err = r.Join(context.Background(), "s2", "free-talk", "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.Load(), "rejoining an existing session does not count as created")

	// s1 ends explicitly, s2 by idle eviction.
	clock = base.Add(4 * time.Minute)
	_, err = r.End(context.Background(), "s1", "u1")
	require.NoError(t, err)

	clock = base.Add(31 * time.Minute)
	r.Sweep(context.Background())

	mu.Lock()
	require.Len(t, ends, 2)
	assert.Equal(t, ended{"explicit", 4 * time.Minute}, ends[0])
	assert.Equal(t, ended{"idle", 31 * time.Minute}, ends[1])
	mu.Unlock()

	// Both records are gone once the retention window lapses.
	clock = clock.Add(6 * time.Minute)
	r.Sweep(context.Background())
	assert.Equal(t, int64(2), evicted.Load())
	assert.Equal(t, 0, r.Count())
}

func TestSnapshot_Window(t *testing.T) {
	snap := Snapshot{Messages: []Message{
		{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"},
	}}
	win := snap.Window(2)
	require.Len(t, win, 2)
	assert.Equal(t, "c", win[0].Text)
	assert.Equal(t, "d", win[1].Text)

	assert.Len(t, snap.Window(0), 4)
	assert.Len(t, snap.Window(10), 4)
}
