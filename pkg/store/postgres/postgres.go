// Package postgres implements the session history store on PostgreSQL
// via pgx. Schema migrations are embedded and applied with goose.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/lingolive/gateway/pkg/store"
	"github.com/lingolive/gateway/pkg/tutor"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// History is the PostgreSQL-backed session history.
type History struct {
	pool *pgxpool.Pool
}

var _ store.History = (*History)(nil)

// NewHistory creates a history store over an existing pool.
func NewHistory(pool *pgxpool.Pool) *History {
	return &History{pool: pool}
}

// Connect creates a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (h *History) SaveMessage(ctx context.Context, sessionID string, msg tutor.Message) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO session_messages (id, session_id, sender, text, score, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, sessionID, string(msg.Sender), msg.Text, msg.Score, msg.Feedback, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (h *History) SaveVoiceAnalysis(ctx context.Context, sessionID, userID string, analysis tutor.VoiceAnalysis) error {
	words, err := json.Marshal(analysis.Words)
	if err != nil {
		return fmt.Errorf("encode word scores: %w", err)
	}
	_, err = h.pool.Exec(ctx, `
		INSERT INTO voice_analyses
			(session_id, user_id, transcription, confidence,
			 pronunciation, accuracy, fluency, completeness,
			 words, feedback, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sessionID, userID, analysis.Transcription, analysis.Confidence,
		analysis.Pronunciation, analysis.Accuracy, analysis.Fluency, analysis.Completeness,
		words, analysis.Feedback, analysis.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert voice analysis: %w", err)
	}
	return nil
}

func (h *History) SaveSummary(ctx context.Context, summary tutor.Summary) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO session_summaries
			(session_id, user_id, scenario_id, message_count, avg_score, duration_ms, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`,
		summary.SessionID, summary.UserID, summary.ScenarioID,
		summary.MessageCount, summary.AvgScore, summary.DurationMS, summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (h *History) RecentMasteryScores(ctx context.Context, userID string, limit int) ([]float64, error) {
	rows, err := h.pool.Query(ctx, `
		SELECT avg_score FROM session_summaries
		WHERE user_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query mastery scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan mastery score: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mastery scores: %w", err)
	}
	return scores, nil
}
