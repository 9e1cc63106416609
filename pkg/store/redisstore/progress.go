// Package redisstore implements the learning-progress store on Redis.
// Updates use WATCH-based optimistic locking so concurrent session
// completions for one user serialize instead of losing increments.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingolive/gateway/pkg/tutor"
)

const updateRetries = 16

// Progress stores one JSON document per user under
// <prefix>:progress:<user-id>.
type Progress struct {
	client redis.UniversalClient
	prefix string
}

var _ tutor.ProgressStore = (*Progress)(nil)

// NewProgress creates a Redis-backed progress store. prefix namespaces
// the keys; "tutor" is used when empty.
func NewProgress(client redis.UniversalClient, prefix string) *Progress {
	if prefix == "" {
		prefix = "tutor"
	}
	return &Progress{client: client, prefix: prefix}
}

func (p *Progress) key(userID string) string {
	return fmt.Sprintf("%s:progress:%s", p.prefix, userID)
}

// Progress reads the user's record. A missing key is an empty record,
// not an error.
func (p *Progress) Progress(ctx context.Context, userID string) (tutor.LearningProgress, error) {
	raw, err := p.client.Get(ctx, p.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tutor.LearningProgress{UserID: userID}, nil
	}
	if err != nil {
		return tutor.LearningProgress{}, fmt.Errorf("redis get progress: %w", err)
	}
	return decode(userID, raw)
}

// Update applies fn atomically. The key is WATCHed for the duration of
// the read-modify-write; a concurrent writer aborts the EXEC and the
// whole transaction is retried against the fresh value.
func (p *Progress) Update(ctx context.Context, userID string, fn func(tutor.LearningProgress) tutor.LearningProgress) (tutor.LearningProgress, error) {
	key := p.key(userID)
	var updated tutor.LearningProgress

	txn := func(tx *redis.Tx) error {
		rec := tutor.LearningProgress{UserID: userID}
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get progress: %w", err)
		}
		if err == nil {
			rec, err = decode(userID, raw)
			if err != nil {
				return err
			}
		}

		rec = fn(rec)
		rec.UserID = userID
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for i := 0; i < updateRetries; i++ {
		err := p.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return tutor.LearningProgress{}, err
	}
	return tutor.LearningProgress{}, fmt.Errorf("progress update for %s: retries exhausted under contention", userID)
}

func decode(userID string, raw []byte) (tutor.LearningProgress, error) {
	var rec tutor.LearningProgress
	if err := json.Unmarshal(raw, &rec); err != nil {
		return tutor.LearningProgress{}, fmt.Errorf("decode progress for %s: %w", userID, err)
	}
	rec.UserID = userID
	// The duration is serialized as milliseconds only.
	rec.TotalStudyTime = time.Duration(rec.TotalStudyMS) * time.Millisecond
	return rec, nil
}
