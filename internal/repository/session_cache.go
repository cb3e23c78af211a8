package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/scoring"
)

// ResultsTTL bounds how long a completed session's snapshot stays cached.
const ResultsTTL = 24 * time.Hour

// SessionCache holds the Redis side of a session: cached results, the websocket auto-save
// buffer, the worker queues and the user event channel.
type SessionCache struct {
	rdb *redis.Client
}

// NewSessionCache creates a new SessionCache.
func NewSessionCache(rdb *redis.Client) *SessionCache {
	return &SessionCache{rdb: rdb}
}

// GetResults returns the cached snapshot, or ok=false on a miss.
func (c *SessionCache) GetResults(ctx context.Context, sessionID uuid.UUID) (*scoring.Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.SessionResultsKey(sessionID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap scoring.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("decode cached results: %w", err)
	}
	return &snap, true, nil
}

// SetResults caches a snapshot for ResultsTTL.
func (c *SessionCache) SetResults(ctx context.Context, sessionID uuid.UUID, snap *scoring.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, config.CacheKey.SessionResultsKey(sessionID.String()), raw, ResultsTTL).Err()
}

// EnqueueCompletion pushes a job onto the completion worker queue.
func (c *SessionCache) EnqueueCompletion(ctx context.Context, job model.CompletionJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, raw).Err()
}

// PublishEvent broadcasts ev on the user's session event channel.
func (c *SessionCache) PublishEvent(ctx context.Context, userID int, ev model.SessionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(userID), raw).Err()
}

// ─── Websocket auto-save ──────────────────────────────────────────────

// AutosavePayload is one websocket answer waiting for the autosave worker.
type AutosavePayload struct {
	UserID           int       `json:"user_id"`
	SessionID        uuid.UUID `json:"session_id"`
	QuestionIndex    int       `json:"question_index"`
	SelectedAnswer   *int      `json:"selected_answer"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
}

// BufferAnswer records the answer in the session's auto-save hash and queues it for
// persistence in one pipeline round trip.
func (c *SessionCache) BufferAnswer(ctx context.Context, p AutosavePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, config.CacheKey.SessionAutosaveKey(p.SessionID.String()), strconv.Itoa(p.QuestionIndex), raw)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// ClearAutosave deletes the auto-save hashes of the given sessions.
func (c *SessionCache) ClearAutosave(ctx context.Context, sessionIDs ...uuid.UUID) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, id := range sessionIDs {
		pipe.Del(ctx, config.CacheKey.SessionAutosaveKey(id.String()))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SubscribeEvents streams events published on the user's channel until closeFn is called or
// ctx ends. Malformed payloads are skipped.
func (c *SessionCache) SubscribeEvents(ctx context.Context, userID int) (<-chan model.SessionEvent, func() error, error) {
	sub := c.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe session events: %w", err)
	}

	out := make(chan model.SessionEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev model.SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}
