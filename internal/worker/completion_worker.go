package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/scoring"
	"github.com/stemsi/examgen-backend/internal/service"
)

const (
	CompletionBatchSize    = 50
	CompletionBatchTimeout = 2 * time.Second
	CompletionPollTimeout  = 1 * time.Second
)

// Scorer is satisfied by *service.SessionService.
type Scorer interface {
	Score(ctx context.Context, sessionID uuid.UUID) (*model.Session, *scoring.Snapshot, error)
	CacheResults(ctx context.Context, sessionID uuid.UUID, snap *scoring.Snapshot) error
}

// ScoreWriter is satisfied by *repository.SessionRepository.
type ScoreWriter interface {
	BulkUpdateScores(ctx context.Context, updates []model.ScoreUpdate) error
	UpdateScores(ctx context.Context, u model.ScoreUpdate) error
}

// CompletionNotifier is satisfied by *repository.SessionCache.
type CompletionNotifier interface {
	ClearAutosave(ctx context.Context, sessionIDs ...uuid.UUID) error
	PublishEvent(ctx context.Context, userID int, ev model.SessionEvent) error
}

// CompletionWorker scores completed sessions in batches: it denormalises section and overall
// scores onto the session rows, warms the results cache, clears the websocket auto-save
// buffers and tells connected clients.
type CompletionWorker struct {
	queue    Queue
	scorer   Scorer
	scores   ScoreWriter
	notifier CompletionNotifier
	now      func() time.Time
	log      zerolog.Logger
}

// NewCompletionWorker creates a new CompletionWorker.
func NewCompletionWorker(queue Queue, scorer Scorer, scores ScoreWriter, notifier CompletionNotifier, log zerolog.Logger) *CompletionWorker {
	return &CompletionWorker{
		queue:    queue,
		scorer:   scorer,
		scores:   scores,
		notifier: notifier,
		now:      time.Now,
		log:      log.With().Str("component", "completion_worker").Logger(),
	}
}

type scored struct {
	job    model.CompletionJob
	status model.SessionStatus
	snap   *scoring.Snapshot
	update model.ScoreUpdate
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

// Start runs until ctx ends, then flushes what it holds. Call in a goroutine.
func (w *CompletionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("CompletionWorker started")

	batch := make([]model.CompletionJob, 0, CompletionBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= CompletionBatchSize || time.Since(lastFlush) >= CompletionBatchTimeout) {

			w.flush(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flush(context.WithoutCancel(ctx), batch)
			return

		default:
			raw, err := w.queue.Pop(ctx, CompletionPollTimeout)
			if err != nil {
				if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Queue pop error")
				}
				continue
			}

			var job model.CompletionJob
			if err := json.Unmarshal(raw, &job); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, job)
		}
	}
}

// ----------------------------------------------------------------
// Flush
// ----------------------------------------------------------------

func (w *CompletionWorker) flush(ctx context.Context, batch []model.CompletionJob) {
	if len(batch) == 0 {
		return
	}

	items := make([]scored, 0, len(batch))
	for _, job := range batch {
		sess, snap, err := w.scorer.Score(ctx, job.SessionID)
		if errors.Is(err, service.ErrSessionNotFound) {
			w.log.Warn().Str("session_id", job.SessionID.String()).Msg("Completed session vanished, dropping job")
			continue
		}
		if err != nil {
			w.log.Error().Err(err).Str("session_id", job.SessionID.String()).Msg("Scoring failed, requeueing")
			w.requeue(ctx, job)
			continue
		}
		items = append(items, scored{job: job, status: sess.Status, snap: snap, update: scoreUpdate(job.SessionID, snap)})
	}

	items = w.persistScores(ctx, items)

	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.job.SessionID)
		if err := w.scorer.CacheResults(ctx, it.job.SessionID, it.snap); err != nil {
			w.log.Warn().Err(err).Str("session_id", it.job.SessionID.String()).Msg("Results cache write failed")
		}

		overall := it.update.Overall
		ev := model.SessionEvent{
			Type:         model.EventSessionCompleted,
			SessionID:    it.job.SessionID,
			Status:       it.status,
			OverallScore: &overall,
			At:           w.now(),
		}
		if err := w.notifier.PublishEvent(ctx, it.job.UserID, ev); err != nil {
			w.log.Warn().Err(err).Int("user_id", it.job.UserID).Msg("Publish event failed")
		}
	}

	if err := w.notifier.ClearAutosave(ctx, ids...); err != nil {
		w.log.Warn().Err(err).Msg("Clearing auto-save buffers failed")
	}

	w.log.Debug().Int("jobs", len(batch)).Int("scored", len(items)).Msg("Completion batch flushed")
}

// persistScores writes the batch in one statement, falling back to row-by-row updates.
// It returns the items whose scores were written; the rest are requeued.
func (w *CompletionWorker) persistScores(ctx context.Context, items []scored) []scored {
	if len(items) == 0 {
		return items
	}

	updates := make([]model.ScoreUpdate, len(items))
	for i, it := range items {
		updates[i] = it.update
	}
	err := w.scores.BulkUpdateScores(ctx, updates)
	if err == nil {
		return items
	}
	w.log.Warn().Err(err).Msg("Bulk score update failed, using fallback")

	ok := items[:0]
	for _, it := range items {
		if err := w.scores.UpdateScores(ctx, it.update); err != nil {
			w.log.Error().Err(err).Str("session_id", it.job.SessionID.String()).Msg("UpdateScores failed, requeueing")
			w.requeue(ctx, it.job)
			continue
		}
		ok = append(ok, it)
	}
	return ok
}

func (w *CompletionWorker) requeue(ctx context.Context, job model.CompletionJob) {
	raw, _ := json.Marshal(job)
	if err := w.queue.Push(ctx, raw); err != nil {
		w.log.Error().Err(err).Str("session_id", job.SessionID.String()).Msg("Requeue failed")
	}
}

func scoreUpdate(id uuid.UUID, snap *scoring.Snapshot) model.ScoreUpdate {
	return model.ScoreUpdate{
		SessionID:    id,
		Quantitative: snap.Sections[model.SectionQuantitative].Percentage,
		Verbal:       snap.Sections[model.SectionVerbal].Percentage,
		Overall:      snap.Overall.Percentage,
	}
}
