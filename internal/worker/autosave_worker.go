package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/service"
)

const (
	AutosavePollTimeout = 1 * time.Second
	AutosaveRetryDelay  = 5 * time.Second
)

// AnswerRecorder is satisfied by *service.AnswerService.
type AnswerRecorder interface {
	Record(ctx context.Context, userID int, sessionID uuid.UUID, req model.SubmitAnswerRequest) (*model.AnswerFeedback, error)
}

// AutosaveWorker consumes answers buffered by the websocket stream and writes them to the
// Answer Ledger through the answer service, so correctness is computed the same way as on
// the synchronous path.
type AutosaveWorker struct {
	queue      Queue
	answers    AnswerRecorder
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(queue Queue, answers AnswerRecorder, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		queue:      queue,
		answers:    answers,
		retryDelay: AutosaveRetryDelay,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the worker loop and returns after ctx ends and the queue is drained.
// Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.WithoutCancel(ctx))
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	raw, err := w.queue.Pop(ctx, AutosavePollTimeout)
	if err != nil {
		if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Queue pop error")
		}
		return
	}

	if err := w.persist(ctx, raw); err != nil {
		w.log.Error().Err(err).Msg("Persist error, retrying")
		if err := w.queue.Push(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Requeue failed; answer dropped")
		}
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
	}
}

// persist records one payload. It returns an error only for failures worth retrying;
// answers the session can no longer accept are logged and dropped.
func (w *AutosaveWorker) persist(ctx context.Context, raw []byte) error {
	var p repository.AutosavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return nil
	}

	idx := p.QuestionIndex
	_, err := w.answers.Record(ctx, p.UserID, p.SessionID, model.SubmitAnswerRequest{
		QuestionIndex:    &idx,
		SelectedAnswer:   p.SelectedAnswer,
		TimeSpentSeconds: p.TimeSpentSeconds,
	})
	if err != nil && permanent(err) {
		w.log.Warn().Err(err).
			Int("user_id", p.UserID).
			Str("session_id", p.SessionID.String()).
			Int("question_index", p.QuestionIndex).
			Msg("Answer rejected, dropping")
		return nil
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, service.ErrSessionNotFound) ||
		errors.Is(err, service.ErrInvalidState) ||
		errors.Is(err, service.ErrQuestionNotLoaded) ||
		errors.Is(err, service.ErrInvalidChoice)
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.queue.TryPop(ctx)
		if err != nil {
			break
		}

		if err := w.persist(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.queue.Push(ctx, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
