package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/batchplan"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/scoring"
)

// PausedSessionLimit is the number of sessions a user may hold paused per kind.
const PausedSessionLimit = 1

// SessionService handles the session lifecycle: start, pause, resume, complete, abandon,
// and the derived views (resumable state, results).
type SessionService struct {
	store     SessionStore
	answers   AnswerLedger
	cache     ResultCache
	queue     CompletionQueue
	batches   *BatchController
	durations map[model.SessionKind]time.Duration
	policy    scoring.Policy
	now       func() time.Time
	log       zerolog.Logger
}

// NewSessionService creates a new SessionService. durations gives the time allowance of
// each session kind.
func NewSessionService(
	store SessionStore,
	answers AnswerLedger,
	cache ResultCache,
	queue CompletionQueue,
	batches *BatchController,
	durations map[model.SessionKind]time.Duration,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		store:     store,
		answers:   answers,
		cache:     cache,
		queue:     queue,
		batches:   batches,
		durations: durations,
		policy:    scoring.DefaultPolicy,
		now:       time.Now,
		log:       log.With().Str("component", "session_service").Logger(),
	}
}

// Start creates a session and synchronously generates batch 0. If generation fails the
// created session is still returned together with the error, so the caller can retry
// batch 0 against it.
func (s *SessionService) Start(ctx context.Context, userID int, req model.StartSessionRequest) (*model.StartSessionResult, error) {
	kind := req.Kind
	if kind == "" {
		kind = model.SessionKindExam
	}
	if _, err := batchplan.For(req.Track); err != nil {
		return nil, err
	}

	sess := &model.Session{
		UserID:               userID,
		Kind:                 kind,
		Track:                req.Track,
		Status:               model.SessionStatusInProgress,
		TotalQuestions:       batchplan.Total(req.Track),
		Questions:            []model.Question{},
		StartTime:            s.now(),
		RemainingTimeSeconds: int(s.durations[kind] / time.Second),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("user_id", userID).
		Str("track", string(sess.Track)).
		Str("kind", string(sess.Kind)).
		Msg("Session started")

	result := &model.StartSessionResult{Session: sess, Questions: []model.PublicQuestion{}}

	batch, err := s.batches.RequestBatch(ctx, userID, sess.ID, 0)
	if err != nil {
		return result, err
	}
	sess.GeneratedBatches = batch.GeneratedBatches
	result.Questions = batch.Questions
	return result, nil
}

// List returns the user's sessions, optionally filtered by status.
func (s *SessionService) List(ctx context.Context, userID int, status *model.SessionStatus) ([]model.Session, error) {
	sessions, err := s.store.ListByUser(ctx, userID, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return sessions, nil
}

// State returns everything a client needs to resume a session after a reload. An
// in-progress session whose time has run out is completed first.
func (s *SessionService) State(ctx context.Context, userID int, sessionID uuid.UUID) (*model.SessionState, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if sess.Status == model.SessionStatusInProgress && sess.RemainingAt(now) == 0 {
		if err := s.complete(ctx, sess, nil); err != nil && !errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		// Lost a race with another transition; report whatever is stored now.
		if sess, err = loadOwned(ctx, s.store, userID, sessionID); err != nil {
			return nil, err
		}
	}

	answers, err := s.answers.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	questions := make([]model.PublicQuestion, 0, len(sess.Questions))
	for i, q := range sess.Questions {
		if sess.Status == model.SessionStatusCompleted {
			questions = append(questions, q.Reveal(i))
		} else {
			questions = append(questions, q.Project(i))
		}
	}

	return &model.SessionState{
		Session:              sess,
		TotalBatches:         batchplan.Count(sess.Track),
		NextBatchIndex:       sess.GeneratedBatches,
		Questions:            questions,
		Answers:              answers,
		RemainingTimeSeconds: sess.RemainingAt(now),
	}, nil
}

// RequestBatch delegates to the batch controller.
func (s *SessionService) RequestBatch(ctx context.Context, userID int, sessionID uuid.UUID, batchIndex int) (*model.BatchResult, error) {
	return s.batches.RequestBatch(ctx, userID, sessionID, batchIndex)
}

// ─── Transitions ──────────────────────────────────────────────────────

// Pause freezes the timer. reported is the client's own remaining-time reading, if any.
func (s *SessionService) Pause(ctx context.Context, userID int, sessionID uuid.UUID, reported *int) (*model.Session, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(model.SessionStatusPaused) {
		return nil, ErrInvalidState
	}

	paused, err := s.store.CountPaused(ctx, userID, sess.Kind, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("count paused sessions: %w", err)
	}
	if paused >= PausedSessionLimit {
		return nil, &ResourceLimitError{Kind: sess.Kind, Limit: PausedSessionLimit}
	}

	now := s.now()
	sess.Settle(now, reported)
	sess.Status = model.SessionStatusPaused
	sess.PausedAt = &now

	if err := s.transition(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resume restarts the timer of a paused session.
func (s *SessionService) Resume(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(model.SessionStatusInProgress) {
		return nil, ErrInvalidState
	}

	sess.Status = model.SessionStatusInProgress
	sess.StartTime = s.now()
	sess.PausedAt = nil

	if err := s.transition(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Complete finishes an in-progress session and queues it for scoring.
func (s *SessionService) Complete(ctx context.Context, userID int, sessionID uuid.UUID, reported *int) (*model.Session, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.complete(ctx, sess, reported); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) complete(ctx context.Context, sess *model.Session, reported *int) error {
	if !sess.Status.CanTransitionTo(model.SessionStatusCompleted) {
		return ErrInvalidState
	}

	now := s.now()
	sess.Settle(now, reported)
	sess.Status = model.SessionStatusCompleted
	sess.CompletedAt = &now

	if err := s.transition(ctx, sess); err != nil {
		return err
	}

	if err := s.queue.EnqueueCompletion(ctx, model.CompletionJob{SessionID: sess.ID, UserID: sess.UserID}); err != nil {
		// Scores are still derivable on demand from the ledger.
		s.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to enqueue completion job")
	}
	return nil
}

// Abandon ends a session without scoring it.
func (s *SessionService) Abandon(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(model.SessionStatusAbandoned) {
		return nil, ErrInvalidState
	}

	sess.Settle(s.now(), nil)
	sess.Status = model.SessionStatusAbandoned
	sess.PausedAt = nil

	if err := s.transition(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// transition persists sess.Status, conditional on the stored status still being one of the
// statuses allowed to reach it.
func (s *SessionService) transition(ctx context.Context, sess *model.Session) error {
	err := s.store.UpdateStatus(ctx, sess, model.SourcesOf(sess.Status))
	switch {
	case err == nil:
		s.log.Info().
			Str("session_id", sess.ID.String()).
			Str("status", string(sess.Status)).
			Int("remaining_time_seconds", sess.RemainingTimeSeconds).
			Msg("Session transitioned")
		return nil
	case errors.Is(err, repository.ErrStaleWrite):
		return ErrInvalidState
	case errors.Is(err, repository.ErrPausedConflict):
		return &ResourceLimitError{Kind: sess.Kind, Limit: PausedSessionLimit}
	default:
		return fmt.Errorf("update session status: %w", err)
	}
}

// ─── Results ──────────────────────────────────────────────────────────

// Results returns the score snapshot of a completed session.
func (s *SessionService) Results(ctx context.Context, userID int, sessionID uuid.UUID) (*scoring.Snapshot, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusCompleted {
		return nil, ErrResultsNotReady
	}

	if snap, ok, err := s.cache.GetResults(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Results cache read failed")
	} else if ok {
		return snap, nil
	}

	snap, err := s.score(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetResults(ctx, sessionID, snap); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Results cache write failed")
	}
	return snap, nil
}

// Score loads a session and computes its snapshot without ownership checks. It is used by
// the completion worker.
func (s *SessionService) Score(ctx context.Context, sessionID uuid.UUID) (*model.Session, *scoring.Snapshot, error) {
	sess, err := s.store.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	snap, err := s.score(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, snap, nil
}

func (s *SessionService) score(ctx context.Context, sess *model.Session) (*scoring.Snapshot, error) {
	answers, err := s.answers.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	snap := scoring.Compute(sess.Questions, answers, s.policy)
	return &snap, nil
}

// CacheResults stores a snapshot for a completed session.
func (s *SessionService) CacheResults(ctx context.Context, sessionID uuid.UUID, snap *scoring.Snapshot) error {
	return s.cache.SetResults(ctx, sessionID, snap)
}
