package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/model"
)

// AnswerService writes to the Answer Ledger. Correctness is always recomputed from the
// session's stored question, never taken from the client.
type AnswerService struct {
	store  SessionStore
	ledger AnswerLedger
	log    zerolog.Logger
}

// NewAnswerService creates a new AnswerService.
func NewAnswerService(store SessionStore, ledger AnswerLedger, log zerolog.Logger) *AnswerService {
	return &AnswerService{
		store:  store,
		ledger: ledger,
		log:    log.With().Str("component", "answer_service").Logger(),
	}
}

// Record upserts one answer. Writes are accepted while the session is in progress or paused,
// so an auto-save flush that lands just after a pause is not lost.
func (s *AnswerService) Record(ctx context.Context, userID int, sessionID uuid.UUID, req model.SubmitAnswerRequest) (*model.AnswerFeedback, error) {
	sess, err := s.loadWritable(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, sess, req)
}

// Autosave applies a batch of entries from a client auto-save queue. Session-level failures
// abort the whole call; per-entry failures are reported in the result slice.
func (s *AnswerService) Autosave(ctx context.Context, userID int, sessionID uuid.UUID, entries []model.SubmitAnswerRequest) ([]model.AutosaveResult, error) {
	sess, err := s.loadWritable(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	results := make([]model.AutosaveResult, 0, len(entries))
	for _, e := range entries {
		res := model.AutosaveResult{}
		if e.QuestionIndex != nil {
			res.QuestionIndex = *e.QuestionIndex
		}
		if _, err := s.record(ctx, sess, e); err != nil {
			if !errors.Is(err, ErrQuestionNotLoaded) && !errors.Is(err, ErrInvalidChoice) {
				return nil, err
			}
			res.Error = err.Error()
		} else {
			res.Saved = true
		}
		results = append(results, res)
	}

	s.log.Debug().
		Str("session_id", sessionID.String()).
		Int("entries", len(entries)).
		Msg("Autosave applied")
	return results, nil
}

// VerifyWritable checks that the user owns the session and it still accepts answers. It
// returns the number of questions loaded so far.
func (s *AnswerService) VerifyWritable(ctx context.Context, userID int, sessionID uuid.UUID) (int, error) {
	sess, err := s.loadWritable(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	return len(sess.Questions), nil
}

func (s *AnswerService) loadWritable(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := loadOwned(ctx, s.store, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusInProgress && sess.Status != model.SessionStatusPaused {
		return nil, ErrInvalidState
	}
	return sess, nil
}

func (s *AnswerService) record(ctx context.Context, sess *model.Session, req model.SubmitAnswerRequest) (*model.AnswerFeedback, error) {
	if req.QuestionIndex == nil || *req.QuestionIndex < 0 || *req.QuestionIndex >= len(sess.Questions) {
		return nil, ErrQuestionNotLoaded
	}
	if req.SelectedAnswer != nil && (*req.SelectedAnswer < 0 || *req.SelectedAnswer >= model.ChoiceCount) {
		return nil, ErrInvalidChoice
	}

	idx := *req.QuestionIndex
	q := sess.Questions[idx]
	a := &model.Answer{
		SessionID:        sess.ID,
		QuestionIndex:    idx,
		QuestionID:       q.ID,
		SelectedAnswer:   req.SelectedAnswer,
		IsCorrect:        req.SelectedAnswer != nil && *req.SelectedAnswer == q.AnswerIndex,
		TimeSpentSeconds: max(req.TimeSpentSeconds, 0),
	}
	if err := s.ledger.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("upsert answer: %w", err)
	}

	return &model.AnswerFeedback{
		QuestionIndex: idx,
		IsCorrect:     a.IsCorrect,
		CorrectAnswer: q.AnswerIndex,
		Explanation:   q.Explanation,
	}, nil
}
