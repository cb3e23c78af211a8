package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/batchplan"
	"github.com/stemsi/examgen-backend/internal/middleware"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/response"
	"github.com/stemsi/examgen-backend/internal/scoring"
	"github.com/stemsi/examgen-backend/internal/service"
	"github.com/stemsi/examgen-backend/internal/validator"
)

// SessionAPI is the lifecycle surface of *service.SessionService.
type SessionAPI interface {
	Start(ctx context.Context, userID int, req model.StartSessionRequest) (*model.StartSessionResult, error)
	List(ctx context.Context, userID int, status *model.SessionStatus) ([]model.Session, error)
	State(ctx context.Context, userID int, sessionID uuid.UUID) (*model.SessionState, error)
	RequestBatch(ctx context.Context, userID int, sessionID uuid.UUID, batchIndex int) (*model.BatchResult, error)
	Pause(ctx context.Context, userID int, sessionID uuid.UUID, reported *int) (*model.Session, error)
	Resume(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error)
	Complete(ctx context.Context, userID int, sessionID uuid.UUID, reported *int) (*model.Session, error)
	Abandon(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error)
	Results(ctx context.Context, userID int, sessionID uuid.UUID) (*scoring.Snapshot, error)
}

// AnswerAPI is the ledger surface of *service.AnswerService.
type AnswerAPI interface {
	Record(ctx context.Context, userID int, sessionID uuid.UUID, req model.SubmitAnswerRequest) (*model.AnswerFeedback, error)
	Autosave(ctx context.Context, userID int, sessionID uuid.UUID, entries []model.SubmitAnswerRequest) ([]model.AutosaveResult, error)
}

// SessionHandler handles the exam session endpoints.
type SessionHandler struct {
	sessions SessionAPI
	answers  AnswerAPI
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionAPI, answers AnswerAPI, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		answers:  answers,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/sessions
// Creates a session and returns it with batch 0. If batch 0 cannot be generated the
// session is still returned, with GENERATION_UNAVAILABLE, so the client can retry index 0.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.Start(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		if res != nil && res.Session != nil && errors.Is(err, service.ErrGenerationUnavailable) {
			response.FailWithDetails(c, http.StatusServiceUnavailable, response.ErrGenerationUnavailable,
				map[string]any{"session_id": res.Session.ID, "retry_batch_index": 0},
				gin.H{"session": res.Session})
			return
		}
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, res)
}

// ListSessions godoc
// GET /api/v1/sessions?status=paused
func (h *SessionHandler) ListSessions(c *gin.Context) {
	var q model.ListSessionsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var status *model.SessionStatus
	if q.Status != "" {
		status = &q.Status
	}

	sessions, err := h.sessions.List(c.Request.Context(), middleware.UserID(c), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession godoc
// GET /api/v1/sessions/:id
// Returns the resumable state: progress, projected questions, answers and time left.
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	state, err := h.sessions.State(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// RequestBatch godoc
// POST /api/v1/sessions/:id/batches/:index
func (h *SessionHandler) RequestBatch(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidBatchIndex)
		return
	}

	res, err := h.sessions.RequestBatch(c.Request.Context(), middleware.UserID(c), id, index)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// SubmitAnswer godoc
// POST /api/v1/sessions/:id/answers
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	fb, err := h.answers.Record(c.Request.Context(), middleware.UserID(c), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, fb)
}

// AutosaveAnswers godoc
// POST /api/v1/sessions/:id/answers/autosave
// Applies a batch flushed by a client auto-save queue; results are reported per entry.
func (h *SessionHandler) AutosaveAnswers(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req model.AutosaveRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	results, err := h.answers.Autosave(c.Request.Context(), middleware.UserID(c), id, req.Entries)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"results": results})
}

// PauseSession godoc
// POST /api/v1/sessions/:id/pause
func (h *SessionHandler) PauseSession(c *gin.Context) {
	h.timed(c, h.sessions.Pause)
}

// CompleteSession godoc
// POST /api/v1/sessions/:id/complete
func (h *SessionHandler) CompleteSession(c *gin.Context) {
	h.timed(c, h.sessions.Complete)
}

// ResumeSession godoc
// POST /api/v1/sessions/:id/resume
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	h.plain(c, h.sessions.Resume)
}

// AbandonSession godoc
// POST /api/v1/sessions/:id/abandon
func (h *SessionHandler) AbandonSession(c *gin.Context) {
	h.plain(c, h.sessions.Abandon)
}

// GetResults godoc
// GET /api/v1/sessions/:id/results
func (h *SessionHandler) GetResults(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	snap, err := h.sessions.Results(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// ─── Helpers ──────────────────────────────────────────────────────────

type timedTransition func(ctx context.Context, userID int, sessionID uuid.UUID, reported *int) (*model.Session, error)
type plainTransition func(ctx context.Context, userID int, sessionID uuid.UUID) (*model.Session, error)

// timed runs a transition that accepts the client's remaining-time reading. The body is
// optional.
func (h *SessionHandler) timed(c *gin.Context, fn timedTransition) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req model.TimingRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	sess, err := fn(c.Request.Context(), middleware.UserID(c), id, req.RemainingTimeSeconds)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) plain(c *gin.Context, fn plainTransition) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	sess, err := fn(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// fail maps a service error to its API code and status.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	var seq *service.OutOfSequenceError
	var limit *service.ResourceLimitError

	switch {
	case errors.As(err, &seq):
		response.FailWithDetails(c, http.StatusBadRequest, response.ErrOutOfSequence,
			map[string]any{"expected_batch_index": seq.Expected, "requested_batch_index": seq.Requested}, nil)
	case errors.As(err, &limit):
		response.FailWithDetails(c, http.StatusConflict, response.ErrResourceLimitExceeded,
			map[string]any{"kind": limit.Kind, "limit": limit.Limit}, nil)
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrInvalidState):
		response.Fail(c, http.StatusConflict, response.ErrInvalidState)
	case errors.Is(err, service.ErrGenerationBusy):
		response.Fail(c, http.StatusConflict, response.ErrGenerationBusy)
	case errors.Is(err, service.ErrGenerationUnavailable):
		h.log.Warn().Err(err).Msg("Generation unavailable")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrGenerationUnavailable)
	case errors.Is(err, service.ErrInvalidBatchIndex):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidBatchIndex)
	case errors.Is(err, service.ErrQuestionNotLoaded):
		response.Fail(c, http.StatusBadRequest, response.ErrQuestionNotLoaded)
	case errors.Is(err, service.ErrInvalidChoice):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"selected_answer": err.Error()})
	case errors.Is(err, service.ErrResultsNotReady):
		response.Fail(c, http.StatusConflict, response.ErrResultsNotReady)
	case errors.Is(err, batchplan.ErrUnknownTrack):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"track": err.Error()})
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled service error")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
