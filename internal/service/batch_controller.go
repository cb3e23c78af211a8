package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/batchplan"
	"github.com/stemsi/examgen-backend/internal/generation"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
)

// releaseTimeout bounds the follow-up write that clears a lock after a failed batch.
const releaseTimeout = 5 * time.Second

// BatchController serialises batch generation per session. At most one request holds a
// session's generation lock; every other request for that session fails fast with
// ErrGenerationBusy instead of waiting.
type BatchController struct {
	store   SessionStore
	gateway generation.Gateway
	timeout time.Duration
	lease   time.Duration
	log     zerolog.Logger
}

// NewBatchController creates a new BatchController. timeout bounds one gateway call and
// lease is how long a held lock is honoured before another request may take it over.
func NewBatchController(store SessionStore, gateway generation.Gateway, timeout, lease time.Duration, log zerolog.Logger) *BatchController {
	return &BatchController{
		store:   store,
		gateway: gateway,
		timeout: timeout,
		lease:   lease,
		log:     log.With().Str("component", "batch_controller").Logger(),
	}
}

// RequestBatch generates and appends batch batchIndex of the session. The index must be
// exactly the number of batches generated so far; the controller never retries.
func (c *BatchController) RequestBatch(ctx context.Context, userID int, sessionID uuid.UUID, batchIndex int) (*model.BatchResult, error) {
	started := time.Now()
	logger := c.log.With().Str("session_id", sessionID.String()).Int("batch_index", batchIndex).Logger()

	s, err := loadOwned(ctx, c.store, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if s.Status != model.SessionStatusInProgress {
		return nil, ErrInvalidState
	}
	slot, err := batchplan.SlotFor(s.Track, batchIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatchIndex, err)
	}
	if batchIndex != s.GeneratedBatches {
		return nil, &OutOfSequenceError{Expected: s.GeneratedBatches, Requested: batchIndex}
	}

	token, acquired, err := c.store.TryAcquireGenerationLock(ctx, sessionID, c.lease)
	if err != nil {
		return nil, fmt.Errorf("acquire generation lock: %w", err)
	}
	if !acquired {
		logger.Debug().Msg("Generation lock held by another request")
		return nil, ErrGenerationBusy
	}

	// Re-read under the lock: another request may have appended this batch between the
	// first read and the acquire.
	locked, err := c.store.GetByID(ctx, sessionID)
	if err != nil {
		c.release(ctx, sessionID, token, logger)
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if locked.GeneratedBatches != batchIndex {
		c.release(ctx, sessionID, token, logger)
		return nil, &OutOfSequenceError{Expected: locked.GeneratedBatches, Requested: batchIndex}
	}

	req := generation.BatchRequest{
		SessionID:  sessionID,
		BatchIndex: batchIndex,
		BatchSize:  slot.Size,
		Section:    slot.Section,
		Track:      locked.Track,
		Context:    locked.GenerationContext,
	}

	resp, err := c.generate(ctx, req)
	if err != nil {
		c.release(ctx, sessionID, token, logger)
		logger.Warn().Err(err).Dur("duration", time.Since(started)).Msg("Batch generation failed")
		return nil, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}

	if err := c.store.AppendBatch(ctx, sessionID, batchIndex, resp.Questions, resp.Context); err != nil {
		c.release(ctx, sessionID, token, logger)
		logger.Error().Err(err).Dur("duration", time.Since(started)).Msg("Append batch failed, questions discarded")
		return nil, fmt.Errorf("%w: append batch: %w", ErrGenerationUnavailable, err)
	}

	logger.Info().
		Int("questions", len(resp.Questions)).
		Str("section", string(slot.Section)).
		Dur("duration", time.Since(started)).
		Msg("Batch appended")

	return &model.BatchResult{
		BatchIndex:       batchIndex,
		GeneratedBatches: batchIndex + 1,
		TotalBatches:     batchplan.Count(locked.Track),
		Questions:        model.ProjectAll(resp.Questions, len(locked.Questions)),
	}, nil
}

func (c *BatchController) generate(ctx context.Context, req generation.BatchRequest) (*generation.BatchResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.gateway.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := generation.ValidateBatch(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// release clears the lock on a context detached from the request, so a cancelled client
// cannot leave the session locked.
func (c *BatchController) release(ctx context.Context, sessionID uuid.UUID, token time.Time, logger zerolog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := c.store.ReleaseGenerationLock(rctx, sessionID, token); err != nil {
		logger.Error().Err(err).Msg("Failed to release generation lock; lease will expire it")
	}
}

func loadOwned(ctx context.Context, store SessionStore, userID int, id uuid.UUID) (*model.Session, error) {
	s, err := store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
