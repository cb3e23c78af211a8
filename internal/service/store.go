package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/scoring"
)

// SessionStore persists sessions. It is satisfied by *repository.SessionRepository.
// Lookups return repository.ErrNotFound, and conditional writes that match no row return
// repository.ErrStaleWrite.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	ListByUser(ctx context.Context, userID int, status *model.SessionStatus) ([]model.Session, error)
	TryAcquireGenerationLock(ctx context.Context, id uuid.UUID, lease time.Duration) (time.Time, bool, error)
	AppendBatch(ctx context.Context, id uuid.UUID, batchIndex int, questions []model.Question, next model.GenerationContext) error
	ReleaseGenerationLock(ctx context.Context, id uuid.UUID, token time.Time) error
	CountPaused(ctx context.Context, userID int, kind model.SessionKind, excluding uuid.UUID) (int, error)
	UpdateStatus(ctx context.Context, s *model.Session, from []model.SessionStatus) error
}

// AnswerLedger persists answers. It is satisfied by *repository.AnswerRepository.
type AnswerLedger interface {
	Upsert(ctx context.Context, a *model.Answer) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error)
}

// ResultCache caches snapshots of completed sessions. It is satisfied by *repository.SessionCache.
type ResultCache interface {
	GetResults(ctx context.Context, sessionID uuid.UUID) (*scoring.Snapshot, bool, error)
	SetResults(ctx context.Context, sessionID uuid.UUID, snap *scoring.Snapshot) error
}

// CompletionQueue hands completed sessions to the completion worker.
type CompletionQueue interface {
	EnqueueCompletion(ctx context.Context, job model.CompletionJob) error
}
