package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examgen-backend/internal/model"
)

// SessionRepository handles exam session data access. Every mutation of generation or
// lifecycle fields is a single conditional UPDATE so concurrent requests cannot interleave.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, user_id, kind, track, status, total_questions, questions, generated_batches,
	generation_context, generation_in_progress, start_time, paused_at, remaining_time_seconds,
	time_spent_seconds, quantitative_score, verbal_score, overall_score, created_at, completed_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.Kind, &s.Track, &s.Status, &s.TotalQuestions, &s.Questions,
		&s.GeneratedBatches, &s.GenerationContext, &s.GenerationInProgress, &s.StartTime,
		&s.PausedAt, &s.RemainingTimeSeconds, &s.TimeSpentSeconds, &s.QuantitativeScore,
		&s.VerbalScore, &s.OverallScore, &s.CreatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Questions == nil {
		s.Questions = []model.Question{}
	}
	return s, nil
}

// Create inserts a new in_progress session and fills in the generated id and timestamps.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (user_id, kind, track, status, total_questions, start_time, remaining_time_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		s.UserID, s.Kind, s.Track, s.Status, s.TotalQuestions, s.StartTime, s.RemainingTimeSeconds,
	).Scan(&s.ID, &s.CreatedAt)
}

// GetByID retrieves a session including its question list.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListByUser retrieves a user's sessions, newest first, optionally filtered by status.
func (r *SessionRepository) ListByUser(ctx context.Context, userID int, status *model.SessionStatus) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions WHERE user_id = $1`
	args := []any{userID}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ─── Generation lock ──────────────────────────────────────────────────

// TryAcquireGenerationLock flips generation_in_progress to true if it is clear, or if the
// holder's lease expired. Returns false when another request holds the lock. The returned
// generation_started_at identifies this holder and must be passed to ReleaseGenerationLock.
func (r *SessionRepository) TryAcquireGenerationLock(ctx context.Context, id uuid.UUID, lease time.Duration) (time.Time, bool, error) {
	var token time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET generation_in_progress = TRUE, generation_started_at = clock_timestamp()
		 WHERE id = $1
		   AND status = $2
		   AND (generation_in_progress = FALSE
		        OR generation_started_at < NOW() - ($3::int * INTERVAL '1 second'))
		 RETURNING generation_started_at`,
		id, model.SessionStatusInProgress, int(lease/time.Second),
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return token, true, nil
}

// AppendBatch appends questions, advances generated_batches to batchIndex+1, replaces the
// generation context and clears the lock in one write. It only applies while the caller
// still holds the lock for exactly this batch index.
func (r *SessionRepository) AppendBatch(ctx context.Context, id uuid.UUID, batchIndex int, questions []model.Question, next model.GenerationContext) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET questions = questions || $3::jsonb,
		     generated_batches = $2 + 1,
		     generation_context = $4::jsonb,
		     generation_in_progress = FALSE,
		     generation_started_at = NULL
		 WHERE id = $1
		   AND generated_batches = $2
		   AND generation_in_progress = TRUE`,
		id, batchIndex, questions, next,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ReleaseGenerationLock clears the lock without touching questions. It only applies while
// token still matches generation_started_at; a holder whose lease was taken over releases
// nothing.
func (r *SessionRepository) ReleaseGenerationLock(ctx context.Context, id uuid.UUID, token time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET generation_in_progress = FALSE, generation_started_at = NULL
		 WHERE id = $1
		   AND generation_in_progress = TRUE
		   AND generation_started_at = $2`, id, token)
	return err
}

// ─── Lifecycle ────────────────────────────────────────────────────────

// CountPaused counts the user's paused sessions of kind, excluding one session.
func (r *SessionRepository) CountPaused(ctx context.Context, userID int, kind model.SessionKind, excluding uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE user_id = $1 AND kind = $2 AND status = $3 AND id <> $4`,
		userID, kind, model.SessionStatusPaused, excluding,
	).Scan(&n)
	return n, err
}

// UpdateStatus persists the status and timing fields of s, but only if the stored status is
// still one of from.
func (r *SessionRepository) UpdateStatus(ctx context.Context, s *model.Session, from []model.SessionStatus) error {
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2,
		     start_time = $3,
		     paused_at = $4,
		     remaining_time_seconds = $5,
		     time_spent_seconds = $6,
		     completed_at = $7
		 WHERE id = $1 AND status = ANY($8::text[])`,
		s.ID, s.Status, s.StartTime, s.PausedAt, s.RemainingTimeSeconds, s.TimeSpentSeconds,
		s.CompletedAt, fromText,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_exam_sessions_paused") {
			return ErrPausedConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ─── Scores ───────────────────────────────────────────────────────────

// BulkUpdateScores writes denormalised scores for many completed sessions in one statement.
func (r *SessionRepository) BulkUpdateScores(ctx context.Context, updates []model.ScoreUpdate) error {
	n := len(updates)
	if n == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, n)
	quantitative := make([]int32, 0, n)
	verbal := make([]int32, 0, n)
	overall := make([]int32, 0, n)
	for _, u := range updates {
		ids = append(ids, u.SessionID)
		quantitative = append(quantitative, int32(u.Quantitative))
		verbal = append(verbal, int32(u.Verbal))
		overall = append(overall, int32(u.Overall))
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE exam_sessions AS s
		SET quantitative_score = t.quantitative,
		    verbal_score = t.verbal,
		    overall_score = t.overall
		FROM UNNEST(
			$1::uuid[],
			$2::int[],
			$3::int[],
			$4::int[]
		) AS t (id, quantitative, verbal, overall)
		WHERE s.id = t.id
		  AND s.status = 'completed'`,
		ids, quantitative, verbal, overall,
	)
	return err
}

// UpdateScores is the single-row fallback for BulkUpdateScores.
func (r *SessionRepository) UpdateScores(ctx context.Context, u model.ScoreUpdate) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET quantitative_score = $2, verbal_score = $3, overall_score = $4
		 WHERE id = $1 AND status = 'completed'`,
		u.SessionID, u.Quantitative, u.Verbal, u.Overall,
	)
	return err
}
