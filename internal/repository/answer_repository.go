package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examgen-backend/internal/model"
)

// AnswerRepository handles the per-session answer ledger.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert records the answer for (session, question index), replacing any previous one.
func (r *AnswerRepository) Upsert(ctx context.Context, a *model.Answer) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO session_answers (session_id, question_index, question_id, selected_answer, is_correct, time_spent_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, question_index) DO UPDATE
		 SET question_id = EXCLUDED.question_id,
		     selected_answer = EXCLUDED.selected_answer,
		     is_correct = EXCLUDED.is_correct,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     updated_at = NOW()
		 RETURNING updated_at`,
		a.SessionID, a.QuestionIndex, a.QuestionID, a.SelectedAnswer, a.IsCorrect, a.TimeSpentSeconds,
	).Scan(&a.UpdatedAt)
}

// ListBySession returns a session's answers ordered by question index.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, question_index, question_id, selected_answer, is_correct, time_spent_seconds, updated_at
		 FROM session_answers
		 WHERE session_id = $1
		 ORDER BY question_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := []model.Answer{}
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.SessionID, &a.QuestionIndex, &a.QuestionID, &a.SelectedAnswer,
			&a.IsCorrect, &a.TimeSpentSeconds, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
