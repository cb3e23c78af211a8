package model

import (
	"time"

	"github.com/google/uuid"
)

// Answer is one Answer Ledger row, keyed by (SessionID, QuestionIndex).
type Answer struct {
	SessionID        uuid.UUID `json:"session_id"`
	QuestionIndex    int       `json:"question_index"`
	QuestionID       string    `json:"question_id"`
	SelectedAnswer   *int      `json:"selected_answer"`
	IsCorrect        bool      `json:"is_correct"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SubmitAnswerRequest is the payload for the synchronous answer submission path.
type SubmitAnswerRequest struct {
	QuestionIndex    *int `json:"question_index" binding:"required,min=0"`
	SelectedAnswer   *int `json:"selected_answer" binding:"omitempty,min=0,max=3"`
	TimeSpentSeconds int  `json:"time_spent_seconds" binding:"min=0"`
}

// AutosaveRequest carries the entries flushed by a client auto-save queue.
type AutosaveRequest struct {
	Entries []SubmitAnswerRequest `json:"entries" binding:"required,min=1,max=100,dive"`
}

// AnswerFeedback is returned to the client after a submission.
type AnswerFeedback struct {
	QuestionIndex int    `json:"question_index"`
	IsCorrect     bool   `json:"is_correct"`
	CorrectAnswer int    `json:"correct_answer"`
	Explanation   string `json:"explanation"`
}

// AutosaveResult reports the outcome of a single auto-saved entry.
type AutosaveResult struct {
	QuestionIndex int    `json:"question_index"`
	Saved         bool   `json:"saved"`
	Error         string `json:"error,omitempty"`
}
