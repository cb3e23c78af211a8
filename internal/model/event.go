package model

import (
	"time"

	"github.com/google/uuid"
)

// EventSessionCompleted is published once a completed session's scores are persisted.
const EventSessionCompleted = "session.completed"

// CompletionJob is queued when a session completes; the completion worker scores it.
type CompletionJob struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    int       `json:"user_id"`
}

// SessionEvent is broadcast on the user's event channel.
type SessionEvent struct {
	Type         string        `json:"type"`
	SessionID    uuid.UUID     `json:"session_id"`
	Status       SessionStatus `json:"status"`
	OverallScore *int          `json:"overall_score,omitempty"`
	At           time.Time     `json:"at"`
}

// ScoreUpdate carries denormalised scores for one session row.
type ScoreUpdate struct {
	SessionID    uuid.UUID
	Quantitative int
	Verbal       int
	Overall      int
}
