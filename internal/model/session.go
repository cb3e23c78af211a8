package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// sessionTransitions lists the statuses reachable from each non-terminal status.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusInProgress: {SessionStatusPaused, SessionStatusCompleted, SessionStatusAbandoned},
	SessionStatusPaused:     {SessionStatusInProgress, SessionStatusAbandoned},
}

// CanTransitionTo reports whether the state machine permits s → to.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s SessionStatus) IsTerminal() bool {
	return len(sessionTransitions[s]) == 0
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to SessionStatus) []SessionStatus {
	var from []SessionStatus
	for _, s := range []SessionStatus{SessionStatusInProgress, SessionStatusPaused} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

// Track is the exam track chosen at session start.
type Track string

const (
	TrackScientific Track = "scientific"
	TrackLiterary   Track = "literary"
)

// SessionKind separates full exams from practice sessions; pause limits are per kind.
type SessionKind string

const (
	SessionKindExam     SessionKind = "exam"
	SessionKindPractice SessionKind = "practice"
)

// GenerationContext is the opaque state threaded through the generation gateway between
// batches. Only the gateway interprets Payload.
type GenerationContext struct {
	Version int             `json:"v"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one user's attempt at an exam.
type Session struct {
	ID                   uuid.UUID         `json:"id"`
	UserID               int               `json:"user_id"`
	Kind                 SessionKind       `json:"kind"`
	Track                Track             `json:"track"`
	Status               SessionStatus     `json:"status"`
	TotalQuestions       int               `json:"total_questions"`
	Questions            []Question        `json:"-"`
	GeneratedBatches     int               `json:"generated_batches"`
	GenerationContext    GenerationContext `json:"-"`
	GenerationInProgress bool              `json:"generation_in_progress"`
	StartTime            time.Time         `json:"start_time"`
	PausedAt             *time.Time        `json:"paused_at,omitempty"`
	RemainingTimeSeconds int               `json:"remaining_time_seconds"`
	TimeSpentSeconds     int               `json:"time_spent_seconds"`
	QuantitativeScore    *int              `json:"quantitative_score,omitempty"`
	VerbalScore          *int              `json:"verbal_score,omitempty"`
	OverallScore         *int              `json:"overall_score,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// elapsedSince returns whole seconds between the timing baseline and now, never negative.
func (s *Session) elapsedSince(now time.Time) int {
	if s.Status != SessionStatusInProgress {
		return 0
	}
	d := int(now.Sub(s.StartTime) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingAt computes the seconds left at now. Only in_progress sessions consume time.
func (s *Session) RemainingAt(now time.Time) int {
	r := s.RemainingTimeSeconds - s.elapsedSince(now)
	if r < 0 {
		return 0
	}
	return r
}

// Settle folds the time elapsed since the baseline into the stored timing fields and moves
// the baseline to now. reported, when set, is the client's own remaining-time reading; it is
// clamped so the client can reclaim frozen disconnect time but never exceed the last baseline.
func (s *Session) Settle(now time.Time, reported *int) {
	baseline := s.RemainingTimeSeconds
	remaining := s.RemainingAt(now)
	if reported != nil && s.Status == SessionStatusInProgress {
		switch {
		case *reported > baseline:
			remaining = baseline
		case *reported > remaining:
			remaining = *reported
		}
	}
	s.TimeSpentSeconds += baseline - remaining
	s.RemainingTimeSeconds = remaining
	s.StartTime = now
}

// ─── Requests / views ─────────────────────────────────────────────────

// StartSessionRequest is the payload for starting a new session.
type StartSessionRequest struct {
	Track Track       `json:"track" binding:"required,track"`
	Kind  SessionKind `json:"kind" binding:"omitempty,session_kind"`
}

// TimingRequest optionally carries the client's remaining-time reading on pause/complete.
type TimingRequest struct {
	RemainingTimeSeconds *int `json:"remaining_time_seconds" binding:"omitempty,min=0"`
}

// ListSessionsQuery filters the session list.
type ListSessionsQuery struct {
	Status SessionStatus `form:"status" binding:"omitempty,session_status"`
}

// SessionState is the resumable projection returned to a client after reload.
type SessionState struct {
	Session              *Session         `json:"session"`
	TotalBatches         int              `json:"total_batches"`
	NextBatchIndex       int              `json:"next_batch_index"`
	Questions            []PublicQuestion `json:"questions"`
	Answers              []Answer         `json:"answers"`
	RemainingTimeSeconds int              `json:"remaining_time_seconds"`
}

// StartSessionResult is returned by a successful session start.
type StartSessionResult struct {
	Session   *Session         `json:"session"`
	Questions []PublicQuestion `json:"questions"`
}

// BatchResult is returned by a successful batch request.
type BatchResult struct {
	BatchIndex       int              `json:"batch_index"`
	GeneratedBatches int              `json:"generated_batches"`
	TotalBatches     int              `json:"total_batches"`
	Questions        []PublicQuestion `json:"questions"`
}
