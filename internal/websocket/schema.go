package websocket

import "github.com/stemsi/examgen-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionPing     Action = "ping"
)

// RequestEnvelope is decoded from every client frame; fields not used by the action are
// left zero.
type RequestEnvelope struct {
	Action           Action `json:"action"`
	QuestionIndex    *int   `json:"question_index,omitempty"`
	SelectedAnswer   *int   `json:"selected_answer,omitempty"`
	TimeSpentSeconds int    `json:"time_spent_seconds,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSaved   Event = "saved"
	EventPong    Event = "pong"
	EventSession Event = "session"
)

type SavedResponse struct {
	Event         Event  `json:"event"`
	QuestionIndex int    `json:"question_index"`
	Status        string `json:"status"`
}

// SessionResponse forwards a lifecycle event published for the connected session.
type SessionResponse struct {
	Event Event              `json:"event"`
	Data  model.SessionEvent `json:"data"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
