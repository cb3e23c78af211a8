package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/middleware"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/response"
	"github.com/stemsi/examgen-backend/internal/service"
	ws "github.com/stemsi/examgen-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// AnswerGate is the part of *service.AnswerService the stream needs.
type AnswerGate interface {
	VerifyWritable(ctx context.Context, userID int, sessionID uuid.UUID) (int, error)
}

// StreamCache is the Redis side of the stream, satisfied by *repository.SessionCache.
type StreamCache interface {
	BufferAnswer(ctx context.Context, p repository.AutosavePayload) error
	SubscribeEvents(ctx context.Context, userID int) (<-chan model.SessionEvent, func() error, error)
}

// WSHandler handles the session WebSocket stream.
type WSHandler struct {
	answers  AnswerGate
	cache    StreamCache
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(answers AnswerGate, cache StreamCache, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		answers:  answers,
		cache:    cache,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:id/stream
// Accepts fire-and-forget answer auto-saves and pushes lifecycle events for the session.
func (h *WSHandler) SessionStream(c *gin.Context) {
	userID := middleware.UserID(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	loaded, err := h.answers.VerifyWritable(ctx, userID, sessionID)
	if err != nil {
		conn.WriteError("no active session")
		return
	}

	wsLog := h.log.With().
		Int("user_id", userID).
		Str("session_id", sessionID.String()).
		Logger()

	events, closeEvents, err := h.cache.SubscribeEvents(ctx, userID)
	if err != nil {
		wsLog.Error().Err(err).Msg("Event subscription failed")
		conn.WriteError("event stream unavailable")
		return
	}
	defer closeEvents()
	go h.forward(conn, sessionID, events)

	wsLog.Info().Msg("Client connected")

	for {
		var msg ws.RequestEnvelope
		if err := conn.Read(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAutosave:
			loaded = h.handleAutosave(ctx, conn, wsLog, userID, sessionID, loaded, &msg)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(msg.Action))
		}
	}
}

// forward relays the user's events that concern this session.
func (h *WSHandler) forward(conn *ws.Conn, sessionID uuid.UUID, events <-chan model.SessionEvent) {
	for ev := range events {
		if ev.SessionID != sessionID {
			continue
		}
		if err := conn.WriteTyped(ws.SessionResponse{Event: ws.EventSession, Data: ev}); err != nil {
			return
		}
	}
}

// handleAutosave buffers one answer for the autosave worker. loaded is the question count
// last seen; it is refreshed when the client answers past it, since batches keep arriving.
func (h *WSHandler) handleAutosave(
	ctx context.Context,
	conn *ws.Conn,
	wsLog zerolog.Logger,
	userID int,
	sessionID uuid.UUID,
	loaded int,
	msg *ws.RequestEnvelope,
) int {
	if msg.QuestionIndex == nil || *msg.QuestionIndex < 0 {
		conn.WriteError("question_index is required")
		return loaded
	}
	if msg.SelectedAnswer != nil && (*msg.SelectedAnswer < 0 || *msg.SelectedAnswer >= model.ChoiceCount) {
		conn.WriteError("selected_answer out of range")
		return loaded
	}

	if *msg.QuestionIndex >= loaded {
		n, err := h.answers.VerifyWritable(ctx, userID, sessionID)
		if err != nil {
			if errors.Is(err, service.ErrInvalidState) || errors.Is(err, service.ErrSessionNotFound) {
				conn.WriteError("session no longer accepts answers")
			} else {
				wsLog.Error().Err(err).Msg("Session lookup failed")
				conn.WriteError("save failed")
			}
			return loaded
		}
		loaded = n
		if *msg.QuestionIndex >= loaded {
			conn.WriteError("question not loaded")
			return loaded
		}
	}

	err := h.cache.BufferAnswer(ctx, repository.AutosavePayload{
		UserID:           userID,
		SessionID:        sessionID,
		QuestionIndex:    *msg.QuestionIndex,
		SelectedAnswer:   msg.SelectedAnswer,
		TimeSpentSeconds: max(msg.TimeSpentSeconds, 0),
	})
	if err != nil {
		wsLog.Error().Err(err).Msg("Autosave Redis error")
		conn.WriteError("save failed")
		return loaded
	}

	conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QuestionIndex: *msg.QuestionIndex, Status: "queued"})
	return loaded
}
