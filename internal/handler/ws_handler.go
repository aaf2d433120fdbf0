package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oemslab/oems-backend/internal/middleware"
	"github.com/oemslab/oems-backend/internal/service"
	"github.com/oemslab/oems-backend/internal/session"
	ws "github.com/oemslab/oems-backend/internal/websocket"
	"github.com/rs/zerolog"
)

// clampElapsed bounds a client-reported elapsed checkpoint by the server
// clock. The client value is a hint only: it can lag the server (a tab that
// was frozen) but never outrun it, and negatives are discarded.
func clampElapsed(reported, serverElapsed int) int {
	if reported <= 0 || reported > serverElapsed {
		return serverElapsed
	}
	return reported
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
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

// WSHandler streams session lifecycle events (ticks, warnings, forced
// submission) to the exam client over WebSocket.
type WSHandler struct {
	engine       *session.Engine
	timerService *service.TimerService
	log          zerolog.Logger
	upgrader     websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(engine *session.Engine, timerService *service.TimerService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:       engine,
		timerService: timerService,
		log:          log.With().Str("component", "ws_handler").Logger(),
		upgrader:     buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/candidate/forms/:form_id/stream
// Upgrades to WebSocket, attaches to the live session, and pumps lifecycle
// events to the client. Inbound actions: warning, checkpoint, ping.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	formID, err := uuid.Parse(c.Param("form_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form ID"})
		return
	}
	if claims.FormID != formID.String() {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not scoped to this form"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Starting is idempotent: a reconnect re-attaches to the live session.
	sess, err := h.engine.Start(c.Request.Context(), formID, claims.Email)
	if err != nil {
		ws.WriteError(conn, "no active session for this form")
		return
	}

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	wsLog := h.log.With().
		Str("candidate", claims.Email).
		Str("form_id", formID.String()).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	// Writes come from two goroutines (event pump, action acks); gorilla
	// connections allow one concurrent writer.
	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteTyped(conn, v)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := write(ws.SessionEventResponse{Event: ws.EventSession, Payload: ev}); err != nil {
				wsLog.Debug().Err(err).Msg("Event write failed, dropping stream")
				return
			}
		}
	}()

	for {
		raw, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var msg ws.RequestEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			write(ws.ErrorResponse{Event: ws.EventError, Error: "malformed message"})
			continue
		}

		switch msg.Action {
		case ws.ActionWarning:
			var req ws.WarningRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				write(ws.ErrorResponse{Event: ws.EventError, Error: "malformed warning"})
				continue
			}
			count, err := h.engine.RecordWarning(c.Request.Context(), formID, claims.Email, req.Kind)
			if err != nil {
				wsLog.Error().Err(err).Msg("Warning record failed")
				write(ws.ErrorResponse{Event: ws.EventError, Error: "warning not recorded"})
				continue
			}
			write(ws.AckResponse{Event: ws.EventAck, Warnings: count})
		case ws.ActionCheckpoint:
			var req ws.CheckpointRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				write(ws.ErrorResponse{Event: ws.EventError, Error: "malformed checkpoint"})
				continue
			}
			elapsed := clampElapsed(req.ElapsedSeconds, sess.DurationSeconds-sess.Remaining())
			if err := h.timerService.Checkpoint(c.Request.Context(), formID, claims.Email, elapsed); err != nil {
				wsLog.Warn().Err(err).Msg("Checkpoint enqueue failed")
				write(ws.ErrorResponse{Event: ws.EventError, Error: "checkpoint not recorded"})
				continue
			}
			write(ws.AckResponse{Event: ws.EventAck})
		case ws.ActionPing:
			write(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			write(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(msg.Action)})
		}
	}

	conn.Close()
	<-done
}
