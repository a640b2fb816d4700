package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/audit"
	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/session"
	"github.com/openclaw/rtcore-go/internal/ws"
)

type SessionServer interface {
	Serve(conn session.Conn, userID, deviceID string, class model.DeviceClass) error
}

// WSHandler upgrades the request and runs the session until the socket
// closes.
type WSHandler struct {
	upgrader *ws.Upgrader
	sessions SessionServer
}

func NewWSHandler(upgrader *ws.Upgrader, sessions SessionServer) *WSHandler {
	return &WSHandler{upgrader: upgrader, sessions: sessions}
}

// GET /ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := requireIdentity(w, r)
	if id == nil {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r)
	if err != nil {
		log.Debug().Err(err).Str("userId", id.UserID).Msg("websocket upgrade failed")
		return
	}

	if err := h.sessions.Serve(conn, id.UserID, id.DeviceID, id.DeviceClass); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeUnreachable) {
			_ = conn.Close("server shutdown")
		}
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventSessionRejected,
			UserID:   id.UserID,
			DeviceID: id.DeviceID,
			Details:  map[string]interface{}{"reason": err.Error()},
		})
	}
}
