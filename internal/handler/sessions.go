package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/rtcore-go/internal/model"
)

type SessionLister interface {
	Sessions(ctx context.Context, userID string) []model.SessionInfo
}

type SessionHandler struct {
	sessions SessionLister
}

func NewSessionHandler(sessions SessionLister) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListOwn)

	return r
}

// GET /v1/sessions lists the caller's sessions on this node.
func (h *SessionHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	id := requireIdentity(w, r)
	if id == nil {
		return
	}

	sessions := h.sessions.Sessions(r.Context(), id.UserID)
	if sessions == nil {
		sessions = []model.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
