package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/util"
)

type PresenceReader interface {
	Get(ctx context.Context, userID string) model.Presence
	OnlineUsers(ctx context.Context) []string
}

type PresenceHandler struct {
	presence PresenceReader
}

func NewPresenceHandler(presence PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.OnlineUsers)
	r.Get("/{userID}", h.GetPresence)

	return r
}

// GET /v1/presence
func (h *PresenceHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	users := h.presence.OnlineUsers(r.Context())
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// GET /v1/presence/{userID}
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !util.IsValidIdentifier(userID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid user id"})
		return
	}

	writeJSON(w, http.StatusOK, h.presence.Get(r.Context(), userID))
}
