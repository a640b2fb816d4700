package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

type CallReader interface {
	Get(ctx context.Context, callID string) (*model.Call, error)
	GetHuddle(ctx context.Context, huddleID string) (*model.Huddle, error)
	HuddleFor(ctx context.Context, conversationID string) (*model.Huddle, error)
}

// CallHandler exposes read-only call and huddle state to participants.
type CallHandler struct {
	calls CallReader
}

func NewCallHandler(calls CallReader) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/calls/{callID}", h.GetCall)
	r.Get("/huddles/{huddleID}", h.GetHuddle)
	r.Get("/conversations/{conversationID}/huddle", h.GetConversationHuddle)

	return r
}

// GET /v1/calls/{callID}
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id := requireIdentity(w, r)
	if id == nil {
		return
	}

	c, err := h.calls.Get(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if c.Participant(id.UserID) == nil {
		writeError(w, apperrors.NotParticipant(id.UserID))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GET /v1/huddles/{huddleID}
func (h *CallHandler) GetHuddle(w http.ResponseWriter, r *http.Request) {
	if requireIdentity(w, r) == nil {
		return
	}

	hd, err := h.calls.GetHuddle(r.Context(), chi.URLParam(r, "huddleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hd)
}

// GET /v1/conversations/{conversationID}/huddle
func (h *CallHandler) GetConversationHuddle(w http.ResponseWriter, r *http.Request) {
	if requireIdentity(w, r) == nil {
		return
	}

	hd, err := h.calls.HuddleFor(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hd)
}
