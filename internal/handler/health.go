package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/model"
)

type SessionCounter interface {
	Active() int
	Users() int
}

type CallCounter interface {
	ActiveCalls() int
	ActiveHuddles() int
}

type PeerLister interface {
	LivePeers() []string
	Nodes() []model.Node
}

type Pinger interface {
	Ping(ctx context.Context) error
}

const readyPingTimeout = 2 * time.Second

// HealthHandler serves liveness and readiness. Peers and db are optional.
type HealthHandler struct {
	nodeID   string
	sessions SessionCounter
	calls    CallCounter
	peers    PeerLister
	db       Pinger
	draining atomic.Bool
}

func NewHealthHandler(nodeID string, sessions SessionCounter, calls CallCounter, peers PeerLister, db Pinger) *HealthHandler {
	return &HealthHandler{
		nodeID:   nodeID,
		sessions: sessions,
		calls:    calls,
		peers:    peers,
		db:       db,
	}
}

// Drain makes /ready fail so load balancers stop sending new sockets.
func (h *HealthHandler) Drain() {
	h.draining.Store(true)
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

type readyResponse struct {
	Status   string   `json:"status"`
	NodeID   string   `json:"nodeId"`
	Sessions int          `json:"sessions"`
	Users    int          `json:"users"`
	Calls    int          `json:"calls"`
	Huddles  int          `json:"huddles"`
	Peers    []string     `json:"peers"`
	Nodes    []model.Node `json:"nodes,omitempty"`
	Database string       `json:"database,omitempty"`
}

// GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Status:   "ready",
		NodeID:   h.nodeID,
		Sessions: h.sessions.Active(),
		Users:    h.sessions.Users(),
		Calls:    h.calls.ActiveCalls(),
		Huddles:  h.calls.ActiveHuddles(),
		Peers:    []string{},
	}
	if h.peers != nil {
		resp.Peers = h.peers.LivePeers()
		resp.Nodes = h.peers.Nodes()
	}

	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness: database ping failed")
			resp.Database = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if h.draining.Load() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
