package handler

import (
	"net/http"

	"github.com/openclaw/rtcore-go/internal/httputil"
	"github.com/openclaw/rtcore-go/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// requireIdentity writes 401 and returns nil when the request carries no
// identity.
func requireIdentity(w http.ResponseWriter, r *http.Request) *middleware.Identity {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	return id
}
