package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/util"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

const (
	HeaderUserID        = "X-User-ID"
	HeaderDeviceID      = "X-Device-ID"
	HeaderDeviceClass   = "X-Device-Class"
	HeaderGatewaySecret = "X-Gateway-Secret"

	defaultDeviceID = "default"
)

var deviceClasses = []string{
	string(model.DeviceWeb),
	string(model.DeviceMobile),
	string(model.DeviceDesktop),
	string(model.DeviceUnknown),
}

// Identity is the caller as asserted by the upstream gateway.
type Identity struct {
	UserID      string
	DeviceID    string
	DeviceClass model.DeviceClass
}

func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(IdentityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

// IdentityMiddleware trusts the identity headers set by an authenticating
// gateway. With a secret configured, requests must also carry it.
type IdentityMiddleware struct {
	gatewaySecret string
}

func NewIdentityMiddleware(gatewaySecret string) *IdentityMiddleware {
	return &IdentityMiddleware{gatewaySecret: gatewaySecret}
}

func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.gatewaySecret != "" && !util.ConstantTimeEqual(r.Header.Get(HeaderGatewaySecret), m.gatewaySecret) {
			log.Warn().Str("remote", r.RemoteAddr).Msg("identity middleware: gateway secret mismatch")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid gateway credentials",
			})
			return
		}

		id := extractIdentity(r)
		if id.UserID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing user identity",
			})
			return
		}

		if !util.IsValidIdentifier(id.UserID) || !util.IsValidIdentifier(id.DeviceID) ||
			!util.IsValidEnum(string(id.DeviceClass), deviceClasses) {
			log.Warn().Str("userId", util.MaskID(id.UserID)).Msg("identity middleware: malformed identity")
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Malformed identity",
			})
			return
		}

		ctx := context.WithValue(r.Context(), IdentityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractIdentity reads headers first and falls back to query parameters,
// since browsers cannot set headers on a WebSocket handshake.
func extractIdentity(r *http.Request) *Identity {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}

	id := &Identity{
		UserID:      pick(HeaderUserID, "user_id"),
		DeviceID:    pick(HeaderDeviceID, "device_id"),
		DeviceClass: model.DeviceClass(pick(HeaderDeviceClass, "device_class")),
	}
	if id.DeviceID == "" {
		id.DeviceID = defaultDeviceID
	}
	if id.DeviceClass == "" {
		id.DeviceClass = model.DeviceUnknown
	}
	return id
}
