package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/rtcore-go/internal/model"
)

func captureIdentity(got **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddleware(t *testing.T) {
	t.Run("reads identity headers", func(t *testing.T) {
		var got *Identity
		h := NewIdentityMiddleware("").Handler(captureIdentity(&got))

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set(HeaderUserID, "alice")
		req.Header.Set(HeaderDeviceID, "phone-1")
		req.Header.Set(HeaderDeviceClass, "mobile")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, "phone-1", got.DeviceID)
		assert.Equal(t, model.DeviceMobile, got.DeviceClass)
	})

	t.Run("falls back to query parameters with defaults", func(t *testing.T) {
		var got *Identity
		h := NewIdentityMiddleware("").Handler(captureIdentity(&got))

		req := httptest.NewRequest(http.MethodGet, "/ws?user_id=bob", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "bob", got.UserID)
		assert.Equal(t, defaultDeviceID, got.DeviceID)
		assert.Equal(t, model.DeviceUnknown, got.DeviceClass)
	})

	t.Run("rejects missing user", func(t *testing.T) {
		var got *Identity
		h := NewIdentityMiddleware("").Handler(captureIdentity(&got))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, got)
	})

	t.Run("rejects malformed identity", func(t *testing.T) {
		var got *Identity
		h := NewIdentityMiddleware("").Handler(captureIdentity(&got))

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set(HeaderUserID, "alice")
		req.Header.Set(HeaderDeviceClass, "toaster")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, got)
	})

	t.Run("requires gateway secret when configured", func(t *testing.T) {
		var got *Identity
		h := NewIdentityMiddleware("s3cret").Handler(captureIdentity(&got))

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set(HeaderUserID, "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req.Header.Set(HeaderGatewaySecret, "s3cret")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
	})
}

func TestGetIdentityEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, GetIdentity(req.Context()))
}
