package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

func TestHTTPClient(t *testing.T) {
	var archived model.Call

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/c1/participants", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"participants": []string{"alice", "bob"}})
	})
	mux.HandleFunc("GET /conversations/missing/participants", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var msg model.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(map[string]string{"id": "server-" + msg.ID})
	})
	mux.HandleFunc("POST /calls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&archived))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /conversations/broken/participants", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	t.Run("participants", func(t *testing.T) {
		ids, err := client.ConversationParticipants(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, ids)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		_, err := client.ConversationParticipants(ctx, "missing")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("server error", func(t *testing.T) {
		_, err := client.ConversationParticipants(ctx, "broken")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeExternal))
	})

	t.Run("persist message", func(t *testing.T) {
		id, err := client.PersistMessage(ctx, model.Message{ID: "m1", ConversationID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, "server-m1", id)
	})

	t.Run("archive call", func(t *testing.T) {
		require.NoError(t, client.ArchiveCall(ctx, &model.Call{ID: "call-1", EndReason: model.EndCompleted}))
		assert.Equal(t, "call-1", archived.ID)
	})

	t.Run("unreachable backend", func(t *testing.T) {
		dead := NewHTTPClient("http://127.0.0.1:1", 100*time.Millisecond)
		_, err := dead.ConversationParticipants(ctx, "c1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeExternal))
	})
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.SetParticipants("c1", "alice", "bob")

	ids, err := s.ConversationParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	_, err = s.ConversationParticipants(ctx, "nope")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	id, err := s.PersistMessage(ctx, model.Message{ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.Len(t, s.Messages(), 1)

	require.NoError(t, s.ArchiveCall(ctx, &model.Call{ID: "call-1"}))
	assert.Len(t, s.Calls(), 1)
}
