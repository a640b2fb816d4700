package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, opts Options) (*httptest.Server, chan *Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	u := NewUpgrader(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := u.Upgrade(w, r)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnRoundTrip(t *testing.T) {
	srv, conns := serve(t, Options{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	var conn *Conn
	select {
	case conn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("no server connection")
	}

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	select {
	case frame := <-conn.Frames():
		assert.JSONEq(t, `{"event":"ping"}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("no inbound frame")
	}

	require.NoError(t, conn.Send([]byte(`{"event":"pong"}`)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(data))

	// The client answers pings from inside ReadMessage.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.NoError(t, conn.Ping())
	select {
	case <-conn.Pongs():
	case <-time.After(time.Second):
		t.Fatal("no pong")
	}

	require.NoError(t, conn.Close("heartbeat timeout"))
	assert.NoError(t, conn.Close("again"))
	assert.NotEmpty(t, conn.RemoteAddr())
}

func TestConnFramesClosedWhenClientLeaves(t *testing.T) {
	srv, conns := serve(t, Options{})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	conn := <-conns

	require.NoError(t, client.Close())
	select {
	case _, ok := <-conn.Frames():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed")
	}
	_ = conn.Close("connection closed")
}

func TestUpgraderChecksOrigin(t *testing.T) {
	srv, _ := serve(t, Options{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	client.Close()
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseGoingAway, closeCode("server shutdown"))
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode("evicted"))
	assert.Equal(t, websocket.CloseNormalClosure, closeCode("connection closed"))
}
