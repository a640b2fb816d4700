package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 20
	frameBuffer    = 32
	maxCloseReason = 123
)

type Options struct {
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// Upgrader turns HTTP requests into session connections.
type Upgrader struct {
	upgrader websocket.Upgrader
}

func NewUpgrader(opts Options) *Upgrader {
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}
	return &Upgrader{upgrader: websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// Conn adapts a gorilla websocket to the session transport. A reader
// goroutine feeds Frames and Pongs; writes come from the owning session.
type Conn struct {
	ws     *websocket.Conn
	frames chan []byte
	pongs  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewConn(c *websocket.Conn) *Conn {
	conn := &Conn{
		ws:     c,
		frames: make(chan []byte, frameBuffer),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.SetReadLimit(maxFrameSize)
	c.SetPongHandler(func(string) error {
		select {
		case conn.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	go conn.readLoop()
	return conn
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("remote", c.RemoteAddr()).Msg("websocket read failed")
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Send(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}

func (c *Conn) Frames() <-chan []byte  { return c.frames }
func (c *Conn) Pongs() <-chan struct{} { return c.pongs }

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close sends a close frame carrying reason and tears down the socket.
func (c *Conn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(closeCode(reason), reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			log.Debug().Err(werr).Str("remote", c.RemoteAddr()).Msg("failed to send close frame")
		}
		err = c.ws.Close()
	})
	return err
}

func closeCode(reason string) int {
	switch reason {
	case "server shutdown":
		return websocket.CloseGoingAway
	case "internal error":
		return websocket.CloseInternalServerErr
	case "evicted", "heartbeat timeout", "ping failed":
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
