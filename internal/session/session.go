package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/audit"
	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
	"github.com/openclaw/rtcore-go/internal/push"
	"github.com/openclaw/rtcore-go/internal/registry"
)

// Conn is the socket owned by one session. Send, Ping and Close are only
// called from the session goroutine.
type Conn interface {
	Send(frame []byte) error
	Ping() error
	// Frames yields inbound frames and is closed when the socket dies.
	Frames() <-chan []byte
	Pongs() <-chan struct{}
	Close(reason string) error
	RemoteAddr() string
}

type Presence interface {
	Connect(userID, deviceID string)
	Disconnect(userID, deviceID string) bool
	SetStatus(userID string, status model.PresenceStatus) error
	Touch(userID string)
}

type Queue interface {
	Fetch(ctx context.Context, userID string) ([]model.PendingMessage, error)
	Acknowledge(ctx context.Context, messageID, userID string) error
	Enqueue(ctx context.Context, msg model.Message, recipientID string) (*model.PendingMessage, error)
}

type MessageRouter interface {
	HandleEvent(ctx context.Context, senderID string, ev protocol.Event) (*model.RouteResult, error)
	Dispatch(ctx context.Context, userID string, d model.Delivery) bool
}

// CallHandler owns call and huddle events.
type CallHandler interface {
	HandleEvent(ctx context.Context, userID string, ev protocol.Event) (any, error)
	HandleDisconnect(userID string)
}

type Notifier interface {
	Notify(userID string, payload push.Payload)
}

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	AckTimeout        time.Duration
	MailboxSize       int
	MaxRedelivery     int
}

type deps struct {
	registry *registry.Registry
	presence Presence
	queue    Queue
	router   MessageRouter
	calls    CallHandler
	notifier Notifier
	opts     Options
}

type mailItem struct {
	frame    []byte
	delivery *model.Delivery
	pong     bool
	info     chan model.SessionInfo
}

type pendingAck struct {
	delivery model.Delivery
	sentAt   time.Time
	attempts int
}

// Session is the actor for one connected device. All fields below mailbox
// are owned by the run goroutine.
type Session struct {
	id          string
	userID      string
	deviceID    string
	deviceClass model.DeviceClass
	conn        Conn
	deps        *deps
	createdAt   time.Time
	logger      zerolog.Logger

	mailbox  chan mailItem
	evict    chan error
	done     chan struct{}
	doneOnce sync.Once

	// gate orders Deliver against the final mailbox drain.
	gate   sync.RWMutex
	closed bool

	state        model.SessionState
	lastActivity time.Time
	pending      map[string]*pendingAck
	closeReason  string
}

func newSession(conn Conn, userID, deviceID string, class model.DeviceClass, d *deps) *Session {
	id := uuid.NewString()
	return &Session{
		id:          id,
		userID:      userID,
		deviceID:    deviceID,
		deviceClass: class,
		conn:        conn,
		deps:        d,
		createdAt:   time.Now(),
		logger: log.With().
			Str("sessionId", id).
			Str("userId", userID).
			Str("deviceId", deviceID).
			Logger(),
		mailbox: make(chan mailItem, d.opts.MailboxSize),
		evict:   make(chan error, 1),
		done:    make(chan struct{}),
		state:   model.SessionConnecting,
		pending: make(map[string]*pendingAck),
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) UserID() string        { return s.userID }
func (s *Session) DeviceID() string      { return s.deviceID }
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver enqueues d without blocking the caller.
func (s *Session) Deliver(d model.Delivery) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.mailbox <- mailItem{delivery: &d}:
		return true
	default:
		s.logger.Warn().Str("event", d.Event).Msg("session mailbox full, delivery rejected")
		return false
	}
}

func (s *Session) Evict(reason error) {
	select {
	case s.evict <- reason:
	default:
	}
}

// Info returns a snapshot taken by the session goroutine.
func (s *Session) Info(ctx context.Context) (model.SessionInfo, error) {
	reply := make(chan model.SessionInfo, 1)
	select {
	case s.mailbox <- mailItem{info: reply}:
	case <-s.done:
		return model.SessionInfo{}, apperrors.NotFound("session")
	case <-ctx.Done():
		return model.SessionInfo{}, ctx.Err()
	}
	select {
	case info := <-reply:
		return info, nil
	case <-s.done:
		return model.SessionInfo{}, apperrors.NotFound("session")
	case <-ctx.Done():
		return model.SessionInfo{}, ctx.Err()
	}
}

func (s *Session) snapshot() model.SessionInfo {
	return model.SessionInfo{
		ID:           s.id,
		UserID:       s.userID,
		DeviceID:     s.deviceID,
		DeviceClass:  s.deviceClass,
		State:        s.state,
		RemoteAddr:   s.conn.RemoteAddr(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		PendingAcks:  len(s.pending),
	}
}

// pump moves socket input into the mailbox so inbound frames and outbound
// deliveries share one FIFO order.
func (s *Session) pump(stop <-chan struct{}) {
	frames, pongs := s.conn.Frames(), s.conn.Pongs()
	for {
		var item mailItem
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				s.Evict(errConnClosed)
				return
			}
			item = mailItem{frame: frame}
		case <-pongs:
			item = mailItem{pong: true}
		}
		select {
		case s.mailbox <- item:
		case <-stop:
			return
		}
	}
}

var errConnClosed = fmt.Errorf("connection closed")

const closeTimeout = 5 * time.Second

// Run drives the session until the socket closes, a heartbeat is missed, the
// session is evicted or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.terminate()

	s.activate(ctx)

	stop := make(chan struct{})
	defer close(stop)
	go s.pump(stop)

	heartbeat := time.NewTicker(s.deps.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var grace *time.Timer
	var graceC <-chan time.Time
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopGrace()

	for {
		select {
		case <-ctx.Done():
			s.closeReason = "server shutdown"
			return

		case reason := <-s.evict:
			if reason == errConnClosed {
				s.closeReason = "connection closed"
			} else {
				s.closeReason = "evicted"
				audit.Log(ctx, audit.Event{
					Type:      audit.EventSessionEvicted,
					UserID:    s.userID,
					DeviceID:  s.deviceID,
					SessionID: s.id,
					Details:   map[string]interface{}{"reason": reason.Error()},
				})
				s.send(protocol.Error("", reason))
			}
			return

		case item := <-s.mailbox:
			if item.frame != nil || item.pong {
				stopGrace()
			}
			if !s.handle(ctx, item) {
				return
			}

		case <-heartbeat.C:
			s.redeliver()
			if grace != nil {
				continue
			}
			if err := s.conn.Ping(); err != nil {
				s.closeReason = "ping failed"
				return
			}
			grace = time.NewTimer(s.deps.opts.HeartbeatGrace)
			graceC = grace.C

		case <-graceC:
			s.closeReason = "heartbeat timeout"
			s.logger.Info().Msg("heartbeat timeout")
			return
		}
	}
}

func (s *Session) activate(ctx context.Context) {
	// Presence first so an evicted session for the same device can never
	// drop the user offline in between.
	s.deps.presence.Connect(s.userID, s.deviceID)
	s.deps.registry.Register(s)
	s.state = model.SessionActive
	s.lastActivity = time.Now()

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionOpen,
		UserID:    s.userID,
		DeviceID:  s.deviceID,
		SessionID: s.id,
		IP:        s.conn.RemoteAddr(),
		Details:   map[string]interface{}{"device_class": string(s.deviceClass)},
	})

	s.send(protocol.NewEvent("session:ready", map[string]string{"sessionId": s.id}))
	s.flushQueued(ctx)
}

func (s *Session) flushQueued(ctx context.Context) {
	queued, err := s.deps.queue.Fetch(ctx, s.userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch queued messages")
		return
	}
	for i := range queued {
		msg := queued[i].ToMessage()
		s.deliver(msg.ToDelivery())
	}
	if len(queued) > 0 {
		s.logger.Info().Int("count", len(queued)).Msg("delivered queued messages")
	}
}

// handle processes one mailbox item and reports whether the session lives on.
func (s *Session) handle(ctx context.Context, item mailItem) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("session panicked")
			s.closeReason = "internal error"
			alive = false
		}
	}()

	switch {
	case item.info != nil:
		item.info <- s.snapshot()
	case item.delivery != nil:
		s.deliver(*item.delivery)
	case item.pong:
		s.lastActivity = time.Now()
	case item.frame != nil:
		s.lastActivity = time.Now()
		s.deps.presence.Touch(s.userID)
		s.receiveInbound(ctx, item.frame)
	}
	return s.state == model.SessionActive
}

// deliver writes d to the socket, tracking it until acknowledged when required.
// A delivery already awaiting its ack is left to redeliver.
func (s *Session) deliver(d model.Delivery) {
	tracked := d.RequiresAck && d.ID != ""
	if tracked {
		if _, ok := s.pending[d.ID]; ok {
			return
		}
	}
	if !s.send(d) {
		return
	}
	if tracked {
		s.pending[d.ID] = &pendingAck{delivery: d, sentAt: time.Now(), attempts: 1}
	}
}

func (s *Session) send(d model.Delivery) bool {
	frame, err := protocol.Encode(d)
	if err != nil {
		s.logger.Error().Err(err).Str("event", d.Event).Msg("failed to encode frame")
		return false
	}
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug().Err(err).Msg("send failed, closing session")
		s.closeReason = "send failed"
		s.state = model.SessionClosing
		return false
	}
	return true
}

func (s *Session) receiveInbound(ctx context.Context, frame []byte) {
	ev, ref, err := protocol.Decode(frame)
	if err != nil {
		s.send(protocol.Error(ref, err))
		return
	}

	switch e := ev.(type) {
	case protocol.Ack:
		s.acknowledge(ctx, e.MessageID)
	case protocol.Ping:
		s.send(protocol.Reply(ref, map[string]int64{"ts": time.Now().UnixMilli()}))
	case protocol.PresenceSet:
		if err := s.deps.presence.SetStatus(s.userID, e.Status); err != nil {
			s.send(protocol.Error(ref, err))
			return
		}
		s.send(protocol.Reply(ref, map[string]string{"status": string(e.Status)}))
	default:
		var (
			result any
			err    error
		)
		if protocol.IsMessaging(ev) {
			result, err = s.deps.router.HandleEvent(ctx, s.userID, ev)
		} else {
			result, err = s.deps.calls.HandleEvent(ctx, s.userID, ev)
		}
		if err != nil {
			s.send(protocol.Error(ref, err))
			return
		}
		if ref != "" {
			s.send(protocol.Reply(ref, result))
		}
	}
}

func (s *Session) acknowledge(ctx context.Context, messageID string) {
	delete(s.pending, messageID)
	if err := s.deps.queue.Acknowledge(ctx, messageID, s.userID); err != nil {
		s.logger.Error().Err(err).Str("messageId", messageID).Msg("failed to acknowledge queued message")
	}
}

// redeliver re-sends deliveries whose acknowledgment is overdue.
func (s *Session) redeliver() {
	cutoff := time.Now().Add(-s.deps.opts.AckTimeout)
	for _, p := range s.pending {
		if p.sentAt.After(cutoff) || p.attempts >= s.deps.opts.MaxRedelivery {
			continue
		}
		p.attempts++
		p.sentAt = time.Now()
		if !s.send(p.delivery) {
			return
		}
	}
}

// terminate runs exactly once when Run exits.
func (s *Session) terminate() {
	s.state = model.SessionClosing
	if s.closeReason == "" {
		s.closeReason = "closed"
	}

	s.deps.registry.Unregister(s)
	offline := s.deps.presence.Disconnect(s.userID, s.deviceID)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	requeued := s.requeueUnacked(ctx)

	if offline {
		s.deps.calls.HandleDisconnect(s.userID)
		s.deps.notifier.Notify(s.userID, push.Payload{Kind: push.KindOffline, Pending: requeued})
	}

	if err := s.conn.Close(s.closeReason); err != nil {
		s.logger.Debug().Err(err).Msg("close connection")
	}

	s.state = model.SessionTerminated
	s.doneOnce.Do(func() { close(s.done) })

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionClose,
		UserID:    s.userID,
		DeviceID:  s.deviceID,
		SessionID: s.id,
		Details: map[string]interface{}{
			"reason":   s.closeReason,
			"requeued": requeued,
			"offline":  offline,
			"duration": time.Since(s.createdAt),
		},
	})
}

// requeueUnacked stores deliveries the client never acknowledged, including
// those still waiting in the mailbox.
func (s *Session) requeueUnacked(ctx context.Context) int {
	s.gate.Lock()
	s.closed = true
	s.gate.Unlock()

drain:
	for {
		select {
		case item := <-s.mailbox:
			if item.delivery != nil && item.delivery.RequiresAck && item.delivery.ID != "" {
				if _, ok := s.pending[item.delivery.ID]; !ok {
					s.pending[item.delivery.ID] = &pendingAck{delivery: *item.delivery}
				}
			}
			if item.info != nil {
				item.info <- s.snapshot()
			}
		default:
			break drain
		}
	}

	var requeued []model.Delivery
	for id, p := range s.pending {
		var msg model.Message
		if err := json.Unmarshal(p.delivery.Data, &msg); err != nil || msg.ConversationID == "" {
			continue
		}
		msg.Event = p.delivery.Event
		if _, err := s.deps.queue.Enqueue(ctx, msg, s.userID); err != nil {
			s.logger.Error().Err(err).Str("messageId", id).Msg("failed to requeue unacknowledged message")
			continue
		}
		requeued = append(requeued, p.delivery)
	}
	s.pending = make(map[string]*pendingAck)

	// A replacement session may have fetched the queue before these rows
	// were written. Once one dispatch misses, any later session fetches them.
	for _, d := range requeued {
		if !s.deps.router.Dispatch(ctx, s.userID, d) {
			break
		}
	}
	return len(requeued)
}
