package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/push"
)

const (
	dispatchTimeout = 2 * time.Second
	archiveTimeout  = 5 * time.Second
)

// Dispatcher delivers unqueued events to every session of a user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, d model.Delivery) bool
}

type Notifier interface {
	Notify(userID string, payload push.Payload)
}

// Backend archives finished calls and resolves conversation members.
type Backend interface {
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	ArchiveCall(ctx context.Context, call *model.Call) error
}

type Options struct {
	// NodeID names this node in huddle claims.
	NodeID      string
	RingTimeout time.Duration
	MaxDuration time.Duration
	// EndedRetention keeps ended calls addressable so a late call:end
	// stays a no-op instead of NOT_FOUND.
	EndedRetention time.Duration
	// Claims keeps one huddle per conversation across nodes. Without it
	// uniqueness holds per node only.
	Claims Claims
}

// Manager owns every call and huddle hosted on this node. Each one runs on
// its own actor; the manager only keeps the indexes.
type Manager struct {
	dispatcher Dispatcher
	notifier   Notifier
	backend    Backend
	opts       Options
	now        func() time.Time

	mu         sync.Mutex
	calls      map[string]*callSession
	userCalls  map[string]map[string]struct{}
	huddles    map[string]*huddleSession
	convHuddle map[string]string
	userHuddle map[string]map[string]struct{}
	closed     bool

	remote Remote
	// remoteCalls maps a local user to calls and huddles they joined on
	// other nodes, by id, to the owning node.
	remoteCalls map[string]map[string]string
}

func NewManager(dispatcher Dispatcher, notifier Notifier, backend Backend, opts Options) *Manager {
	if opts.EndedRetention <= 0 {
		opts.EndedRetention = 30 * time.Second
	}
	if opts.NodeID == "" {
		opts.NodeID = "local"
	}
	return &Manager{
		dispatcher: dispatcher,
		notifier:   notifier,
		backend:    backend,
		opts:       opts,
		now:        time.Now,
		calls:      make(map[string]*callSession),
		userCalls:  make(map[string]map[string]struct{}),
		huddles:    make(map[string]*huddleSession),
		convHuddle: make(map[string]string),
		userHuddle: make(map[string]map[string]struct{}),

		remoteCalls: make(map[string]map[string]string),
	}
}

func (m *Manager) dispatch(userID string, d model.Delivery) bool {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	return m.dispatcher.Dispatch(ctx, userID, d)
}

func (m *Manager) lookupCall(callID string) (*callSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.calls[callID]
	if !ok {
		return nil, apperrors.NotFound("call")
	}
	return cs, nil
}

func (m *Manager) indexUser(userID, callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.userCalls[userID]
	if !ok {
		set = make(map[string]struct{})
		m.userCalls[userID] = set
	}
	set[callID] = struct{}{}
}

func (m *Manager) removeCall(cs *callSession) {
	m.mu.Lock()
	if m.calls[cs.id] == cs {
		delete(m.calls, cs.id)
	}
	for _, userID := range cs.members {
		if set, ok := m.userCalls[userID]; ok {
			delete(set, cs.id)
			if len(set) == 0 {
				delete(m.userCalls, userID)
			}
		}
	}
	m.mu.Unlock()
	cs.actor.stop()
}

// Initiate starts ringing the invited participants.
func (m *Manager) Initiate(ctx context.Context, initiatorID, callID, conversationID string, typ model.CallType, invitees []string) (*model.Call, error) {
	if callID == "" {
		callID = uuid.NewString()
	}

	c := newCall(callID, conversationID, initiatorID, typ, invitees, m.now())
	if len(c.Participants) < 2 {
		return nil, apperrors.ValidationError("a call needs at least one other participant")
	}

	cs := &callSession{
		id:      callID,
		m:       m,
		actor:   newActor("call"),
		call:    c,
		members: c.ParticipantIDs(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cs.actor.stop()
		return nil, apperrors.Unreachable("call service")
	}
	if _, exists := m.calls[callID]; exists {
		m.mu.Unlock()
		cs.actor.stop()
		return nil, apperrors.AlreadyExists("call")
	}
	m.calls[callID] = cs
	m.mu.Unlock()

	for _, userID := range cs.members {
		m.indexUser(userID, callID)
	}

	v, err := cs.actor.do(ctx, func() (any, error) {
		cs.start()
		return cs.call.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Call), nil
}

// with runs fn on the call's actor and returns the resulting snapshot.
func (m *Manager) with(ctx context.Context, callID string, fn func(cs *callSession) error) (*model.Call, error) {
	cs, err := m.lookupCall(callID)
	if err != nil {
		return nil, err
	}
	v, err := cs.actor.do(ctx, func() (any, error) {
		if err := fn(cs); err != nil {
			return nil, err
		}
		return cs.call.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Call), nil
}

func (m *Manager) Answer(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.answer(userID) })
}

func (m *Manager) Reject(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.reject(userID) })
}

// End hangs up. Ending an ended call is a no-op.
func (m *Manager) End(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.hangup(userID) })
}

func (m *Manager) Hold(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.hold(userID, true) })
}

func (m *Manager) Unhold(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.hold(userID, false) })
}

func (m *Manager) SetRecording(ctx context.Context, callID, userID string, on bool) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.recording(userID, on) })
}

func (m *Manager) ToggleMedia(ctx context.Context, callID, userID string, kind model.MediaKind, enabled bool) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.media(userID, kind, enabled) })
}

// ParticipantLeft handles a participant dropping out without hanging up.
func (m *Manager) ParticipantLeft(ctx context.Context, callID, userID string) (*model.Call, error) {
	return m.with(ctx, callID, func(cs *callSession) error { return cs.left(userID) })
}

func (m *Manager) Get(ctx context.Context, callID string) (*model.Call, error) {
	return m.with(ctx, callID, func(*callSession) error { return nil })
}

// HandleDisconnect treats a user with no remaining sessions as having left
// every call and huddle they were in, here and on other nodes.
func (m *Manager) HandleDisconnect(userID string) {
	m.mu.Lock()
	var callIDs []string
	for id := range m.userCalls[userID] {
		callIDs = append(callIDs, id)
	}
	var huddleIDs []string
	for id := range m.userHuddle[userID] {
		huddleIDs = append(huddleIDs, id)
	}
	remote := m.remote
	m.mu.Unlock()
	byNode := m.takeRemote(userID)

	if len(callIDs) == 0 && len(huddleIDs) == 0 && len(byNode) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		m.leave(ctx, userID, callIDs, huddleIDs)
		if remote == nil {
			return
		}
		for node, ids := range byNode {
			if err := remote.ForwardLeave(ctx, node, userID, ids); err != nil {
				log.Debug().Err(err).Str("peer", node).Str("userId", userID).Msg("remote leave on disconnect")
			}
		}
	}()
}

func (m *Manager) leave(ctx context.Context, userID string, callIDs, huddleIDs []string) {
	for _, id := range callIDs {
		if _, err := m.ParticipantLeft(ctx, id, userID); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			log.Debug().Err(err).Str("callId", id).Str("userId", userID).Msg("participant left")
		}
	}
	for _, id := range huddleIDs {
		if _, err := m.LeaveHuddle(ctx, id, userID); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotParticipant) {
			log.Debug().Err(err).Str("huddleId", id).Str("userId", userID).Msg("huddle leave on disconnect")
		}
	}
}

// ActiveCalls counts calls that have not ended.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	sessions := make([]*callSession, 0, len(m.calls))
	for _, cs := range m.calls {
		sessions = append(sessions, cs)
	}
	m.mu.Unlock()

	n := 0
	for _, cs := range sessions {
		if !cs.isEnded() {
			n++
		}
	}
	return n
}

func (m *Manager) ActiveHuddles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convHuddle)
}

// Shutdown ends every call with reason failed and stops all actors.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	calls := make([]*callSession, 0, len(m.calls))
	for _, cs := range m.calls {
		calls = append(calls, cs)
	}
	huddles := make([]*huddleSession, 0, len(m.huddles))
	for _, hs := range m.huddles {
		huddles = append(huddles, hs)
	}
	m.mu.Unlock()

	for _, cs := range calls {
		cs.actor.do(ctx, func() (any, error) {
			cs.finish(model.EndFailed, "")
			return nil, nil
		})
		m.removeCall(cs)
	}
	for _, hs := range huddles {
		hs.actor.do(ctx, func() (any, error) {
			hs.close()
			return nil, nil
		})
		hs.actor.stop()
	}
	log.Info().Int("calls", len(calls)).Int("huddles", len(huddles)).Msg("call manager stopped")
}
