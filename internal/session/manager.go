package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/registry"
)

// Manager supervises session actors: it starts one per accepted connection,
// counts them and stops them all on shutdown.
type Manager struct {
	deps   *deps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func NewManager(
	reg *registry.Registry,
	presence Presence,
	queue Queue,
	router MessageRouter,
	calls CallHandler,
	notifier Notifier,
	opts Options,
) *Manager {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	if opts.MaxRedelivery <= 0 {
		opts.MaxRedelivery = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps: &deps{
			registry: reg,
			presence: presence,
			queue:    queue,
			router:   router,
			calls:    calls,
			notifier: notifier,
			opts:     opts,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve runs a session for conn and blocks until it terminates.
func (m *Manager) Serve(conn Conn, userID, deviceID string, class model.DeviceClass) error {
	if userID == "" {
		return apperrors.MissingRequired("user id")
	}
	if deviceID == "" {
		return apperrors.MissingRequired("device id")
	}
	select {
	case <-m.ctx.Done():
		conn.Close("server shutdown")
		return apperrors.Unreachable("server")
	default:
	}

	s := newSession(conn, userID, deviceID, class, m.deps)

	m.wg.Add(1)
	m.active.Add(1)
	defer func() {
		m.active.Add(-1)
		m.wg.Done()
	}()

	s.Run(m.ctx)
	return nil
}

// Start runs a session in its own goroutine and returns it once started.
func (m *Manager) Start(conn Conn, userID, deviceID string, class model.DeviceClass) *Session {
	s := newSession(conn, userID, deviceID, class, m.deps)

	m.wg.Add(1)
	m.active.Add(1)
	go func() {
		defer func() {
			m.active.Add(-1)
			m.wg.Done()
		}()
		s.Run(m.ctx)
	}()
	return s
}

func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Users counts users with at least one registered session on this node.
func (m *Manager) Users() int {
	return m.deps.registry.UserCount()
}

// Sessions returns snapshots of the local sessions of userID.
func (m *Manager) Sessions(ctx context.Context, userID string) []model.SessionInfo {
	var infos []model.SessionInfo
	for _, h := range m.deps.registry.Lookup(userID) {
		s, ok := h.(*Session)
		if !ok {
			continue
		}
		info, err := s.Info(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// Shutdown stops every session and waits for their cleanup.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all sessions stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Int("remaining", m.Active()).Msg("session shutdown timed out")
		return ctx.Err()
	}
}
