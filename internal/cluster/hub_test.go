package cluster

import (
	"context"
	"errors"
	"sync"
)

// Hub connects in-process transports so several routers can share one test.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string][]*memSub
	handlers map[string]*memSub
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string][]*memSub),
		handlers: make(map[string]*memSub),
	}
}

// Transport returns a new endpoint attached to the hub.
func (h *Hub) Transport() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

type memSub struct {
	hub     *Hub
	subject string
	fn      func([]byte)
	reply   func([]byte) []byte
}

func (s *memSub) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.reply != nil {
		if s.hub.handlers[s.subject] == s {
			delete(s.hub.handlers, s.subject)
		}
		return nil
	}
	subs := s.hub.subs[s.subject]
	for i, other := range subs {
		if other == s {
			s.hub.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

var errTransportClosed = errors.New("transport closed")

// MemoryTransport is one node's endpoint on a Hub.
type MemoryTransport struct {
	hub *Hub

	mu     sync.Mutex
	owned  []*memSub
	closed bool
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MemoryTransport) track(s *memSub) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.owned = append(t.owned, s)
	return nil
}

func (t *MemoryTransport) Publish(subject string, data []byte) error {
	if t.isClosed() {
		return errTransportClosed
	}
	t.hub.mu.RLock()
	subs := append([]*memSub(nil), t.hub.subs[subject]...)
	t.hub.mu.RUnlock()

	payload := append([]byte(nil), data...)
	for _, s := range subs {
		go s.fn(payload)
	}
	return nil
}

func (t *MemoryTransport) Subscribe(subject string, fn func(data []byte)) (Subscription, error) {
	s := &memSub{hub: t.hub, subject: subject, fn: fn}
	if err := t.track(s); err != nil {
		return nil, err
	}
	t.hub.mu.Lock()
	t.hub.subs[subject] = append(t.hub.subs[subject], s)
	t.hub.mu.Unlock()
	return s, nil
}

func (t *MemoryTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, errTransportClosed
	}
	t.hub.mu.RLock()
	s, ok := t.hub.handlers[subject]
	t.hub.mu.RUnlock()
	if !ok {
		return nil, ErrNoResponders
	}

	ch := make(chan []byte, 1)
	payload := append([]byte(nil), data...)
	go func() { ch <- s.reply(payload) }()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Reply(subject string, fn func(data []byte) []byte) (Subscription, error) {
	s := &memSub{hub: t.hub, subject: subject, reply: fn}
	if err := t.track(s); err != nil {
		return nil, err
	}
	t.hub.mu.Lock()
	t.hub.handlers[subject] = s
	t.hub.mu.Unlock()
	return s, nil
}

// Close detaches every subscription, which looks like a crashed node to peers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	t.closed = true
	t.mu.Unlock()

	for _, s := range owned {
		_ = s.Unsubscribe()
	}
	return nil
}
