package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

const shardCount = 32

// Handle is the address of a live session actor.
type Handle interface {
	UserID() string
	DeviceID() string
	// Deliver enqueues d on the actor mailbox without blocking. It returns
	// false if the actor is gone or its mailbox is full.
	Deliver(d model.Delivery) bool
	// Evict asks the actor to shut down because it was replaced.
	Evict(reason error)
	// Done is closed once the actor has terminated.
	Done() <-chan struct{}
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]Handle
}

// Registry maps user id to the live session handles for each of the user's
// devices.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%shardCount]
}

// Register stores h for its (user, device) pair. An existing handle for the
// same pair is evicted and returned.
func (r *Registry) Register(h Handle) Handle {
	userID, deviceID := h.UserID(), h.DeviceID()
	s := r.shardFor(userID)

	s.mu.Lock()
	devices, ok := s.users[userID]
	if !ok {
		devices = make(map[string]Handle)
		s.users[userID] = devices
	}
	prev := devices[deviceID]
	devices[deviceID] = h
	s.mu.Unlock()

	if prev == h {
		return nil
	}
	if prev != nil {
		log.Info().Str("userId", userID).Str("deviceId", deviceID).Msg("evicting duplicate session")
		prev.Evict(apperrors.DuplicateSession(userID, deviceID))
	}

	go r.watch(h)
	return prev
}

func (r *Registry) watch(h Handle) {
	<-h.Done()
	r.Unregister(h)
}

// Unregister removes h. It is a no-op if the entry already holds a newer handle.
func (r *Registry) Unregister(h Handle) bool {
	userID, deviceID := h.UserID(), h.DeviceID()
	s := r.shardFor(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.users[userID]
	if !ok || devices[deviceID] != h {
		return false
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(s.users, userID)
	}
	return true
}

// Lookup returns the live handles for userID, one per device.
func (r *Registry) Lookup(userID string) []Handle {
	s := r.shardFor(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := s.users[userID]
	if len(devices) == 0 {
		return nil
	}
	handles := make([]Handle, 0, len(devices))
	for _, h := range devices {
		handles = append(handles, h)
	}
	return handles
}

func (r *Registry) IsLocal(userID string) bool {
	s := r.shardFor(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users[userID]) > 0
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, devices := range s.users {
			n += len(devices)
		}
		s.mu.RUnlock()
	}
	return n
}

// UserCount returns the number of users with at least one session.
func (r *Registry) UserCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
