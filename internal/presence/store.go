package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

const shardCount = 32

// Record is this node's view of one user, as replicated to other nodes.
type Record struct {
	UserID    string               `json:"userId"`
	Status    model.PresenceStatus `json:"status"`
	LastSeen  time.Time            `json:"lastSeen"`
	Devices   []string             `json:"devices"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Replicator shares per-node records through a backing store so every node
// sees users connected elsewhere. Visibility is eventually consistent.
type Replicator interface {
	Publish(ctx context.Context, rec Record) error
	Fetch(ctx context.Context, userID string) (model.Presence, bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

type entry struct {
	status   model.PresenceStatus
	lastSeen time.Time
	// devices counts live sessions per device id. A replacing session for
	// the same device connects before the evicted one disconnects.
	devices map[string]int
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*entry
}

// Store is the node-local presence table. It is authoritative for sessions on
// this node and falls back to the replicator for everyone else.
type Store struct {
	shards     [shardCount]*shard
	replicator Replicator
	flushEvery time.Duration
	refresh    time.Duration
	now        func() time.Time

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Store)

// WithReplicator enables cross-node replication, flushing changes at most
// every flushEvery.
func WithReplicator(r Replicator, flushEvery time.Duration) Option {
	return func(s *Store) {
		s.replicator = r
		s.flushEvery = flushEvery
	}
}

// WithRefresh republishes every local record on the given interval so records
// owned by a dead node age out.
func WithRefresh(d time.Duration) Option {
	return func(s *Store) { s.refresh = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:   time.Now,
		dirty: make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{users: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(userID string) *shard {
	return s.shards[xxhash.Sum64String(userID)%shardCount]
}

// Connect marks the device live. The first device brings the user online.
func (s *Store) Connect(userID, deviceID string) {
	sh := s.shardFor(userID)

	sh.mu.Lock()
	e, ok := sh.users[userID]
	if !ok {
		e = &entry{devices: make(map[string]int)}
		sh.users[userID] = e
	}
	if len(e.devices) == 0 {
		e.status = model.StatusOnline
	}
	e.devices[deviceID]++
	e.lastSeen = s.now()
	sh.mu.Unlock()

	s.markDirty(userID)
}

// Disconnect removes the device and reports whether the user went offline.
func (s *Store) Disconnect(userID, deviceID string) bool {
	sh := s.shardFor(userID)

	sh.mu.Lock()
	e, ok := sh.users[userID]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	if e.devices[deviceID] == 0 {
		sh.mu.Unlock()
		return false
	}
	e.devices[deviceID]--
	if e.devices[deviceID] == 0 {
		delete(e.devices, deviceID)
	}
	e.lastSeen = s.now()
	offline := len(e.devices) == 0
	if offline {
		e.status = model.StatusOffline
	}
	sh.mu.Unlock()

	s.markDirty(userID)
	return offline
}

// Touch records activity without changing status.
func (s *Store) Touch(userID string) {
	sh := s.shardFor(userID)

	sh.mu.Lock()
	if e, ok := sh.users[userID]; ok && len(e.devices) > 0 {
		e.lastSeen = s.now()
	}
	sh.mu.Unlock()
}

// SetStatus changes the status of a user connected to this node.
func (s *Store) SetStatus(userID string, status model.PresenceStatus) error {
	if !status.Settable() {
		return apperrors.ValidationError("invalid presence status").WithDetails(map[string]string{"status": string(status)})
	}

	sh := s.shardFor(userID)

	sh.mu.Lock()
	e, ok := sh.users[userID]
	if !ok || len(e.devices) == 0 {
		sh.mu.Unlock()
		return apperrors.NotFound("session")
	}
	e.status = status
	e.lastSeen = s.now()
	sh.mu.Unlock()

	s.markDirty(userID)
	return nil
}

func (s *Store) local(userID string) (model.Presence, bool) {
	sh := s.shardFor(userID)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.users[userID]
	if !ok {
		return model.Presence{}, false
	}
	return model.Presence{
		UserID:   userID,
		Status:   e.status,
		LastSeen: e.lastSeen,
		Devices:  sortedDevices(e.devices),
	}, true
}

// Get returns the aggregated presence of userID. Users with no live session
// anywhere are offline.
func (s *Store) Get(ctx context.Context, userID string) model.Presence {
	local, hasLocal := s.local(userID)
	if hasLocal && local.Online() {
		return local
	}

	if s.replicator != nil {
		remote, ok, err := s.replicator.Fetch(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("presence fetch failed, using local view")
		} else if ok {
			if hasLocal && !remote.Online() && local.LastSeen.After(remote.LastSeen) {
				remote.LastSeen = local.LastSeen
			}
			return remote
		}
	}

	if hasLocal {
		return local
	}
	return model.Presence{UserID: userID, Status: model.StatusOffline}
}

// OnlineUsers returns every user with at least one live session on this node
// or, when replication is enabled, on any node.
func (s *Store) OnlineUsers(ctx context.Context) []string {
	set := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for userID, e := range sh.users {
			if len(e.devices) > 0 {
				set[userID] = struct{}{}
			}
		}
		sh.mu.RUnlock()
	}

	if s.replicator != nil {
		remote, err := s.replicator.OnlineUsers(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("online users fetch failed, using local view")
		}
		for _, userID := range remote {
			set[userID] = struct{}{}
		}
	}

	users := make([]string, 0, len(set))
	for userID := range set {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// LocalCount returns users with a live session on this node.
func (s *Store) LocalCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.users {
			if len(e.devices) > 0 {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// PruneOffline forgets users that have been offline on this node for longer
// than the retention window.
func (s *Store) PruneOffline(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-offlineRetention)

	var pruned int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		sh.mu.Lock()
		for userID, e := range sh.users {
			if len(e.devices) == 0 && e.lastSeen.Before(cutoff) {
				delete(sh.users, userID)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned, nil
}

func sortedDevices[V any](devices map[string]V) []string {
	if len(devices) == 0 {
		return nil
	}
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
