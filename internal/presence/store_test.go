package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

type fakeReplicator struct {
	mu         sync.Mutex
	published  map[string]Record
	remote     map[string]model.Presence
	failFetch  bool
	publishErr error
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{
		published: make(map[string]Record),
		remote:    make(map[string]model.Presence),
	}
}

func (f *fakeReplicator) Publish(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[rec.UserID] = rec
	return nil
}

func (f *fakeReplicator) Fetch(ctx context.Context, userID string) (model.Presence, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return model.Presence{}, false, errors.New("redis down")
	}
	p, ok := f.remote[userID]
	return p, ok, nil
}

func (f *fakeReplicator) OnlineUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []string
	for id, p := range f.remote {
		if p.Online() {
			users = append(users, id)
		}
	}
	return users, nil
}

func (f *fakeReplicator) record(userID string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.published[userID]
	return rec, ok
}

func TestStore_OfflineIffNoDevices(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	assert.Equal(t, model.StatusOffline, s.Get(ctx, "alice").Status)

	s.Connect("alice", "phone")
	s.Connect("alice", "laptop")
	p := s.Get(ctx, "alice")
	assert.Equal(t, model.StatusOnline, p.Status)
	assert.Equal(t, []string{"laptop", "phone"}, p.Devices)

	assert.False(t, s.Disconnect("alice", "phone"))
	assert.NotEqual(t, model.StatusOffline, s.Get(ctx, "alice").Status)

	assert.True(t, s.Disconnect("alice", "laptop"))
	p = s.Get(ctx, "alice")
	assert.Equal(t, model.StatusOffline, p.Status)
	assert.False(t, p.LastSeen.IsZero())
	assert.Empty(t, p.Devices)
}

func TestStore_DisconnectUnknownDevice(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Disconnect("ghost", "d1"))

	s.Connect("alice", "phone")
	assert.False(t, s.Disconnect("alice", "tablet"))
	assert.Equal(t, 1, s.LocalCount())
}

func TestStore_SetStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	t.Run("requires a live session", func(t *testing.T) {
		err := s.SetStatus("alice", model.StatusAway)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("rejects offline", func(t *testing.T) {
		s.Connect("alice", "phone")
		err := s.SetStatus("alice", model.StatusOffline)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("changes status", func(t *testing.T) {
		require.NoError(t, s.SetStatus("alice", model.StatusBusy))
		assert.Equal(t, model.StatusBusy, s.Get(ctx, "alice").Status)
	})

	t.Run("reconnect after offline resets to online", func(t *testing.T) {
		s.Disconnect("alice", "phone")
		s.Connect("alice", "phone")
		assert.Equal(t, model.StatusOnline, s.Get(ctx, "alice").Status)
	})
}

func TestStore_OnlineUsers(t *testing.T) {
	ctx := context.Background()
	rep := newFakeReplicator()
	rep.remote["carol"] = model.Presence{UserID: "carol", Status: model.StatusOnline}
	s := NewStore(WithReplicator(rep, time.Millisecond))

	s.Connect("bob", "d1")
	s.Connect("alice", "d1")
	s.Connect("dave", "d1")
	s.Disconnect("dave", "d1")

	assert.Equal(t, []string{"alice", "bob", "carol"}, s.OnlineUsers(ctx))
}

func TestStore_RemoteFallback(t *testing.T) {
	ctx := context.Background()
	rep := newFakeReplicator()
	s := NewStore(WithReplicator(rep, time.Millisecond))

	rep.remote["bob"] = model.Presence{UserID: "bob", Status: model.StatusAway, Devices: []string{"web"}}
	assert.Equal(t, model.StatusAway, s.Get(ctx, "bob").Status)

	rep.failFetch = true
	assert.Equal(t, model.StatusOffline, s.Get(ctx, "bob").Status)
}

func TestStore_Replication(t *testing.T) {
	rep := newFakeReplicator()
	s := NewStore(WithReplicator(rep, 5*time.Millisecond))
	s.Start()
	defer s.Stop()

	s.Connect("alice", "phone")

	assert.Eventually(t, func() bool {
		rec, ok := rep.record("alice")
		return ok && rec.Status == model.StatusOnline && len(rec.Devices) == 1
	}, time.Second, 5*time.Millisecond)

	s.Disconnect("alice", "phone")

	assert.Eventually(t, func() bool {
		rec, ok := rep.record("alice")
		return ok && rec.Status == model.StatusOffline && len(rec.Devices) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_StopFlushesPending(t *testing.T) {
	rep := newFakeReplicator()
	s := NewStore(WithReplicator(rep, time.Hour))
	s.Start()

	s.Connect("alice", "phone")
	s.Stop()

	_, ok := rep.record("alice")
	assert.True(t, ok)
}

func TestStore_RepublishRefreshesOnlineUsers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rep := newFakeReplicator()
	s := NewStore(WithReplicator(rep, time.Hour), WithClock(func() time.Time { return now }))

	s.Connect("alice", "phone")
	s.Disconnect("alice", "phone")
	s.Connect("bob", "phone")

	now = now.Add(time.Minute)
	s.republish()

	rec, ok := rep.record("bob")
	require.True(t, ok)
	assert.Equal(t, now, rec.UpdatedAt)
	_, republished := rep.record("alice")
	assert.False(t, republished)
}

func TestStore_PruneOffline(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	// No replicator: single-node stores are pruned too.
	s := NewStore(WithClock(func() time.Time { return now }))

	s.Connect("alice", "phone")
	s.Disconnect("alice", "phone")
	s.Connect("bob", "phone")

	now = now.Add(time.Hour)
	s.Connect("carol", "web")
	s.Disconnect("carol", "web")

	now = now.Add(offlineRetention - 30*time.Minute)
	pruned, err := s.PruneOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, hasAlice := s.local("alice")
	assert.False(t, hasAlice)
	_, hasCarol := s.local("carol")
	assert.True(t, hasCarol)
	assert.True(t, s.Get(ctx, "bob").Online())
}

func TestStore_ReplacedSessionKeepsDeviceOnline(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	s.Connect("alice", "phone")
	// A replacing connection for the same device registers before the
	// evicted one finishes its cleanup.
	s.Connect("alice", "phone")
	assert.False(t, s.Disconnect("alice", "phone"))

	p := s.Get(ctx, "alice")
	assert.Equal(t, model.StatusOnline, p.Status)
	assert.Equal(t, []string{"phone"}, p.Devices)

	assert.True(t, s.Disconnect("alice", "phone"))
}
