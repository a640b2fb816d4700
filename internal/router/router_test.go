package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/rtcore-go/internal/backend"
	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
	"github.com/openclaw/rtcore-go/internal/push"
	"github.com/openclaw/rtcore-go/internal/registry"
	"github.com/openclaw/rtcore-go/internal/repository"
	"github.com/openclaw/rtcore-go/internal/service"
)

type testHandle struct {
	user, device string
	full         bool

	mu        sync.Mutex
	delivered []model.Delivery
	done      chan struct{}
}

func newTestHandle(user, device string) *testHandle {
	return &testHandle{user: user, device: device, done: make(chan struct{})}
}

func (h *testHandle) UserID() string        { return h.user }
func (h *testHandle) DeviceID() string      { return h.device }
func (h *testHandle) Evict(error)           {}
func (h *testHandle) Done() <-chan struct{} { return h.done }

func (h *testHandle) Deliver(d model.Delivery) bool {
	if h.full {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, d)
	return true
}

func (h *testHandle) deliveries() []model.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Delivery(nil), h.delivered...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) Notify(userID string, payload push.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

type fakeForwarder struct {
	hosted map[string]bool
	got    map[string][]model.Delivery
	err    error
}

func (f *fakeForwarder) Forward(ctx context.Context, userID string, d model.Delivery) error {
	if f.err != nil {
		return f.err
	}
	if !f.hosted[userID] {
		return apperrors.Unreachable(userID)
	}
	if f.got == nil {
		f.got = make(map[string][]model.Delivery)
	}
	f.got[userID] = append(f.got[userID], d)
	return nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, msg model.Message, recipientID string) (*model.PendingMessage, error) {
	return nil, apperrors.Persistence(errors.New("disk full"))
}

// gatedQueue holds Enqueue until release is closed.
type gatedQueue struct {
	inner   Queue
	entered chan struct{}
	release chan struct{}
}

func (q *gatedQueue) Enqueue(ctx context.Context, msg model.Message, recipientID string) (*model.PendingMessage, error) {
	close(q.entered)
	<-q.release
	return q.inner.Enqueue(ctx, msg, recipientID)
}

type fixture struct {
	reg      *registry.Registry
	queue    *service.QueueService
	backend  *backend.Static
	notifier *recordingNotifier
	router   *Router
}

func newFixture() *fixture {
	f := &fixture{
		reg:      registry.New(),
		queue:    service.NewQueueService(repository.NewMemoryPendingMessageRepository(), time.Hour, 1000),
		backend:  backend.NewStatic(),
		notifier: &recordingNotifier{},
	}
	f.router = New(f.reg, f.queue, f.backend, f.notifier)
	return f
}

func TestRouter_OfflineRecipientIsQueued(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.reg.Register(newTestHandle("alice", "d1"))

	result, err := f.router.Route(ctx, model.Message{
		ConversationID: "c1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Content:        json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryQueued, result.Status)
	assert.NotEmpty(t, result.MessageID)

	pending, err := f.queue.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ConversationID)
	assert.Equal(t, result.MessageID, pending[0].MessageID)

	assert.Equal(t, []string{"bob"}, f.notifier.users)
	assert.Len(t, f.backend.Messages(), 1)
}

func TestRouter_GroupFanOut(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.backend.SetParticipants("g1", "alice", "bob", "carol", "bob")

	bobPhone := newTestHandle("bob", "phone")
	bobWeb := newTestHandle("bob", "web")
	alice := newTestHandle("alice", "web")
	f.reg.Register(bobPhone)
	f.reg.Register(bobWeb)
	f.reg.Register(alice)

	result, err := f.router.Route(ctx, model.Message{
		ConversationID: "g1",
		SenderID:       "alice",
		Content:        json.RawMessage(`"hello group"`),
	})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryQueued, result.Status)
	assert.Equal(t, map[string]model.DeliveryStatus{
		"bob":   model.DeliveryDelivered,
		"carol": model.DeliveryQueued,
	}, result.Recipients)

	assert.Len(t, bobPhone.deliveries(), 1)
	assert.Len(t, bobWeb.deliveries(), 1)
	assert.Empty(t, alice.deliveries())

	d := bobPhone.deliveries()[0]
	assert.Equal(t, protocol.EventMessageNew, d.Event)
	assert.True(t, d.RequiresAck)
}

func TestRouter_AllOnlineIsDelivered(t *testing.T) {
	f := newFixture()
	f.reg.Register(newTestHandle("bob", "d1"))

	result, err := f.router.Route(context.Background(), model.Message{
		ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, result.Status)
	assert.Empty(t, f.notifier.users)
}

func TestRouter_FullMailboxFallsBackToQueue(t *testing.T) {
	f := newFixture()
	h := newTestHandle("bob", "d1")
	h.full = true
	f.reg.Register(h)

	result, err := f.router.Route(context.Background(), model.Message{
		ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryQueued, result.Status)
}

func TestRouter_SequencePerConversation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestHandle("bob", "d1")
	f.reg.Register(bob)

	for i := 0; i < 3; i++ {
		_, err := f.router.Route(ctx, model.Message{
			ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
		})
		require.NoError(t, err)
	}
	other, err := f.router.Route(ctx, model.Message{
		ConversationID: "c2", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.Seq)

	var seqs []uint64
	for _, d := range bob.deliveries()[:3] {
		var msg model.Message
		require.NoError(t, json.Unmarshal(d.Data, &msg))
		seqs = append(seqs, msg.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestRouter_EphemeralIsNeverQueued(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result, err := f.router.HandleEvent(ctx, "alice", protocol.Typing{ConversationID: "c1", RecipientID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDropped, result.Status)

	count, err := f.queue.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.notifier.users)
	assert.Empty(t, f.backend.Messages())
}

func TestRouter_PersistenceFailureIsSurfaced(t *testing.T) {
	reg := registry.New()
	r := New(reg, failingQueue{}, backend.NewStatic(), &recordingNotifier{})

	result, err := r.Route(context.Background(), model.Message{
		ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistence))
	assert.Equal(t, model.DeliveryError, result.Status)
}

func TestRouter_RecipientConnectingDuringEnqueue(t *testing.T) {
	reg := registry.New()
	queue := &gatedQueue{
		inner:   service.NewQueueService(repository.NewMemoryPendingMessageRepository(), time.Hour, 1000),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	notifier := &recordingNotifier{}
	r := New(reg, queue, backend.NewStatic(), notifier)

	type outcome struct {
		result *model.RouteResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.Route(context.Background(), model.Message{
			ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
		})
		done <- outcome{result, err}
	}()

	<-queue.entered
	// bob connects and drains an empty queue before the row lands.
	bob := newTestHandle("bob", "d1")
	reg.Register(bob)
	close(queue.release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(time.Second):
		t.Fatal("route did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, model.DeliveryDelivered, got.result.Status)
	require.Len(t, bob.deliveries(), 1)
	assert.Equal(t, got.result.MessageID, bob.deliveries()[0].ID)
	assert.Empty(t, notifier.users)
}

func TestRouter_UnknownConversation(t *testing.T) {
	f := newFixture()

	_, err := f.router.Route(context.Background(), model.Message{
		ConversationID: "nope", SenderID: "alice", Content: json.RawMessage(`"x"`),
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestRouter_Forwarding(t *testing.T) {
	ctx := context.Background()

	t.Run("remote recipient is delivered", func(t *testing.T) {
		f := newFixture()
		fwd := &fakeForwarder{hosted: map[string]bool{"bob": true}}
		f.router.SetForwarder(fwd)

		result, err := f.router.Route(ctx, model.Message{
			ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryDelivered, result.Status)
		assert.Len(t, fwd.got["bob"], 1)
	})

	t.Run("forward failure degrades to queue", func(t *testing.T) {
		f := newFixture()
		f.router.SetForwarder(&fakeForwarder{err: errors.New("nats: timeout")})

		result, err := f.router.Route(ctx, model.Message{
			ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: json.RawMessage(`"x"`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryQueued, result.Status)
	})

	t.Run("dispatch reaches remote user", func(t *testing.T) {
		f := newFixture()
		f.router.SetForwarder(&fakeForwarder{hosted: map[string]bool{"bob": true}})

		assert.True(t, f.router.Dispatch(ctx, "bob", protocol.NewEvent("call:incoming", nil)))
		assert.False(t, f.router.Dispatch(ctx, "carol", protocol.NewEvent("call:incoming", nil)))
	})
}

func TestRouter_HandleEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bob := newTestHandle("bob", "d1")
	f.reg.Register(bob)

	tests := []struct {
		name  string
		event protocol.Event
		want  string
	}{
		{"send", protocol.SendMessage{ConversationID: "c1", RecipientID: "bob", Content: json.RawMessage(`"x"`)}, protocol.EventMessageNew},
		{"edit", protocol.EditMessage{MessageID: "m1", ConversationID: "c1", RecipientID: "bob", Content: json.RawMessage(`"y"`)}, protocol.EventMessageEdited},
		{"delete", protocol.DeleteMessage{MessageID: "m1", ConversationID: "c1", RecipientID: "bob"}, protocol.EventMessageDeleted},
		{"reaction", protocol.Reaction{MessageID: "m1", ConversationID: "c1", RecipientID: "bob", Emoji: "+1"}, protocol.EventReactionAdded},
		{"unreaction", protocol.Reaction{MessageID: "m1", ConversationID: "c1", RecipientID: "bob", Emoji: "+1", Remove: true}, protocol.EventReactionRemoved},
		{"read", protocol.ReadReceipt{MessageID: "m1", ConversationID: "c1", RecipientID: "bob"}, protocol.EventMessageRead},
		{"typing", protocol.Typing{ConversationID: "c1", RecipientID: "bob"}, protocol.EventTypingStart},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.router.HandleEvent(ctx, "alice", tt.event)
			require.NoError(t, err)
			assert.Equal(t, model.DeliveryDelivered, result.Status)

			got := bob.deliveries()
			require.Len(t, got, i+1)
			assert.Equal(t, tt.want, got[i].Event)
		})
	}

	_, err := f.router.HandleEvent(ctx, "alice", protocol.Ping{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))
}
