package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/rtcore-go/internal/backend"
	"github.com/openclaw/rtcore-go/internal/call"
	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
	"github.com/openclaw/rtcore-go/internal/push"
)

// nodeDispatcher delivers to users on its own node and forwards the rest.
type nodeDispatcher struct {
	users  *fakeNode
	router *Router
}

func (d *nodeDispatcher) Dispatch(ctx context.Context, userID string, dl model.Delivery) bool {
	if d.users.DeliverLocal(userID, dl) {
		return true
	}
	return d.router.Forward(ctx, userID, dl) == nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, push.Payload) {}

type callNode struct {
	users  *fakeNode
	router *Router
	calls  *call.Manager
}

func startCallNode(t *testing.T, hub *Hub, id string, claims call.Claims, users ...string) *callNode {
	t.Helper()
	n := &callNode{users: newFakeNode(users...)}
	n.router, _ = startRouter(t, hub, id, n.users)
	n.calls = call.NewManager(&nodeDispatcher{users: n.users, router: n.router}, nopNotifier{}, backend.NewStatic(), call.Options{
		NodeID:      id,
		RingTimeout: time.Minute,
		Claims:      claims,
	})
	n.calls.SetRemote(n.router)
	n.router.SetCallHost(n.calls)
	t.Cleanup(func() {
		n.calls.Shutdown(context.Background())
		_ = n.router.Stop()
	})
	return n
}

func eventNames(ds []model.Delivery) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Event)
	}
	return names
}

func TestCallsAcrossNodes(t *testing.T) {
	hub := NewHub()
	claims := call.NewLocalClaims()
	a := startCallNode(t, hub, "node-a", claims, "alice")
	b := startCallNode(t, hub, "node-b", claims, "bob")
	require.Eventually(t, func() bool {
		return len(a.router.LivePeers()) == 1 && len(b.router.LivePeers()) == 1
	}, time.Second, 5*time.Millisecond)
	ctx := context.Background()

	t.Run("callee on another node answers and signals", func(t *testing.T) {
		_, err := a.calls.Initiate(ctx, "alice", "call-1", "c1", model.CallAudio, []string{"bob"})
		require.NoError(t, err)
		assert.Equal(t, []string{protocol.EventCallIncoming}, eventNames(b.users.deliveries("bob")))

		v, err := b.calls.HandleEvent(ctx, "bob", protocol.CallAction{Event: protocol.EventCallAnswer, CallID: "call-1"})
		require.NoError(t, err)
		var answered model.Call
		require.NoError(t, json.Unmarshal(v.(json.RawMessage), &answered))
		assert.Equal(t, model.CallActive, answered.State)
		assert.Contains(t, eventNames(a.users.deliveries("alice")), protocol.EventCallAnswered)

		v, err = b.calls.HandleEvent(ctx, "bob", protocol.Signal{
			Event:        protocol.EventWebRTCOffer,
			CallID:       "call-1",
			TargetUserID: "alice",
			Payload:      json.RawMessage(`{"sdp":"v=0"}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"delivered":true}`, string(v.(json.RawMessage)))
		assert.Contains(t, eventNames(a.users.deliveries("alice")), protocol.EventWebRTCOffer)

		_, err = b.calls.HandleEvent(ctx, "bob", protocol.CallAction{Event: protocol.EventCallAnswer, CallID: "call-1"})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition))

		_, err = b.calls.HandleEvent(ctx, "bob", protocol.CallAction{Event: protocol.EventCallEnd, CallID: "call-1"})
		require.NoError(t, err)
		assert.Contains(t, eventNames(a.users.deliveries("alice")), protocol.EventCallEnded)
		assert.Equal(t, 0, a.calls.ActiveCalls())
	})

	t.Run("unknown call is not found anywhere", func(t *testing.T) {
		_, err := b.calls.HandleEvent(ctx, "bob", protocol.CallAction{Event: protocol.EventCallAnswer, CallID: "nope"})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("one huddle per conversation across nodes", func(t *testing.T) {
		h, err := a.calls.CreateHuddle(ctx, "alice", "c2")
		require.NoError(t, err)

		_, err = b.calls.HandleEvent(ctx, "bob", protocol.HuddleCreate{ConversationID: "c2"})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists))
		assert.Equal(t, 0, b.calls.ActiveHuddles())

		_, err = b.calls.HandleEvent(ctx, "bob", protocol.HuddleJoin{ConversationID: "c2"})
		require.NoError(t, err)
		got, err := a.calls.GetHuddle(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, got.ParticipantIDs())
		assert.Contains(t, eventNames(a.users.deliveries("alice")), protocol.EventHuddleJoined)

		b.calls.HandleDisconnect("bob")
		assert.Eventually(t, func() bool {
			got, err := a.calls.GetHuddle(ctx, h.ID)
			return err == nil && len(got.Participants) == 1
		}, time.Second, 5*time.Millisecond)
	})
}
