package call

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

// Remote reaches calls and huddles hosted on other nodes.
type Remote interface {
	NodeID() string
	// LocateCall returns the node hosting the call or huddle id.
	LocateCall(ctx context.Context, id string) (string, error)
	// ForwardCall runs ev for userID on nodeID and returns its reply payload.
	ForwardCall(ctx context.Context, nodeID, userID string, ev protocol.Event) (json.RawMessage, error)
	// ForwardLeave removes userID from the listed calls and huddles on nodeID.
	ForwardLeave(ctx context.Context, nodeID, userID string, ids []string) error
}

// SetRemote routes events for calls and huddles this node does not host.
func (m *Manager) SetRemote(remote Remote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = remote
}

func (m *Manager) getRemote() Remote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// HostsCall reports whether the call or huddle id lives on this node.
func (m *Manager) HostsCall(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[id]; ok {
		return true
	}
	_, ok := m.huddles[id]
	return ok
}

// LeaveHosted removes userID from the listed calls and huddles hosted here,
// on behalf of a node where the user went offline.
func (m *Manager) LeaveHosted(ctx context.Context, userID string, ids []string) {
	var callIDs, huddleIDs []string
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.calls[id]; ok {
			callIDs = append(callIDs, id)
		} else if _, ok := m.huddles[id]; ok {
			huddleIDs = append(huddleIDs, id)
		}
	}
	m.mu.Unlock()
	m.leave(ctx, userID, callIDs, huddleIDs)
}

// target returns the call or huddle an event addresses.
func target(ev protocol.Event) (id, kind string) {
	switch e := ev.(type) {
	case protocol.CallAction:
		return e.CallID, "call"
	case protocol.CallToggle:
		return e.CallID, "call"
	case protocol.Signal:
		return e.CallID, "call"
	case protocol.HuddleJoin:
		return e.HuddleID, "huddle"
	case protocol.HuddleLeave:
		return e.HuddleID, "huddle"
	case protocol.HuddleToggle:
		return e.HuddleID, "huddle"
	}
	return "", ""
}

func endsParticipation(ev protocol.Event) bool {
	switch e := ev.(type) {
	case protocol.HuddleLeave:
		return true
	case protocol.CallAction:
		return e.Event == protocol.EventCallEnd || e.Event == protocol.EventCallReject
	}
	return false
}

// forward runs ev on the node hosting id. A cached owner that no longer
// knows the id is dropped and the owner is located again.
func (m *Manager) forward(ctx context.Context, remote Remote, userID, id, kind string, ev protocol.Event) (any, error) {
	node, cached := m.remoteOwner(userID, id)
	if !cached {
		located, err := remote.LocateCall(ctx, id)
		if err != nil {
			return nil, apperrors.NotFound(kind)
		}
		if located == remote.NodeID() {
			return m.HandleHosted(ctx, userID, ev)
		}
		node = located
	}

	res, err := remote.ForwardCall(ctx, node, userID, ev)
	switch {
	case err == nil:
		if endsParticipation(ev) {
			m.forgetRemote(userID, id)
		} else {
			m.rememberRemote(userID, id, node)
		}
		return res, nil
	case cached && apperrors.HasCode(err, apperrors.ErrCodeNotFound):
		m.forgetRemote(userID, id)
		return m.forward(ctx, remote, userID, id, kind, ev)
	case apperrors.HasCode(err, apperrors.ErrCodeNotFound), apperrors.HasCode(err, apperrors.ErrCodeUnreachable):
		m.forgetRemote(userID, id)
	}
	return nil, err
}

// joinClaimedHuddle joins the conversation's huddle when another node holds
// it. It reports false when the huddle should be joined or started here.
func (m *Manager) joinClaimedHuddle(ctx context.Context, remote Remote, userID, conversationID string) (any, bool, error) {
	if m.opts.Claims == nil {
		return nil, false, nil
	}
	holder, found, err := m.opts.Claims.Get(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("huddle claim lookup failed")
		return nil, false, nil
	}
	if !found || holder.NodeID == m.opts.NodeID {
		return nil, false, nil
	}

	res, err := remote.ForwardCall(ctx, holder.NodeID, userID, protocol.HuddleJoin{HuddleID: holder.HuddleID})
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) || apperrors.HasCode(err, apperrors.ErrCodeUnreachable) {
		// The holder is gone; CreateHuddle takes the claim over.
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	m.rememberRemote(userID, holder.HuddleID, holder.NodeID)
	return res, true, nil
}

func (m *Manager) remoteOwner(userID, id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.remoteCalls[userID][id]
	return node, ok
}

func (m *Manager) rememberRemote(userID, id, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners, ok := m.remoteCalls[userID]
	if !ok {
		owners = make(map[string]string)
		m.remoteCalls[userID] = owners
	}
	owners[id] = nodeID
}

func (m *Manager) forgetRemote(userID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owners, ok := m.remoteCalls[userID]; ok {
		delete(owners, id)
		if len(owners) == 0 {
			delete(m.remoteCalls, userID)
		}
	}
}

// takeRemote removes and returns the remote calls of userID grouped by node.
func (m *Manager) takeRemote(userID string) map[string][]string {
	m.mu.Lock()
	owners := m.remoteCalls[userID]
	delete(m.remoteCalls, userID)
	m.mu.Unlock()

	if len(owners) == 0 {
		return nil
	}
	byNode := make(map[string][]string)
	for id, node := range owners {
		byNode[node] = append(byNode[node], id)
	}
	return byNode
}

// claimHuddle takes the cluster-wide claim for the conversation. A claim
// whose huddle no longer runs anywhere is taken over.
func (m *Manager) claimHuddle(ctx context.Context, conversationID, huddleID string) error {
	claims := m.opts.Claims
	if claims == nil {
		return nil
	}
	mine := HuddleClaim{NodeID: m.opts.NodeID, HuddleID: huddleID}

	holder, won, err := claims.Claim(ctx, conversationID, mine)
	if err != nil {
		return apperrors.External("huddle claims", err)
	}
	if won {
		return nil
	}
	if m.huddleLive(ctx, holder) {
		return apperrors.AlreadyExists("huddle").WithDetails(map[string]string{"huddleId": holder.HuddleID})
	}

	replaced, err := claims.Replace(ctx, conversationID, holder, mine)
	if err != nil {
		return apperrors.External("huddle claims", err)
	}
	if !replaced {
		return apperrors.AlreadyExists("huddle")
	}
	log.Info().
		Str("conversationId", conversationID).
		Str("staleNode", holder.NodeID).
		Str("staleHuddleId", holder.HuddleID).
		Msg("took over stale huddle claim")
	return nil
}

func (m *Manager) huddleLive(ctx context.Context, c HuddleClaim) bool {
	if c.NodeID == m.opts.NodeID {
		hs, err := m.lookupHuddle(c.HuddleID)
		return err == nil && !hs.ended.Load()
	}
	remote := m.getRemote()
	if remote == nil {
		return false
	}
	node, err := remote.LocateCall(ctx, c.HuddleID)
	return err == nil && node == c.NodeID
}

func (m *Manager) releaseClaim(conversationID, huddleID string) {
	if m.opts.Claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	c := HuddleClaim{NodeID: m.opts.NodeID, HuddleID: huddleID}
	if err := m.opts.Claims.Release(ctx, conversationID, c); err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Str("huddleId", huddleID).Msg("huddle claim release failed")
	}
}
