package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/rtcore-go/internal/audit"
	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

// Registry answers whether a user is connected to this node.
type Registry interface {
	IsLocal(userID string) bool
	Count() int
}

// Deliverer hands a delivery to the sessions on this node.
type Deliverer interface {
	DeliverLocal(userID string, d model.Delivery) bool
}

// CallHost runs call and huddle events for calls hosted on this node.
type CallHost interface {
	HostsCall(id string) bool
	HandleHosted(ctx context.Context, userID string, ev protocol.Event) (any, error)
	LeaveHosted(ctx context.Context, userID string, ids []string)
}

type Options struct {
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
	LocateTimeout     time.Duration
	// CallTimeout bounds a call event forwarded to its hosting node.
	CallTimeout time.Duration
}

type heartbeat struct {
	NodeID   string    `json:"nodeId"`
	Sessions int       `json:"sessions"`
	SentAt   time.Time `json:"sentAt"`
	Leaving  bool      `json:"leaving,omitempty"`
}

// locateRequest asks for a user or, when CallID is set, a call or huddle.
type locateRequest struct {
	UserID string `json:"userId,omitempty"`
	CallID string `json:"callId,omitempty"`
}

type locateReply struct {
	Found bool `json:"found"`
}

type deliverRequest struct {
	UserID   string         `json:"userId"`
	Delivery model.Delivery `json:"delivery"`
}

type deliverReply struct {
	Delivered bool `json:"delivered"`
}

// callRequest carries either one inbound event frame or, with Leave set, the
// ids a user leaves after going offline on the requesting node.
type callRequest struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame,omitempty"`
	Leave  []string        `json:"leave,omitempty"`
}

type callReply struct {
	Result json.RawMessage        `json:"result,omitempty"`
	Error  *protocol.ErrorPayload `json:"error,omitempty"`
}

// Router keeps the membership view and moves deliveries between nodes.
type Router struct {
	nodeID    string
	transport Transport
	registry  Registry
	deliverer Deliverer
	opts      Options
	now       func() time.Time

	mu    sync.RWMutex
	peers map[string]*model.Node
	calls CallHost

	subs   []Subscription
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewRouter(nodeID string, transport Transport, registry Registry, deliverer Deliverer, opts Options) *Router {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.LocateTimeout <= 0 {
		opts.LocateTimeout = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	return &Router{
		nodeID:    nodeID,
		transport: transport,
		registry:  registry,
		deliverer: deliverer,
		opts:      opts,
		now:       time.Now,
		peers:     make(map[string]*model.Node),
	}
}

func (r *Router) NodeID() string {
	return r.nodeID
}

// SetCallHost lets peers reach the calls and huddles hosted on this node.
func (r *Router) SetCallHost(host CallHost) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = host
}

func (r *Router) callHost() CallHost {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls
}

// Start subscribes to cluster subjects and begins heartbeating.
func (r *Router) Start(ctx context.Context) error {
	sub, err := r.transport.Subscribe(SubjectHeartbeat, r.handleHeartbeat)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	if sub, err = r.transport.Reply(locateSubject(r.nodeID), r.handleLocate); err != nil {
		r.unsubscribe()
		return err
	}
	r.subs = append(r.subs, sub)

	if sub, err = r.transport.Reply(deliverSubject(r.nodeID), r.handleDeliver); err != nil {
		r.unsubscribe()
		return err
	}
	r.subs = append(r.subs, sub)

	if sub, err = r.transport.Reply(callSubject(r.nodeID), r.handleCall); err != nil {
		r.unsubscribe()
		return err
	}
	r.subs = append(r.subs, sub)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.group = g
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.sweepLoop(ctx) })

	log.Info().Str("nodeId", r.nodeID).Msg("cluster router started")
	return nil
}

// Stop announces departure and stops the background loops.
func (r *Router) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.publishHeartbeat(true)
	r.unsubscribe()
	log.Info().Str("nodeId", r.nodeID).Msg("cluster router stopped")
	return err
}

func (r *Router) unsubscribe() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("cluster unsubscribe failed")
		}
	}
	r.subs = nil
}

func (r *Router) heartbeatLoop(ctx context.Context) error {
	r.publishHeartbeat(false)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.publishHeartbeat(false)
		}
	}
}

func (r *Router) publishHeartbeat(leaving bool) {
	data, err := json.Marshal(heartbeat{
		NodeID:   r.nodeID,
		Sessions: r.registry.Count(),
		SentAt:   r.now(),
		Leaving:  leaving,
	})
	if err != nil {
		return
	}
	if err := r.transport.Publish(SubjectHeartbeat, data); err != nil {
		log.Warn().Err(err).Str("nodeId", r.nodeID).Msg("failed to publish heartbeat")
	}
}

func (r *Router) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep marks peers whose last heartbeat is older than the node timeout as
// unreachable.
func (r *Router) sweep() {
	now := r.now()
	var lost []string

	r.mu.Lock()
	for id, node := range r.peers {
		if node.Status == model.NodeAlive && now.Sub(node.LastHeartbeat) > r.opts.NodeTimeout {
			node.Status = model.NodeUnreachable
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		log.Warn().Str("nodeId", r.nodeID).Str("peer", id).Msg("cluster peer unreachable")
		audit.Log(context.Background(), audit.Event{
			Type:    audit.EventNodeUnreachable,
			Details: map[string]interface{}{"node_id": id},
		})
	}
}

func (r *Router) handleHeartbeat(data []byte) {
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.NodeID == "" || hb.NodeID == r.nodeID {
		return
	}

	r.mu.Lock()
	node, known := r.peers[hb.NodeID]
	if !known {
		node = &model.Node{ID: hb.NodeID}
		r.peers[hb.NodeID] = node
	}
	wasAlive := node.Status == model.NodeAlive
	node.Sessions = hb.Sessions
	node.LastHeartbeat = r.now()
	if hb.Leaving {
		node.Status = model.NodeUnreachable
	} else {
		node.Status = model.NodeAlive
	}
	r.mu.Unlock()

	switch {
	case hb.Leaving:
		log.Info().Str("nodeId", r.nodeID).Str("peer", hb.NodeID).Msg("cluster peer left")
	case !wasAlive:
		log.Info().Str("nodeId", r.nodeID).Str("peer", hb.NodeID).Int("sessions", hb.Sessions).Msg("cluster peer joined")
	}
}

func (r *Router) handleLocate(data []byte) []byte {
	var req locateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		out, _ := json.Marshal(locateReply{})
		return out
	}
	out, _ := json.Marshal(locateReply{Found: r.hosts(req)})
	return out
}

func (r *Router) hosts(req locateRequest) bool {
	if req.CallID == "" {
		return r.registry.IsLocal(req.UserID)
	}
	host := r.callHost()
	return host != nil && host.HostsCall(req.CallID)
}

func (r *Router) handleDeliver(data []byte) []byte {
	var req deliverRequest
	if err := json.Unmarshal(data, &req); err != nil {
		out, _ := json.Marshal(deliverReply{})
		return out
	}
	out, _ := json.Marshal(deliverReply{Delivered: r.deliverer.DeliverLocal(req.UserID, req.Delivery)})
	return out
}

// LivePeers returns the ids of peers currently considered alive.
func (r *Router) LivePeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id, node := range r.peers {
		if node.Status == model.NodeAlive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns the membership view, self included.
func (r *Router) Nodes() []model.Node {
	r.mu.RLock()
	nodes := make([]model.Node, 0, len(r.peers)+1)
	for _, node := range r.peers {
		nodes = append(nodes, *node)
	}
	r.mu.RUnlock()

	nodes = append(nodes, model.Node{
		ID:            r.nodeID,
		Status:        model.NodeAlive,
		Sessions:      r.registry.Count(),
		LastHeartbeat: r.now(),
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Locate returns the node hosting userID: this node if the user is local,
// otherwise the first live peer that reports the user.
func (r *Router) Locate(ctx context.Context, userID string) (string, error) {
	return r.find(ctx, locateRequest{UserID: userID}, "user")
}

// LocateCall returns the node hosting the call or huddle id.
func (r *Router) LocateCall(ctx context.Context, id string) (string, error) {
	return r.find(ctx, locateRequest{CallID: id}, "call")
}

func (r *Router) find(ctx context.Context, q locateRequest, what string) (string, error) {
	if r.hosts(q) {
		return r.nodeID, nil
	}
	peers := r.LivePeers()
	if len(peers) == 0 {
		return "", apperrors.NotFound(what)
	}

	req, err := json.Marshal(q)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.LocateTimeout)
	defer cancel()

	var (
		once  sync.Once
		found string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			resp, err := r.transport.Request(gctx, locateSubject(peer), req)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug().Err(err).Str("peer", peer).Str("userId", q.UserID).Str("callId", q.CallID).Msg("locate request failed")
				}
				return nil
			}
			var reply locateReply
			if json.Unmarshal(resp, &reply) == nil && reply.Found {
				once.Do(func() {
					found = peer
					cancel()
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	if found == "" {
		return "", apperrors.NotFound(what)
	}
	return found, nil
}

// Forward delivers d to userID wherever it is connected. Any failure comes
// back as UNREACHABLE so the caller can fall back to store-and-forward.
func (r *Router) Forward(ctx context.Context, userID string, d model.Delivery) error {
	nodeID, err := r.Locate(ctx, userID)
	if err != nil {
		return apperrors.Unreachable("user " + userID).WithCause(err)
	}
	if nodeID == r.nodeID {
		if r.deliverer.DeliverLocal(userID, d) {
			return nil
		}
		return apperrors.Unreachable("user " + userID)
	}

	req, err := json.Marshal(deliverRequest{UserID: userID, Delivery: d})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.LocateTimeout)
	defer cancel()

	resp, err := r.transport.Request(ctx, deliverSubject(nodeID), req)
	if err != nil {
		log.Warn().Err(err).Str("peer", nodeID).Str("userId", userID).Msg("forward to peer failed")
		return apperrors.Unreachable("node " + nodeID).WithCause(err)
	}
	var reply deliverReply
	if err := json.Unmarshal(resp, &reply); err != nil || !reply.Delivered {
		return apperrors.Unreachable("user " + userID)
	}
	return nil
}
