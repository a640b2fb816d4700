package cluster

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/protocol"
)

// ForwardCall runs ev for userID on the node hosting the call and returns the
// reply payload. Errors raised there come back with their original code.
func (r *Router) ForwardCall(ctx context.Context, nodeID, userID string, ev protocol.Event) (json.RawMessage, error) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return r.requestCall(ctx, nodeID, callRequest{UserID: userID, Frame: frame})
}

// ForwardLeave removes userID from the listed calls and huddles on nodeID.
func (r *Router) ForwardLeave(ctx context.Context, nodeID, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.requestCall(ctx, nodeID, callRequest{UserID: userID, Leave: ids})
	return err
}

func (r *Router) requestCall(ctx context.Context, nodeID string, req callRequest) (json.RawMessage, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp []byte
	if nodeID == r.nodeID {
		resp = r.handleCall(data)
	} else {
		ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
		resp, err = r.transport.Request(ctx, callSubject(nodeID), data)
		if err != nil {
			log.Warn().Err(err).Str("peer", nodeID).Str("userId", req.UserID).Msg("call request to peer failed")
			return nil, apperrors.Unreachable("node " + nodeID).WithCause(err)
		}
	}

	var reply callReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, apperrors.Unreachable("node " + nodeID).WithCause(err)
	}
	if reply.Error != nil {
		return nil, apperrors.New(reply.Error.Code, reply.Error.Message).WithDetails(reply.Error.Details)
	}
	return reply.Result, nil
}

func (r *Router) handleCall(data []byte) []byte {
	var req callRequest
	if err := json.Unmarshal(data, &req); err != nil || req.UserID == "" {
		return callFailure(apperrors.MalformedPayload("invalid call request"))
	}
	host := r.callHost()
	if host == nil {
		return callFailure(apperrors.NotFound("call"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.CallTimeout)
	defer cancel()

	if len(req.Leave) > 0 {
		host.LeaveHosted(ctx, req.UserID, req.Leave)
		return callResult(nil)
	}

	ev, _, err := protocol.Decode(req.Frame)
	if err != nil {
		return callFailure(err)
	}
	res, err := host.HandleHosted(ctx, req.UserID, ev)
	if err != nil {
		return callFailure(err)
	}
	return callResult(res)
}

func callResult(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return callFailure(apperrors.Internal("failed to encode call result"))
	}
	out, _ := json.Marshal(callReply{Result: data})
	return out
}

func callFailure(err error) []byte {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Msg("forwarded call event failed")
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	out, _ := json.Marshal(callReply{Error: &protocol.ErrorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
	return out
}
