package nanny

import (
	"context"
	"encoding/json"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/types"
)

// RPC methods served by a nanny
const (
	MethodIdentity    = "identity"
	MethodKill        = "kill"
	MethodInstantiate = "instantiate"
	MethodRestart     = "restart"
	MethodTerminate   = "terminate"
	MethodStatus      = "status"
)

type restartRequest struct {
	// Timeout in seconds; zero means the death timeout
	Timeout float64 `json:"timeout"`
}

// StatusReply describes the nanny and its current worker
type StatusReply struct {
	Status        types.WorkerStatus `json:"status"`
	WorkerAddress string             `json:"worker_address,omitempty"`
	PID           int                `json:"pid,omitempty"`
}

func (n *Nanny) registerHandlers() {
	n.server.Register(MethodIdentity, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return types.Identity{Type: "Nanny", ID: n.id, Address: n.Address()}, nil
	})
	n.server.Register(MethodStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return n.statusReply(), nil
	})
	n.server.Register(MethodKill, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := n.Kill(ctx); err != nil {
			return nil, err
		}
		return scheduler.StatusReply{Status: "OK"}, nil
	})
	n.server.Register(MethodInstantiate, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := n.Instantiate(ctx); err != nil {
			return nil, err
		}
		return n.statusReply(), nil
	})
	n.server.Register(MethodRestart, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req restartRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		timeout, _ := config.Seconds(req.Timeout)
		if err := n.Restart(ctx, timeout); err != nil {
			return nil, err
		}
		return n.statusReply(), nil
	})
	n.server.Register(MethodTerminate, func(ctx context.Context, _ json.RawMessage) (any, error) {
		n.logger.Info().Msg("terminate requested")
		go n.Close(context.Background())
		return scheduler.StatusReply{Status: "OK"}, nil
	})
}

func (n *Nanny) statusReply() StatusReply {
	n.mu.RLock()
	defer n.mu.RUnlock()
	reply := StatusReply{Status: n.status}
	if n.proc != nil {
		reply.WorkerAddress = n.proc.address
		reply.PID = n.proc.pid
	}
	return reply
}
