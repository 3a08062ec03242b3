package health

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
)

// RPCChecker calls a cheap method on a peer and expects an answer. It
// catches workers whose listener is up but whose handlers are stuck.
type RPCChecker struct {
	Dialer  rpc.Dialer
	Address string
	Method  string
}

func NewRPCChecker(d rpc.Dialer, addr, method string) *RPCChecker {
	return &RPCChecker{Dialer: d, Address: addr, Method: method}
}

func (r *RPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := rpc.Call(ctx, r.Dialer, r.Address, r.Method, nil, nil); err != nil {
		return failed(start, "%s on %s: %v", r.Method, r.Address, err)
	}
	return passed(start, "%s on %s answered", r.Method, r.Address)
}

func (r *RPCChecker) Type() CheckType {
	return CheckTypeRPC
}
