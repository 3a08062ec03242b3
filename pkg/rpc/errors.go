package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteError is a failure reported by (or while reaching) a peer. It
// unwraps to the matching error class from the types package.
type RemoteError struct {
	Address string
	Method  string
	Code    codes.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Address, e.Method, e.Message)
}

// Unwrap returns the error class of the remote failure
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codes.Unavailable:
		return types.ErrConnectivity
	case codes.FailedPrecondition, codes.Unimplemented:
		return types.ErrProtocol
	case codes.InvalidArgument:
		return types.ErrConfiguration
	case codes.DeadlineExceeded:
		return types.ErrTimeout
	case codes.Internal:
		return types.ErrFatalInternal
	case codes.Canceled:
		return context.Canceled
	}
	return nil
}

// toStatus converts a handler error into a gRPC status
func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, types.ErrProtocol):
		code = codes.FailedPrecondition
	case errors.Is(err, types.ErrConfiguration):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, types.ErrConnectivity):
		code = codes.Unavailable
	case errors.Is(err, types.ErrFatalInternal):
		code = codes.Internal
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a client side gRPC error into a RemoteError
func fromStatus(addr, method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &RemoteError{Address: addr, Method: method, Code: codes.Unknown, Message: err.Error()}
	}
	return &RemoteError{Address: addr, Method: method, Code: st.Code(), Message: st.Message()}
}
