package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/comm"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Conn is a handle on one remote endpoint. The owner must Close it on every
// exit path.
type Conn interface {
	Call(ctx context.Context, method string, args, reply any) error
	Address() string
	Close() error
}

// Dialer opens connections to addresses
type Dialer interface {
	Dial(addr string) (Conn, error)
}

// SecureDialer dials with the connection bundle of one role
type SecureDialer struct {
	args security.Args
}

// NewDialer builds a dialer for role. A nil profile means plaintext with no
// encryption requirement.
func NewDialer(sec *security.Security, role types.Role) (*SecureDialer, error) {
	if sec == nil {
		return &SecureDialer{}, nil
	}
	args, err := sec.ConnectionArgs(role)
	if err != nil {
		return nil, err
	}
	return &SecureDialer{args: args}, nil
}

// Dial returns a lazily connected handle. Unreachable peers surface as
// types.ErrConnectivity on the first Call.
func (d *SecureDialer) Dial(addr string) (Conn, error) {
	target, opts, err := comm.DialOptions(addr, d.args)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(MaxMessageSize),
		grpc.MaxCallSendMsgSize(MaxMessageSize),
	))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConnectivity, addr, err)
	}
	return &grpcConn{cc: cc, addr: addr}, nil
}

type grpcConn struct {
	cc   *grpc.ClientConn
	addr string
	once sync.Once
	err  error
}

func (c *grpcConn) Address() string {
	return c.addr
}

// Call sends args as JSON and decodes the reply into reply, which may be nil
func (c *grpcConn) Call(ctx context.Context, method string, args, reply any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode %s arguments: %w", method, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod(method), wrapperspb.Bytes(data), out); err != nil {
		return fromStatus(c.addr, method, err)
	}

	if reply == nil || len(out.GetValue()) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.GetValue(), reply); err != nil {
		return fmt.Errorf("%w: failed to decode %s reply from %s: %v", types.ErrProtocol, method, c.addr, err)
	}
	return nil
}

func (c *grpcConn) Close() error {
	c.once.Do(func() { c.err = c.cc.Close() })
	return c.err
}

// Call dials addr, performs one call and closes the connection
func Call(ctx context.Context, d Dialer, addr, method string, args, reply any) error {
	conn, err := d.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Call(ctx, method, args, reply)
}
