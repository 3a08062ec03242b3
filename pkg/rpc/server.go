package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/comm"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serviceName prefixes every method on the wire
const serviceName = "burrow.RPC"

// MaxMessageSize bounds a single request or reply
const MaxMessageSize = 256 << 20

// Handler serves one RPC method. args holds the JSON encoded keyword
// arguments; the returned value is JSON encoded into the reply.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Server dispatches named methods to handlers
type Server struct {
	name     string
	handlers map[string]Handler
	mu       sync.RWMutex
	grpc     *grpc.Server
	listener *comm.Listener
	logger   zerolog.Logger
	done     chan struct{}
}

// NewServer creates a server. name identifies it in logs.
func NewServer(name string) *Server {
	return &Server{
		name:     name,
		handlers: make(map[string]Handler),
		logger:   log.WithComponent(name),
	}
}

// Register adds or replaces the handler for method
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the names of every registered method
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Listen binds addr and starts serving in the background
func (s *Server) Listen(addr string, args security.Args) error {
	ln, err := comm.Listen(addr, args)
	if err != nil {
		return err
	}

	s.grpc = grpc.NewServer(
		grpc.Creds(ln.Credentials()),
		grpc.UnknownServiceHandler(s.dispatch),
		grpc.ChainStreamInterceptor(MetricsInterceptor()),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.listener = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("RPC server stopped")
		}
	}()

	s.logger.Info().Str("address", ln.ContactAddress()).Msg("RPC server listening")
	return nil
}

// Address returns the contact address, or "" before Listen
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.ContactAddress()
}

// Stop closes the listener and waits for in-flight calls up to timeout
func (s *Server) Stop(timeout time.Duration) {
	if s.grpc == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
	<-s.done
	_ = s.listener.Close()
}

func (s *Server) dispatch(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	method := path.Base(full)

	h, ok := s.handler(method)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %q", method)
	}

	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	reply, err := h(stream.Context(), req.GetValue())
	if err != nil {
		s.logger.Debug().Err(err).Str("method", method).Msg("handler failed")
		return toStatus(err)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode %s reply: %v", method, err)
	}
	return stream.SendMsg(wrapperspb.Bytes(data))
}

// Decode unmarshals handler arguments into v
func Decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", types.ErrConfiguration, err)
	}
	return nil
}

func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", serviceName, method)
}
