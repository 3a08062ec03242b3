package comm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const inprocBufferSize = 1 << 20

var inproc = struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}{listeners: make(map[string]*bufconn.Listener)}

// Listener is a bound endpoint together with the server credentials that
// match its scheme
type Listener struct {
	net.Listener
	address Address
	creds   credentials.TransportCredentials
}

// ContactAddress is the address peers should dial. For network schemes it
// carries the port actually bound.
func (l *Listener) ContactAddress() string {
	return l.address.String()
}

// Credentials returns the transport credentials for a gRPC server
func (l *Listener) Credentials() credentials.TransportCredentials {
	return l.creds
}

// Close releases the endpoint
func (l *Listener) Close() error {
	if l.address.Scheme == SchemeInproc {
		inproc.mu.Lock()
		delete(inproc.listeners, l.address.Location)
		inproc.mu.Unlock()
	}
	return l.Listener.Close()
}

// Listen binds addr. A tcp:// address is refused when args require
// encryption, and a tls:// address needs a TLS context.
func Listen(addr string, args security.Args) (*Listener, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if err := checkEncryption(a, args); err != nil {
		return nil, err
	}

	switch a.Scheme {
	case SchemeInproc:
		if a.Location == "" {
			a.Location = uuid.NewString()
		}
		inproc.mu.Lock()
		defer inproc.mu.Unlock()
		if _, exists := inproc.listeners[a.Location]; exists {
			return nil, fmt.Errorf("%w: inproc address %s already in use", types.ErrConfiguration, a)
		}
		ln := bufconn.Listen(inprocBufferSize)
		inproc.listeners[a.Location] = ln
		return &Listener{Listener: ln, address: a, creds: insecure.NewCredentials()}, nil
	}

	ln, err := net.Listen("tcp", a.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a, err)
	}
	bound := ln.Addr().(*net.TCPAddr)
	host := a.Host()
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = "127.0.0.1"
	}
	contact := Address{Scheme: a.Scheme, Location: net.JoinHostPort(host, fmt.Sprint(bound.Port))}

	creds := insecure.NewCredentials()
	if a.Scheme == SchemeTLS {
		creds = credentials.NewTLS(args.TLS)
	}
	return &Listener{Listener: ln, address: contact, creds: creds}, nil
}

// DialOptions returns the gRPC target and options needed to reach addr
func DialOptions(addr string, args security.Args) (string, []grpc.DialOption, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", nil, err
	}
	if err := checkEncryption(a, args); err != nil {
		return "", nil, err
	}

	switch a.Scheme {
	case SchemeTLS:
		return a.Location, []grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(args.TLS)),
		}, nil
	case SchemeInproc:
		name := a.Location
		return "passthrough:///" + name, []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				inproc.mu.Lock()
				ln, ok := inproc.listeners[name]
				inproc.mu.Unlock()
				if !ok {
					return nil, fmt.Errorf("no inproc listener named %q", name)
				}
				return ln.DialContext(ctx)
			}),
		}, nil
	}
	return a.Location, []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, nil
}

func checkEncryption(a Address, args security.Args) error {
	if args.RequireEncryption && !a.Secure() {
		return fmt.Errorf("%w: %w: %s is not an encrypted transport", types.ErrConfiguration, types.ErrEncryptionRequired, a)
	}
	if a.Scheme == SchemeTLS && args.TLS == nil {
		return fmt.Errorf("%w: %s needs a TLS certificate for this role", types.ErrConfiguration, a)
	}
	return nil
}
