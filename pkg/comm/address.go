package comm

import (
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// Scheme is the transport part of an address
type Scheme string

const (
	SchemeTCP    Scheme = "tcp"
	SchemeTLS    Scheme = "tls"
	SchemeInproc Scheme = "inproc"
)

// Address is a parsed "scheme://location" string. Location is host:port for
// network schemes and a registry name for inproc.
type Address struct {
	Scheme   Scheme
	Location string
}

// ParseAddress parses an address. A bare host:port is treated as tcp.
func ParseAddress(s string) (Address, error) {
	scheme, loc, ok := strings.Cut(s, "://")
	if !ok {
		scheme, loc = string(SchemeTCP), s
	}
	a := Address{Scheme: Scheme(strings.ToLower(scheme)), Location: loc}
	switch a.Scheme {
	case SchemeTCP, SchemeTLS:
		if _, _, err := net.SplitHostPort(loc); err != nil {
			return Address{}, fmt.Errorf("%w: invalid address %q: %v", types.ErrConfiguration, s, err)
		}
	case SchemeInproc:
	default:
		return Address{}, fmt.Errorf("%w: unknown scheme %q in address %q", types.ErrConfiguration, scheme, s)
	}
	return a, nil
}

// String renders the address in scheme://location form
func (a Address) String() string {
	return string(a.Scheme) + "://" + a.Location
}

// Host returns the host part of a network address
func (a Address) Host() string {
	host, _, err := net.SplitHostPort(a.Location)
	if err != nil {
		return a.Location
	}
	return host
}

// Secure reports whether the transport is encrypted or never leaves the
// process
func (a Address) Secure() bool {
	return a.Scheme == SchemeTLS || a.Scheme == SchemeInproc
}

// JoinHostPort builds a scheme://host:port address
func JoinHostPort(scheme Scheme, host string, port int) string {
	return string(scheme) + "://" + net.JoinHostPort(host, fmt.Sprint(port))
}
