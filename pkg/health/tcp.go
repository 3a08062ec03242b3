package health

import (
	"context"
	"net"
	"strings"
	"time"
)

// TCPChecker only proves that the worker port accepts connections
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker accepts host:port or a tcp://host:port worker address
func NewTCPChecker(address string) *TCPChecker {
	if _, loc, ok := strings.Cut(address, "://"); ok {
		address = loc
	}
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "connect to %s: %v", t.Address, err)
	}
	conn.Close()
	return passed(start, "%s accepts connections", t.Address)
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
