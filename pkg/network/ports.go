package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// ErrNoFreePort means every port of a range is taken
var ErrNoFreePort = errors.New("no free port in range")

// PortRange is an inclusive range of ports. The zero value means any port.
type PortRange struct {
	Low  int
	High int
}

// ParsePortRange parses "", "0", "9000" or "9000:9100"
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return PortRange{}, nil
	}

	lowStr, highStr, isRange := strings.Cut(s, ":")
	if !isRange {
		highStr = lowStr
	}
	low, err := parsePort(lowStr)
	if err != nil {
		return PortRange{}, err
	}
	high, err := parsePort(highStr)
	if err != nil {
		return PortRange{}, err
	}
	if low > high {
		return PortRange{}, fmt.Errorf("%w: port range %q is backwards", types.ErrConfiguration, s)
	}
	return PortRange{Low: low, High: high}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", types.ErrConfiguration, s)
	}
	return p, nil
}

// Any reports whether the range leaves the choice to the operating system
func (r PortRange) Any() bool {
	return r.Low == 0 && r.High == 0
}

func (r PortRange) String() string {
	switch {
	case r.Any():
		return "0"
	case r.Low == r.High:
		return strconv.Itoa(r.Low)
	default:
		return fmt.Sprintf("%d:%d", r.Low, r.High)
	}
}

// Pick returns a port to hand to a worker listening on host. Any yields 0
// and a single port is returned without probing; a range is probed in
// order and the first bindable port wins.
func (r PortRange) Pick(host string) (int, error) {
	if r.Any() {
		return 0, nil
	}
	if r.Low == r.High {
		return r.Low, nil
	}
	return r.pickRange(host)
}

func (r PortRange) pickRange(host string) (int, error) {
	for port := r.Low; port <= r.High; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: %s on %s", ErrNoFreePort, r, host)
}
