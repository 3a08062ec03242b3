package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DefaultDNSName is the record name used when none is configured
const DefaultDNSName = "scheduler.burrow."

const dnsTTL = 5

// DNSServer answers TXT queries for one name with the scheduler record. It
// is authoritative for that name only and forwards nothing.
type DNSServer struct {
	name   string
	logger zerolog.Logger

	mu     sync.RWMutex
	info   *Info
	server *dns.Server
	addr   string
}

// NewDNSServer creates a server for name; it answers NXDOMAIN until SetInfo
func NewDNSServer(name string) *DNSServer {
	if name == "" {
		name = DefaultDNSName
	}
	return &DNSServer{
		name:   dns.CanonicalName(name),
		logger: log.WithComponent("discovery.dns"),
	}
}

// SetInfo replaces the published record
func (s *DNSServer) SetInfo(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = &info
}

// Start listens on addr (udp) and serves in the background
func (s *DNSServer) Start(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for DNS on %s: %w", addr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ActivateAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-started:
	case err := <-errCh:
		pc.Close()
		return fmt.Errorf("DNS server failed: %w", err)
	}

	s.mu.Lock()
	s.server = server
	s.addr = pc.LocalAddr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.addr).Str("name", s.name).Msg("DNS server started")
	return nil
}

// Addr returns the bound udp address once started
func (s *DNSServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop shuts the server down
func (s *DNSServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown()
}

func (s *DNSServer) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()

	for _, q := range r.Question {
		if dns.CanonicalName(q.Name) != s.name || info == nil {
			msg.Rcode = dns.RcodeNameError
			break
		}
		if q.Qtype != dns.TypeTXT && q.Qtype != dns.TypeANY {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: dnsTTL},
			Txt: encodeTXT(*info),
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write DNS response")
	}
}

func encodeTXT(info Info) []string {
	txt := []string{"address=" + info.Address}
	if info.ID != "" {
		txt = append(txt, "id="+info.ID)
	}
	if info.Type != "" {
		txt = append(txt, "type="+info.Type)
	}
	if !info.Started.IsZero() {
		txt = append(txt, "started="+info.Started.UTC().Format(time.RFC3339))
	}
	return txt
}

func decodeTXT(txt []string) (*Info, error) {
	info := &Info{}
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "address":
			info.Address = v
		case "id":
			info.ID = v
		case "type":
			info.Type = v
		case "started":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				info.Started = t
			}
		}
	}
	if info.Address == "" {
		return nil, errors.New("TXT record carries no address")
	}
	return info, nil
}

// LookupDNS asks the DNS server at server (host:port) for the TXT record
// of name. A missing record is ErrNotFound; an unreachable server is
// types.ErrConnectivity.
func LookupDNS(ctx context.Context, server, name string) (*Info, error) {
	if name == "" {
		name = DefaultDNSName
	}
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%w: DNS query to %s failed: %v", types.ErrConnectivity, server, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("%w: no DNS record for %s", ErrNotFound, name)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: DNS server answered %s", types.ErrConnectivity, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			info, err := decodeTXT(txt.Txt)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrProtocol, name, err)
			}
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: no TXT record for %s", ErrNotFound, name)
}
