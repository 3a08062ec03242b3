package health

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
)

func TestStatusUpdate(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()

	s.Update(Result{Healthy: false}, cfg)
	if !s.Healthy {
		t.Fatal("one failure must not mark the worker unhealthy")
	}
	s.Update(Result{Healthy: false}, cfg)
	if s.Healthy {
		t.Fatal("expected unhealthy after two failures")
	}
	if s.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", s.ConsecutiveFailures)
	}

	s.Update(Result{Healthy: true}, cfg)
	if !s.Healthy || s.ConsecutiveFailures != 0 || s.ConsecutiveSuccesses != 1 {
		t.Errorf("one success must reset the status, got %+v", s)
	}
}

func TestInStartPeriod(t *testing.T) {
	s := NewStatus()
	if s.InStartPeriod(Config{}) {
		t.Error("no start period configured")
	}
	if !s.InStartPeriod(Config{StartPeriod: time.Hour}) {
		t.Error("expected to be inside the start period")
	}
	s.StartedAt = time.Now().Add(-2 * time.Hour)
	if s.InStartPeriod(Config{StartPeriod: time.Hour}) {
		t.Error("start period should be over")
	}
}

type scripted struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (s *scripted) Check(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return Result{Healthy: s.healthy, CheckedAt: time.Now()}
}

func (s *scripted) Type() CheckType { return CheckTypeRPC }

func (s *scripted) set(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestProbeReportsOncePerOutage(t *testing.T) {
	c := &scripted{}
	reports := make(chan Result, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Probe(ctx, c, Config{Interval: 5 * time.Millisecond, Retries: 2}, func(r Result) { reports <- r })
		close(done)
	}()

	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("unhealthy worker never reported")
	}

	// still broken: no second report
	calls := c.count()
	for c.count() < calls+5 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(reports) != 0 {
		t.Fatalf("got %d extra reports for the same outage", len(reports))
	}

	// recover, then break again
	c.set(true)
	calls = c.count()
	for c.count() < calls+2 {
		time.Sleep(5 * time.Millisecond)
	}
	c.set(false)
	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("second outage never reported")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Probe did not return after cancel")
	}
}

func TestProbeIgnoresStartPeriod(t *testing.T) {
	c := &scripted{}
	reported := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Probe(ctx, c, Config{Interval: 5 * time.Millisecond, Retries: 1, StartPeriod: time.Hour}, func(r Result) { reported <- r })

	for c.count() < 10 {
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-reported:
		t.Fatal("failure inside the start period was reported")
	default:
	}
}

func TestTCPChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()

	checker := NewTCPChecker("tcp://" + addr)
	if checker.Address != addr {
		t.Errorf("Address = %q, want %q", checker.Address, addr)
	}
	if r := checker.Check(context.Background()); !r.Healthy {
		t.Errorf("expected healthy, got %s", r.Message)
	}

	l.Close()
	r := checker.WithTimeout(time.Second).Check(context.Background())
	if r.Healthy {
		t.Error("closed listener reported healthy")
	}
	if checker.Type() != CheckTypeTCP {
		t.Errorf("Type() = %s", checker.Type())
	}
}

func TestRPCChecker(t *testing.T) {
	server := rpc.NewServer("test")
	server.Register("ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return "pong", nil
	})
	server.Register("stuck", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := server.Listen("inproc://", security.Args{}); err != nil {
		t.Fatal(err)
	}
	defer server.Stop(time.Second)

	dialer, err := rpc.NewDialer(nil, types.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}

	if r := NewRPCChecker(dialer, server.Address(), "ping").Check(context.Background()); !r.Healthy {
		t.Errorf("ping: expected healthy, got %s", r.Message)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if r := NewRPCChecker(dialer, server.Address(), "stuck").Check(ctx); r.Healthy {
		t.Error("stuck handler reported healthy")
	}
}
