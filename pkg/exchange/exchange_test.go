package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is an in-memory worker. A peer with down set fails every call
// with a connectivity error.
type fakePeer struct {
	data map[string]json.RawMessage
	down bool
	fail error
}

type fakeCluster struct {
	mu     sync.Mutex
	peers  map[string]*fakePeer
	open   int
	peak   int
	calls  map[string]int
	stored map[string]map[string]json.RawMessage
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		peers:  make(map[string]*fakePeer),
		calls:  make(map[string]int),
		stored: make(map[string]map[string]json.RawMessage),
	}
}

func (c *fakeCluster) add(addr string, p *fakePeer) {
	c.peers[addr] = p
}

func (c *fakeCluster) Dial(addr string) (rpc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	c.peak = max(c.peak, c.open)
	return &fakeConn{cluster: c, addr: addr}, nil
}

// peakConns is the largest number of connections open at once since the
// last reset
func (c *fakeCluster) peakConns(reset bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	peak := c.peak
	if reset {
		c.peak = c.open
	}
	return peak
}

func (c *fakeCluster) openConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type fakeConn struct {
	cluster *fakeCluster
	addr    string
	closed  bool
}

func (f *fakeConn) Address() string { return f.addr }

func (f *fakeConn) Close() error {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.cluster.open--
	}
	return nil
}

func (f *fakeConn) Call(ctx context.Context, method string, args, reply any) error {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[f.addr]++

	p, ok := c.peers[f.addr]
	if !ok || p.down {
		return fmt.Errorf("%w: %s: connection refused", types.ErrConnectivity, f.addr)
	}
	if p.fail != nil {
		return p.fail
	}

	switch method {
	case MethodGetData:
		a := args.(GetDataArgs)
		out := reply.(*GetDataReply)
		out.Status = "OK"
		out.Data = make(map[string]json.RawMessage)
		for _, k := range a.Keys {
			if v, ok := p.data[k]; ok {
				out.Data[k] = v
			}
		}
	case MethodUpdateData:
		a := args.(UpdateDataArgs)
		out := reply.(*UpdateDataReply)
		out.Status = "OK"
		out.NBytes = make(map[string]int64)
		if c.stored[f.addr] == nil {
			c.stored[f.addr] = make(map[string]json.RawMessage)
		}
		for k, v := range a.Data {
			c.stored[f.addr][k] = v
			out.NBytes[k] = int64(len(v))
		}
	default:
		return fmt.Errorf("%w: unknown method %s", types.ErrProtocol, method)
	}
	return nil
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestGatherAllReachable(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{data: map[string]json.RawMessage{"x": raw("1"), "y": raw("2")}})
	c.add("tcp://b:1", &fakePeer{data: map[string]json.RawMessage{"z": raw("3")}})

	whoHas := map[string][]string{
		"x": {"tcp://a:1"},
		"y": {"tcp://a:1"},
		"z": {"tcp://b:1"},
	}
	res, err := Gather(context.Background(), whoHas, c, GatherOptions{Who: "tcp://me:1"})
	require.NoError(t, err)

	assert.Equal(t, map[string]json.RawMessage{"x": raw("1"), "y": raw("2"), "z": raw("3")}, res.Data)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.MissingWorkers)
	assert.Empty(t, res.BadAddresses)
	assert.Equal(t, 1, c.calls["tcp://a:1"], "keys for one address are batched")
	assert.Equal(t, 0, c.openConns())
	assert.LessOrEqual(t, c.peakConns(false), 2)
}

func TestGatherUnreachableSoleHolder(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{data: map[string]json.RawMessage{"x": raw("1")}})
	c.add("tcp://dead:1", &fakePeer{down: true})

	whoHas := map[string][]string{
		"x": {"tcp://a:1"},
		"y": {"tcp://dead:1"},
	}
	res, err := Gather(context.Background(), whoHas, c, GatherOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]json.RawMessage{"x": raw("1")}, res.Data)
	assert.Equal(t, map[string][]string{"y": {"tcp://dead:1"}}, res.Missing)
	assert.Equal(t, []string{"tcp://dead:1"}, res.MissingWorkers)
	assert.Equal(t, []string{"tcp://dead:1"}, res.BadAddresses)
	assert.Equal(t, 1, c.calls["tcp://dead:1"], "a bad address is not retried")
	assert.Equal(t, 0, c.openConns())
}

func TestGatherFallsBackToReplica(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://dead:1", &fakePeer{down: true})
	c.add("tcp://b:1", &fakePeer{data: map[string]json.RawMessage{"x": raw(`"v"`)}})

	whoHas := map[string][]string{"x": {"tcp://dead:1", "tcp://b:1"}}

	// whichever replica is drawn first, x ends up gathered from b
	for i := 0; i < 20; i++ {
		res, err := Gather(context.Background(), whoHas, c, GatherOptions{})
		require.NoError(t, err)
		assert.Equal(t, raw(`"v"`), res.Data["x"])
		assert.Empty(t, res.Missing)
		// each pass contacts one replica and closes it before the next
		assert.Equal(t, 1, c.peakConns(true))
		assert.Equal(t, 0, c.openConns())
	}
	assert.Equal(t, []string{"tcp://dead:1", "tcp://b:1"}, whoHas["x"], "input is not modified")
}

func TestGatherClosesConnectionsBetweenPasses(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://dead1:1", &fakePeer{down: true})
	c.add("tcp://dead2:1", &fakePeer{down: true})
	c.add("tcp://b:1", &fakePeer{data: map[string]json.RawMessage{"x": raw("1")}})
	c.add("tcp://c:1", &fakePeer{data: map[string]json.RawMessage{"y": raw("2")}})

	whoHas := map[string][]string{
		"x": {"tcp://dead1:1", "tcp://b:1"},
		"y": {"tcp://dead2:1", "tcp://c:1"},
	}
	for i := 0; i < 20; i++ {
		res, err := Gather(context.Background(), whoHas, c, GatherOptions{})
		require.NoError(t, err)
		assert.Len(t, res.Data, 2)
		assert.LessOrEqual(t, c.peakConns(true), 2, "a pass never holds more connections than it has addresses")
		assert.Equal(t, 0, c.openConns())
	}
}

func TestGatherAddressMissingKeyIsExcluded(t *testing.T) {
	c := newFakeCluster()
	// a has x but has lost y; b has y
	c.add("tcp://a:1", &fakePeer{data: map[string]json.RawMessage{"x": raw("1")}})
	c.add("tcp://b:1", &fakePeer{data: map[string]json.RawMessage{"y": raw("2")}})

	whoHas := map[string][]string{
		"x": {"tcp://a:1"},
		"y": {"tcp://a:1", "tcp://b:1"},
	}
	res, err := Gather(context.Background(), whoHas, c, GatherOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"x": raw("1"), "y": raw("2")}, res.Data)
	assert.Empty(t, res.MissingWorkers, "a responding peer is not a missing worker")
}

func TestGatherKeyNobodyHas(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{data: map[string]json.RawMessage{}})

	res, err := Gather(context.Background(), map[string][]string{"x": {"tcp://a:1"}, "y": {}}, c, GatherOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.Equal(t, map[string][]string{"x": {"tcp://a:1"}, "y": nil}, res.Missing)
}

func TestGatherPropagatesOtherErrors(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{fail: fmt.Errorf("%w: bad request", types.ErrProtocol)})

	_, err := Gather(context.Background(), map[string][]string{"x": {"tcp://a:1"}}, c, GatherOptions{})
	assert.True(t, errors.Is(err, types.ErrProtocol))
	assert.Equal(t, 0, c.openConns())
}

func TestGatherCancelled(t *testing.T) {
	c := newFakeCluster()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Gather(ctx, map[string][]string{"x": {"tcp://a:1"}}, c, GatherOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScatterCapacityWeighted(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{})
	c.add("tcp://b:1", &fakePeer{})

	s := NewScatterer(c)
	nthreads := map[string]int{"tcp://a:1": 2, "tcp://b:1": 1}

	res, err := s.Scatter(context.Background(), nthreads, map[string]json.RawMessage{
		"x": raw("1"), "y": raw("22"), "z": raw("333"),
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, res.Keys)
	assert.Equal(t, map[string][]string{
		"x": {"tcp://a:1"},
		"y": {"tcp://a:1"},
		"z": {"tcp://b:1"},
	}, res.WhoHas)
	assert.Equal(t, map[string]int64{"x": 1, "y": 2, "z": 3}, res.NBytes)
	assert.Equal(t, 1, c.calls["tcp://a:1"], "one batched call per destination")
	assert.Equal(t, 1, c.calls["tcp://b:1"])
	assert.Equal(t, 0, c.openConns())
}

func TestScatterContinuesRotation(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{})
	c.add("tcp://b:1", &fakePeer{})

	s := NewScatterer(c)
	nthreads := map[string]int{"tcp://a:1": 2, "tcp://b:1": 1}

	first, err := s.Scatter(context.Background(), nthreads, map[string]json.RawMessage{"p": raw("1"), "q": raw("1")}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://a:1"}, first.WhoHas["p"])
	assert.Equal(t, []string{"tcp://a:1"}, first.WhoHas["q"])
	assert.Equal(t, 2, s.Counter())

	second, err := s.Scatter(context.Background(), nthreads, map[string]json.RawMessage{"r": raw("1"), "s": raw("1")}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://b:1"}, second.WhoHas["r"], "rotation resumes after the previous call")
	assert.Equal(t, []string{"tcp://a:1"}, second.WhoHas["s"])
	assert.Equal(t, 4, s.Counter())
}

func TestScatterFailureClosesConnections(t *testing.T) {
	c := newFakeCluster()
	c.add("tcp://a:1", &fakePeer{})
	c.add("tcp://b:1", &fakePeer{down: true})

	s := NewScatterer(c)
	_, err := s.Scatter(context.Background(), map[string]int{"tcp://a:1": 1, "tcp://b:1": 1},
		map[string]json.RawMessage{"x": raw("1"), "y": raw("2")}, true)
	assert.True(t, types.IsConnectivity(err))
	assert.Equal(t, 0, c.openConns())
}

func TestScatterNoWorkers(t *testing.T) {
	s := NewScatterer(newFakeCluster())
	_, err := s.Scatter(context.Background(), map[string]int{}, map[string]json.RawMessage{"x": raw("1")}, false)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestGetDataFromWorkerOverRPC(t *testing.T) {
	srv := rpc.NewServer("worker")
	srv.Register(MethodGetData, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req GetDataArgs
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		data := map[string]json.RawMessage{}
		for _, k := range req.Keys {
			if k == "x" {
				data[k] = raw(`[1,2]`)
			}
		}
		return GetDataReply{Status: "OK", Data: data}, nil
	})
	require.NoError(t, srv.Listen("inproc://", security.Args{}))
	defer srv.Stop(time.Second)

	d, err := rpc.NewDialer(nil, types.RoleWorker)
	require.NoError(t, err)
	conn, err := d.Dial(srv.Address())
	require.NoError(t, err)
	defer conn.Close()

	data, err := GetDataFromWorker(context.Background(), conn, []string{"x", "missing"}, "tcp://me:1")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(data["x"]))
	_, ok := data["missing"]
	assert.False(t, ok)
}
