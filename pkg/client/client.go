package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/exchange"
	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrMissingData is returned by Resolve when some referenced keys could not
// be obtained from any worker
var ErrMissingData = errors.New("missing data")

// Client talks to a scheduler and, for data, directly to its workers
type Client struct {
	id        string
	addr      string
	conn      rpc.Conn
	dialer    *rpc.SecureDialer
	scatterer *exchange.Scatterer
	logger    zerolog.Logger
}

// NewClient connects to the scheduler at addr with the client role of sec,
// which may be nil for plaintext. The scheduler must answer within ctx.
func NewClient(ctx context.Context, addr string, sec *security.Security) (*Client, error) {
	dialer, err := rpc.NewDialer(sec, types.RoleClient)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.Dial(addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:        "Client-" + uuid.NewString(),
		addr:      addr,
		conn:      conn,
		dialer:    dialer,
		scatterer: exchange.NewScatterer(dialer),
		logger:    log.WithComponent("client"),
	}
	if _, err := c.Identity(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach scheduler at %s: %w", addr, err)
	}
	return c, nil
}

// ID returns the client identity, sent to workers when fetching data
func (c *Client) ID() string {
	return c.id
}

// SchedulerAddress returns the scheduler this client talks to
func (c *Client) SchedulerAddress() string {
	return c.addr
}

// Close closes the scheduler connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Identity asks the scheduler who it is
func (c *Client) Identity(ctx context.Context) (types.Identity, error) {
	var id types.Identity
	err := c.conn.Call(ctx, scheduler.MethodIdentity, nil, &id)
	return id, err
}

// NCores returns the thread count of the given workers, or of all workers
// when none are named
func (c *Client) NCores(ctx context.Context, workers ...string) (map[string]int, error) {
	var out map[string]int
	err := c.conn.Call(ctx, scheduler.MethodNCores, map[string]any{"workers": workers}, &out)
	return out, err
}

// WhoHas returns the workers holding each key
func (c *Client) WhoHas(ctx context.Context, keys []string) (map[string][]string, error) {
	var out map[string][]string
	err := c.conn.Call(ctx, scheduler.MethodWhoHas, map[string]any{"keys": keys}, &out)
	return out, err
}

// Scatter stores each value of data on a worker, spreading them by thread
// count. Values are encoded as JSON. The workers report the new keys to the
// scheduler before Scatter returns.
func (c *Client) Scatter(ctx context.Context, data map[string]any, workers ...string) (*exchange.ScatterResult, error) {
	encoded := make(map[string]json.RawMessage, len(data))
	for key, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot encode %s: %v", types.ErrConfiguration, key, err)
		}
		encoded[key] = raw
	}

	nthreads, err := c.NCores(ctx, workers...)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.scatterer.Scatter(ctx, nthreads, encoded, true)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Int("keys", len(result.Keys)).
		Int("workers", len(nthreads)).
		Dur("took", time.Since(start)).
		Msg("scattered data")
	return result, nil
}

// Gather fetches keys from the workers the scheduler says hold them. Keys
// that cannot be obtained are listed in the result, not reported as an
// error.
func (c *Client) Gather(ctx context.Context, keys []string) (*exchange.GatherResult, error) {
	whoHas, err := c.WhoHas(ctx, keys)
	if err != nil {
		return nil, err
	}
	if whoHas == nil {
		whoHas = make(map[string][]string, len(keys))
	}
	// keys the scheduler has never heard of have no candidates
	for _, key := range keys {
		if _, ok := whoHas[key]; !ok {
			whoHas[key] = nil
		}
	}
	return exchange.Gather(ctx, whoHas, c.dialer, exchange.GatherOptions{Who: c.id})
}

// Resolve replaces every reference inside v with the value stored under its
// key. It fails with ErrMissingData when a referenced key is unobtainable.
func (c *Client) Resolve(ctx context.Context, v graph.Value) (graph.Value, error) {
	unpacked, refs := graph.Unpack(v, graph.UnpackOptions{})
	if len(refs) == 0 {
		return v, nil
	}

	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = graph.KeyString(r.Key)
	}
	result, err := c.Gather(ctx, keys)
	if err != nil {
		return graph.Value{}, err
	}
	if len(result.Missing) > 0 {
		missing := make([]string, 0, len(result.Missing))
		for key := range result.Missing {
			missing = append(missing, key)
		}
		sort.Strings(missing)
		return graph.Value{}, fmt.Errorf("%w: %v", ErrMissingData, missing)
	}

	known := make(graph.Known, len(refs))
	for i, r := range refs {
		var decoded any
		if err := json.Unmarshal(result.Data[keys[i]], &decoded); err != nil {
			return graph.Value{}, fmt.Errorf("%w: cannot decode %s: %v", types.ErrProtocol, keys[i], err)
		}
		known.Set(r.Key, graph.From(decoded))
	}
	return graph.Pack(unpacked, known), nil
}

// Lock returns a handle on the scheduler lock called name. Several names
// form one tuple-named lock; no name picks a unique one.
func (c *Client) Lock(name ...string) *lock.Lock {
	return lock.New(c.conn, name...)
}
