package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MethodUpdateData is the worker method that stores values
const MethodUpdateData = "update_data"

// UpdateDataArgs is the request of update_data
type UpdateDataArgs struct {
	Data   map[string]json.RawMessage `json:"data"`
	Report bool                       `json:"report"`
}

// UpdateDataReply is the response of update_data
type UpdateDataReply struct {
	Status string           `json:"status"`
	NBytes map[string]int64 `json:"nbytes"`
}

// ScatterResult describes where scattered data went
type ScatterResult struct {
	// Keys lists the scattered names in order
	Keys []string
	// WhoHas maps each name to the workers that received it
	WhoHas map[string][]string
	// NBytes is the stored size of each name as reported by its worker
	NBytes map[string]int64
}

// Scatterer spreads data over workers round-robin, weighted by thread
// count. Successive calls continue the rotation where the previous call
// stopped, for as long as the Scatterer lives.
type Scatterer struct {
	dialer rpc.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	counter int
}

// NewScatterer creates a Scatterer dialing workers with d
func NewScatterer(d rpc.Dialer) *Scatterer {
	return &Scatterer{
		dialer: d,
		logger: log.WithComponent("exchange"),
	}
}

// Counter returns the current rotation offset
func (s *Scatterer) Counter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Assign computes the destination of every name without sending anything.
// Workers are taken in address order and repeated once per thread; names
// are taken in sorted order. The rotation offset advances by len(names).
func (s *Scatterer) Assign(nthreads map[string]int, names []string) (map[string]string, error) {
	var workers []string
	addrs := make([]string, 0, len(nthreads))
	for addr := range nthreads {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		for i := 0; i < nthreads[addr]; i++ {
			workers = append(workers, addr)
		}
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("%w: no worker threads to scatter to", types.ErrConfiguration)
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	s.mu.Lock()
	start := s.counter % len(workers)
	s.counter += len(sorted)
	s.mu.Unlock()

	out := make(map[string]string, len(sorted))
	for i, name := range sorted {
		out[name] = workers[(start+i)%len(workers)]
	}
	return out, nil
}

// Scatter sends data to the workers of nthreads, one update_data call per
// destination, all in flight at once. Every connection is closed before
// Scatter returns, whether or not the calls succeeded.
func (s *Scatterer) Scatter(ctx context.Context, nthreads map[string]int, data map[string]json.RawMessage, report bool) (*ScatterResult, error) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &ScatterResult{
		Keys:   names,
		WhoHas: make(map[string][]string, len(names)),
		NBytes: make(map[string]int64, len(names)),
	}
	if len(names) == 0 {
		return result, nil
	}

	dest, err := s.Assign(nthreads, names)
	if err != nil {
		return nil, err
	}
	batches := make(map[string]map[string]json.RawMessage)
	for _, name := range names {
		addr := dest[name]
		if batches[addr] == nil {
			batches[addr] = make(map[string]json.RawMessage)
		}
		batches[addr][name] = data[name]
		result.WhoHas[name] = []string{addr}
	}

	var (
		mu    sync.Mutex
		conns []rpc.Conn
	)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for addr, batch := range batches {
		conn, err := s.dialer.Dial(addr)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		conns = append(conns, conn)

		g.Go(func() error {
			var reply UpdateDataReply
			if err := conn.Call(gctx, MethodUpdateData, UpdateDataArgs{Data: batch, Report: report}, &reply); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for k, n := range reply.NBytes {
				result.NBytes[k] = n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Int("keys", len(names)).Msg("scatter failed")
		return nil, err
	}

	var total int64
	for _, n := range result.NBytes {
		total += n
	}
	metrics.ScatterBytesTotal.Add(float64(total))
	s.logger.Debug().Int("keys", len(names)).Int("workers", len(batches)).Int64("bytes", total).Msg("scattered data")
	return result, nil
}
