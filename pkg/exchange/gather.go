package exchange

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MethodGetData is the worker method that returns stored values
const MethodGetData = "get_data"

// GetDataArgs is the request of get_data
type GetDataArgs struct {
	Keys []string `json:"keys"`
	Who  string   `json:"who,omitempty"`
}

// GetDataReply is the response of get_data
type GetDataReply struct {
	Status string                     `json:"status"`
	Data   map[string]json.RawMessage `json:"data"`
}

// GetDataFromWorker fetches keys from the worker behind conn. Keys the worker
// does not hold are absent from the result. An unreachable peer fails with
// types.ErrConnectivity.
func GetDataFromWorker(ctx context.Context, conn rpc.Conn, keys []string, who string) (map[string]json.RawMessage, error) {
	var reply GetDataReply
	if err := conn.Call(ctx, MethodGetData, GetDataArgs{Keys: keys, Who: who}, &reply); err != nil {
		return nil, err
	}
	if reply.Data == nil {
		reply.Data = map[string]json.RawMessage{}
	}
	return reply.Data, nil
}

// GatherOptions tunes Gather
type GatherOptions struct {
	// Who identifies the requester to the peers, usually its own address
	Who string
}

// GatherResult is the outcome of a Gather call
type GatherResult struct {
	// Data holds every key that was obtained
	Data map[string]json.RawMessage
	// Missing maps each unobtainable key to the addresses it was
	// originally believed to live on
	Missing map[string][]string
	// MissingWorkers lists the addresses that were unreachable
	MissingWorkers []string
	// BadAddresses lists every address excluded during the call, whether
	// unreachable or missing a key it was asked for
	BadAddresses []string
}

// Gather collects the values of every key of whoHas directly from the
// workers holding them.
//
// Each pass picks one random remaining candidate per key, batches keys by
// address and fetches all batches concurrently. An address that is
// unreachable, or that answers without some key it was asked for, is marked
// bad for the rest of the call; its keys are retried elsewhere on the next
// pass. A key left without candidates is unobtainable. The connections of a
// pass are closed before the next one starts.
//
// Connectivity failures never surface as errors; any other failure of a
// peer aborts the gather. whoHas is not modified.
func Gather(ctx context.Context, whoHas map[string][]string, d rpc.Dialer, opts GatherOptions) (*GatherResult, error) {
	logger := log.WithComponent("exchange")

	candidates := make(map[string][]string, len(whoHas))
	keys := make([]string, 0, len(whoHas))
	for key, addrs := range whoHas {
		candidates[key] = dedupe(addrs)
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make(map[string]json.RawMessage, len(whoHas))
	unobtainable := make(map[string]struct{})
	badAddresses := make(map[string]struct{})
	missingWorkers := make(map[string]struct{})

	for len(results)+len(unobtainable) < len(whoHas) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metrics.GatherPassesTotal.Inc()

		batches := make(map[string][]string)
		assigned := make(map[string]string)
		for _, key := range keys {
			if _, ok := results[key]; ok {
				continue
			}
			if _, ok := unobtainable[key]; ok {
				continue
			}
			var usable []string
			for _, addr := range candidates[key] {
				if _, bad := badAddresses[addr]; !bad {
					usable = append(usable, addr)
				}
			}
			if len(usable) == 0 {
				unobtainable[key] = struct{}{}
				continue
			}
			addr := usable[rand.IntN(len(usable))]
			batches[addr] = append(batches[addr], key)
			assigned[key] = addr
		}

		response, unreachable, err := fetchPass(ctx, d, batches, opts.Who)
		if err != nil {
			return nil, err
		}
		for _, addr := range unreachable {
			if _, seen := missingWorkers[addr]; !seen {
				metrics.GatherMissingWorkersTotal.Inc()
				logger.Warn().Str("worker_address", addr).Msg("worker unreachable during gather")
			}
			missingWorkers[addr] = struct{}{}
		}

		// An address that did not deliver a key it was asked for is not
		// asked again during this call, even if it served its other keys.
		for key, addr := range assigned {
			value, ok := response[key]
			if !ok {
				badAddresses[addr] = struct{}{}
				continue
			}
			results[key] = value
		}
	}

	result := &GatherResult{
		Data:           results,
		Missing:        make(map[string][]string, len(unobtainable)),
		MissingWorkers: make([]string, 0, len(missingWorkers)),
	}
	for key := range unobtainable {
		result.Missing[key] = append([]string(nil), whoHas[key]...)
	}
	for addr := range missingWorkers {
		result.MissingWorkers = append(result.MissingWorkers, addr)
	}
	sort.Strings(result.MissingWorkers)
	for addr := range badAddresses {
		result.BadAddresses = append(result.BadAddresses, addr)
	}
	sort.Strings(result.BadAddresses)

	if len(result.Missing) > 0 {
		logger.Debug().Int("missing", len(result.Missing)).Int("gathered", len(results)).Msg("gather finished with unobtainable keys")
	}
	return result, nil
}

// fetchPass runs one batched get_data per address concurrently and closes
// every connection before returning.
func fetchPass(ctx context.Context, d rpc.Dialer, batches map[string][]string, who string) (map[string]json.RawMessage, []string, error) {
	var (
		mu          sync.Mutex
		response    = make(map[string]json.RawMessage)
		unreachable []string
		conns       []rpc.Conn
	)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	var g errgroup.Group
	for addr, keys := range batches {
		conn, err := d.Dial(addr)
		if err != nil {
			if !types.IsConnectivity(err) {
				_ = g.Wait()
				return nil, nil, err
			}
			mu.Lock()
			unreachable = append(unreachable, addr)
			mu.Unlock()
			continue
		}
		conns = append(conns, conn)

		g.Go(func() error {
			data, err := GetDataFromWorker(ctx, conn, keys, who)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if types.IsConnectivity(err) {
					unreachable = append(unreachable, addr)
					return nil
				}
				return err
			}
			for _, key := range keys {
				if v, ok := data[key]; ok {
					response[key] = v
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, err
	}
	return response, unreachable, nil
}

func dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
