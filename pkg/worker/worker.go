package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/exchange"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RPC methods served by a worker
const (
	MethodIdentity   = "identity"
	MethodGetData    = exchange.MethodGetData
	MethodUpdateData = exchange.MethodUpdateData
	MethodDeleteData = "delete_data"
	MethodGather     = "gather"
	MethodTerminate  = "terminate"
)

// ErrSchedulerLost is returned by the worker command when the worker stopped
// because its scheduler went away and reconnecting was disabled
var ErrSchedulerLost = errors.New("lost connection to scheduler")

// ExitSchedulerLost is the exit status of a worker process that stopped with
// ErrSchedulerLost. A nanny closes instead of restarting such a worker.
const ExitSchedulerLost = 3

// ExitCode maps a worker command error to a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrSchedulerLost):
		return ExitSchedulerLost
	}
	return 1
}

// Worker holds task data, serves it to peers and keeps the scheduler
// informed of what it holds.
type Worker struct {
	cfg    Config
	id     string
	server *rpc.Server
	dialer *rpc.SecureDialer
	store  storage.Store
	logger zerolog.Logger

	scheduler rpc.Conn

	// lost is set once the worker gave up on its scheduler
	lost atomic.Bool

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds worker configuration
type Config struct {
	SchedulerAddress string
	Security         *security.Security
	// ListenAddress defaults to a random local tcp port
	ListenAddress     string
	Name              string
	NThreads          int
	Resources         map[string]float64
	MemoryLimit       int64
	NannyAddress      string
	LocalDirectory    string
	Store             storage.Kind
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats stops the worker after that many consecutive
	// failed heartbeats. Zero keeps retrying forever.
	MaxMissedHeartbeats int
}

// NewWorker creates a worker. Nothing listens until Start.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.SchedulerAddress == "" {
		return nil, fmt.Errorf("%w: worker needs a scheduler address", types.ErrConfiguration)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "tcp://127.0.0.1:0"
	}
	if cfg.NThreads <= 0 {
		cfg.NThreads = runtime.NumCPU()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.LocalDirectory == "" {
		cfg.LocalDirectory = os.TempDir()
	}

	dialer, err := rpc.NewDialer(cfg.Security, types.RoleWorker)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:    cfg,
		id:     "Worker-" + uuid.NewString(),
		server: rpc.NewServer("worker"),
		dialer: dialer,
		logger: log.WithComponent("worker"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.registerHandlers()
	return w, nil
}

// Start opens the data store, listens, registers with the scheduler and
// starts heartbeating
func (w *Worker) Start(ctx context.Context) error {
	store, err := storage.Open(w.cfg.Store, w.cfg.LocalDirectory)
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}
	w.store = store

	args := security.Args{}
	if w.cfg.Security != nil {
		if args, err = w.cfg.Security.ListenArgs(types.RoleWorker); err != nil {
			w.store.Close()
			return err
		}
	}
	if err := w.server.Listen(w.cfg.ListenAddress, args); err != nil {
		w.store.Close()
		return err
	}
	w.logger = log.WithWorker(w.Address())

	conn, err := w.dialer.Dial(w.cfg.SchedulerAddress)
	if err != nil {
		w.shutdown()
		return err
	}
	w.scheduler = conn

	if err := w.register(ctx); err != nil {
		w.shutdown()
		return fmt.Errorf("failed to register with scheduler: %w", err)
	}

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.logger.Info().
		Str("scheduler", w.cfg.SchedulerAddress).
		Int("nthreads", w.cfg.NThreads).
		Msg("worker started")
	return nil
}

// Info returns the registration record of this worker
func (w *Worker) Info() types.WorkerInfo {
	return types.WorkerInfo{
		Address:        w.Address(),
		Name:           w.cfg.Name,
		NThreads:       w.cfg.NThreads,
		Resources:      w.cfg.Resources,
		MemoryLimit:    w.cfg.MemoryLimit,
		NannyAddress:   w.cfg.NannyAddress,
		LocalDirectory: w.cfg.LocalDirectory,
		PID:            os.Getpid(),
	}
}

func (w *Worker) register(ctx context.Context) error {
	keys, err := w.store.Keys()
	if err != nil {
		return err
	}
	req := struct {
		types.WorkerInfo
		Keys []string `json:"keys,omitempty"`
	}{w.Info(), keys}
	return w.scheduler.Call(ctx, scheduler.MethodRegisterWorker, req, nil)
}

// heartbeatLoop sends periodic heartbeats to the scheduler
func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ticker.C:
			err := w.sendHeartbeat()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			w.logger.Warn().Err(err).Int("missed", missed).Msg("heartbeat failed")
			if w.cfg.MaxMissedHeartbeats > 0 && missed >= w.cfg.MaxMissedHeartbeats {
				w.logger.Error().Msg("scheduler unreachable, stopping worker")
				w.lost.Store(true)
				go w.stopAfterLoss()
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

// stopAfterLoss stops the worker without waiting long on the dead scheduler
func (w *Worker) stopAfterLoss() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HeartbeatInterval)
	defer cancel()
	w.Stop(ctx)
}

// SchedulerLost reports whether the worker stopped because it could not
// reach its scheduler
func (w *Worker) SchedulerLost() bool {
	return w.lost.Load()
}

// sendHeartbeat re-registers when the scheduler no longer knows us
func (w *Worker) sendHeartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HeartbeatInterval*5)
	defer cancel()

	var reply scheduler.StatusReply
	if err := w.scheduler.Call(ctx, scheduler.MethodHeartbeatWorker, map[string]string{"address": w.Address()}, &reply); err != nil {
		return err
	}
	if reply.Status == "missing" {
		w.logger.Info().Msg("scheduler lost track of worker, registering again")
		return w.register(ctx)
	}
	return nil
}

// ID returns the worker identity
func (w *Worker) ID() string {
	return w.id
}

// Address returns the contact address once started
func (w *Worker) Address() string {
	return w.server.Address()
}

// Store returns the data store
func (w *Worker) Store() storage.Store {
	return w.store
}

// Done is closed once the worker has stopped
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop unregisters from the scheduler and shuts down. It is safe to call
// more than once.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		if w.scheduler != nil {
			err := w.scheduler.Call(ctx, scheduler.MethodUnregisterWorker, map[string]string{"address": w.Address()}, nil)
			if err != nil {
				w.logger.Warn().Err(err).Msg("failed to unregister from scheduler")
			}
		}
		w.shutdown()
		w.logger.Info().Msg("worker stopped")
	})
	<-w.done
	return nil
}

func (w *Worker) shutdown() {
	w.server.Stop(5 * time.Second)
	if w.scheduler != nil {
		w.scheduler.Close()
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("failed to close data store")
		}
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

type deleteDataRequest struct {
	Keys   []string `json:"keys"`
	Report bool     `json:"report"`
}

type gatherRequest struct {
	WhoHas map[string][]string `json:"who_has"`
}

// GatherReply is the answer of the gather method
type GatherReply struct {
	Status string              `json:"status"`
	Keys   map[string][]string `json:"keys,omitempty"`
}

func (w *Worker) registerHandlers() {
	w.server.Register(MethodIdentity, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return types.Identity{Type: "Worker", ID: w.id, Address: w.Address()}, nil
	})
	w.server.Register(MethodGetData, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req exchange.GetDataArgs
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		data := make(map[string]json.RawMessage, len(req.Keys))
		for _, key := range req.Keys {
			v, err := w.store.Get(key)
			if err != nil {
				continue
			}
			data[key] = v
		}
		return exchange.GetDataReply{Status: "OK", Data: data}, nil
	})
	w.server.Register(MethodUpdateData, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req exchange.UpdateDataArgs
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		return w.updateData(ctx, req.Data, req.Report)
	})
	w.server.Register(MethodDeleteData, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req deleteDataRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		if err := w.store.Delete(req.Keys...); err != nil {
			return nil, err
		}
		if req.Report {
			err := w.scheduler.Call(ctx, scheduler.MethodRemoveKeys, map[string]any{"worker": w.Address(), "keys": req.Keys}, nil)
			if err != nil {
				return nil, err
			}
		}
		return scheduler.StatusReply{Status: "OK"}, nil
	})
	w.server.Register(MethodGather, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req gatherRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		return w.gather(ctx, req.WhoHas)
	})
	w.server.Register(MethodTerminate, func(ctx context.Context, _ json.RawMessage) (any, error) {
		w.logger.Info().Msg("terminate requested")
		go w.Stop(context.Background())
		return scheduler.StatusReply{Status: "OK"}, nil
	})
}

func (w *Worker) updateData(ctx context.Context, data map[string]json.RawMessage, report bool) (exchange.UpdateDataReply, error) {
	nbytes := make(map[string]int64, len(data))
	keys := make([]string, 0, len(data))
	for key, value := range data {
		if err := w.store.Put(key, value); err != nil {
			return exchange.UpdateDataReply{}, fmt.Errorf("failed to store %s: %w", key, err)
		}
		nbytes[key] = int64(len(value))
		keys = append(keys, key)
	}
	if report && len(keys) > 0 {
		err := w.scheduler.Call(ctx, scheduler.MethodAddKeys, map[string]any{"worker": w.Address(), "keys": keys}, nil)
		if err != nil {
			return exchange.UpdateDataReply{}, err
		}
	}
	return exchange.UpdateDataReply{Status: "OK", NBytes: nbytes}, nil
}

// gather pulls keys from peers into the local store
func (w *Worker) gather(ctx context.Context, whoHas map[string][]string) (GatherReply, error) {
	wanted := make(map[string][]string, len(whoHas))
	for key, addrs := range whoHas {
		if !w.store.Has(key) {
			wanted[key] = addrs
		}
	}
	if len(wanted) == 0 {
		return GatherReply{Status: "OK"}, nil
	}

	res, err := exchange.Gather(ctx, wanted, w.dialer, exchange.GatherOptions{Who: w.Address()})
	if err != nil {
		return GatherReply{}, err
	}
	if _, err := w.updateData(ctx, res.Data, true); err != nil {
		return GatherReply{}, err
	}
	if len(res.Missing) > 0 {
		w.logger.Warn().Int("missing", len(res.Missing)).Msg("could not gather all keys")
		return GatherReply{Status: "partial-fail", Keys: res.Missing}, nil
	}
	return GatherReply{Status: "OK"}, nil
}
