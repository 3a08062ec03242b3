package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RPC methods served by the scheduler, besides the lock extension
const (
	MethodIdentity         = "identity"
	MethodRegisterWorker   = "register_worker"
	MethodUnregisterWorker = "unregister_worker"
	MethodHeartbeatWorker  = "heartbeat_worker"
	MethodAddKeys          = "add_keys"
	MethodRemoveKeys       = "remove_keys"
	MethodWhoHas           = "who_has"
	MethodNCores           = "ncores"
)

// Config holds scheduler settings
type Config struct {
	// Address to listen on, e.g. tcp://0.0.0.0:8786. Defaults to a random
	// local port.
	Address  string
	Security *security.Security
	// SchedulerFile, when set, receives the contact address on start
	SchedulerFile string
	// Registry, when set, receives the contact address on start
	Registry    *discovery.RedisRegistry
	RegistryTTL time.Duration
	// WorkerTTL removes workers whose last heartbeat is older. Zero keeps
	// workers until they unregister.
	WorkerTTL       time.Duration
	MetricsInterval time.Duration
	Broker          *events.Broker
}

// Scheduler tracks the workers of a cluster, where each key lives, and
// arbitrates named locks.
type Scheduler struct {
	cfg    Config
	id     string
	server *rpc.Server
	locks  *lock.Extension
	logger zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*types.WorkerInfo
	whoHas  map[string]map[string]struct{}
	hasWhat map[string]map[string]struct{}

	collector *metrics.Collector
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. Nothing listens until Start.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Address == "" {
		cfg.Address = "tcp://127.0.0.1:0"
	}
	s := &Scheduler{
		cfg:     cfg,
		id:      "Scheduler-" + uuid.NewString(),
		server:  rpc.NewServer("scheduler"),
		locks:   lock.NewExtension(),
		logger:  log.WithComponent("scheduler"),
		workers: make(map[string]*types.WorkerInfo),
		whoHas:  make(map[string]map[string]struct{}),
		hasWhat: make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	s.registerHandlers()
	s.locks.Register(s.server)
	return s
}

// ID returns the scheduler identity
func (s *Scheduler) ID() string {
	return s.id
}

// Address returns the contact address once started
func (s *Scheduler) Address() string {
	return s.server.Address()
}

// Locks returns the lock extension
func (s *Scheduler) Locks() *lock.Extension {
	return s.locks
}

// Start listens, advertises the contact address and starts the background
// loops
func (s *Scheduler) Start(ctx context.Context) error {
	args := security.Args{}
	if s.cfg.Security != nil {
		var err error
		if args, err = s.cfg.Security.ListenArgs(types.RoleScheduler); err != nil {
			return err
		}
	}
	if err := s.server.Listen(s.cfg.Address, args); err != nil {
		return err
	}

	info := discovery.Info{
		Type:    "Scheduler",
		ID:      s.id,
		Address: s.Address(),
		Started: time.Now().UTC(),
	}
	if s.cfg.SchedulerFile != "" {
		if err := discovery.WriteSchedulerFile(s.cfg.SchedulerFile, info); err != nil {
			s.server.Stop(time.Second)
			return err
		}
		s.logger.Info().Str("path", s.cfg.SchedulerFile).Msg("wrote scheduler file")
	}
	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.Publish(ctx, info, s.cfg.RegistryTTL); err != nil {
			s.server.Stop(time.Second)
			return err
		}
		s.logger.Info().Str("key", s.cfg.Registry.Key()).Msg("published scheduler address")
	}

	s.collector = metrics.NewCollector(s, s.cfg.MetricsInterval)
	s.collector.Start()

	if s.cfg.WorkerTTL > 0 {
		s.wg.Add(1)
		go s.run()
	}

	s.logger.Info().Str("id", s.id).Str("address", s.Address()).Msg("scheduler started")
	return nil
}

// Stop shuts the scheduler down and withdraws its advertisement
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.cfg.Registry != nil {
			if err := s.cfg.Registry.Remove(ctx, s.id); err != nil {
				s.logger.Warn().Err(err).Msg("failed to withdraw scheduler address")
			}
		}
		s.server.Stop(5 * time.Second)
		s.logger.Info().Msg("scheduler stopped")
	})
}

// run expires workers that stopped heartbeating
func (s *Scheduler) run() {
	defer s.wg.Done()
	interval := s.cfg.WorkerTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireWorkers(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) expireWorkers(now time.Time) {
	s.mu.Lock()
	var expired []string
	for addr, w := range s.workers {
		if now.Sub(w.LastSeen) > s.cfg.WorkerTTL {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		s.removeWorkerLocked(addr)
	}
	s.mu.Unlock()

	for _, addr := range expired {
		s.logger.Warn().Str("worker_address", addr).Msg("worker missed heartbeats, removed")
		s.publish(events.EventWorkerUnregistered, addr, "heartbeat timeout")
	}
}

func (s *Scheduler) publish(t events.EventType, addr, msg string) {
	if s.cfg.Broker == nil {
		return
	}
	s.cfg.Broker.Publish(&events.Event{
		Type:     t,
		Source:   s.id,
		Message:  msg,
		Metadata: map[string]string{"worker_address": addr},
	})
}

// AddWorker records a worker. A worker registering again replaces its
// previous record and forgets its previous keys.
func (s *Scheduler) AddWorker(info types.WorkerInfo, keys []string) {
	info.LastSeen = time.Now()
	s.mu.Lock()
	s.removeWorkerLocked(info.Address)
	w := info
	s.workers[info.Address] = &w
	s.addKeysLocked(info.Address, keys)
	s.mu.Unlock()

	logger := log.WithWorker(info.Address)
	logger.Info().Int("nthreads", info.NThreads).Int("pid", info.PID).Msg("worker registered")
	s.publish(events.EventWorkerRegistered, info.Address, "")
}

// RemoveWorker forgets a worker and every key it held
func (s *Scheduler) RemoveWorker(addr string) bool {
	s.mu.Lock()
	ok := s.removeWorkerLocked(addr)
	s.mu.Unlock()
	if ok {
		logger := log.WithWorker(addr)
		logger.Info().Msg("worker unregistered")
		s.publish(events.EventWorkerUnregistered, addr, "")
	}
	return ok
}

func (s *Scheduler) removeWorkerLocked(addr string) bool {
	if _, ok := s.workers[addr]; !ok {
		return false
	}
	delete(s.workers, addr)
	for key := range s.hasWhat[addr] {
		holders := s.whoHas[key]
		delete(holders, addr)
		if len(holders) == 0 {
			delete(s.whoHas, key)
		}
	}
	delete(s.hasWhat, addr)
	return true
}

// Heartbeat refreshes a worker. It reports false for an unknown worker,
// which should register again.
func (s *Scheduler) Heartbeat(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[addr]
	if ok {
		w.LastSeen = time.Now()
	}
	return ok
}

// AddKeys records that addr holds keys
func (s *Scheduler) AddKeys(addr string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[addr]; !ok {
		return fmt.Errorf("%w: unknown worker %s", types.ErrProtocol, addr)
	}
	s.addKeysLocked(addr, keys)
	return nil
}

func (s *Scheduler) addKeysLocked(addr string, keys []string) {
	if len(keys) == 0 {
		return
	}
	has := s.hasWhat[addr]
	if has == nil {
		has = make(map[string]struct{})
		s.hasWhat[addr] = has
	}
	for _, key := range keys {
		holders := s.whoHas[key]
		if holders == nil {
			holders = make(map[string]struct{})
			s.whoHas[key] = holders
		}
		holders[addr] = struct{}{}
		has[key] = struct{}{}
	}
}

// RemoveKeys records that addr no longer holds keys
func (s *Scheduler) RemoveKeys(addr string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if holders, ok := s.whoHas[key]; ok {
			delete(holders, addr)
			if len(holders) == 0 {
				delete(s.whoHas, key)
			}
		}
		delete(s.hasWhat[addr], key)
	}
}

// WhoHas returns the sorted holders of each key. Unknown keys map to an
// empty list. With no keys every known key is returned.
func (s *Scheduler) WhoHas(keys []string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(keys) == 0 {
		for key := range s.whoHas {
			keys = append(keys, key)
		}
	}
	out := make(map[string][]string, len(keys))
	for _, key := range keys {
		holders := make([]string, 0, len(s.whoHas[key]))
		for addr := range s.whoHas[key] {
			holders = append(holders, addr)
		}
		sort.Strings(holders)
		out[key] = holders
	}
	return out
}

// NCores returns the thread count of the given workers, or of all workers
func (s *Scheduler) NCores(addrs []string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	if len(addrs) == 0 {
		for addr, w := range s.workers {
			out[addr] = w.NThreads
		}
		return out
	}
	for _, addr := range addrs {
		if w, ok := s.workers[addr]; ok {
			out[addr] = w.NThreads
		}
	}
	return out
}

// Workers returns a snapshot of the registered workers sorted by address
func (s *Scheduler) Workers() []types.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// WorkerCount implements metrics.Source
func (s *Scheduler) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// KeyCount implements metrics.Source
func (s *Scheduler) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.whoHas)
}

// LockStats implements metrics.Source
func (s *Scheduler) LockStats() (held, waiters int) {
	return s.locks.Stats()
}

type registerRequest struct {
	types.WorkerInfo
	Keys []string `json:"keys,omitempty"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type keysRequest struct {
	Worker string   `json:"worker"`
	Keys   []string `json:"keys"`
}

type whoHasRequest struct {
	Keys []string `json:"keys"`
}

type ncoresRequest struct {
	Workers []string `json:"workers"`
}

// StatusReply is the acknowledgement of mutating calls
type StatusReply struct {
	Status string `json:"status"`
}

func (s *Scheduler) registerHandlers() {
	s.server.Register(MethodIdentity, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return types.Identity{Type: "Scheduler", ID: s.id, Address: s.Address()}, nil
	})
	s.server.Register(MethodRegisterWorker, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req registerRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		if req.Address == "" {
			return nil, fmt.Errorf("%w: worker registration without address", types.ErrConfiguration)
		}
		s.AddWorker(req.WorkerInfo, req.Keys)
		return StatusReply{Status: "OK"}, nil
	})
	s.server.Register(MethodUnregisterWorker, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req addressRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		if !s.RemoveWorker(req.Address) {
			return StatusReply{Status: "missing"}, nil
		}
		return StatusReply{Status: "OK"}, nil
	})
	s.server.Register(MethodHeartbeatWorker, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req addressRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		if !s.Heartbeat(req.Address) {
			return StatusReply{Status: "missing"}, nil
		}
		return StatusReply{Status: "OK"}, nil
	})
	s.server.Register(MethodAddKeys, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req keysRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		if err := s.AddKeys(req.Worker, req.Keys); err != nil {
			return nil, err
		}
		return StatusReply{Status: "OK"}, nil
	})
	s.server.Register(MethodRemoveKeys, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req keysRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		s.RemoveKeys(req.Worker, req.Keys)
		return StatusReply{Status: "OK"}, nil
	})
	s.server.Register(MethodWhoHas, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req whoHasRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		return s.WhoHas(req.Keys), nil
	})
	s.server.Register(MethodNCores, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req ncoresRequest
		if err := rpc.Decode(args, &req); err != nil {
			return nil, err
		}
		return s.NCores(req.Workers), nil
	})
}
