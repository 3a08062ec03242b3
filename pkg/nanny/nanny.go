package nanny

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultDeathTimeout    = 60 * time.Second
	defaultMonitorInterval = 200 * time.Millisecond

	// killGrace is how long a worker gets to exit after being asked to
	killGrace = 5 * time.Second

	retryMin = 100 * time.Millisecond
	retryMax = 2 * time.Second

	// automatic restarts beyond the burst are spaced restartEvery apart
	restartBurst = 3
	restartEvery = time.Second
)

// Config holds nanny configuration
type Config struct {
	// SchedulerAddress or SchedulerFile locate the scheduler
	SchedulerAddress string
	SchedulerFile    string
	Security         *security.Security

	// Where the worker listens. Interface, when set, overrides Host with
	// the first IPv4 address of that interface.
	Host      string
	Interface string
	Protocol  string
	// WorkerPorts restricts the worker port; the zero value lets the
	// operating system choose
	WorkerPorts network.PortRange

	NThreads  int
	Resources map[string]float64
	// MemoryLimit in bytes; zero disables the memory monitor
	MemoryLimit           int64
	MemoryMonitorInterval time.Duration
	// DeathTimeout bounds start and every restart
	DeathTimeout time.Duration
	// Liveness, when set, probes the worker and restarts it once the
	// probe keeps failing. LivenessCheck picks the probe, rpc by default.
	Liveness      *health.Config
	LivenessCheck health.CheckType

	// LocalDirectory holds one fresh working directory per worker process
	LocalDirectory string
	// Env is added to the environment of every worker process
	Env map[string]string
	// Command runs the worker; the worker flags are appended to it.
	// Defaults to this executable's "worker" subcommand.
	Command []string
	Name    string
	Store   storage.Kind
	// NoReconnect makes the worker exit once its scheduler stays
	// unreachable. The nanny then closes instead of restarting it.
	NoReconnect bool

	// ListenAddress is where the nanny serves its own RPC methods
	ListenAddress string
	Logger        *zerolog.Logger
	Broker        *events.Broker
}

// Nanny supervises one worker subprocess: it launches it, restarts it when it
// crashes or outgrows its memory limit, and forwards administrative requests.
type Nanny struct {
	cfg    Config
	id     string
	server *rpc.Server
	dialer *rpc.SecureDialer
	logger zerolog.Logger
	space  *workspace.Space
	// restarts throttles automatic restarts of a crash-looping worker
	restarts *rate.Limiter

	broker    *events.Broker
	ownBroker bool

	// transition serialises every lifecycle change
	transition sync.Mutex

	mu            sync.RWMutex
	status        types.WorkerStatus
	proc          *process
	dirs          []string
	closing       bool
	schedulerAddr string

	// ctx is cancelled on Close so in-flight launches give up
	ctx    context.Context
	cancel context.CancelFunc

	monitorStop chan struct{}
	monitorWG   sync.WaitGroup
	watchers    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// NewNanny validates cfg and fills in defaults. Nothing is launched until
// Start.
func NewNanny(cfg Config) (*Nanny, error) {
	if cfg.SchedulerAddress == "" && cfg.SchedulerFile == "" {
		return nil, fmt.Errorf("%w: nanny needs a scheduler address or scheduler file", types.ErrConfiguration)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Interface != "" {
		host, err := interfaceAddress(cfg.Interface)
		if err != nil {
			return nil, err
		}
		cfg.Host = host
	}
	if cfg.NThreads <= 0 {
		cfg.NThreads = runtime.NumCPU()
	}
	if cfg.MemoryLimit < 0 {
		return nil, fmt.Errorf("%w: negative memory limit", types.ErrConfiguration)
	}
	if cfg.MemoryMonitorInterval <= 0 {
		cfg.MemoryMonitorInterval = defaultMonitorInterval
	}
	if cfg.DeathTimeout <= 0 {
		cfg.DeathTimeout = defaultDeathTimeout
	}
	if cfg.LocalDirectory == "" {
		cfg.LocalDirectory = filepath.Join(os.TempDir(), "burrow-worker-space")
	}
	if cfg.Liveness != nil {
		switch cfg.LivenessCheck {
		case "":
			cfg.LivenessCheck = health.CheckTypeRPC
		case health.CheckTypeRPC, health.CheckTypeTCP:
		default:
			return nil, fmt.Errorf("%w: unknown liveness check %q", types.ErrConfiguration, cfg.LivenessCheck)
		}
	}
	if cfg.Store == "" {
		cfg.Store = storage.KindMemory
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "tcp://127.0.0.1:0"
	}
	if len(cfg.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot locate worker executable: %v", types.ErrConfiguration, err)
		}
		cfg.Command = []string{exe, "worker"}
	}

	space, err := workspace.New(cfg.LocalDirectory)
	if err != nil {
		return nil, err
	}

	dialer, err := rpc.NewDialer(cfg.Security, types.RoleWorker)
	if err != nil {
		return nil, err
	}

	id := "Nanny-" + uuid.NewString()
	logger := log.WithNanny(id)
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("nanny_id", id).Logger()
	}

	broker := cfg.Broker
	own := false
	if broker == nil {
		broker = events.NewBroker()
		broker.Start()
		own = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Nanny{
		cfg:       cfg,
		id:        id,
		server:    rpc.NewServer("nanny"),
		dialer:    dialer,
		logger:    logger,
		space:     space,
		restarts:  rate.NewLimiter(rate.Every(restartEvery), restartBurst),
		broker:    broker,
		ownBroker: own,
		status:    types.WorkerStatusInit,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	n.registerHandlers()
	return n, nil
}

// Start listens for administrative requests, waits for the scheduler and
// launches the first worker. Everything must succeed within the death
// timeout, otherwise the nanny ends up failed and a types.ErrTimeout error
// is returned.
func (n *Nanny) Start(ctx context.Context) error {
	n.transition.Lock()
	defer n.transition.Unlock()

	if st := n.Status(); st != types.WorkerStatusInit {
		return fmt.Errorf("%w: nanny cannot start from status %s", types.ErrProtocol, st)
	}
	n.setStatus(types.WorkerStatusStarting)

	ctx, cancel := n.lifecycleContext(ctx, n.cfg.DeathTimeout)
	defer cancel()

	if err := n.start(ctx); err != nil {
		n.setStatus(types.WorkerStatusFailed)
		n.server.Stop(time.Second)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrTimeout) {
			err = fmt.Errorf("%w: %v", types.ErrTimeout, err)
		}
		n.logger.Error().Err(err).Msg("nanny failed to start worker")
		return err
	}

	if n.cfg.MemoryLimit > 0 {
		n.startMonitor()
	}
	n.logger.Info().
		Str("scheduler", n.SchedulerAddress()).
		Str("worker", n.WorkerAddress()).
		Msg("nanny started")
	return nil
}

func (n *Nanny) start(ctx context.Context) error {
	args := security.Args{}
	if n.cfg.Security != nil {
		var err error
		if args, err = n.cfg.Security.ListenArgs(types.RoleWorker); err != nil {
			return err
		}
	}
	if err := n.server.Listen(n.cfg.ListenAddress, args); err != nil {
		return err
	}

	addr, err := n.resolveScheduler(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.schedulerAddr = addr
	n.mu.Unlock()

	if err := n.waitForScheduler(ctx, addr); err != nil {
		return err
	}

	if purged, err := n.space.Purge(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to purge stale worker directories")
	} else if len(purged) > 0 {
		n.logger.Info().Strs("dirs", purged).Msg("purged stale worker directories")
	}
	return n.launchLocked(ctx)
}

func (n *Nanny) resolveScheduler(ctx context.Context) (string, error) {
	if n.cfg.SchedulerAddress != "" {
		return n.cfg.SchedulerAddress, nil
	}
	info, err := discovery.WaitForSchedulerFile(ctx, n.cfg.SchedulerFile, retryMin)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: scheduler file %s did not appear", types.ErrTimeout, n.cfg.SchedulerFile)
		}
		return "", err
	}
	return info.Address, nil
}

// waitForScheduler retries the identity call until the scheduler answers
func (n *Nanny) waitForScheduler(ctx context.Context, addr string) error {
	delay := retryMin
	for {
		err := n.pingScheduler(ctx, addr)
		if err == nil {
			return nil
		}
		if !types.IsConnectivity(err) && ctx.Err() == nil {
			return err
		}
		n.logger.Debug().Err(err).Str("scheduler", addr).Msg("waiting for scheduler")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no contact with scheduler at %s: %v", types.ErrTimeout, addr, err)
		case <-time.After(delay):
		}
		delay = min(delay*2, retryMax)
	}
}

func (n *Nanny) pingScheduler(ctx context.Context, addr string) error {
	conn, err := n.dialer.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var id types.Identity
	return conn.Call(callCtx, scheduler.MethodIdentity, nil, &id)
}

// launchLocked starts a worker in a fresh directory, retrying until ctx is
// done. Older directories are removed once the new worker is up.
func (n *Nanny) launchLocked(ctx context.Context) error {
	n.setStatus(types.WorkerStatusStarting)

	delay := retryMin
	for attempt := 1; ; attempt++ {
		p, err := n.spawnWorker(ctx)
		if err == nil {
			n.adopt(p)
			return nil
		}
		if errors.Is(err, types.ErrConfiguration) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: worker did not start after %d attempts: %v", types.ErrTimeout, attempt, err)
		}
		n.logger.Warn().Err(err).Int("attempt", attempt).Msg("worker failed to start, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: worker did not start after %d attempts: %v", types.ErrTimeout, attempt, err)
		case <-time.After(delay):
		}
		delay = min(delay*2, retryMax)
	}
}

// spawnWorker makes one attempt at starting a worker in a new directory
func (n *Nanny) spawnWorker(ctx context.Context) (*process, error) {
	port, err := n.cfg.WorkerPorts.Pick(n.cfg.Host)
	if err != nil {
		return nil, err
	}
	dir, err := n.space.Create()
	if err != nil {
		return nil, err
	}
	p, err := spawn(ctx, n.workerArgs(dir, port), dir, n.workerEnv())
	if err != nil {
		n.deleteDir(dir)
		return nil, err
	}
	return p, nil
}

// adopt makes p the current worker
func (n *Nanny) adopt(p *process) {
	n.mu.Lock()
	old := n.dirs
	n.proc = p
	n.dirs = []string{p.dir}
	n.mu.Unlock()

	for _, dir := range old {
		if dir != p.dir {
			n.deleteDir(dir)
		}
	}

	n.startProbe(p)
	n.watchers.Add(1)
	go n.watch(p)

	n.setStatus(types.WorkerStatusRunning)
	n.publish(events.EventWorkerStarted, "worker started", map[string]string{
		"address": p.address,
		"pid":     strconv.Itoa(p.pid),
		"dir":     p.dir,
	})
	n.logger.Info().
		Str("worker", p.address).
		Int("pid", p.pid).
		Str("dir", p.dir).
		Msg("worker process running")
}

// watch waits for p to exit and restarts it when nobody asked it to stop
func (n *Nanny) watch(p *process) {
	defer n.watchers.Done()
	<-p.exited
	p.stopProbe()

	code := p.exitCode()
	n.publish(events.EventWorkerExited, "worker exited", map[string]string{
		"pid":       strconv.Itoa(p.pid),
		"exit_code": strconv.Itoa(code),
	})
	if p.expected.Load() {
		return
	}

	n.transition.Lock()
	defer n.transition.Unlock()

	n.mu.RLock()
	current := n.proc == p && n.status == types.WorkerStatusRunning && !n.closing
	n.mu.RUnlock()
	if !current {
		return
	}

	if code == worker.ExitSchedulerLost {
		n.logger.Warn().Int("pid", p.pid).Msg("worker lost its scheduler, closing")
		go n.Close(context.Background())
		return
	}

	n.logger.Warn().
		Int("pid", p.pid).
		Int("exit_code", code).
		Msg("worker process exited unexpectedly")

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DeathTimeout)
	defer cancel()
	if err := n.restartLocked(ctx, "crash"); err != nil {
		n.logger.Error().Err(err).Msg("failed to restart worker after crash")
	}
}

// Kill stops the worker process. Killing a dead worker is a no-op.
func (n *Nanny) Kill(ctx context.Context) error {
	n.transition.Lock()
	defer n.transition.Unlock()

	if n.proc == nil {
		return nil
	}
	n.killLocked(ctx, true)
	if !n.Status().Terminal() && !n.isClosing() {
		n.setStatus(types.WorkerStatusStopped)
	}
	return nil
}

// killLocked asks the worker to terminate, then kills it after a grace period
func (n *Nanny) killLocked(ctx context.Context, removeDir bool) {
	n.mu.Lock()
	p := n.proc
	n.proc = nil
	n.mu.Unlock()
	if p == nil {
		return
	}

	p.expected.Store(true)
	p.stopProbe()
	if p.alive() {
		if err := n.terminate(ctx, p); err != nil {
			n.logger.Debug().Err(err).Msg("terminate request failed, signalling worker")
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	grace := killGrace
	if deadline, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(deadline), 0))
	}
	if err := p.stop(grace); err != nil {
		n.logger.Warn().Err(err).Int("pid", p.pid).Msg("failed to kill worker")
	}
	n.logger.Info().Int("pid", p.pid).Msg("worker process stopped")

	if removeDir {
		n.removeDir(p.dir)
	}
}

func (n *Nanny) terminate(ctx context.Context, p *process) error {
	conn, err := n.dialer.Dial(p.address)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return conn.Call(callCtx, worker.MethodTerminate, nil, nil)
}

func (n *Nanny) removeDir(dir string) {
	n.deleteDir(dir)
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, d := range n.dirs {
		if d == dir {
			n.dirs = append(n.dirs[:i], n.dirs[i+1:]...)
			break
		}
	}
}

func (n *Nanny) deleteDir(dir string) {
	if err := n.space.Delete(dir); err != nil {
		n.logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove worker directory")
	}
}

// Instantiate launches a worker unless one is alive
func (n *Nanny) Instantiate(ctx context.Context) error {
	n.transition.Lock()
	defer n.transition.Unlock()

	if err := n.checkOpen(); err != nil {
		return err
	}
	if n.IsAlive() {
		return nil
	}

	ctx, cancel := n.lifecycleContext(ctx, n.cfg.DeathTimeout)
	defer cancel()
	if err := n.launchLocked(ctx); err != nil {
		n.setStatus(types.WorkerStatusStopped)
		return err
	}
	return nil
}

// Restart kills the worker and launches a new one within timeout. A zero
// timeout means the death timeout.
func (n *Nanny) Restart(ctx context.Context, timeout time.Duration) error {
	n.transition.Lock()
	defer n.transition.Unlock()

	if err := n.checkOpen(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = n.cfg.DeathTimeout
	}
	ctx, cancel := n.lifecycleContext(ctx, timeout)
	defer cancel()
	return n.restartLocked(ctx, "request")
}

// lifecycleContext bounds a lifecycle change by timeout, by ctx and by the
// nanny itself, so Close never waits out a launch
func (n *Nanny) lifecycleContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(n.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (n *Nanny) restartLocked(ctx context.Context, reason string) error {
	metrics.NannyRestartsTotal.WithLabelValues(reason).Inc()
	n.logger.Warn().Str("reason", reason).Msg("restarting worker")

	n.setStatus(types.WorkerStatusRestarting)
	n.killLocked(ctx, false)

	if reason != "request" {
		if err := n.restarts.Wait(ctx); err != nil {
			n.setStatus(types.WorkerStatusStopped)
			return fmt.Errorf("%w: restart throttled: %v", types.ErrTimeout, err)
		}
	}
	if err := n.launchLocked(ctx); err != nil {
		n.setStatus(types.WorkerStatusStopped)
		if errors.Is(err, types.ErrTimeout) {
			n.logger.Error().Err(err).Str("reason", reason).Msg("restart timed out")
		}
		return err
	}
	n.publish(events.EventWorkerRestarted, "worker restarted", map[string]string{
		"reason":  reason,
		"address": n.WorkerAddress(),
	})
	return nil
}

func (n *Nanny) checkOpen() error {
	st := n.Status()
	if n.isClosing() || st.Terminal() || st == types.WorkerStatusInit {
		return fmt.Errorf("%w: nanny is %s", types.ErrProtocol, st)
	}
	return nil
}

// Close stops the worker, removes every working directory and stops
// serving. It is safe to call more than once.
func (n *Nanny) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closing = true
		n.mu.Unlock()
		n.cancel()

		n.stopMonitor()

		n.transition.Lock()
		n.setStatus(types.WorkerStatusClosing)
		n.killLocked(ctx, true)
		n.transition.Unlock()
		n.watchers.Wait()

		n.mu.Lock()
		dirs := n.dirs
		n.dirs = nil
		n.mu.Unlock()
		for _, dir := range dirs {
			n.deleteDir(dir)
		}

		n.server.Stop(5 * time.Second)
		metrics.WorkerRSSBytes.DeleteLabelValues(n.id)

		n.setStatus(types.WorkerStatusClosed)
		n.publish(events.EventNannyClosed, "nanny closed", nil)
		n.logger.Info().Msg("nanny closed")
		if n.ownBroker {
			n.broker.Stop()
		}
		close(n.done)
	})
	return nil
}

// Done is closed once the nanny has closed, including through a remote
// terminate request
func (n *Nanny) Done() <-chan struct{} {
	return n.done
}

// ID returns the nanny identity
func (n *Nanny) ID() string {
	return n.id
}

// Address returns where the nanny serves its RPC methods
func (n *Nanny) Address() string {
	return n.server.Address()
}

// SchedulerAddress returns the scheduler the worker registers with
func (n *Nanny) SchedulerAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.schedulerAddr
}

// Status returns the lifecycle status
func (n *Nanny) Status() types.WorkerStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// WorkerAddress returns the address of the current worker, if any
func (n *Nanny) WorkerAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.proc == nil {
		return ""
	}
	return n.proc.address
}

// WorkerDir returns the working directory of the current worker, if any
func (n *Nanny) WorkerDir() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.proc == nil {
		return ""
	}
	return n.proc.dir
}

// PID returns the pid of the current worker, or 0
func (n *Nanny) PID() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.proc == nil {
		return 0
	}
	return n.proc.pid
}

// IsAlive reports whether a worker process is running
func (n *Nanny) IsAlive() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.proc != nil && n.proc.alive()
}

// Events subscribes to lifecycle events. Callers unsubscribe through
// Unsubscribe.
func (n *Nanny) Events() events.Subscriber {
	return n.broker.Subscribe()
}

// Unsubscribe ends a subscription obtained from Events
func (n *Nanny) Unsubscribe(sub events.Subscriber) {
	n.broker.Unsubscribe(sub)
}

func (n *Nanny) isClosing() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closing
}

func (n *Nanny) setStatus(st types.WorkerStatus) {
	n.mu.Lock()
	prev := n.status
	n.status = st
	n.mu.Unlock()
	if prev == st {
		return
	}

	n.logger.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("status changed")
	n.publish(events.EventWorkerStatus, string(st), map[string]string{
		"from":   string(prev),
		"status": string(st),
	})
}

func (n *Nanny) publish(t events.EventType, msg string, md map[string]string) {
	n.broker.Publish(&events.Event{
		Type:     t,
		Source:   n.id,
		Message:  msg,
		Metadata: md,
	})
}

// workerArgs builds the worker command line for a process living in dir
// and listening on port
func (n *Nanny) workerArgs(dir string, port int) []string {
	argv := append([]string{}, n.cfg.Command...)
	argv = append(argv,
		n.SchedulerAddress(),
		"--listen", fmt.Sprintf("%s://%s", n.cfg.Protocol, net.JoinHostPort(n.cfg.Host, strconv.Itoa(port))),
		"--nthreads", strconv.Itoa(n.cfg.NThreads),
		"--memory-limit", strconv.FormatInt(n.cfg.MemoryLimit, 10),
		"--local-directory", dir,
		"--nanny", n.Address(),
		"--store", string(n.cfg.Store),
	)
	if n.cfg.Name != "" {
		argv = append(argv, "--name", n.cfg.Name)
	}
	if n.cfg.NoReconnect {
		argv = append(argv, "--no-reconnect")
	}

	names := make([]string, 0, len(n.cfg.Resources))
	for name := range n.cfg.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, "--resources", name+"="+strconv.FormatFloat(n.cfg.Resources[name], 'g', -1, 64))
	}
	return argv
}

// workerEnv is this process's environment with the security profile
// replaced by the nanny's own, plus the configured overrides. Later entries
// win.
func (n *Nanny) workerEnv() []string {
	commPrefix := config.EnvName(config.DefaultEnvPrefix, "comm") + "__"

	env := make([]string, 0, len(os.Environ())+len(n.cfg.Env))
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, commPrefix) {
			env = append(env, kv)
		}
	}
	if n.cfg.Security != nil {
		env = append(env, n.cfg.Security.Environ()...)
	}

	keys := make([]string, 0, len(n.cfg.Env))
	for k := range n.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+n.cfg.Env[k])
	}
	return env
}

func interfaceAddress(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("%w: unknown interface %s", types.ErrConfiguration, name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("%w: interface %s has no IPv4 address", types.ErrConfiguration, name)
}
