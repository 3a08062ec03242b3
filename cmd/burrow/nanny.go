package main

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/nanny"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var nannyCmd = &cobra.Command{
	Use:   "nanny [scheduler-address]",
	Short: "Run a worker under a supervising nanny",
	Long: `Run a nanny that launches a worker process, restarts it when it
crashes or exceeds its memory limit, and removes its working directory when
it goes away.

Examples:
  # Worker with 4 threads and an 8GiB memory limit
  burrow nanny tcp://scheduler:8786 --nthreads 4 --memory-limit 8GiB

  # Find the scheduler through a shared scheduler file
  burrow nanny --scheduler-file /shared/scheduler.json

  # Two workers named pool-0 and pool-1 sharing the machine
  burrow nanny tcp://scheduler:8786 --nprocs 2 --name pool --memory-limit auto`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNanny,
}

func init() {
	f := nannyCmd.Flags()
	f.String("config", "", "Path to a YAML configuration file")
	f.String("scheduler-file", "", "Read the scheduler address from this file")
	f.String("listen", "tcp://127.0.0.1:0", "Address for the nanny's own RPC methods")
	f.String("host", "127.0.0.1", "Host the worker listens on")
	f.String("interface", "", "Network interface the worker listens on")
	f.String("protocol", "tcp", "Worker transport protocol")
	f.String("worker-port", "0", "Worker port or range, e.g. 9000:9100 (0 = random)")
	f.Int("nprocs", 1, "Number of worker processes, each under its own nanny")
	f.Int("nthreads", 0, "Threads per worker (0 = number of CPUs divided by --nprocs)")
	f.String("memory-limit", "0", "Memory limit per worker: bytes like 4GiB, a fraction of system memory like 0.5, or auto (0 = unlimited)")
	f.Bool("no-reconnect", false, "Close when the worker loses its scheduler instead of restarting it")
	f.Duration("death-timeout", 0, "Give up starting the worker after this long")
	f.String("local-directory", "", "Parent of the worker working directories")
	f.String("name", "", "Worker name")
	f.String("store", string(storage.KindMemory), "Worker data store: memory or bolt")
	f.StringToString("resources", nil, "Abstract worker resources, e.g. GPU=2")
	f.StringToString("env", nil, "Extra worker environment, e.g. OMP_NUM_THREADS=1")
	f.Duration("liveness-interval", 0, "Probe the worker this often and restart it when it stops answering (0 = off)")
	f.String("liveness-check", string(health.CheckTypeRPC), "Liveness probe: rpc or tcp")
	f.Int("liveness-retries", 3, "Failed probes in a row before the worker is restarted")
	f.String("metrics-addr", "", "Serve metrics and health checks here (empty = off)")
}

func runNanny(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sec, err := security.New(cfg, nil)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	schedFile, _ := f.GetString("scheduler-file")
	schedAddr := ""
	if len(args) == 1 {
		schedAddr = args[0]
	}
	if schedAddr == "" && schedFile == "" {
		if p, ok := cfg.String(config.KeySchedulerFile); ok {
			schedFile = p
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			schedAddr, err = discovery.Resolve(ctx, cfg, "")
			cancel()
			if err != nil {
				return err
			}
		}
	}

	resourceFlags, _ := f.GetStringToString("resources")
	resources := make(map[string]float64, len(resourceFlags))
	for k, v := range resourceFlags {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid resource %s=%s", k, v)
		}
		resources[k] = n
	}

	deathTimeout, _ := f.GetDuration("death-timeout")
	if deathTimeout == 0 {
		if deathTimeout, err = cfg.Duration(config.KeyDeathTimeout); err != nil {
			return err
		}
	}
	monitorInterval, err := cfg.Duration(config.KeyMemoryMonitorInterval)
	if err != nil {
		return err
	}

	listen, _ := f.GetString("listen")
	host, _ := f.GetString("host")
	iface, _ := f.GetString("interface")
	protocol, _ := f.GetString("protocol")
	portSpec, _ := f.GetString("worker-port")
	ports, err := network.ParsePortRange(portSpec)
	if err != nil {
		return err
	}
	nprocs, _ := f.GetInt("nprocs")
	if nprocs < 1 {
		return fmt.Errorf("invalid --nprocs %d", nprocs)
	}
	nthreads, _ := f.GetInt("nthreads")
	if nthreads <= 0 {
		nthreads = max(1, runtime.NumCPU()/nprocs)
	}
	memLimit, _ := f.GetString("memory-limit")
	total, err := nanny.SystemMemory()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("system memory size unknown")
	}
	limit, err := nanny.ParseMemoryLimit(memLimit, nthreads, runtime.NumCPU(), total)
	if err != nil {
		return fmt.Errorf("invalid --memory-limit: %w", err)
	}
	noReconnect, _ := f.GetBool("no-reconnect")
	localDir, _ := f.GetString("local-directory")
	name, _ := f.GetString("name")
	store, _ := f.GetString("store")
	env, _ := f.GetStringToString("env")
	metricsAddr, _ := f.GetString("metrics-addr")

	var liveness *health.Config
	livenessCheck, _ := f.GetString("liveness-check")
	if interval, _ := f.GetDuration("liveness-interval"); interval > 0 {
		probe := health.DefaultConfig()
		probe.Interval = interval
		probe.Retries, _ = f.GetInt("liveness-retries")
		liveness = &probe
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	configs, err := siblingConfigs(nanny.Config{
		SchedulerAddress:      schedAddr,
		SchedulerFile:         schedFile,
		Security:              sec,
		Host:                  host,
		Interface:             iface,
		Protocol:              protocol,
		WorkerPorts:           ports,
		NThreads:              nthreads,
		Resources:             resources,
		MemoryLimit:           limit,
		MemoryMonitorInterval: monitorInterval,
		DeathTimeout:          deathTimeout,
		Liveness:              liveness,
		LivenessCheck:         health.CheckType(livenessCheck),
		LocalDirectory:        localDir,
		Env:                   env,
		Name:                  name,
		Store:                 storage.Kind(store),
		NoReconnect:           noReconnect,
		ListenAddress:         listen,
		Broker:                broker,
	}, nprocs)
	if err != nil {
		return err
	}

	nannies := make([]*nanny.Nanny, 0, len(configs))
	components := make([]string, len(configs))
	closeAll := func(ctx context.Context) {
		for _, n := range nannies {
			n.Close(ctx)
		}
	}
	for i, c := range configs {
		n, err := nanny.NewNanny(c)
		if err != nil {
			closeAll(context.Background())
			return err
		}
		nannies = append(nannies, n)
		components[i] = "worker"
		if len(configs) > 1 {
			components[i] = fmt.Sprintf("worker-%d", i)
		}
	}

	metrics.SetCriticalComponents(components...)
	for i, n := range nannies {
		metrics.RegisterComponent(components[i], false, string(types.WorkerStatusInit))
		sub := n.Events()
		go trackWorkerHealth(sub, components[i])
		defer n.Unsubscribe(sub)
	}
	stopMetrics := serveMetrics(metricsAddr)
	defer stopMetrics()

	var g errgroup.Group
	for _, n := range nannies {
		g.Go(func() error { return n.Start(context.Background()) })
	}
	if err := g.Wait(); err != nil {
		closeAll(context.Background())
		return err
	}
	for _, n := range nannies {
		fmt.Printf("Nanny %s supervising worker %s\n", n.Address(), n.WorkerAddress())
	}

	allDone := make(chan struct{})
	go func() {
		for _, n := range nannies {
			<-n.Done()
		}
		close(allDone)
	}()
	waitForSignal(allDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	closeAll(ctx)
	log.Info("Nanny stopped")
	return nil
}

// siblingConfigs derives one nanny configuration per worker process.
// Siblings of a named worker are called name-0, name-1 and so on.
func siblingConfigs(base nanny.Config, nprocs int) ([]nanny.Config, error) {
	if nprocs < 1 {
		return nil, fmt.Errorf("%w: need at least one worker process", types.ErrConfiguration)
	}
	if nprocs > 1 && base.WorkerPorts.Low != 0 && base.WorkerPorts.Low == base.WorkerPorts.High {
		return nil, fmt.Errorf("%w: %d workers cannot share worker port %s, give a range", types.ErrConfiguration, nprocs, base.WorkerPorts)
	}
	if nprocs == 1 {
		return []nanny.Config{base}, nil
	}
	configs := make([]nanny.Config, nprocs)
	for i := range configs {
		c := base
		c.Env = maps.Clone(base.Env)
		if base.Name != "" {
			c.Name = fmt.Sprintf("%s-%d", base.Name, i)
		}
		configs[i] = c
	}
	return configs, nil
}

// trackWorkerHealth mirrors the worker status into the readiness endpoint
func trackWorkerHealth(sub events.Subscriber, component string) {
	for ev := range sub {
		if ev.Type != events.EventWorkerStatus {
			continue
		}
		status := ev.Metadata["status"]
		metrics.UpdateComponent(component, status == string(types.WorkerStatusRunning), status)
	}
}
