package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

// DefaultHeartbeatRetries is how many failed heartbeats a worker started
// with --no-reconnect tolerates
const DefaultHeartbeatRetries = 3

// NewCommand builds the "worker" command. A nanny runs it as a subprocess
// of its own binary; it is also usable directly.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker [scheduler-address]",
		Short: "Run a burrow worker",
		Long: `Run a worker that stores task data, serves it to its peers and
registers with the scheduler.

Once registered the worker prints one JSON line on stdout holding its
address and pid. All logging goes to stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWorker,
	}

	cmd.Flags().String("config", "", "Path to a YAML configuration file")
	cmd.Flags().String("listen", "tcp://127.0.0.1:0", "Address to listen on")
	cmd.Flags().String("name", "", "Worker name")
	cmd.Flags().Int("nthreads", 0, "Number of threads (0 = number of CPUs)")
	cmd.Flags().String("memory-limit", "0", "Memory limit, e.g. 4GiB (0 = unlimited)")
	cmd.Flags().String("local-directory", "", "Working directory")
	cmd.Flags().String("nanny", "", "Address of the supervising nanny")
	cmd.Flags().String("store", string(storage.KindMemory), "Data store: memory or bolt")
	cmd.Flags().StringToString("resources", nil, "Abstract resources, e.g. GPU=2")
	cmd.Flags().Bool("no-reconnect", false, "Exit when the scheduler stays unreachable instead of retrying")
	cmd.Flags().Int("heartbeat-retries", DefaultHeartbeatRetries, "Failed heartbeats tolerated before exiting with --no-reconnect")

	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewLoader().WithConfigPath(cfgPath).Load()
	if err != nil {
		return err
	}

	level, _ := cfg.String(config.KeyLogLevel)
	jsonOut, _ := cfg.Bool(config.KeyLogJSON)
	log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOut})

	sec, err := security.New(cfg, nil)
	if err != nil {
		return err
	}

	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	schedAddr, err := discovery.Resolve(ctx, cfg, explicit)
	cancel()
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	name, _ := cmd.Flags().GetString("name")
	nthreads, _ := cmd.Flags().GetInt("nthreads")
	memLimit, _ := cmd.Flags().GetString("memory-limit")
	localDir, _ := cmd.Flags().GetString("local-directory")
	nanny, _ := cmd.Flags().GetString("nanny")
	store, _ := cmd.Flags().GetString("store")
	resourceFlags, _ := cmd.Flags().GetStringToString("resources")
	noReconnect, _ := cmd.Flags().GetBool("no-reconnect")
	retries, _ := cmd.Flags().GetInt("heartbeat-retries")

	limit, err := config.ParseBytes(memLimit)
	if err != nil {
		return fmt.Errorf("invalid --memory-limit: %w", err)
	}
	resources, err := parseResources(resourceFlags)
	if err != nil {
		return err
	}
	heartbeat, err := cfg.Duration(config.KeyHeartbeatInterval)
	if err != nil {
		return err
	}
	maxMissed := 0
	if noReconnect {
		if retries <= 0 {
			return fmt.Errorf("invalid --heartbeat-retries %d", retries)
		}
		maxMissed = retries
	}

	w, err := NewWorker(Config{
		SchedulerAddress:  schedAddr,
		Security:          sec,
		ListenAddress:     listen,
		Name:              name,
		NThreads:          nthreads,
		Resources:         resources,
		MemoryLimit:       limit,
		NannyAddress:      nanny,
		LocalDirectory:    localDir,
		Store:             storage.Kind(store),
		HeartbeatInterval: heartbeat,

		MaxMissedHeartbeats: maxMissed,
	})
	if err != nil {
		return err
	}

	connectTimeout, err := cfg.Duration(config.KeyConnectTimeout)
	if err != nil {
		return err
	}
	ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
	err = w.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	if err := WriteHandshake(cmd.OutOrStdout(), Handshake{Address: w.Address(), PID: os.Getpid(), ID: w.ID()}); err != nil {
		w.Stop(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info("Shutting down worker")
	case <-w.Done():
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		return err
	}
	if w.SchedulerLost() {
		return ErrSchedulerLost
	}
	return nil
}

func parseResources(in map[string]string) (map[string]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid resource %s=%s", k, v)
		}
		out[k] = f
	}
	return out, nil
}
