package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler",
	Long: `Run the scheduler: it tracks workers and the keys they hold, and
arbitrates cluster-wide locks.

The contact address can be published to a scheduler file, to Redis and as
a DNS TXT record so workers, nannies and clients find it without being
told.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

func init() {
	schedulerCmd.Flags().String("config", "", "Path to a YAML configuration file")
	schedulerCmd.Flags().String("listen", "tcp://0.0.0.0:8786", "Address to listen on")
	schedulerCmd.Flags().String("scheduler-file", "", "Write the contact address to this file")
	schedulerCmd.Flags().String("redis-url", "", "Publish the contact address to Redis")
	schedulerCmd.Flags().String("redis-key", discovery.DefaultRedisKey, "Redis key for the contact address")
	schedulerCmd.Flags().String("dns-listen", "", "Serve the contact address as a DNS TXT record on this udp address")
	schedulerCmd.Flags().String("dns-name", discovery.DefaultDNSName, "DNS name of the TXT record")
	schedulerCmd.Flags().Duration("worker-ttl", 0, "Forget workers silent for this long (0 = never)")
	schedulerCmd.Flags().String("metrics-addr", ":9786", "Serve metrics and health checks here (empty = off)")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sec, err := security.New(cfg, nil)
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	file, _ := cmd.Flags().GetString("scheduler-file")
	if file == "" {
		file, _ = cfg.String(config.KeySchedulerFile)
	}
	redisURL, _ := cmd.Flags().GetString("redis-url")
	if redisURL == "" {
		redisURL, _ = cfg.String(config.KeyDiscoveryRedisURL)
	}
	redisKey, _ := cmd.Flags().GetString("redis-key")
	dnsListen, _ := cmd.Flags().GetString("dns-listen")
	dnsName, _ := cmd.Flags().GetString("dns-name")
	workerTTL, _ := cmd.Flags().GetDuration("worker-ttl")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var registry *discovery.RedisRegistry
	if redisURL != "" {
		if registry, err = discovery.NewRedisRegistry(redisURL, redisKey); err != nil {
			return err
		}
		defer registry.Close()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sched := scheduler.NewScheduler(scheduler.Config{
		Address:         listen,
		Security:        sec,
		SchedulerFile:   file,
		Registry:        registry,
		WorkerTTL:       workerTTL,
		MetricsInterval: 5 * time.Second,
		Broker:          broker,
	})

	metrics.SetCriticalComponents("scheduler")
	metrics.RegisterComponent("scheduler", false, "starting")
	stopMetrics := serveMetrics(metricsAddr)
	defer stopMetrics()

	connectTimeout, err := cfg.Duration(config.KeyConnectTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err = sched.Start(ctx)
	cancel()
	if err != nil {
		metrics.UpdateComponent("scheduler", false, err.Error())
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	metrics.UpdateComponent("scheduler", true, sched.Address())

	if dnsListen != "" {
		dnsServer := discovery.NewDNSServer(dnsName)
		dnsServer.SetInfo(discovery.Info{
			Type:    "Scheduler",
			ID:      sched.ID(),
			Address: sched.Address(),
			Started: time.Now().UTC(),
		})
		if err := dnsServer.Start(dnsListen); err != nil {
			stopScheduler(sched)
			return err
		}
		defer dnsServer.Stop()
	}

	fmt.Printf("Scheduler %s listening on %s\n", sched.ID(), sched.Address())
	waitForSignal(nil)

	stopScheduler(sched)
	log.Info("Scheduler stopped")
	return nil
}

func stopScheduler(sched *scheduler.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop(ctx)
}
