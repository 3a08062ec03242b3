package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(worker.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - distributed task execution cluster",
	Long: `Burrow runs a scheduler, workers and the nannies that supervise
them. Workers exchange task data directly with each other, and tasks
coordinate through cluster-wide named locks held by the scheduler.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(worker.NewCommand())
	rootCmd.AddCommand(nannyCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(scatterCmd)
	rootCmd.AddCommand(gatherCmd)
	rootCmd.AddCommand(whoHasCmd)
}

// loadConfig reads the --config file and the BURROW_ environment, then sets
// up logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, err
	}
	level, _ := cfg.String(config.KeyLogLevel)
	jsonOut, err := cfg.Bool(config.KeyLogJSON)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOut})
	return cfg, nil
}

// serveMetrics exposes /metrics and the health endpoints on addr. An empty
// addr disables it.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	metrics.SetVersion(Version)
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed", err)
		}
	}()
	log.Info(fmt.Sprintf("Metrics listening on %s", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// waitForSignal blocks until SIGINT, SIGTERM or done
func waitForSignal(done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nShutting down...")
	case <-done:
	}
}
