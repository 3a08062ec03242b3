package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/discovery"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scatterCmd = &cobra.Command{
	Use:   "scatter",
	Short: "Store values from a YAML file on the workers",
	Long: `Read a YAML mapping of key to value and spread the values over the
workers, weighted by their thread counts.

Examples:
  # data.yaml:
  #   x: 1
  #   weights: [0.1, 0.2, 0.7]
  burrow scatter -f data.yaml --scheduler tcp://scheduler:8786`,
	Args: cobra.NoArgs,
	RunE: runScatter,
}

var gatherCmd = &cobra.Command{
	Use:   "gather KEY...",
	Short: "Fetch values from the workers holding them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGather,
}

var whoHasCmd = &cobra.Command{
	Use:   "who-has [KEY...]",
	Short: "Show which workers hold each key",
	RunE:  runWhoHas,
}

func init() {
	for _, c := range []*cobra.Command{scatterCmd, gatherCmd, whoHasCmd} {
		c.Flags().String("config", "", "Path to a YAML configuration file")
		c.Flags().String("scheduler", "", "Scheduler address (default: discovered)")
		c.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	}
	scatterCmd.Flags().StringP("file", "f", "", "YAML file to scatter (required)")
	scatterCmd.Flags().StringSlice("workers", nil, "Restrict to these workers")
	_ = scatterCmd.MarkFlagRequired("file")
}

// connect resolves the scheduler and opens a client on it
func connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	sec, err := security.New(cfg, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	explicit, _ := cmd.Flags().GetString("scheduler")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	addr, err := discovery.Resolve(ctx, cfg, explicit)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	c, err := client.NewClient(ctx, addr, sec)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func runScatter(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	workers, _ := cmd.Flags().GetStringSlice("workers")

	raw, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s holds no values", filename)
	}

	c, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	res, err := c.Scatter(ctx, data, workers...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tWORKER\tBYTES")
	for _, key := range res.Keys {
		fmt.Fprintf(w, "%s\t%s\t%d\n", key, strings.Join(res.WhoHas[key], ","), res.NBytes[key])
	}
	return w.Flush()
}

func runGather(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	res, err := c.Gather(ctx, args)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Data); err != nil {
		return err
	}

	if len(res.Missing) > 0 {
		missing := make([]string, 0, len(res.Missing))
		for key := range res.Missing {
			missing = append(missing, key)
		}
		sort.Strings(missing)
		return fmt.Errorf("could not obtain %s", strings.Join(missing, ", "))
	}
	return nil
}

func runWhoHas(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	whoHas, err := c.WhoHas(ctx, args)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(whoHas))
	for key := range whoHas {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tWORKERS")
	for _, key := range keys {
		workers := strings.Join(whoHas[key], ",")
		if workers == "" {
			workers = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", key, workers)
	}
	return w.Flush()
}
