package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect worker data stores",
}

var storeInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the keys of a bolt data store",
	Long: `List the keys held in a worker's bolt data store, with their sizes.

The worker owning the store must be stopped first; bolt allows a single
process at a time.

Examples:
  burrow store inspect --dir /tmp/burrow-worker-space/worker-1234
  burrow store inspect --dir ./w --backup ./w-backup.db --validate`,
	Args: cobra.NoArgs,
	RunE: runStoreInspect,
}

func init() {
	storeInspectCmd.Flags().String("dir", "", "Worker directory holding "+storage.FileName+" (required)")
	storeInspectCmd.Flags().String("backup", "", "Copy the database here before opening it")
	storeInspectCmd.Flags().Bool("validate", false, "Check that every value is valid JSON")
	storeInspectCmd.Flags().Bool("prune", false, "With --validate, delete values that are not valid JSON")
	_ = storeInspectCmd.MarkFlagRequired("dir")
	storeCmd.AddCommand(storeInspectCmd)
}

func runStoreInspect(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	backup, _ := cmd.Flags().GetString("backup")
	validate, _ := cmd.Flags().GetBool("validate")
	prune, _ := cmd.Flags().GetBool("prune")

	if _, err := os.Stat(filepath.Join(dir, storage.FileName)); err != nil {
		return fmt.Errorf("no data store in %s: %w", dir, err)
	}
	store, err := storage.NewBoltStore(dir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if backup != "" {
		f, err := os.OpenFile(backup, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		n, err := store.Backup(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
		fmt.Printf("✓ Backup of %d bytes written to %s\n", n, backup)
	}

	keys, err := store.Keys()
	if err != nil {
		return err
	}
	sizes, err := store.NBytes()
	if err != nil {
		return err
	}

	var invalid []string
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBYTES\tVALID")
	for _, key := range keys {
		valid := "-"
		if validate {
			v, err := store.Get(key)
			if err != nil {
				return err
			}
			valid = "yes"
			if !json.Valid(v) {
				valid = "no"
				invalid = append(invalid, key)
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", key, sizes[key], valid)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d keys in %s\n", len(keys), store.Path())

	if len(invalid) > 0 {
		fmt.Printf("⚠ %d values are not valid JSON\n", len(invalid))
		if prune {
			if err := store.Delete(invalid...); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted %d invalid values\n", len(invalid))
		}
	}
	return nil
}
