package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound means no scheduler has been published yet
var ErrNotFound = errors.New("scheduler not found")

// Info is what a scheduler publishes about itself
type Info struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Address  string         `json:"address"`
	Services map[string]int `json:"services,omitempty"`
	Started  time.Time      `json:"started"`
}

// WriteSchedulerFile writes info to path atomically
func WriteSchedulerFile(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scheduler info: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".scheduler-*.json")
	if err != nil {
		return fmt.Errorf("failed to write scheduler file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write scheduler file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write scheduler file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write scheduler file: %w", err)
	}
	return nil
}

// ReadSchedulerFile reads a file written by WriteSchedulerFile. A missing
// file is ErrNotFound.
func ReadSchedulerFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no scheduler file at %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read scheduler file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid scheduler file %s: %w", path, err)
	}
	if info.Address == "" {
		return nil, fmt.Errorf("invalid scheduler file %s: no address", path)
	}
	return &info, nil
}

// WaitForSchedulerFile polls path until a scheduler has written it or ctx is
// done
func WaitForSchedulerFile(ctx context.Context, path string, interval time.Duration) (*Info, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := ReadSchedulerFile(path)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
