package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

const (
	// Prefix starts the name of every worker directory
	Prefix = "worker-"

	ownerFile = ".owner"
)

// Space is a base directory holding one subdirectory per worker process
type Space struct {
	base string
}

// New returns a Space rooted at base. Nothing is created until the first
// call to Create.
func New(base string) (*Space, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: empty workspace path", types.ErrConfiguration)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%w: workspace path %q: %v", types.ErrConfiguration, base, err)
	}
	return &Space{base: abs}, nil
}

// Base returns the absolute base path
func (s *Space) Base() string {
	return s.base
}

// Create makes a fresh worker directory owned by the calling process
func (s *Space) Create() (string, error) {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	dir := filepath.Join(s.base, Prefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worker directory: %w", err)
	}
	owner := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(filepath.Join(dir, ownerFile), owner, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to mark worker directory: %w", err)
	}
	return dir, nil
}

// Delete removes dir and everything in it
func (s *Space) Delete(dir string) error {
	if !s.contains(dir) {
		return fmt.Errorf("%w: %s is not inside workspace %s", types.ErrConfiguration, dir, s.base)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete worker directory: %w", err)
	}
	return nil
}

// List returns the worker directories currently present, sorted
func (s *Space) List() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), Prefix) {
			dirs = append(dirs, filepath.Join(s.base, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Purge removes directories whose owning process has exited and returns
// the removed paths
func (s *Space) Purge() ([]string, error) {
	dirs, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, dir := range dirs {
		pid, ok := owner(dir)
		if !ok || running(pid) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("failed to purge %s: %w", dir, err)
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

func (s *Space) contains(dir string) bool {
	rel, err := filepath.Rel(s.base, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

func owner(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func running(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
