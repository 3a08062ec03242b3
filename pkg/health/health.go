package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType names the way a checker reaches the worker
type CheckType string

const (
	CheckTypeRPC CheckType = "rpc"
	CheckTypeTCP CheckType = "tcp"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, format string, args ...any) Result {
	return Result{Healthy: true, Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

// Checker probes one worker
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a worker is probed and how many misses it gets
type Config struct {
	Interval time.Duration
	// Timeout bounds a single check
	Timeout time.Duration
	// Retries is the number of failures in a row that make a worker
	// unhealthy
	Retries int
	// StartPeriod is a grace period after launch during which failures
	// are not counted
	StartPeriod time.Duration
}

// DefaultConfig probes every 10s and gives up after three misses
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		Retries:     3,
		StartPeriod: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	c.StartPeriod = max(c.StartPeriod, 0)
	return c
}

// Status is the running verdict on one worker process
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	// Healthy stays true until Retries checks in a row have failed
	Healthy   bool
	StartedAt time.Time
}

func NewStatus() *Status {
	return &Status{Healthy: true, StartedAt: time.Now()}
}

// Update folds result into the status. One success is enough to recover.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result
	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses++
		s.Healthy = true
		return
	}
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	s.Healthy = s.Healthy && s.ConsecutiveFailures < config.Retries
}

// InStartPeriod reports whether failures are still forgiven
func (s *Status) InStartPeriod(config Config) bool {
	return config.StartPeriod > 0 && time.Since(s.StartedAt) < config.StartPeriod
}

// Probe runs c every Interval until ctx is done. onUnhealthy is called
// whenever the status flips from healthy to unhealthy, so a worker that
// stays broken is reported once.
func Probe(ctx context.Context, c Checker, config Config, onUnhealthy func(Result)) {
	config = config.withDefaults()
	status := NewStatus()

	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		result := c.Check(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !result.Healthy && status.InStartPeriod(config) {
			continue
		}

		wasHealthy := status.Healthy
		status.Update(result, config)
		if wasHealthy && !status.Healthy {
			onUnhealthy(result)
		}
	}
}
