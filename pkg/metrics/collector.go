package metrics

import (
	"time"
)

// Source exposes the scheduler state sampled by a Collector
type Source interface {
	WorkerCount() int
	KeyCount() int
	LockStats() (held, waiters int)
}

// Collector periodically copies scheduler state into gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	WorkersTotal.Set(float64(c.source.WorkerCount()))
	KeysTotal.Set(float64(c.source.KeyCount()))

	held, waiters := c.source.LockStats()
	LocksHeld.Set(float64(held))
	LockWaiters.Set(float64(waiters))
}
