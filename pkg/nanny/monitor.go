package nanny

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/procfs"
)

// residentMemory reads the RSS of pid in bytes
func residentMemory(pid int) (int64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return int64(stat.ResidentMemory()), nil
}

func (n *Nanny) startMonitor() {
	n.monitorStop = make(chan struct{})
	n.monitorWG.Add(1)
	go n.monitorMemory(n.monitorStop)
}

func (n *Nanny) stopMonitor() {
	if n.monitorStop == nil {
		return
	}
	close(n.monitorStop)
	n.monitorWG.Wait()
}

// monitorMemory restarts the worker whenever its RSS exceeds the limit
func (n *Nanny) monitorMemory(stop <-chan struct{}) {
	defer n.monitorWG.Done()
	ticker := time.NewTicker(n.cfg.MemoryMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.checkMemory()
		}
	}
}

func (n *Nanny) checkMemory() {
	pid := n.PID()
	if pid == 0 {
		return
	}
	rss, err := residentMemory(pid)
	if err != nil {
		// exited between ticks; the watcher deals with it
		return
	}
	metrics.WorkerRSSBytes.WithLabelValues(n.id).Set(float64(rss))
	if rss <= n.cfg.MemoryLimit {
		return
	}

	n.logger.Warn().
		Int("pid", pid).
		Int64("rss", rss).
		Int64("limit", n.cfg.MemoryLimit).
		Str("reason", "memory").
		Msg("worker exceeded memory limit")
	n.publish(events.EventWorkerMemory, "memory limit exceeded", map[string]string{
		"pid":   strconv.Itoa(pid),
		"rss":   strconv.FormatInt(rss, 10),
		"limit": strconv.FormatInt(n.cfg.MemoryLimit, 10),
	})

	n.transition.Lock()
	defer n.transition.Unlock()
	if n.isClosing() || n.Status() != types.WorkerStatusRunning || n.PID() != pid {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DeathTimeout)
	defer cancel()
	if err := n.restartLocked(ctx, "memory"); err != nil {
		n.logger.Error().Err(err).Msg("failed to restart worker over memory limit")
	}
}
