package nanny

import (
	"context"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
)

// startProbe watches p with the configured liveness check until p is
// stopped or exits
func (n *Nanny) startProbe(p *process) {
	if n.cfg.Liveness == nil {
		return
	}

	var checker health.Checker
	switch n.cfg.LivenessCheck {
	case health.CheckTypeTCP:
		checker = health.NewTCPChecker(p.address)
	default:
		checker = health.NewRPCChecker(n.dialer, p.address, worker.MethodIdentity)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	p.probeCancel = cancel
	n.watchers.Add(1)
	go func() {
		defer n.watchers.Done()
		health.Probe(ctx, checker, *n.cfg.Liveness, func(r health.Result) {
			n.unresponsive(p, r)
		})
	}()
}

// unresponsive restarts p after its liveness probe gave up on it
func (n *Nanny) unresponsive(p *process, r health.Result) {
	n.logger.Warn().
		Int("pid", p.pid).
		Str("check", string(n.cfg.LivenessCheck)).
		Str("reason", "unresponsive").
		Msg("worker failed liveness probe: " + r.Message)
	n.publish(events.EventWorkerUnresponsive, "worker unresponsive", map[string]string{
		"address": p.address,
		"message": r.Message,
	})

	n.transition.Lock()
	defer n.transition.Unlock()

	n.mu.RLock()
	current := n.proc == p && n.status == types.WorkerStatusRunning && !n.closing
	n.mu.RUnlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DeathTimeout)
	defer cancel()
	if err := n.restartLocked(ctx, "unresponsive"); err != nil {
		n.logger.Error().Err(err).Msg("failed to restart unresponsive worker")
	}
}
