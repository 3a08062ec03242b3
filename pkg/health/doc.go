/*
Package health provides liveness probes for worker processes.

A worker can be running yet useless: its event loop may be wedged on a
long computation, or its listener may be up while every handler blocks.
A nanny catches that by probing the worker periodically and restarting it
once the probe keeps failing.

# Checkers

	┌──────────────────────────────┐
	│       Checker interface      │
	│  • Check(ctx) Result         │
	│  • Type() CheckType          │
	└──────┬───────────────┬───────┘
	       ▼               ▼
	┌────────────┐   ┌────────────┐
	│ RPCChecker │   │ TCPChecker │
	└────────────┘   └────────────┘
	  calls a method   connects only

RPCChecker performs a full request through the cluster transport, so it
also exercises TLS and the handler dispatch. TCPChecker only proves that
the port accepts connections.

# Probe Flow

 1. Worker starts, the nanny starts a Probe
 2. Failures during StartPeriod are ignored
 3. Every Interval the checker runs with Timeout
 4. Retries consecutive failures flip the status to unhealthy
 5. The flip is reported once; a success re-arms the probe

Usage:

	checker := health.NewRPCChecker(dialer, workerAddr, "identity")
	go health.Probe(ctx, checker, health.DefaultConfig(), func(r health.Result) {
		log.Warn("worker unresponsive: " + r.Message)
	})
*/
package health
