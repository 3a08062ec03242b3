/*
Package log provides structured logging for burrow using zerolog.

A single package-level Logger is configured once per process through Init.
Long-lived components (the scheduler, each worker, each nanny, the lock
extension) derive child loggers carrying a fixed field so their output can be
filtered:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("nanny")
	logger.Info().Str("reason", "memory").Msg("restarting worker")

Console output is the default for interactive use; JSON output is meant for
log shippers. The level of a process is normally taken from the logging.level
configuration key via ParseLevel.

New returns an independent logger for a given Config. The nanny accepts one
through its configuration so tests and embedding programs can capture what a
single supervisor reports without reconfiguring the whole process.

Field conventions:

	component       subsystem name ("scheduler", "worker", "nanny", "lock", "exchange")
	worker_address  advertised address of a worker process
	lock_name       name of a distributed lock
	nanny_id        identity of a supervisor
	reason          why a worker was restarted ("crash", "memory", "request")
*/
package log
