/*
Package nanny supervises a single worker subprocess.

A Nanny launches the worker command (by default the "worker" subcommand of
the running executable) in a fresh working directory, hands it the nanny's
security profile through BURROW_ environment variables, and reads the one
line handshake the worker prints once it has registered with the scheduler.

# Lifecycle

	init -> starting -> running
	running -> restarting -> starting -> running   (crash, memory, Restart)
	running -> stopped                             (Kill)
	stopped -> starting -> running                 (Instantiate)
	any -> closing -> closed                       (Close)
	starting -> failed                             (death timeout)

Only one transition runs at a time. Status changes are published on an
events.Broker; use Events to follow them.

# Crash and memory handling

A watcher goroutine per process notices exits nobody asked for and restarts
the worker in a new directory. The previous directory is removed once the
replacement is running. With a non-zero memory limit a monitor samples the
worker's RSS from procfs and restarts it when the limit is exceeded.

# Remote control

The nanny serves identity, status, kill, instantiate, restart and
terminate over the same RPC transport as schedulers and workers.
*/
package nanny
