/*
Package worker implements the burrow worker process.

A worker keeps the results of tasks in a storage.Store, hands them to peers
that ask through get_data, accepts new data through update_data and, when
asked to gather, pulls missing keys from other workers with
exchange.Gather. Whenever it stores or drops data with report set it tells
the scheduler, so who_has stays accurate.

# Lifecycle

Start opens the store, listens, registers with the scheduler (announcing any
keys already in a persistent store) and starts a heartbeat loop. A heartbeat
answered with "missing" triggers a new registration. Stop unregisters and
shuts the server down; the terminate method does the same on behalf of a
remote caller.

# Supervision

Under a nanny the worker runs as the "worker" subcommand of the same binary
(see NewCommand). After registering it prints a single JSON line on stdout:

	{"address":"tcp://127.0.0.1:40113","pid":4242,"id":"Worker-..."}

The nanny waits for that line to learn the worker's address. Logs go to
stderr so they never interleave with the handshake.
*/
package worker
