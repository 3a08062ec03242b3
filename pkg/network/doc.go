/*
Package network picks listening ports for worker processes.

A nanny can be told to keep its worker inside a port range, for example to
fit a firewall rule:

	burrow nanny tcp://scheduler:8786 --worker-port 9000:9100

ParsePortRange accepts an empty string or "0" (any port), a single port
("9000") or an inclusive range ("9000:9100"). PortRange.Pick then returns
the first port of the range that can currently be bound on the host. The
check is advisory: another process may grab the port before the worker
binds it, in which case the worker fails to start and the nanny picks
again on its next attempt.
*/
package network
