/*
Package types defines the data shared by every burrow component.

Roles: scheduler, worker and client. Each may carry distinct TLS material in
the security profile, and ParseRole rejects anything else with
ErrInvalidRole.

Worker lifecycle, as driven by a nanny:

	init -> starting -> running
	running -> restarting -> starting        (crash, memory limit, restart request)
	running|starting -> closing -> closed
	starting -> failed                       (no scheduler contact within the death timeout)

WorkerInfo is the registration handshake sent from a worker to the
scheduler. Identity is the payload of the identity RPC that every burrow
server answers and that the nanny uses to probe the scheduler.

# Errors

The error classes are plain sentinels:

  - ErrConfiguration: unknown security override, invalid role, malformed PEM
  - ErrProtocol: release by a non-holder, calls in the wrong state
  - ErrConnectivity: peer unreachable; drives gather re-routing
  - ErrTimeout: lock or death-timeout deadline
  - ErrFatalInternal: invariant violation

ErrInvalidRole and ErrEncryptionRequired are always wrapped together with
ErrConfiguration so both errors.Is checks succeed.
*/
package types
