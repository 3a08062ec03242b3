/*
Package comm maps burrow addresses onto transports.

Three schemes are understood:

	tcp://host:port      plaintext TCP
	tls://host:port      TCP with the TLS context of the caller's role
	inproc://name        in-memory pipe inside the current process

Listen and DialOptions both enforce the security bundle they are given: a
tcp address is refused with an "encryption required" error when the bundle
sets RequireEncryption, and a tls address is refused when the role has no
certificate. inproc counts as secure since it never leaves the process; it
backs most unit tests.

The package only deals with binding and reaching endpoints. Message framing
and method dispatch live in the rpc package.
*/
package comm
