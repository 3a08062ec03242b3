// Package discovery lets workers, nannies and clients find the scheduler.
//
// A scheduler can advertise itself in a JSON scheduler file on a shared
// filesystem, in a Redis key, as a DNS TXT record served by DNSServer, or
// any combination. Resolve picks the first configured source.
package discovery
