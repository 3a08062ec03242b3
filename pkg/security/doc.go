/*
Package security resolves the transport security profile of a burrow process.

A Security value holds the global require_encryption flag, a CA file, an
optional cipher list and a certificate/key pair per role (scheduler, worker,
client). It is built once from layered configuration plus explicit
overrides, then shared read-only by every connection of the process.

# Building a profile

	cfg, _ := config.NewLoader().Load()
	sec, err := security.New(cfg, security.Overrides{
		"tls_scheduler_cert": "/certs/scheduler.pem",
		"tls_ca_file":        nil, // clears the configured CA
	})

Configuration keys:

	comm.require-encryption        bool
	comm.tls.ca-file               path
	comm.tls.ciphers               colon separated cipher names
	comm.tls.<role>.cert           path
	comm.tls.<role>.key            path; when absent the cert file must hold the key too

Override names are the field names listed by Fields. Anything else is a
configuration error, as is asking Field for an unknown name.

# Connection bundles

ConnectionArgs and ListenArgs return an Args bundle. TLS is nil when the role
has no certificate; the endpoint is then plaintext capable, and the comm
package refuses plaintext transports when RequireEncryption is set.

A built tls.Config always requires a peer certificate signed by the
configured CA. Host names are not matched: cluster members are identified by
CA trust, and workers frequently advertise addresses that do not appear in
their certificates. Listeners use RequireAndVerifyClientCert; dialers turn
off the default verification and check the chain in VerifyConnection.

Cipher lists accept OpenSSL names (ECDHE-RSA-AES128-GCM-SHA256) or the IANA
names Go uses. They restrict TLS 1.2 suites only.

# Certificate authority

CertAuthority issues ECDSA certificates carrying both client and server
usages for each role. InitClusterCerts writes a CA and one certificate per
role into a directory and returns the matching Overrides; the "burrow certs
init" command and the test suites use it.
*/
package security
