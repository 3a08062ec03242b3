package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// Args is the parameter bundle handed to the transport when connecting or
// listening. TLS is nil when the role has no certificate, which means the
// endpoint may only use plaintext transports.
type Args struct {
	RequireEncryption bool
	TLS               *tls.Config
}

// ConnectionArgs returns the bundle for outgoing connections made as role
func (s *Security) ConnectionArgs(role types.Role) (Args, error) {
	return s.args(role, false)
}

// ListenArgs returns the bundle for listeners serving as role
func (s *Security) ListenArgs(role types.Role) (Args, error) {
	return s.args(role, true)
}

func (s *Security) args(role types.Role, server bool) (Args, error) {
	rc, err := s.TLSConfigForRole(role)
	if err != nil {
		return Args{}, err
	}
	args := Args{RequireEncryption: s.RequireEncryption}
	if rc.Cert == nil {
		return args, nil
	}
	cfg, err := buildTLSConfig(rc, server)
	if err != nil {
		return Args{}, fmt.Errorf("%w: %s TLS context: %v", types.ErrConfiguration, role, err)
	}
	args.TLS = cfg
	return args, nil
}

// buildTLSConfig returns a context that requires a peer certificate signed by
// the configured CA but does not match host names.
func buildTLSConfig(rc TLSRoleConfig, server bool) (*tls.Config, error) {
	keyFile := *rc.Cert
	if rc.Key != nil && *rc.Key != "" {
		keyFile = *rc.Key
	}
	cert, err := tls.LoadX509KeyPair(*rc.Cert, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	var roots *x509.CertPool
	if rc.CAFile != nil && *rc.CAFile != "" {
		roots, err = LoadCertPool(*rc.CAFile)
	} else {
		roots, err = x509.SystemCertPool()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if rc.Ciphers != nil && *rc.Ciphers != "" {
		suites, err := ParseCiphers(*rc.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	if server {
		cfg.ClientCAs = roots
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		return cfg, nil
	}

	// Hostname verification is off; the chain is checked by hand below.
	cfg.RootCAs = roots
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return verifyPeer(cs.PeerCertificates, roots)
	}
	return cfg, nil
}

func verifyPeer(chain []*x509.Certificate, roots *x509.CertPool) error {
	if len(chain) == 0 {
		return errors.New("peer presented no certificate")
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("peer certificate verification failed: %w", err)
	}
	return nil
}

// Peer verification is always required; hostname matching is never done.
// These helpers let callers and tests inspect a built context.

// VerifiesPeer reports whether cfg rejects peers without a trusted certificate
func VerifiesPeer(cfg *tls.Config) bool {
	if cfg == nil {
		return false
	}
	if cfg.ClientAuth == tls.RequireAndVerifyClientCert {
		return true
	}
	return cfg.VerifyConnection != nil && cfg.RootCAs != nil
}

// ChecksHostname reports whether cfg matches the server name against the peer
// certificate
func ChecksHostname(cfg *tls.Config) bool {
	return cfg != nil && cfg.ClientAuth != tls.RequireAndVerifyClientCert && !cfg.InsecureSkipVerify
}

// openSSLCiphers maps OpenSSL names onto the IANA names Go uses
var openSSLCiphers = map[string]string{
	"ECDHE-RSA-AES128-GCM-SHA256":   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384":   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256": "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384": "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-RSA-CHACHA20-POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-RSA-AES128-SHA":          "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
	"ECDHE-RSA-AES256-SHA":          "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
	"ECDHE-ECDSA-AES128-SHA":        "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
	"ECDHE-ECDSA-AES256-SHA":        "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA",
	"AES128-GCM-SHA256":             "TLS_RSA_WITH_AES_128_GCM_SHA256",
	"AES256-GCM-SHA384":             "TLS_RSA_WITH_AES_256_GCM_SHA384",
}

// ParseCiphers turns a colon separated cipher list (OpenSSL or IANA names)
// into TLS 1.2 suite ids. TLS 1.3 suites are accepted and skipped because Go
// does not allow restricting them.
func ParseCiphers(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	tls13 := make(map[string]bool)
	for _, cs := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		byName[cs.Name] = cs.ID
		for _, v := range cs.SupportedVersions {
			if v == tls.VersionTLS13 {
				tls13[cs.Name] = true
			}
		}
	}

	var out []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if iana, ok := openSSLCiphers[name]; ok {
			name = iana
		}
		if tls13[name] {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported cipher %q", types.ErrConfiguration, name)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: cipher list %q selects no TLS 1.2 suite", types.ErrConfiguration, list)
	}
	return out, nil
}
