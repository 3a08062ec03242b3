package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// CertAuthority issues role certificates for a burrow cluster. It backs the
// "burrow certs" command and test fixtures; production clusters may bring
// their own PKI instead.
type CertAuthority struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	issued   map[string]*x509.Certificate
	mu       sync.RWMutex
}

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Role certificate validity: 1 year
	roleCertValidity = 365 * 24 * time.Hour

	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
)

// NewCertAuthority creates an empty certificate authority
func NewCertAuthority() *CertAuthority {
	return &CertAuthority{issued: make(map[string]*x509.Certificate)}
}

// Initialize generates a new root CA certificate
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := newSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Burrow Cluster"},
			CommonName:   "Burrow Root CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Save writes ca.pem and ca-key.pem into dir
func (ca *CertAuthority) Save(dir string) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, caCertFile), EncodeCertPEM(ca.rootCert.Raw), 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	keyPEM, err := EncodeKeyPEM(ca.rootKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}
	return nil
}

// LoadCertAuthority reads a CA previously written by Save
func LoadCertAuthority(dir string) (*CertAuthority, error) {
	cert, err := LoadCertFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, err
	}
	key, err := LoadKeyFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, expected ECDSA", key)
	}
	ca := NewCertAuthority()
	ca.rootCert = cert
	ca.rootKey = ecKey
	return ca, nil
}

// IssueRoleCertificate issues a certificate usable both as TLS client and
// server for the given role. hosts may hold DNS names or IP addresses.
func (ca *CertAuthority) IssueRoleCertificate(role types.Role, name string, hosts []string) (*tls.Certificate, error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return nil, err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", role, err)
	}

	serialNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	cn := string(role)
	if name != "" {
		cn = fmt.Sprintf("%s-%s", role, name)
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{"Burrow Cluster"},
			OrganizationalUnit: []string{string(role)},
			CommonName:         cn,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(roleCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s certificate: %w", role, err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s certificate: %w", role, err)
	}
	ca.issued[cn] = leaf

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// VerifyCertificate verifies a certificate against the root CA
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}
	return ValidateCertChain(cert, ca.rootCert)
}

// RootCertPEM returns the root certificate PEM encoded
func (ca *CertAuthority) RootCertPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return EncodeCertPEM(ca.rootCert.Raw)
}

// IsInitialized returns true if the CA is initialized
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return ca.rootCert != nil && ca.rootKey != nil
}

// Issued returns the certificate last issued under a common name
func (ca *CertAuthority) Issued(commonName string) (*x509.Certificate, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	c, ok := ca.issued[commonName]
	return c, ok
}

func newSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}
