package security

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Certificate rotation threshold: rotate when less than 30 days remaining
const certRotationThreshold = 30 * 24 * time.Hour

// EncodeCertPEM wraps a DER certificate in a CERTIFICATE block
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodeKeyPEM encodes a private key as PKCS#8
func EncodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadCertFile reads the first certificate of a PEM file
func LoadCertFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %s", path)
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			return cert, nil
		}
	}
}

// LoadKeyFile reads the first private key of a PEM file. Certificates in the
// same file are skipped, so combined key+cert files work.
func LoadKeyFile(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key found in %s", path)
		}
		switch block.Type {
		case "PRIVATE KEY":
			return x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		}
	}
}

// LoadCertPool reads every certificate of a PEM bundle into a pool
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// RoleFiles names the files written for one role
type RoleFiles struct {
	Cert string
	Key  string
}

// WriteRoleFiles writes <role>.pem and <role>-key.pem into dir. With combined
// set, the key is prepended to the certificate file and Key is left empty.
func WriteRoleFiles(dir string, role types.Role, cert *tls.Certificate, combined bool) (RoleFiles, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return RoleFiles{}, fmt.Errorf("failed to create cert directory: %w", err)
	}
	keyPEM, err := EncodeKeyPEM(cert.PrivateKey)
	if err != nil {
		return RoleFiles{}, err
	}
	certPEM := EncodeCertPEM(cert.Certificate[0])

	files := RoleFiles{Cert: filepath.Join(dir, string(role)+".pem")}
	if combined {
		if err := os.WriteFile(files.Cert, append(keyPEM, certPEM...), 0600); err != nil {
			return RoleFiles{}, fmt.Errorf("failed to write %s certificate: %w", role, err)
		}
		return files, nil
	}

	files.Key = filepath.Join(dir, string(role)+"-key.pem")
	if err := os.WriteFile(files.Cert, certPEM, 0644); err != nil {
		return RoleFiles{}, fmt.Errorf("failed to write %s certificate: %w", role, err)
	}
	if err := os.WriteFile(files.Key, keyPEM, 0600); err != nil {
		return RoleFiles{}, fmt.Errorf("failed to write %s key: %w", role, err)
	}
	return files, nil
}

// InitClusterCerts creates a CA in dir and issues a certificate for every
// role. It returns overrides pointing a Security profile at the new files.
func InitClusterCerts(dir string, hosts []string) (Overrides, error) {
	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return nil, err
	}
	if err := ca.Save(dir); err != nil {
		return nil, err
	}

	overrides := Overrides{"tls_ca_file": filepath.Join(dir, caCertFile)}
	for _, role := range types.Roles {
		cert, err := ca.IssueRoleCertificate(role, "", hosts)
		if err != nil {
			return nil, err
		}
		files, err := WriteRoleFiles(dir, role, cert, false)
		if err != nil {
			return nil, err
		}
		overrides["tls_"+string(role)+"_cert"] = files.Cert
		overrides["tls_"+string(role)+"_key"] = files.Key
	}
	return overrides, nil
}

// CertNeedsRotation returns true if the certificate should be rotated
// This happens when less than 30 days remain until expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that a certificate is signed by the CA
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GetCertInfo returns human-readable information about a certificate
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"subject":        cert.Subject.CommonName,
		"issuer":         cert.Issuer.CommonName,
		"serial_number":  cert.SerialNumber.String(),
		"not_before":     cert.NotBefore.Format(time.RFC3339),
		"not_after":      cert.NotAfter.Format(time.RFC3339),
		"is_ca":          cert.IsCA,
		"dns_names":      cert.DNSNames,
		"needs_rotation": CertNeedsRotation(cert),
	}
}
