package security

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

func issueTestCert(t *testing.T) (*CertAuthority, string) {
	t.Helper()
	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	return ca, t.TempDir()
}

func TestWriteRoleFilesSeparate(t *testing.T) {
	ca, dir := issueTestCert(t)
	cert, err := ca.IssueRoleCertificate(types.RoleWorker, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	files, err := WriteRoleFiles(dir, types.RoleWorker, cert, false)
	if err != nil {
		t.Fatalf("Failed to write role files: %v", err)
	}
	if files.Key == "" {
		t.Fatal("Expected a separate key file")
	}

	loaded, err := LoadCertFile(files.Cert)
	if err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}
	if !loaded.Equal(cert.Leaf) {
		t.Error("Loaded certificate differs")
	}
	if _, err := LoadKeyFile(files.Key); err != nil {
		t.Errorf("Failed to load key: %v", err)
	}

	info, err := os.Stat(files.Key)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Key file permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestWriteRoleFilesCombined(t *testing.T) {
	ca, dir := issueTestCert(t)
	cert, err := ca.IssueRoleCertificate(types.RoleWorker, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	files, err := WriteRoleFiles(dir, types.RoleWorker, cert, true)
	if err != nil {
		t.Fatalf("Failed to write role files: %v", err)
	}
	if files.Key != "" {
		t.Errorf("Combined file should not report a key path, got %q", files.Key)
	}
	if _, err := LoadCertFile(files.Cert); err != nil {
		t.Errorf("Failed to read cert from combined file: %v", err)
	}
	if _, err := LoadKeyFile(files.Cert); err != nil {
		t.Errorf("Failed to read key from combined file: %v", err)
	}
}

func TestLoadCertPool(t *testing.T) {
	ca, dir := issueTestCert(t)
	if err := ca.Save(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertPool(filepath.Join(dir, caCertFile)); err != nil {
		t.Errorf("Failed to load pool: %v", err)
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, []byte("nothing"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertPool(empty); err == nil {
		t.Error("Expected error for file without certificates")
	}
	if _, err := LoadCertPool(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestInitClusterCerts(t *testing.T) {
	dir := t.TempDir()
	overrides, err := InitClusterCerts(dir, []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("Failed to init cluster certs: %v", err)
	}

	for _, role := range types.Roles {
		for _, kind := range []string{"cert", "key"} {
			key := "tls_" + string(role) + "_" + kind
			path, ok := overrides[key].(string)
			if !ok {
				t.Fatalf("Missing override %s", key)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("%s not written: %v", key, err)
			}
		}
	}

	sec, err := New(nil, overrides)
	if err != nil {
		t.Fatalf("Overrides rejected: %v", err)
	}
	if _, err := sec.ListenArgs(types.RoleScheduler); err != nil {
		t.Errorf("Failed to build scheduler context: %v", err)
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		cert     *x509.Certificate
		expected bool
	}{
		{"nil certificate", nil, true},
		{"expires in 10 days", &x509.Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}, true},
		{"expires in 60 days", &x509.Certificate{NotAfter: time.Now().Add(60 * 24 * time.Hour)}, false},
		{"already expired", &x509.Certificate{NotAfter: time.Now().Add(-time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CertNeedsRotation(tt.cert); got != tt.expected {
				t.Errorf("CertNeedsRotation() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestValidateCertChain(t *testing.T) {
	ca, _ := issueTestCert(t)
	cert, err := ca.IssueRoleCertificate(types.RoleClient, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ValidateCertChain(cert.Leaf, ca.rootCert); err != nil {
		t.Errorf("Valid chain rejected: %v", err)
	}
	if err := ValidateCertChain(nil, ca.rootCert); err == nil {
		t.Error("Expected error for nil certificate")
	}
	if err := ValidateCertChain(cert.Leaf, nil); err == nil {
		t.Error("Expected error for nil CA")
	}
}

func TestGetCertInfo(t *testing.T) {
	ca, _ := issueTestCert(t)
	cert, err := ca.IssueRoleCertificate(types.RoleScheduler, "s1", []string{"scheduler.local"})
	if err != nil {
		t.Fatal(err)
	}

	info := GetCertInfo(cert.Leaf)
	if info["subject"] != "scheduler-s1" {
		t.Errorf("subject = %v", info["subject"])
	}
	if info["issuer"] != "Burrow Root CA" {
		t.Errorf("issuer = %v", info["issuer"])
	}
	if info["needs_rotation"] != false {
		t.Errorf("needs_rotation = %v", info["needs_rotation"])
	}
	if _, ok := GetCertInfo(nil)["error"]; !ok {
		t.Error("Expected error entry for nil certificate")
	}
}
