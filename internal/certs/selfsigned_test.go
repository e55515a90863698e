package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(48 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != 48*time.Hour {
		t.Errorf("validity = %v, want 48h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x509Cert.Subject.CommonName != "multiview" {
		t.Errorf("CommonName = %q, want multiview", x509Cert.Subject.CommonName)
	}

	expectedFingerprint := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != expectedFingerprint {
		t.Error("fingerprint mismatch")
	}
	if fp := cert.FingerprintHex(); len(fp) != 64 {
		t.Errorf("FingerprintHex length = %d, want 64", len(fp))
	}
	if !slices.Contains(x509Cert.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != DefaultValidity {
		t.Errorf("validity = %v, want %v", validity, DefaultValidity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "preview.lan", "10.0.0.7", "localhost")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if err := x509Cert.VerifyHostname("preview.lan"); err != nil {
		t.Errorf("VerifyHostname(preview.lan): %v", err)
	}
	if !slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IPAddresses = %v, want 10.0.0.7", x509Cert.IPAddresses)
	}
	if n := len(x509Cert.DNSNames); n != 2 {
		t.Errorf("DNSNames = %v, want localhost and preview.lan", x509Cert.DNSNames)
	}
	if cfg := cert.TLSConfig(); len(cfg.Certificates) != 1 {
		t.Errorf("TLSConfig certificates = %d, want 1", len(cfg.Certificates))
	}
}
