package identity

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestSelfSignedTLSConfigProducesUsableCertificate(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	cfg, err := id.SelfSignedTLSConfig([]string{"meshvault/1"})
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig failed: %v", err)
	}

	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify: TLS here only encrypts the wire and does not authenticate the peer")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("expected MinVersion TLS 1.3, got %x", cfg.MinVersion)
	}

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse self-signed certificate: %v", err)
	}

	if leaf.Subject.CommonName != id.BID() {
		t.Errorf("expected certificate CommonName to be the identity's BID, got %q", leaf.Subject.CommonName)
	}

	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		t.Fatalf("expected certificate public key to be ed25519, got %T", leaf.PublicKey)
	}
	if !pub.Equal(ed25519.PublicKey(id.SigningPublicKey)) {
		t.Error("certificate public key does not match the identity's own signing key")
	}

	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		t.Errorf("self-signed certificate failed self-verification: %v", err)
	}
}

func TestSelfSignedTLSConfigDiffersPerIdentity(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}

	cfgA, err := a.SelfSignedTLSConfig(nil)
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}
	cfgB, err := b.SelfSignedTLSConfig(nil)
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}

	leafA, err := x509.ParseCertificate(cfgA.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parsing certificate A: %v", err)
	}
	leafB, err := x509.ParseCertificate(cfgB.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parsing certificate B: %v", err)
	}

	if leafA.Subject.CommonName == leafB.Subject.CommonName {
		t.Error("two distinct identities produced the same certificate CommonName")
	}
}
