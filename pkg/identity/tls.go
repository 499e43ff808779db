package identity

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// SelfSignedTLSConfig derives a self-signed TLS certificate from this
// identity's own Ed25519 signing key and wraps it in a *tls.Config usable
// for both Listen and Dial. TLS here only encrypts the wire and does not
// authenticate the peer, so InsecureSkipVerify is set rather than standing
// up a certificate authority nobody in the overlay could reach. Outgoing
// BaseFrames carry an Ed25519 signature, but the receiving side does not
// verify it.
func (id *Identity) SelfSignedTLSConfig(nextProtos []string) (*tls.Config, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: id.BID()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to self-sign TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  id.SigningPrivateKey,
		}},
		NextProtos:         nextProtos,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}, nil
}
