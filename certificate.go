//////////////////////////////////////////////////////////////////////////////
//
// Certificate is the local identity presented during the DTLS handshake.
//
// Copyright (c) 2020 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtckit

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pkg/errors"
)

// Fingerprints advertised in signaling use SHA-256, like the browsers do.
const fingerprintHash = crypto.SHA256

// Certificate wraps an x509 certificate and its private key for use as a
// DTLS identity.
type Certificate struct {
	privateKey crypto.PrivateKey
	x509Cert   *x509.Certificate
}

// NewCertificate wraps an existing certificate and private key.
func NewCertificate(cert *x509.Certificate, key crypto.PrivateKey) *Certificate {
	return &Certificate{privateKey: key, x509Cert: cert}
}

// GenerateCertificate creates a fresh DTLS identity:
//
//   - elliptic curve digital signature algorithm (ECDSA) over the P-256 curve
//   - a randomly generated serial number
//   - "WebRTC" as the certificate's subject common name
//   - valid for 30 days (what Chrome issues)
//   - ECDSA with SHA-256 as the signature algorithm
//
// The signature algorithm is distinct from the certificate fingerprint (a
// hash of the DER ASN.1 encoding), which must match the fingerprint
// advertised in signaling.
func GenerateCertificate() (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, errors.Wrap(err, "generate serial number")
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		SerialNumber:       serialNumber,
		Subject:            pkix.Name{CommonName: "WebRTC"},
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(30 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}

	return &Certificate{privateKey: priv, x509Cert: cert}, nil
}

// GetFingerprints computes the digests of the certificate for use in
// signaling.
func (c *Certificate) GetFingerprints() ([]DTLSFingerprint, error) {
	algorithm, err := fingerprint.StringFromHash(fingerprintHash)
	if err != nil {
		return nil, errors.Wrap(err, "fingerprint algorithm")
	}

	value, err := fingerprint.Fingerprint(c.x509Cert, fingerprintHash)
	if err != nil {
		return nil, errors.Wrap(err, "fingerprint")
	}

	return []DTLSFingerprint{{Algorithm: algorithm, Value: value}}, nil
}

// tlsCertificate renders the identity in the form the handshake library
// consumes.
func (c *Certificate) tlsCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.x509Cert.Raw},
		PrivateKey:  c.privateKey,
		Leaf:        c.x509Cert,
	}
}
