// Package certs generates the self-signed ECDSA P-256 certificate the
// status API serves. Browsers only pin a self-signed certificate by hash
// over HTTP/3 when it is valid for at most 14 days.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

// MaxValidity is the longest validity Generate issues.
const MaxValidity = 14 * 24 * time.Hour

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// TLSConfig returns a server configuration presenting the certificate.
func (c *CertInfo) TLSConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{c.TLSCert}}
}

// Generate creates a self-signed certificate valid for the given duration,
// capped at MaxValidity. It always covers localhost and the loopback
// addresses; hosts adds names or IP addresses.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > MaxValidity || validity <= 0 {
		validity = MaxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute) // tolerate client clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tsclock"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    template.NotAfter,
	}, nil
}
