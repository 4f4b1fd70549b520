package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	selfSignedValidity = 10 * 365 * 24 * time.Hour
	selfSignedKeySize  = 2048
)

// loadOrCreateSelfSigned returns the fallback certificate, generating
// and persisting one under certDir on first run.
func loadOrCreateSelfSigned(certDir, ipOverride string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "selfsigned.crt")
	keyPath := filepath.Join(certDir, "selfsigned.key")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
		}
		if cert.Leaf != nil && time.Now().Before(cert.Leaf.NotAfter) {
			return &cert, nil
		}
	}

	cert, certPEM, keyPEM, err := generateSelfSigned(ipOverride)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write fallback certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write fallback key: %w", err)
	}
	return cert, nil
}

func generateSelfSigned(ipOverride string) (*tls.Certificate, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, selfSignedKeySize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "truthgate",
			Organization: []string{"TruthGate"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"truthgate.local", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	if ipOverride != "" {
		if ip := net.ParseIP(ipOverride); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	cert.Leaf, _ = x509.ParseCertificate(der)
	return &cert, certPEM, keyPEM, nil
}
