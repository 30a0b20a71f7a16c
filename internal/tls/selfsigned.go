// Package tls supplies the host's server certificate for the two
// TLS-terminated transports (quictransport, tcptunneltransport). A
// viewer trusts this host on first connect the same way a WHEP/WebRTC
// client trusts an ICE-negotiated DTLS cert — out of band, by
// fingerprint — so there is no CA chain to build here.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const certValidity = 365 * 24 * time.Hour

// HostCert returns a *tls.Config carrying the host's server
// certificate. When certPath is empty, it generates a fresh ECDSA
// P-256 self-signed certificate each call (the teacher's original
// ephemeral-per-run behavior). When certPath is set (spec §6's
// Config.CertPath), it loads "<certPath>.crt"/"<certPath>.key" from
// disk, generating and persisting them on first run — so a host's
// fingerprint stays stable across restarts, which matters for a
// viewer that pins it after the first manual verification.
func HostCert(certPath string) (*tls.Config, error) {
	if certPath == "" {
		cert, _, err := generateCert()
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	crtFile, keyFile := certPath+".crt", certPath+".key"
	cert, err := tls.LoadX509KeyPair(crtFile, keyFile)
	if err == nil {
		log.Info().Str("cert_path", crtFile).Msg("tls: loaded persisted host certificate")
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load persisted certificate: %w", err)
	}

	cert, certPEM, keyPEM, err := generateAndEncodeCert()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(crtFile), 0o700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}
	if err := os.WriteFile(crtFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	log.Info().Str("cert_path", crtFile).Msg("tls: generated and persisted host certificate")

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func generateCert() (tls.Certificate, []byte, error) {
	cert, certPEM, _, err := generateAndEncodeCert()
	return cert, certPEM, err
}

// generateAndEncodeCert builds an ECDSA P-256 certificate valid for
// certValidity, covering localhost, loopback addresses, and every
// non-loopback interface IP (so a LAN viewer's dial against the
// host's real IP still matches a SAN), and logs its SHA-256
// fingerprint for out-of-band verification.
func generateAndEncodeCert() (tls.Certificate, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ipNet.IP)
			}
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("load key pair: %w", err)
	}

	fp := sha256.Sum256(certDER)
	log.Info().Str("fingerprint_sha256", fmt.Sprintf("%X", fp)).Int("sans", len(tmpl.IPAddresses)).Msg("tls: generated self-signed host certificate")

	return cert, certPEM, keyPEM, nil
}
