// Package tlsutil builds the TLS identity of a node: a certificate loaded
// from disk, or a self-signed one generated at startup.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"

	"humble/internal/config"
)

const selfSignedValidity = 365 * 24 * time.Hour

// NodeConfig builds the TLS config a node uses for every role: serving
// client connections, serving or dialing the hub link. With no cert/key
// configured, a self-signed certificate is generated; peers then verify by
// fingerprint, not by chain, so verification is relaxed unless
// reject_unauthorized is set.
func NodeConfig(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: load keypair: %w", err)
		}
	} else {
		cert, err = SelfSigned(cfg.Name, cfg.Host)
		if err != nil {
			return nil, err
		}
	}

	tc := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.RejectUnauthorized,
		// Client certificates carry the identity fingerprint; ask for one
		// but let anonymous clients in.
		ClientAuth: tls.RequestClientCert,
	}
	if cfg.RequireClientCert {
		tc.ClientAuth = tls.RequireAnyClientCert
	}

	if cfg.TLS.CA != "" {
		pem, err := os.ReadFile(cfg.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tlsutil: no certificates in %s", cfg.TLS.CA)
		}
		tc.RootCAs = pool
		tc.ClientCAs = pool
	}
	return tc, nil
}

// SelfSigned generates an ECDSA P-256 certificate for name, valid for a
// year, with localhost and host in the SANs.
func SelfSigned(name, host string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: generate serial: %w", err)
	}

	if name == "" {
		name = "humble"
	}
	sans := []string{"localhost"}
	if host != "" && host != "localhost" && host != "0.0.0.0" {
		sans = append(sans, host)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(selfSignedValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsutil: parse certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
