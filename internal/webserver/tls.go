package webserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

	"golang.org/x/crypto/acme/autocert"
)

type TLSConfig struct {
	Mode     string // "self-signed", "autocert", "manual", or "" (plain HTTP)
	Domain   string
	CertFile string
	KeyFile  string
	CacheDir string
}

// tlsConfig builds the listener TLS settings for cfg, or nil for plain HTTP.
func tlsConfig(cfg TLSConfig) (*tls.Config, error) {
	switch cfg.Mode {
	case "":
		return nil, nil
	case "self-signed":
		return selfSignedTLS(cfg.CacheDir)
	case "manual":
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("tls: manual mode needs certFile and keyFile")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case "autocert":
		if cfg.Domain == "" {
			return nil, fmt.Errorf("tls: autocert mode needs a domain")
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.CacheDir),
		}
		return m.TLSConfig(), nil
	}
	return nil, fmt.Errorf("tls: unknown mode %q", cfg.Mode)
}

// selfSignedTLS returns a tls.Config backed by a self-signed ECDSA cert stored
// in cacheDir. The cert is generated once and reused on subsequent starts.
func selfSignedTLS(cacheDir string) (*tls.Config, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}
	certFile := filepath.Join(cacheDir, "self-signed.crt")
	keyFile := filepath.Join(cacheDir, "self-signed.key")

	if _, err := os.Stat(certFile); os.IsNotExist(err) {
		if err := generateSelfSigned(certFile, keyFile); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		// Cert may be corrupt; regenerate and retry.
		if err := generateSelfSigned(certFile, keyFile); err != nil {
			return nil, err
		}
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func generateSelfSigned(certFile, keyFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"career-agent"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	cf, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer cf.Close()
	if err := pem.Encode(cf, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return err
	}

	kf, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer kf.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(kf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
