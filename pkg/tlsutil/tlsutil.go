// Package tlsutil builds server tls.Config values, with optional client
// certificate verification, from certificate paths on disk.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/keybridge/errors"
)

// ServerConfig locates the certificate material of a TLS listener.
type ServerConfig struct {
	CertFile   string
	KeyFile    string
	MinVersion string // "1.2" or "1.3"

	// ClientCAFiles enables client certificate verification when non-empty.
	ClientCAFiles     []string
	RequireClientCert bool
	AllowedClientCNs  []string
}

// Enabled reports whether a certificate is configured.
func (c ServerConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// LoadServerConfig returns nil when TLS is not enabled.
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   ParseVersion(cfg.MinVersion),
	}
	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}

	if err := applyClientAuth(tlsConfig, cfg); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

func applyClientAuth(tlsConfig *tls.Config, cfg ServerConfig) error {
	clientCAs, err := loadPool(cfg.ClientCAFiles)
	if err != nil {
		return errors.WrapFatal(err, "tlsutil", "applyClientAuth", "load client CAs")
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := cfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			// Optional client certs that were not presented leave no chains.
			if len(chains) == 0 && !cfg.RequireClientCert {
				return nil
			}
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

// LoadCertPool reads PEM certificates into a fresh pool.
func LoadCertPool(files ...string) (*x509.CertPool, error) {
	pool, err := loadPool(files)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadCertPool", "load certificates")
	}
	return pool, nil
}

func loadPool(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, file := range files {
		pemData, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no PEM certificates in %s", file)
		}
	}
	return pool, nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leaf := chains[0][0]
	for _, cn := range allowedCNs {
		if leaf.Subject.CommonName == cn {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", leaf.Subject.CommonName)
}

// ParseVersion maps "1.3" to TLS 1.3 and anything else to TLS 1.2.
func ParseVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
