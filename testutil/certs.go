package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CertFiles are the PEM files of one self-signed certificate. The
// certificate doubles as its own CA.
type CertFiles struct {
	CertFile string
	KeyFile  string
	CertPEM  []byte
}

// WriteTestCert writes a self-signed certificate for cn into dir. It is valid
// for server and client auth on localhost and 127.0.0.1.
func WriteTestCert(t *testing.T, dir, cn string) CertFiles {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"keybridge test"},
			CommonName:   cn,
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	files := CertFiles{
		CertFile: filepath.Join(dir, cn+"-cert.pem"),
		KeyFile:  filepath.Join(dir, cn+"-key.pem"),
		CertPEM:  certPEM,
	}
	require.NoError(t, os.WriteFile(files.CertFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(files.KeyFile, keyPEM, 0o600))
	return files
}
