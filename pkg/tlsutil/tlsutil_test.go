package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/testutil"
)

func TestLoadServerConfig_Disabled(t *testing.T) {
	cfg, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadServerConfig(t *testing.T) {
	server := testutil.WriteTestCert(t, t.TempDir(), "localhost")

	tests := []struct {
		name       string
		minVersion string
		want       uint16
	}{
		{"default version", "", tls.VersionTLS12},
		{"tls 1.2", "1.2", tls.VersionTLS12},
		{"tls 1.3", "1.3", tls.VersionTLS13},
		{"unknown version", "1.1", tls.VersionTLS12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerConfig(ServerConfig{
				CertFile:   server.CertFile,
				KeyFile:    server.KeyFile,
				MinVersion: tt.minVersion,
			})
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, tt.want, cfg.MinVersion)
			assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
		})
	}
}

func TestLoadServerConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	server := testutil.WriteTestCert(t, dir, "localhost")
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o644))

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"missing key", ServerConfig{CertFile: server.CertFile, KeyFile: filepath.Join(dir, "absent.pem")}},
		{"key without cert", ServerConfig{KeyFile: server.KeyFile}},
		{"missing client CA", ServerConfig{CertFile: server.CertFile, KeyFile: server.KeyFile,
			ClientCAFiles: []string{filepath.Join(dir, "absent-ca.pem")}}},
		{"client CA without PEM", ServerConfig{CertFile: server.CertFile, KeyFile: server.KeyFile,
			ClientCAFiles: []string{garbage}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestLoadServerConfig_ClientAuthMode(t *testing.T) {
	dir := t.TempDir()
	server := testutil.WriteTestCert(t, dir, "localhost")
	client := testutil.WriteTestCert(t, dir, "bridge-client")

	base := ServerConfig{CertFile: server.CertFile, KeyFile: server.KeyFile, ClientCAFiles: []string{client.CertFile}}

	optional, err := LoadServerConfig(base)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, optional.ClientAuth)
	assert.NotNil(t, optional.ClientCAs)
	assert.Nil(t, optional.VerifyPeerCertificate)

	base.RequireClientCert = true
	base.AllowedClientCNs = []string{"bridge-client"}
	required, err := LoadServerConfig(base)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, required.ClientAuth)
	assert.NotNil(t, required.VerifyPeerCertificate)
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{}
	leaf.Subject.CommonName = "bridge-client"
	chains := [][]*x509.Certificate{{leaf}}

	assert.NoError(t, verifyAllowedClientCN(chains, []string{"other", "bridge-client"}))
	assert.ErrorContains(t, verifyAllowedClientCN(chains, []string{"other"}), "not in allowed list")
	assert.ErrorContains(t, verifyAllowedClientCN(nil, []string{"bridge-client"}), "no verified certificate chains")
}

func TestLoadCertPool(t *testing.T) {
	dir := t.TempDir()
	a := testutil.WriteTestCert(t, dir, "a")
	b := testutil.WriteTestCert(t, dir, "b")

	pool, err := LoadCertPool(a.CertFile, b.CertFile)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	_, err = LoadCertPool(filepath.Join(dir, "absent.pem"))
	assert.True(t, errors.IsFatal(err))
}

// handshake serves one HTTPS request with serverCfg and returns the client's error.
func handshake(t *testing.T, serverCfg *tls.Config, serverCA []byte, client *testutil.CertFiles) error {
	t.Helper()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	t.Cleanup(srv.Close)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(serverCA))
	clientCfg := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
	if client != nil {
		cert, err := tls.LoadX509KeyPair(client.CertFile, client.KeyFile)
		require.NoError(t, err)
		clientCfg.Certificates = []tls.Certificate{cert}
	}

	httpClient := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := httpClient.Get(srv.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	return nil
}

func TestHandshake(t *testing.T) {
	dir := t.TempDir()
	server := testutil.WriteTestCert(t, dir, "localhost")
	trusted := testutil.WriteTestCert(t, dir, "bridge-client")
	intruder := testutil.WriteTestCert(t, dir, "intruder")

	tests := []struct {
		name    string
		cfg     ServerConfig
		client  *testutil.CertFiles
		wantErr bool
	}{
		{"plain TLS", ServerConfig{}, nil, false},
		{"required cert presented", ServerConfig{RequireClientCert: true, ClientCAFiles: []string{trusted.CertFile}}, &trusted, false},
		{"required cert missing", ServerConfig{RequireClientCert: true, ClientCAFiles: []string{trusted.CertFile}}, nil, true},
		{"optional cert missing", ServerConfig{ClientCAFiles: []string{trusted.CertFile}}, nil, false},
		{"optional cert presented", ServerConfig{ClientCAFiles: []string{trusted.CertFile}}, &trusted, false},
		{"untrusted cert", ServerConfig{RequireClientCert: true, ClientCAFiles: []string{trusted.CertFile}}, &intruder, true},
		{"allowed CN", ServerConfig{RequireClientCert: true, ClientCAFiles: []string{trusted.CertFile},
			AllowedClientCNs: []string{"bridge-client"}}, &trusted, false},
		{"CN not allowed", ServerConfig{RequireClientCert: true, ClientCAFiles: []string{trusted.CertFile, intruder.CertFile},
			AllowedClientCNs: []string{"bridge-client"}}, &intruder, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.CertFile = server.CertFile
			cfg.KeyFile = server.KeyFile
			serverCfg, err := LoadServerConfig(cfg)
			require.NoError(t, err)

			err = handshake(t, serverCfg, server.CertPEM, tt.client)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
