package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndtelles/Atticus/errors"
)

type certFiles struct {
	cert, key string
}

// writeTestCert creates a self-signed certificate usable by both sides of
// a handshake and returns the file paths.
func writeTestCert(t *testing.T, cn string) certFiles {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	files := certFiles{
		cert: filepath.Join(dir, cn+"-cert.pem"),
		key:  filepath.Join(dir, cn+"-key.pem"),
	}
	require.NoError(t, os.WriteFile(files.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o644))
	require.NoError(t, os.WriteFile(files.key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return files
}

// handshake runs a TLS handshake over loopback and returns both sides' errors.
func handshake(t *testing.T, server, client *tls.Config) (serverErr, clientErr error) {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		err = conn.(*tls.Conn).Handshake()
		if err == nil {
			_, err = conn.Write([]byte("ok"))
		}
		done <- err
	}()

	client = client.Clone()
	client.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), client)
	if err == nil {
		buf := make([]byte, 2)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = io.ReadFull(conn, buf)
		_ = conn.Close()
	}

	select {
	case serverErr = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not finish")
	}
	return serverErr, err
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr error
	}{
		{"valid", ServerConfig{CertFile: "c", KeyFile: "k"}, nil},
		{"tls 1.3", ServerConfig{CertFile: "c", KeyFile: "k", MinVersion: "1.3"}, nil},
		{"missing key", ServerConfig{CertFile: "c"}, errors.ErrMissingConfig},
		{"bad version", ServerConfig{CertFile: "c", KeyFile: "k", MinVersion: "1.0"}, errors.ErrInvalidConfig},
		{"require without CA", ServerConfig{CertFile: "c", KeyFile: "k", RequireClientCert: true}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClientConfig_Validate(t *testing.T) {
	assert.NoError(t, ClientConfig{}.Validate())
	assert.NoError(t, ClientConfig{CertFile: "c", KeyFile: "k"}.Validate())
	assert.ErrorIs(t, ClientConfig{CertFile: "c"}.Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, ClientConfig{MinVersion: "2"}.Validate(), errors.ErrInvalidConfig)
}

func TestLoadServer(t *testing.T) {
	files := writeTestCert(t, "localhost")

	cfg, err := LoadServer(ServerConfig{CertFile: files.cert, KeyFile: files.key, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = LoadServer(ServerConfig{CertFile: files.cert, KeyFile: filepath.Join(t.TempDir(), "none.pem")})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadClient(t *testing.T) {
	files := writeTestCert(t, "localhost")

	cfg, err := LoadClient(ClientConfig{CAFiles: []string{files.cert}})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Empty(t, cfg.Certificates)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o644))
	_, err = LoadClient(ClientConfig{CAFiles: []string{bad}})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	withCert, err := LoadClient(ClientConfig{CertFile: files.cert, KeyFile: files.key})
	require.NoError(t, err)
	assert.Len(t, withCert.Certificates, 1)
}

func TestHandshake_TrustedServer(t *testing.T) {
	server := writeTestCert(t, "localhost")

	serverCfg, err := LoadServer(ServerConfig{CertFile: server.cert, KeyFile: server.key})
	require.NoError(t, err)
	clientCfg, err := LoadClient(ClientConfig{CAFiles: []string{server.cert}})
	require.NoError(t, err)

	serverErr, clientErr := handshake(t, serverCfg, clientCfg)
	assert.NoError(t, serverErr)
	assert.NoError(t, clientErr)
}

func TestHandshake_RequiredClientCert(t *testing.T) {
	server := writeTestCert(t, "localhost")
	client := writeTestCert(t, "bench")

	serverCfg, err := LoadServer(ServerConfig{
		CertFile:          server.cert,
		KeyFile:           server.key,
		ClientCAFiles:     []string{client.cert},
		RequireClientCert: true,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)

	t.Run("with certificate", func(t *testing.T) {
		clientCfg, err := LoadClient(ClientConfig{CAFiles: []string{server.cert}, CertFile: client.cert, KeyFile: client.key})
		require.NoError(t, err)
		serverErr, clientErr := handshake(t, serverCfg, clientCfg)
		assert.NoError(t, serverErr)
		assert.NoError(t, clientErr)
	})

	t.Run("without certificate", func(t *testing.T) {
		clientCfg, err := LoadClient(ClientConfig{CAFiles: []string{server.cert}})
		require.NoError(t, err)
		serverErr, _ := handshake(t, serverCfg, clientCfg)
		assert.Error(t, serverErr)
	})
}

func TestHandshake_ClientCNWhitelist(t *testing.T) {
	server := writeTestCert(t, "localhost")
	client := writeTestCert(t, "intruder")

	serverCfg, err := LoadServer(ServerConfig{
		CertFile:          server.cert,
		KeyFile:           server.key,
		ClientCAFiles:     []string{client.cert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"bench"},
	})
	require.NoError(t, err)

	clientCfg, err := LoadClient(ClientConfig{CAFiles: []string{server.cert}, CertFile: client.cert, KeyFile: client.key})
	require.NoError(t, err)

	serverErr, _ := handshake(t, serverCfg, clientCfg)
	require.Error(t, serverErr)
	assert.Contains(t, serverErr.Error(), "not in allowed list")
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "bench"}}

	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other", "bench"}))
	assert.Error(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"bench"}))
}
