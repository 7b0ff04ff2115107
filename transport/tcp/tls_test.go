package tcp

import (
	"bufio"
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

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/pkg/tlsutil"
)

// selfSigned writes a loopback certificate and returns its files and pool.
func selfSigned(t *testing.T) (certFile, keyFile string, pool *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	pool = x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return certFile, keyFile, pool
}

func TestListener_TLS(t *testing.T) {
	certFile, keyFile, pool := selfSigned(t)
	l, _ := startListener(t, Config{TLS: &tlsutil.ServerConfig{CertFile: certFile, KeyFile: keyFile}})

	conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "*idn?\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "*IDN?\n", line)
}

func TestListener_TLSRejectsPlainClients(t *testing.T) {
	certFile, keyFile, _ := selfSigned(t)
	l, q := startListener(t, Config{TLS: &tlsutil.ServerConfig{CertFile: certFile, KeyFile: keyFile}})

	conn := dial(t, l)
	_, _ = io.WriteString(conn, "plain\n")

	// the handshake fails and the server hangs up without answering
	data, _ := io.ReadAll(conn)
	assert.NotContains(t, string(data), "PLAIN")
	assert.Zero(t, q.Len())
}

func TestNew_TLSMissingCertificate(t *testing.T) {
	q, err := inbound.NewQueue(1)
	require.NoError(t, err)

	_, err = New(Config{
		Config: endpoint.Config{Name: "lan"},
		TLS:    &tlsutil.ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	}, endpoint.Deps{Queue: q})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = New(Config{
		Config: endpoint.Config{Name: "lan"},
		TLS:    &tlsutil.ServerConfig{CertFile: "cert.pem"},
	}, endpoint.Deps{Queue: q})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
