package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/health"
	"github.com/ndtelles/Atticus/transport/tcp"
)

const scopeDevice = `
name: scope
queue:
  capacity: 16
properties:
  terminator: lf
requests:
  "*IDN?": "ACME,SCOPE,1,0.1"
  "MEAS:VOLT?": "1.25"
endpoints:
  - name: lan
    type: tcp
    port: 0
    properties:
      max_bind_tries: 1
`

const supplyDevice = `
name: supply
properties:
  terminator: lf
requests:
  "*IDN?": "ACME,PSU,2,0.3"
endpoints:
  - name: bench
    type: tcp
    port: 0
`

func writeDevice(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "atticus version "+Version)
}

func TestValidateCommand(t *testing.T) {
	path := writeDevice(t, scopeDevice)

	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, `device "scope" with 1 endpoint(s) and 2 request(s) is valid`)
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
}

func TestValidateCommand_InvalidDevice(t *testing.T) {
	path := writeDevice(t, "name: bad\nendpoints:\n  - name: x\n    type: usb\n")

	_, err := execute(t, "validate", "-c", path)
	assert.ErrorIs(t, err, errors.ErrUnknownType)
}

func TestRootCommand_RejectsBadLogOptions(t *testing.T) {
	path := writeDevice(t, scopeDevice)

	_, err := execute(t, "validate", "-c", path, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")

	_, err = execute(t, "validate", "-c", path, "--log-format", "xml")
	assert.ErrorContains(t, err, "invalid log format")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "service=atticus")
}

func startApp(t *testing.T, a *app, opts *cliOptions) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, opts) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("devices did not shut down")
		}
	}
}

func listenerOf(t *testing.T, a *app, deviceName, endpointName string) *tcp.Listener {
	t.Helper()
	dev, ok := a.fleet.Device(deviceName)
	require.True(t, ok)
	var listener *tcp.Listener
	require.Eventually(t, func() bool {
		ep, ok := dev.Manager().Endpoint(endpointName)
		if !ok {
			return false
		}
		listener = ep.(*tcp.Listener)
		return listener.Addr() != nil
	}, 2*time.Second, 10*time.Millisecond)
	return listener
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestApp_AnswersOverTCP(t *testing.T) {
	cfg, err := loadConfig(writeDevice(t, scopeDevice))
	require.NoError(t, err)

	var logs bytes.Buffer
	a, err := buildApp([]*config.Config{cfg}, setupLogger(&logs, "debug", "json"))
	require.NoError(t, err)
	assert.Nil(t, a.metrics)

	stop := startApp(t, a, &cliOptions{ShutdownTimeout: 2 * time.Second})
	listener := listenerOf(t, a, "scope", "lan")

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte("*idn?\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ACME,SCOPE,1,0.1\n", line)

	_, err = conn.Write([]byte("meas:volt?\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "1.25\n", line)

	stop()
	dev, _ := a.fleet.Device("scope")
	assert.Equal(t, int64(2), dev.Driver().Handled())
	assert.Contains(t, logs.String(), "Device totals")
}

func TestApp_RunsSeveralDevices(t *testing.T) {
	scope, err := loadConfig(writeDevice(t, scopeDevice))
	require.NoError(t, err)
	supply, err := loadConfig(writeDevice(t, supplyDevice))
	require.NoError(t, err)

	port := freePort(t)
	scope.Metrics.Enabled = true
	scope.Metrics.Port = port
	supply.Metrics.Enabled = true
	supply.Metrics.Port = port

	a, err := buildApp([]*config.Config{scope, supply}, setupLogger(&bytes.Buffer{}, "info", "json"))
	require.NoError(t, err)
	require.NotNil(t, a.metrics)
	stop := startApp(t, a, &cliOptions{})
	defer stop()

	for device, want := range map[string]string{"scope": "ACME,SCOPE,1,0.1\n", "supply": "ACME,PSU,2,0.3\n"} {
		endpointName := map[string]string{"scope": "lan", "supply": "bench"}[device]
		conn, err := net.Dial("tcp", listenerOf(t, a, device, endpointName).Addr().String())
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
		_, err = conn.Write([]byte("*IDN?\n"))
		require.NoError(t, err)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, line, device)
		_ = conn.Close()
	}

	var out bytes.Buffer
	require.Eventually(t, func() bool {
		out.Reset()
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"status", "--addr", fmt.Sprintf("127.0.0.1:%d", port)})
		return cmd.Execute() == nil
	}, 2*time.Second, 20*time.Millisecond)

	text := out.String()
	assert.Contains(t, text, "atticus")
	assert.Contains(t, text, "scope")
	assert.Contains(t, text, "supply")
	assert.Contains(t, text, "bench")
	assert.Contains(t, text, "running")
}

func TestBuildApp_RejectsEndpointClash(t *testing.T) {
	scope, err := loadConfig(writeDevice(t, scopeDevice))
	require.NoError(t, err)
	clash, err := loadConfig(writeDevice(t, strings.Replace(scopeDevice, "name: scope", "name: twin", 1)))
	require.NoError(t, err)

	_, err = buildApp([]*config.Config{scope, clash}, setupLogger(&bytes.Buffer{}, "info", "json"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidateCommand_SeveralDevices(t *testing.T) {
	scope := writeDevice(t, scopeDevice)
	supply := writeDevice(t, supplyDevice)

	out, err := execute(t, "validate", "-c", scope, "-c", supply)
	require.NoError(t, err)
	assert.Contains(t, out, `device "scope"`)
	assert.Contains(t, out, `device "supply"`)

	_, err = execute(t, "validate", "-c", scope, "-c", scope)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestStatusCommand_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := health.Aggregate("atticus", []health.Status{
			health.NewUnhealthy("scope", "One or more endpoints are unhealthy").WithState("stopped"),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--addr", srv.URL)
	assert.ErrorContains(t, err, "atticus is unhealthy")
	assert.Contains(t, out, "scope")
	assert.Contains(t, out, "stopped")
}

func TestStatusCommand_Unreachable(t *testing.T) {
	_, err := execute(t, "status", "--addr", fmt.Sprintf("127.0.0.1:%d", freePort(t)), "--timeout", "500ms")
	assert.Error(t, err)
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("ATTICUS_TEST_LIST", " a.yaml, ,b.yaml ")
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, getEnvList("ATTICUS_TEST_LIST", nil))

	t.Setenv("ATTICUS_TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, getEnvList("ATTICUS_TEST_LIST", []string{"x"}))
}
