package fleet

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/manager"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/transport/tcp"
)

// failing builds endpoints whose setup fails
func failing(cfg config.EndpointConfig, deps endpoint.Deps) (manager.Endpoint, error) {
	return endpoint.New(cfg.Lifecycle(), endpoint.HookFuncs{
		SetupFunc: func(context.Context) error { return stderrors.New("boom") },
	}, deps)
}

func newFactories(t *testing.T) *manager.Registry {
	t.Helper()
	reg := manager.NewRegistry()
	require.NoError(t, tcp.Register(reg))
	require.NoError(t, reg.Register("failing", failing))
	return reg
}

func newFleet(t *testing.T, registry *metric.MetricsRegistry) *Fleet {
	t.Helper()
	f, err := New(Deps{Factories: newFactories(t), MetricsRegistry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.StopAll(time.Second) })
	return f
}

// device describes a tcp instrument answering idn with the given identity
func device(name, endpointName, idn string) *config.Config {
	return &config.Config{
		Name:     name,
		Queue:    config.QueueConfig{Capacity: 8},
		Requests: map[string]string{"*IDN?": idn},
		Endpoints: []config.EndpointConfig{{
			Name:    endpointName,
			Type:    config.TypeTCP,
			Address: "127.0.0.1",
		}},
		Properties: config.DeviceProperties{Terminator: "lf"},
	}
}

func ask(t *testing.T, dev *Device, endpointName, req string) string {
	t.Helper()
	ep, ok := dev.Manager().Endpoint(endpointName)
	require.True(t, ok)
	l := ep.(*tcp.Listener)
	require.NotNil(t, l.Addr())

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = fmt.Fprintf(conn, "%s\n", req)
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestNew_RequiresFactories(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewDevice(device("scope", "lan", "x"), Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestFleet_DevicesAnswerIndependently(t *testing.T) {
	f := newFleet(t, nil)
	scope, err := f.Load(device("scope", "scope_lan", "ACME,SCOPE"))
	require.NoError(t, err)
	psu, err := f.Load(device("psu", "psu_lan", "ACME,PSU"))
	require.NoError(t, err)

	require.NoError(t, f.StartAll(context.Background()))
	assert.True(t, scope.Running())
	assert.True(t, psu.Running())

	assert.Equal(t, "ACME,SCOPE\n", ask(t, scope, "scope_lan", "*idn?"))
	assert.Equal(t, "ACME,PSU\n", ask(t, psu, "psu_lan", "*idn?"))

	h := f.Health("atticus")
	assert.True(t, h.IsHealthy())
	require.Len(t, h.SubStatuses, 2)
	assert.Equal(t, "psu", h.SubStatuses[0].Component)
	assert.Equal(t, "running", h.SubStatuses[0].State)

	require.Eventually(t, func() bool { return scope.Driver().Handled() == 1 }, time.Second, 10*time.Millisecond)
	status := f.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "scope", status[0].Name)
	assert.True(t, status[0].Running)
	assert.Equal(t, int64(1), status[0].Handled)
	assert.Equal(t, []EndpointStatus{{Name: "scope_lan", Type: config.TypeTCP, State: "running"}}, status[0].Endpoints)

	require.NoError(t, f.StopAll(time.Second))
	assert.False(t, scope.Running())
	assert.Equal(t, "stopped", f.Status()[1].Endpoints[0].State)
	assert.Equal(t, "stopped", f.Health("atticus").SubStatuses[1].State)
}

func TestFleet_StopOneLeavesOthersRunning(t *testing.T) {
	f := newFleet(t, nil)
	scope, err := f.Load(device("scope", "scope_lan", "ACME,SCOPE"))
	require.NoError(t, err)
	psu, err := f.Load(device("psu", "psu_lan", "ACME,PSU"))
	require.NoError(t, err)
	require.NoError(t, f.StartAll(context.Background()))

	require.NoError(t, f.StopDevice("scope", time.Second))
	assert.False(t, scope.Running())
	assert.Equal(t, "ACME,PSU\n", ask(t, psu, "psu_lan", "*idn?"))

	err = f.StopDevice("scope", time.Second)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	assert.ErrorIs(t, f.StopDevice("dmm", time.Second), errors.ErrInvalidConfig)
	assert.ErrorIs(t, f.StartDevice(context.Background(), "dmm"), errors.ErrInvalidConfig)

	// a restart builds fresh endpoints
	require.NoError(t, f.StartDevice(context.Background(), "scope"))
	assert.Equal(t, "ACME,SCOPE\n", ask(t, scope, "scope_lan", "*idn?"))
	assert.ErrorIs(t, f.StartDevice(context.Background(), "scope"), errors.ErrAlreadyStarted)
}

func TestFleet_LoadRejectsClashes(t *testing.T) {
	f := newFleet(t, nil)
	_, err := f.Load(device("scope", "lan", "x"))
	require.NoError(t, err)

	_, err = f.Load(device("scope", "other", "x"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = f.Load(device("psu", "lan", "x"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.ErrorContains(t, err, `already belongs to device "scope"`)

	assert.Len(t, f.Devices(), 1)
}

func TestFleet_StartAllRollsBack(t *testing.T) {
	f := newFleet(t, nil)
	scope, err := f.Load(device("scope", "scope_lan", "x"))
	require.NoError(t, err)

	bad := device("psu", "psu_lan", "x")
	bad.Endpoints[0].Type = "failing"
	psu, err := f.Load(bad)
	require.NoError(t, err)

	err = f.StartAll(context.Background())
	assert.ErrorIs(t, err, errors.ErrHookFailed)
	assert.False(t, scope.Running())
	assert.False(t, psu.Running())
	assert.False(t, f.Health("atticus").IsHealthy())
}

func TestFleet_Unload(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFleet(t, registry)

	cfg := device("scope", "scope_lan", "ACME,SCOPE")
	cfg.Metrics.Enabled = true
	dev, err := f.Load(cfg)
	require.NoError(t, err)
	require.NoError(t, f.StartAll(context.Background()))
	assert.Equal(t, "ACME,SCOPE\n", ask(t, dev, "scope_lan", "*idn?"))

	m := registry.CoreMetrics()
	assert.Equal(t, 1, testutil.CollectAndCount(m.QueueDepth))

	assert.ErrorIs(t, f.Unload("scope"), errors.ErrAlreadyStarted)
	require.NoError(t, f.StopDevice("scope", time.Second))
	require.NoError(t, f.Unload("scope"))
	assert.Empty(t, f.Devices())
	assert.Empty(t, f.Health("atticus").SubStatuses)
	assert.Equal(t, 0, testutil.CollectAndCount(m.QueueDepth))
	assert.Equal(t, 0, testutil.CollectAndCount(m.EndpointState))

	assert.ErrorIs(t, f.Unload("scope"), errors.ErrInvalidConfig)

	// the name and its metrics are free again
	_, err = f.Load(cfg)
	require.NoError(t, err)
}

func TestFleet_Run(t *testing.T) {
	f := newFleet(t, nil)
	dev, err := f.Load(device("scope", "scope_lan", "ACME,SCOPE"))
	require.NoError(t, err)

	err = f.Run(context.Background(), func(context.Context) error {
		assert.Equal(t, "ACME,SCOPE\n", ask(t, dev, "scope_lan", "*idn?"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, dev.Running())
}
