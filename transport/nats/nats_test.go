package nats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/pkg/retry"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func echoUpper(ctx context.Context, q *inbound.Queue) {
	for {
		if err := q.Ready().Wait(ctx); err != nil {
			return
		}
		if msg, ok := q.Dequeue(); ok {
			_ = msg.Respond.Respond(strings.ToUpper(msg.Payload))
		}
	}
}

type SubscriberSuite struct {
	suite.Suite

	ns       *server.Server
	queue    *inbound.Queue
	registry *metric.MetricsRegistry
	sub      *Subscriber
	client   *nats.Conn
	cancel   context.CancelFunc
}

func TestSubscriberSuite(t *testing.T) {
	suite.Run(t, new(SubscriberSuite))
}

func (s *SubscriberSuite) SetupTest() {
	s.ns = runServer(s.T())

	var err error
	s.queue, err = inbound.NewQueue(64)
	s.Require().NoError(err)
	s.registry = metric.NewMetricsRegistry()

	s.sub, err = New(Config{
		Config:       endpoint.Config{Name: "bus"},
		URL:          s.ns.ClientURL(),
		Subject:      "scope1.requests",
		ReplySubject: "scope1.unsolicited",
	}, endpoint.Deps{Queue: s.queue, MetricsRegistry: s.registry})
	s.Require().NoError(err)
	s.Require().NoError(s.sub.Start(context.Background()))

	s.client, err = nats.Connect(s.ns.ClientURL())
	s.Require().NoError(err)

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	go echoUpper(ctx, s.queue)
}

func (s *SubscriberSuite) TearDownTest() {
	s.cancel()
	s.client.Close()
	if s.sub.State() != endpoint.StateStopped {
		s.NoError(s.sub.Stop(2 * time.Second))
	}
}

func (s *SubscriberSuite) TestRequestReply() {
	for _, req := range []string{"*idn?", "syst:err?"} {
		msg, err := s.client.Request("scope1.requests", []byte(req), 2*time.Second)
		s.Require().NoError(err)
		s.Equal(strings.ToUpper(req), string(msg.Data))
	}

	s.True(s.sub.Connected())
	s.Eventually(func() bool { return len(s.sub.Outputs().Keys()) == 0 },
		time.Second, 5*time.Millisecond, "reply inboxes are released after publishing")

	core := s.registry.CoreMetrics()
	s.Equal(1.0, testutil.ToFloat64(core.NATSConnected.WithLabelValues("bus")))
	s.Equal(2.0, testutil.ToFloat64(core.FramesReceived.WithLabelValues("bus", "nats")))
}

func (s *SubscriberSuite) TestPublishWithoutReplyUsesReplySubject() {
	replies := make(chan *nats.Msg, 4)
	sub, err := s.client.ChanSubscribe("scope1.unsolicited", replies)
	s.Require().NoError(err)
	defer func() { _ = sub.Unsubscribe() }()
	s.Require().NoError(s.client.Flush())

	s.Require().NoError(s.client.Publish("scope1.requests", []byte("beep")))
	s.Require().NoError(s.client.Flush())

	select {
	case msg := <-replies:
		s.Equal("BEEP", string(msg.Data))
	case <-time.After(2 * time.Second):
		s.Fail("no response on reply subject")
	}
}

func (s *SubscriberSuite) TestServerShutdownDisconnects() {
	s.ns.Shutdown()

	s.Eventually(func() bool { return !s.sub.Connected() }, 5*time.Second, 10*time.Millisecond)
	s.Equal(0.0, testutil.ToFloat64(s.registry.CoreMetrics().NATSConnected.WithLabelValues("bus")))
	// keeps reconnecting in the background
	s.Equal(endpoint.StateRunning, s.sub.State())
}

func (s *SubscriberSuite) TestStopDisconnects() {
	s.Require().NoError(s.sub.Stop(2 * time.Second))
	s.False(s.sub.Connected())
	s.Equal(0.0, testutil.ToFloat64(s.registry.CoreMetrics().NATSConnected.WithLabelValues("bus")))

	_, err := s.client.Request("scope1.requests", []byte("ping"), 200*time.Millisecond)
	s.Error(err)
}

func TestSubscriber_QueueGroup(t *testing.T) {
	ns := runServer(t)

	q, err := inbound.NewQueue(16)
	require.NoError(t, err)

	var subs []*Subscriber
	for _, name := range []string{"bus1", "bus2"} {
		sub, err := New(Config{
			Config:     endpoint.Config{Name: name},
			URL:        ns.ClientURL(),
			Subject:    "dmm.req",
			QueueGroup: "dmm",
		}, endpoint.Deps{Queue: q})
		require.NoError(t, err)
		require.NoError(t, sub.Start(context.Background()))
		t.Cleanup(func() { _ = sub.Stop(time.Second) })
		subs = append(subs, sub)
	}

	client, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Publish("dmm.req", []byte("x")))
	}
	require.NoError(t, client.Flush())

	// each message is delivered to exactly one member of the group
	require.Eventually(t, func() bool { return q.Len() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, subs, 2)
}

func TestSubscriber_RepeatedResponsesAreAllPublished(t *testing.T) {
	ns := runServer(t)

	q, err := inbound.NewQueue(64)
	require.NoError(t, err)
	sub, err := New(Config{
		Config:  endpoint.Config{Name: "bus"},
		URL:     ns.ClientURL(),
		Subject: "scope.req",
	}, endpoint.Deps{Queue: q})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop(time.Second) })

	const (
		requests  = 20
		responses = 50
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if err := q.Ready().Wait(ctx); err != nil {
				return
			}
			msg, ok := q.Dequeue()
			if !ok {
				continue
			}
			for i := 0; i < responses; i++ {
				_ = msg.Respond.Respond(msg.Payload)
				if i%10 == 0 {
					time.Sleep(20 * time.Microsecond)
				}
			}
		}
	}()

	client, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	replies := make(chan *nats.Msg, requests*responses)
	inbox := nats.NewInbox()
	rsub, err := client.ChanSubscribe(inbox, replies)
	require.NoError(t, err)
	defer func() { _ = rsub.Unsubscribe() }()

	for i := 0; i < requests; i++ {
		require.NoError(t, client.PublishRequest("scope.req", inbox, []byte("meas?")))
	}
	require.NoError(t, client.Flush())

	require.Eventually(t, func() bool { return len(replies) == requests*responses },
		5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(sub.Outputs().Keys()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSubscriber_ConnectFailure(t *testing.T) {
	q, err := inbound.NewQueue(4)
	require.NoError(t, err)

	sub, err := New(Config{
		Config:         endpoint.Config{Name: "bus", StartTimeout: 5 * time.Second},
		URL:            "nats://127.0.0.1:1",
		Subject:        "x",
		ConnectTimeout: 100 * time.Millisecond,
		Retry:          retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}, endpoint.Deps{Queue: q})
	require.NoError(t, err)

	err = sub.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrHookFailed)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	<-sub.Done()
	assert.False(t, sub.Connected())
}

func TestConfig_Validate(t *testing.T) {
	base := endpoint.Config{Name: "bus"}

	assert.NoError(t, Config{Config: base, Subject: "a.b"}.Validate())
	assert.ErrorIs(t, Config{Config: base}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, Config{Config: base, Subject: "a b"}.Validate(), errors.ErrInvalidConfig)
	assert.ErrorIs(t, Config{Config: base, Subject: "a", Pending: -1}.Validate(), errors.ErrInvalidConfig)
}
