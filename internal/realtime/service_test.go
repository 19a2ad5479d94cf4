package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/whisper/chatsync/internal/loop"
)

var errDropped = errors.New("connection reset by peer")

func newTestService(t *testing.T) (*Service, *fakeDialer, *loop.Virtual) {
	t.Helper()
	d := &fakeDialer{}
	clock := loop.NewVirtual(time.Unix(0, 0))
	svc := NewService(d, clock, DefaultConfig(), zaptest.NewLogger(t))
	return svc, d, clock
}

func collect(dst *[]string) Handler {
	return func(m Message) {
		*dst = append(*dst, m.SubscriptionID+":"+string(m.Body))
	}
}

func TestPendingSubscriptionsActivateInCreationOrder(t *testing.T) {
	svc, d, _ := newTestService(t)

	svc.Subscribe("/a", func(Message) {})
	b := svc.Subscribe("/b", func(Message) {})
	svc.Subscribe("/c", func(Message) {})
	svc.Unsubscribe(b)

	svc.Connect("tok")
	d.last().accept()

	assert.Equal(t, []string{
		"DIAL tok",
		"SUBSCRIBE sub-1 /a",
		"SUBSCRIBE sub-3 /c",
	}, d.ops)
	assert.Equal(t, 2, svc.Subscriptions().Len())
}

func TestUnsubscribedPendingNeverFires(t *testing.T) {
	svc, d, _ := newTestService(t)

	var got []string
	id := svc.Subscribe("/a", collect(&got))
	svc.Unsubscribe(id)

	svc.Connect("tok")
	d.last().accept()
	d.last().deliver(id, "late")

	assert.Empty(t, got)
	assert.NotContains(t, d.ops, "SUBSCRIBE sub-1 /a")
}

func TestListenersNotifiedBeforeFlush(t *testing.T) {
	svc, d, _ := newTestService(t)
	svc.OnStateChange(func(s State) { d.record("STATE %s", s) })

	svc.Subscribe("/a", func(Message) {})
	svc.Connect("tok")
	d.last().accept()

	assert.Equal(t, []string{
		"DIAL tok",
		"STATE connecting",
		"STATE connected",
		"SUBSCRIBE sub-1 /a",
	}, d.ops)
}

func TestListenerCancel(t *testing.T) {
	svc, d, _ := newTestService(t)

	var states []State
	cancel := svc.OnStateChange(func(s State) { states = append(states, s) })
	svc.Connect("tok")
	cancel()
	d.last().accept()

	assert.Equal(t, []State{Connecting}, states)
	assert.True(t, svc.IsConnected())
}

func TestReconnectReactivatesSubscriptions(t *testing.T) {
	svc, d, clock := newTestService(t)

	var got []string
	id := svc.Subscribe("/a", collect(&got))
	svc.Connect("tok")
	d.last().accept()

	d.last().drop(errDropped)
	assert.Equal(t, Disconnected, svc.State())
	status, ok := svc.Subscriptions().Status(id)
	require.True(t, ok)
	assert.Equal(t, Pending, status)

	clock.Advance(4 * time.Second)
	assert.Len(t, d.conns, 1, "retry must wait for the reconnect delay")

	clock.Advance(time.Second)
	require.Len(t, d.conns, 2)
	assert.Equal(t, "tok", d.last().credential)
	assert.Equal(t, Connecting, svc.State())

	d.last().accept()
	status, _ = svc.Subscriptions().Status(id)
	assert.Equal(t, Active, status)
	assert.Equal(t, "SUBSCRIBE sub-1 /a", d.ops[len(d.ops)-1])

	d.last().deliver(id, "hello")
	assert.Equal(t, []string{"sub-1:hello"}, got)
}

func TestFailedHandshakeRetries(t *testing.T) {
	svc, d, clock := newTestService(t)

	svc.Connect("tok")
	d.last().drop(errors.New("dial tcp: connection refused"))
	assert.Equal(t, Disconnected, svc.State())

	clock.Advance(5 * time.Second)
	assert.Len(t, d.conns, 2)
}

func TestClearingCredentialStopsRetries(t *testing.T) {
	svc, d, clock := newTestService(t)

	svc.Connect("tok")
	d.last().accept()
	d.last().drop(errDropped)

	svc.SetCredential("")
	clock.Advance(time.Minute)

	assert.Len(t, d.conns, 1)
	assert.Equal(t, Disconnected, svc.State())
	assert.Zero(t, clock.Pending())
}

func TestDisconnectWhileConnected(t *testing.T) {
	svc, d, clock := newTestService(t)

	id := svc.Subscribe("/a", func(Message) {})
	svc.Connect("tok")
	d.last().accept()

	svc.Disconnect()

	assert.True(t, d.last().closed)
	assert.Equal(t, Disconnected, svc.State())
	status, _ := svc.Subscriptions().Status(id)
	assert.Equal(t, Pending, status)
	assert.Zero(t, clock.Pending(), "heartbeat and retry timers must be cancelled")
	assert.ErrorIs(t, svc.Publish("/app/typing", []byte("{}")), ErrNotConnected)
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	svc, d, clock := newTestService(t)

	var rejected error
	svc.OnAuthRejected(func(err error) { rejected = err })

	svc.Connect("tok")
	d.last().reject("invalid token")

	assert.Equal(t, Rejected, svc.State())
	assert.True(t, d.last().closed)
	require.Error(t, rejected)
	assert.ErrorIs(t, rejected, ErrAuthRejected)
	var authErr *AuthRejectedError
	require.ErrorAs(t, rejected, &authErr)
	assert.Equal(t, "invalid token", authErr.Reason)

	clock.Advance(time.Minute)
	assert.Len(t, d.conns, 1)

	// Same credential stays rejected; a new one dials again.
	svc.Connect("tok")
	assert.Len(t, d.conns, 1)
	svc.SetCredential("tok2")
	assert.Len(t, d.conns, 2)
	assert.Equal(t, Connecting, svc.State())
}

func TestSingleConnectionPerCredential(t *testing.T) {
	svc, d, _ := newTestService(t)

	svc.Connect("tok")
	svc.Connect("tok")
	assert.Len(t, d.conns, 1)

	d.last().accept()
	svc.SetCredential("tok")
	assert.Len(t, d.conns, 1)
	assert.True(t, svc.IsConnected())
}

func TestCredentialChangeIgnoresStaleConnection(t *testing.T) {
	svc, d, clock := newTestService(t)

	svc.Connect("tok")
	old := d.last()
	svc.Connect("tok2")
	fresh := d.last()

	assert.True(t, old.closed)
	assert.Equal(t, "tok2", fresh.credential)

	old.accept()
	assert.Equal(t, Connecting, svc.State())
	old.drop(errDropped)
	assert.Zero(t, clock.Pending(), "a stale close must not schedule a retry")

	fresh.accept()
	assert.True(t, svc.IsConnected())
}

func TestHeartbeatTimeout(t *testing.T) {
	svc, d, clock := newTestService(t)
	d.send, d.expect = 10*time.Second, 10*time.Second

	svc.Connect("tok")
	d.last().accept()

	clock.Advance(14 * time.Second)
	assert.True(t, svc.IsConnected())
	assert.Equal(t, 1, d.last().pings)

	clock.Advance(time.Second)
	assert.Equal(t, Disconnected, svc.State())

	clock.Advance(5 * time.Second)
	assert.Len(t, d.conns, 2, "heartbeat timeout is an ordinary transport error")
}

func TestHeartbeatInboundTrafficKeepsAlive(t *testing.T) {
	svc, d, clock := newTestService(t)
	d.send, d.expect = 10*time.Second, 10*time.Second

	svc.Connect("tok")
	d.last().accept()

	clock.Advance(12 * time.Second)
	d.last().alive()
	clock.Advance(14 * time.Second)
	assert.True(t, svc.IsConnected())
	assert.Equal(t, 2, d.last().pings)

	clock.Advance(time.Second)
	assert.Equal(t, Disconnected, svc.State())
}

func TestHeartbeatPingFailure(t *testing.T) {
	svc, d, clock := newTestService(t)
	d.send = 10 * time.Second

	svc.Connect("tok")
	d.last().accept()
	d.last().pingErr = errors.New("broken pipe")

	clock.Advance(10 * time.Second)
	assert.Equal(t, Disconnected, svc.State())
}

func TestSubscribeWriteFailureReconnects(t *testing.T) {
	d := &fakeDialer{}
	clock := loop.NewVirtual(time.Unix(0, 0))
	core, logs := observer.New(zapcore.ErrorLevel)
	svc := NewService(d, clock, DefaultConfig(), zap.New(core))

	a := svc.Subscribe("/a", func(Message) {})
	b := svc.Subscribe("/b", func(Message) {})

	svc.Connect("tok")
	d.last().subErr = errors.New("broken pipe")
	d.last().accept()

	assert.Equal(t, Disconnected, svc.State())
	assert.Equal(t, 1, logs.FilterMessage("subscribe failed").Len())
	for _, id := range []string{a, b} {
		status, ok := svc.Subscriptions().Status(id)
		require.True(t, ok)
		assert.Equal(t, Pending, status)
	}

	clock.Advance(5 * time.Second)
	require.Len(t, d.conns, 2)
	d.last().accept()

	assert.Equal(t, Connected, svc.State())
	assert.Contains(t, d.ops, "SUBSCRIBE "+a+" /a")
	assert.Contains(t, d.ops, "SUBSCRIBE "+b+" /b")
	for _, id := range []string{a, b} {
		status, _ := svc.Subscriptions().Status(id)
		assert.Equal(t, Active, status)
	}
}

func TestSubscribeWhileConnectedWriteFailureReconnects(t *testing.T) {
	svc, d, clock := newTestService(t)

	svc.Connect("tok")
	d.last().accept()
	d.last().subErr = errors.New("broken pipe")

	id := svc.Subscribe("/a", func(Message) {})
	assert.Equal(t, Disconnected, svc.State())

	clock.Advance(5 * time.Second)
	d.last().accept()
	status, _ := svc.Subscriptions().Status(id)
	assert.Equal(t, Active, status)
}

func TestPublish(t *testing.T) {
	svc, d, _ := newTestService(t)

	err := svc.Publish("/app/typing", []byte(`{"typing":true}`))
	assert.ErrorIs(t, err, ErrNotConnected)

	svc.Connect("tok")
	assert.ErrorIs(t, svc.Publish("/app/typing", []byte(`{}`)), ErrNotConnected)

	d.last().accept()
	require.NoError(t, svc.Publish("/app/typing", []byte(`{"typing":true}`)))
	assert.Equal(t, `SEND /app/typing {"typing":true}`, d.ops[len(d.ops)-1])
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	svc, d, _ := newTestService(t)

	var got []string
	bad := svc.Subscribe("/a", func(Message) { panic("boom") })
	good := svc.Subscribe("/a", collect(&got))
	svc.Connect("tok")
	d.last().accept()

	d.last().deliver(bad, "x")
	d.last().deliver(good, "y")
	d.last().deliver(bad, "z")

	assert.Equal(t, []string{good + ":y"}, got)
	assert.True(t, svc.IsConnected())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	svc, d, _ := newTestService(t)

	id := svc.Subscribe("/a", func(Message) {})
	svc.Connect("tok")
	d.last().accept()

	svc.Unsubscribe(id)
	svc.Unsubscribe(id)
	svc.Unsubscribe("sub-404")

	count := 0
	for _, op := range d.ops {
		if op == "UNSUBSCRIBE "+id {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Zero(t, svc.Subscriptions().Len())
	_, ok := svc.Subscriptions().Status(id)
	assert.False(t, ok)
}

func TestNoDeduplicationByDestination(t *testing.T) {
	svc, d, _ := newTestService(t)
	svc.Connect("tok")
	d.last().accept()

	var first, second []string
	a := svc.Subscribe("/topic/workspace/w1", collect(&first))
	b := svc.Subscribe("/topic/workspace/w1", collect(&second))
	require.NotEqual(t, a, b)

	d.last().deliver(a, "1")
	d.last().deliver(b, "2")

	assert.Equal(t, []string{a + ":1"}, first)
	assert.Equal(t, []string{b + ":2"}, second)
	assert.Contains(t, d.ops, "SUBSCRIBE "+a+" /topic/workspace/w1")
	assert.Contains(t, d.ops, "SUBSCRIBE "+b+" /topic/workspace/w1")
}

func TestExponentialReconnectIsCapped(t *testing.T) {
	d := &fakeDialer{}
	clock := loop.NewVirtual(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectConfig{Delay: time.Second, MaxDelay: 4 * time.Second, Exponential: true}
	svc := NewService(d, clock, cfg, zaptest.NewLogger(t))

	svc.Connect("tok")
	for i := 0; i < 8; i++ {
		d.last().drop(errDropped)
		// Jitter never pushes a delay past 1.5x the cap.
		clock.Advance(6 * time.Second)
	}
	assert.Len(t, d.conns, 9)
}
