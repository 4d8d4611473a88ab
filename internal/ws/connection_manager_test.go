package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/quotefeed/pkg/errors"
)

// fakeSource is a websocket quote source backed by httptest.
type fakeSource struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	frames    chan map[string]any
	closeErrs chan error
	dials     atomic.Int32
	reject    atomic.Bool
	hold      chan struct{}
	holdOnce  sync.Once
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	fs := &fakeSource{
		frames:    make(chan map[string]any, 256),
		closeErrs: make(chan error, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeSource) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeSource) handle(w http.ResponseWriter, r *http.Request) {
	fs.dials.Add(1)
	if fs.hold != nil {
		<-fs.hold
	}
	if fs.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	go fs.read(conn)
}

func (fs *fakeSource) read(conn *websocket.Conn) {
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			fs.closeErrs <- err
			return
		}
		select {
		case fs.frames <- frame:
		default:
		}
	}
}

func (fs *fakeSource) latest() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeSource) sendRaw(t *testing.T, frame string) {
	t.Helper()
	conn := fs.latest()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// dropAll kills every connection without a close frame.
func (fs *fakeSource) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.UnderlyingConn().Close()
	}
	fs.conns = nil
}

func (fs *fakeSource) close() {
	if fs.hold != nil {
		fs.holdOnce.Do(func() { close(fs.hold) })
	}
	fs.dropAll()
	fs.srv.Close()
}

// nextFrame returns the next frame of the given type, skipping heartbeats.
func (fs *fakeSource) nextFrame(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-fs.frames:
			if f["type"] == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame received", typ)
			return nil
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	states []ConnectionState
	msgs   chan Message
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{msgs: make(chan Message, 64), errs: make(chan error, 64)}
}

func (r *recorder) OnStateChange(_ string, s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(msg Message) { r.msgs <- msg }

func (r *recorder) OnError(_ string, err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *recorder) sawState(s ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recorder) nextMessage(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func (r *recorder) waitError(t *testing.T, target error) error {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-r.errs:
			if errors.Is(err, target) {
				return err
			}
		case <-deadline:
			t.Fatalf("no %v error received", target)
			return nil
		}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig("polygon", url)
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxBackoffDelay = 40 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.HeartbeatInterval = 0
	cfg.Timeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config, l Listener) *ConnectionManager {
	t.Helper()
	cm, err := NewConnectionManager(cfg, l, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestNewConnectionManagerRequiresURL(t *testing.T) {
	_, err := NewConnectionManager(Config{Name: "polygon"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestConnectReplaysSubscriptions(t *testing.T) {
	fs := newFakeSource(t)
	cfg := testConfig(fs.url())
	cfg.APIKey = "secret"
	cm := newTestManager(t, cfg, nil)

	require.NoError(t, cm.Subscribe("MSFT"))
	require.NoError(t, cm.Subscribe("AAPL"))
	assert.Equal(t, StateDisconnected, cm.State())

	require.NoError(t, cm.Connect(testContext(t)))
	assert.True(t, cm.IsConnected())

	auth := fs.nextFrame(t, "auth")
	assert.Equal(t, "secret", auth["apiKey"])

	first := fs.nextFrame(t, "subscribe")
	second := fs.nextFrame(t, "subscribe")
	assert.Equal(t, "AAPL", first["symbol"])
	assert.Equal(t, "MSFT", second["symbol"])
	assert.NotZero(t, first["timestamp"])

	require.NoError(t, cm.Subscribe("TSLA"))
	assert.Equal(t, "TSLA", fs.nextFrame(t, "subscribe")["symbol"])

	require.NoError(t, cm.Unsubscribe("AAPL"))
	assert.Equal(t, "AAPL", fs.nextFrame(t, "unsubscribe")["symbol"])

	assert.Equal(t, []string{"MSFT", "TSLA"}, cm.Subscriptions())
	assert.Error(t, cm.Subscribe(""))
}

func TestInboundFrames(t *testing.T) {
	fs := newFakeSource(t)
	rec := newRecorder()
	cm := newTestManager(t, testConfig(fs.url()), rec)
	require.NoError(t, cm.Connect(testContext(t)))
	require.Eventually(t, func() bool { return fs.latest() != nil }, time.Second, 5*time.Millisecond)

	fs.sendRaw(t, `{"type":"price","symbol":"AAPL","data":{"price":150.1,"bid":150,"ask":150.2},"timestamp":1700000000000}`)
	fs.sendRaw(t, `{"type":"weird","data":{"x":1}}`)
	fs.sendRaw(t, `not json`)
	fs.sendRaw(t, `{"type":"trade","symbol":"MSFT","source":"iex","data":{"price":410.5,"size":20}}`)

	price := rec.nextMessage(t)
	assert.Equal(t, TypePrice, price.Type)
	assert.Equal(t, "AAPL", price.Symbol)
	assert.Equal(t, "polygon", price.Source, "missing source defaults to the connection name")
	assert.Equal(t, time.UnixMilli(1700000000000), price.Timestamp)
	p, ok := price.Payload.(PricePayload)
	require.True(t, ok)
	assert.Equal(t, 150.1, *p.Price)

	generic := rec.nextMessage(t)
	assert.Equal(t, TypeGeneric, generic.Type)
	g, ok := generic.Payload.(GenericPayload)
	require.True(t, ok)
	assert.Equal(t, "weird", g.Type)

	err := rec.waitError(t, errors.ParseError)
	assert.Equal(t, errors.KindParse, errors.KindOf(err))

	trade := rec.nextMessage(t)
	assert.Equal(t, TypeTrade, trade.Type)
	assert.Equal(t, "iex", trade.Source)

	stats := cm.Stats()
	assert.Equal(t, int64(3), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.ParseErrors)
	assert.Equal(t, "connected", stats.State)
	assert.True(t, cm.IsConnected(), "malformed frames do not end the read loop")
}

func TestHeartbeat(t *testing.T) {
	fs := newFakeSource(t)
	cfg := testConfig(fs.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cm := newTestManager(t, cfg, nil)
	require.NoError(t, cm.Connect(testContext(t)))

	ping := fs.nextFrame(t, "ping")
	assert.NotZero(t, ping["timestamp"])
}

func TestReconnectAfterAbnormalClosure(t *testing.T) {
	fs := newFakeSource(t)
	rec := newRecorder()
	cm := newTestManager(t, testConfig(fs.url()), rec)
	require.NoError(t, cm.Subscribe("AAPL"))
	require.NoError(t, cm.Connect(testContext(t)))
	fs.nextFrame(t, "subscribe")

	fs.dropAll()

	require.Eventually(t, func() bool {
		return fs.dials.Load() == 2 && cm.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "AAPL", fs.nextFrame(t, "subscribe")["symbol"], "subscriptions replayed after reconnect")
	assert.True(t, rec.sawState(StateReconnecting))
	assert.Equal(t, 0, cm.Stats().ReconnectAttempts, "attempts reset after a successful handshake")
}

func TestServerNormalClosureReconnects(t *testing.T) {
	fs := newFakeSource(t)
	cm := newTestManager(t, testConfig(fs.url()), nil)
	require.NoError(t, cm.Connect(testContext(t)))
	require.Eventually(t, func() bool { return fs.latest() != nil }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "maintenance")
	require.NoError(t, fs.latest().WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return fs.dials.Load() == 2 && cm.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectExhausted(t *testing.T) {
	fs := newFakeSource(t)
	rec := newRecorder()
	cm := newTestManager(t, testConfig(fs.url()), rec)
	require.NoError(t, cm.Connect(testContext(t)))

	fs.reject.Store(true)
	fs.dropAll()

	err := rec.waitError(t, errors.ReconnectExhaustedError)
	assert.Equal(t, errors.KindReconnectExhausted, errors.KindOf(err))

	// one successful dial plus three failed attempts, and no fourth
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(4), fs.dials.Load())
	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, 3, cm.Stats().ReconnectAttempts)
	assert.Contains(t, cm.Stats().LastError, "ConnectionError")
}

func TestManualReconnectAfterExhaustion(t *testing.T) {
	fs := newFakeSource(t)
	rec := newRecorder()
	cfg := testConfig(fs.url())
	cfg.MaxReconnectAttempts = 1
	cm := newTestManager(t, cfg, rec)
	require.NoError(t, cm.Connect(testContext(t)))

	fs.reject.Store(true)
	fs.dropAll()
	rec.waitError(t, errors.ReconnectExhaustedError)

	fs.reject.Store(false)
	cm.Reconnect()
	require.Eventually(t, cm.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestConnectErrors(t *testing.T) {
	t.Run("handshake timeout", func(t *testing.T) {
		fs := newFakeSource(t)
		fs.hold = make(chan struct{})
		cfg := testConfig(fs.url())
		cfg.Timeout = 50 * time.Millisecond
		cm := newTestManager(t, cfg, nil)

		err := cm.Connect(testContext(t))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ConnectionTimeout))
		assert.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("refused", func(t *testing.T) {
		fs := newFakeSource(t)
		fs.reject.Store(true)
		cm := newTestManager(t, testConfig(fs.url()), nil)

		err := cm.Connect(testContext(t))
		require.Error(t, err)
		assert.Equal(t, errors.KindConnection, errors.KindOf(err))
		assert.True(t, errors.IsRecoverable(err))
	})
}

func TestCloseSendsNormalClosure(t *testing.T) {
	fs := newFakeSource(t)
	rec := newRecorder()
	cm := newTestManager(t, testConfig(fs.url()), rec)
	require.NoError(t, cm.Connect(testContext(t)))

	require.NoError(t, cm.Close())

	select {
	case err := <-fs.closeErrs:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.dials.Load(), "no reconnect after Close")
	assert.Equal(t, StateClosed, cm.State())
	assert.True(t, rec.sawState(StateClosed))

	assert.NoError(t, cm.Close())
	assert.True(t, errors.Is(cm.Subscribe("AAPL"), ErrClosed))
	assert.True(t, errors.Is(cm.Connect(testContext(t)), ErrClosed))
}

func TestReconnectDelay(t *testing.T) {
	cfg := Config{ReconnectInterval: time.Second, MaxBackoffDelay: 30 * time.Second}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, cfg.reconnectDelay(i+1), "attempt %d", i+1)
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context that is
// canceled when the test completes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
