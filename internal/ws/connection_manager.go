// Package ws manages the websocket connection to one upstream quote source:
// handshake, subscriptions, heartbeat, frame decoding and reconnection with backoff.
package ws

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/schedule"
)

// ConnectionState represents the state of a source connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectionTimeout is returned when the handshake does not complete within Config.Timeout.
	ErrConnectionTimeout = errors.ConnectionTimeout.Explain("handshake timed out")
	// ErrNotConnected is returned by writes while no connection is open.
	ErrNotConnected = errors.ConnectionError.Explain("not connected")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.ConnectionError.Explain("connection manager closed")
	// ErrReconnectExhausted is reported to the listener when automatic reconnection gives up.
	ErrReconnectExhausted = errors.ReconnectExhaustedError.Explain("reconnect attempts exhausted")
)

// Listener receives connection events. Callbacks run on the manager's goroutines
// and must not block for long.
type Listener interface {
	OnStateChange(source string, state ConnectionState)
	OnMessage(msg Message)
	OnError(source string, err error)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are ignored.
type ListenerFuncs struct {
	StateChange func(source string, state ConnectionState)
	Message     func(msg Message)
	Error       func(source string, err error)
}

func (f ListenerFuncs) OnStateChange(source string, state ConnectionState) {
	if f.StateChange != nil {
		f.StateChange(source, state)
	}
}

func (f ListenerFuncs) OnMessage(msg Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ListenerFuncs) OnError(source string, err error) {
	if f.Error != nil {
		f.Error(source, err)
	}
}

// ConnectionStats is a snapshot of a connection.
type ConnectionStats struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	MessagesReceived  int64     `json:"messages_received"`
	ParseErrors       int64     `json:"parse_errors"`
	LastError         string    `json:"last_error,omitempty"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	Subscriptions     []string  `json:"subscriptions"`
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithRegisterer registers the connection metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cm *ConnectionManager) { cm.registerer = reg }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cm *ConnectionManager) { cm.dialer = d }
}

// ConnectionManager owns one logical connection to a quote source.
type ConnectionManager struct {
	cfg        Config
	logger     *zap.Logger
	listener   Listener
	dialer     *websocket.Dialer
	registerer prometheus.Registerer
	metrics    *connMetrics

	// ctx bounds dials started by reconnects; canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conn          *websocket.Conn
	gen           uint64
	state         ConnectionState
	subscriptions map[string]struct{}
	attempts      int
	connectedAt   time.Time
	lastError     error
	messages      int64
	parseErrors   int64
	closed        bool
	heartbeat     *schedule.Handle
	reconnect     *schedule.Handle

	writeMu sync.Mutex
	tasks   *schedule.Group
	readers sync.WaitGroup
}

// NewConnectionManager creates a manager in the disconnected state. listener may be nil.
func NewConnectionManager(cfg Config, listener Listener, logger *zap.Logger, opts ...Option) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, errors.Invalid.Explain("source %q has no url", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		cfg:           cfg,
		logger:        logger.Named("ws").With(zap.String("source", cfg.Name)),
		listener:      listener,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.dialer == nil {
		cm.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		}
	}
	cm.metrics = newConnMetrics(cm.registerer)
	cm.tasks = schedule.NewGroup(cm.logger)
	cm.metrics.state.WithLabelValues(cfg.Name).Set(float64(StateDisconnected))
	return cm, nil
}

// Name returns the source name.
func (cm *ConnectionManager) Name() string { return cm.cfg.Name }

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether the connection is open.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Connect dials the source. On success it authenticates, replays recorded
// subscriptions and starts the heartbeat and read loop.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	if cm.reconnect != nil {
		cm.reconnect.Cancel()
		cm.reconnect = nil
	}
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()
	cm.listener.OnStateChange(cm.cfg.Name, StateConnecting)

	err := cm.dial(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.lastError = err
		changed := cm.state == StateConnecting
		if changed {
			cm.setStateLocked(StateDisconnected)
		}
		cm.mu.Unlock()
		if changed {
			cm.listener.OnStateChange(cm.cfg.Name, StateDisconnected)
		}
	}
	return err
}

// Reconnect starts the automatic reconnect cycle from a disconnected state,
// for example after an initial Connect failed.
func (cm *ConnectionManager) Reconnect() {
	cm.mu.Lock()
	if cm.closed || cm.state != StateDisconnected {
		cm.mu.Unlock()
		return
	}
	cm.attempts = 0
	state, exhausted := cm.scheduleReconnectLocked()
	cm.mu.Unlock()
	cm.afterSchedule(state, exhausted)
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, cm.cfg.Timeout)
	defer cancel()

	conn, resp, err := cm.dialer.DialContext(dctx, cm.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var ne net.Error
		if dctx.Err() == context.DeadlineExceeded || (errors.As(err, &ne) && ne.Timeout()) {
			return ErrConnectionTimeout.Wrap(err)
		}
		return errors.ConnectionError.Explain("dial %s", cm.cfg.URL).Wrap(err)
	}
	conn.SetReadLimit(cm.cfg.ReadLimit)

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	cm.conn = conn
	cm.gen++
	gen := cm.gen
	cm.attempts = 0
	cm.connectedAt = time.Now()
	cm.setStateLocked(StateConnected)
	subs := cm.subscriptionsLocked()
	cm.readers.Add(1)
	cm.heartbeat = cm.tasks.Every("heartbeat", cm.cfg.HeartbeatInterval, cm.ping)
	cm.mu.Unlock()

	cm.logger.Info("Connected", zap.String("url", cm.cfg.URL), zap.Int("subscriptions", len(subs)))
	cm.listener.OnStateChange(cm.cfg.Name, StateConnected)

	go cm.readLoop(conn, gen)

	if cm.cfg.APIKey != "" {
		if err := cm.send(controlFrame{Type: "auth", APIKey: cm.cfg.APIKey}); err != nil {
			cm.logger.Warn("Failed to send auth frame", zap.Error(err))
		}
	}
	for _, symbol := range subs {
		if err := cm.send(cm.subscriptionFrame("subscribe", symbol)); err != nil {
			cm.logger.Warn("Failed to replay subscription", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return nil
}

// Subscribe records symbol and sends a subscribe frame when connected.
// Recorded subscriptions are replayed on every (re)connect.
func (cm *ConnectionManager) Subscribe(symbol string) error {
	return cm.updateSubscription("subscribe", symbol)
}

// Unsubscribe forgets symbol and sends an unsubscribe frame when connected.
func (cm *ConnectionManager) Unsubscribe(symbol string) error {
	return cm.updateSubscription("unsubscribe", symbol)
}

func (cm *ConnectionManager) updateSubscription(kind, symbol string) error {
	if symbol == "" {
		return errors.Invalid.Explain("empty symbol")
	}
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if kind == "subscribe" {
		cm.subscriptions[symbol] = struct{}{}
	} else {
		delete(cm.subscriptions, symbol)
	}
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if !connected {
		return nil
	}
	return cm.send(cm.subscriptionFrame(kind, symbol))
}

// Subscriptions returns the recorded symbols in sorted order.
func (cm *ConnectionManager) Subscriptions() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.subscriptionsLocked()
}

func (cm *ConnectionManager) subscriptionsLocked() []string {
	out := make([]string, 0, len(cm.subscriptions))
	for s := range cm.subscriptions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (cm *ConnectionManager) subscriptionFrame(kind, symbol string) controlFrame {
	return controlFrame{Type: kind, Symbol: symbol, Timestamp: time.Now().UnixMilli()}
}

func (cm *ConnectionManager) ping() {
	if !cm.IsConnected() {
		return
	}
	if err := cm.send(controlFrame{Type: "ping", Timestamp: time.Now().UnixMilli()}); err != nil {
		cm.logger.Debug("Heartbeat failed", zap.Error(err))
	}
}

// send writes one JSON frame. gorilla connections allow a single concurrent writer.
func (cm *ConnectionManager) send(v any) error {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(cm.cfg.WriteTimeout)); err != nil {
		return errors.ConnectionError.Wrap(err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return errors.ConnectionError.Explain("write failed").Wrap(err)
	}
	return nil
}

// readLoop decodes frames until the connection fails.
func (cm *ConnectionManager) readLoop(conn *websocket.Conn, gen uint64) {
	defer cm.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cm.handleDisconnect(gen, err)
			return
		}

		msg, err := Decode(data, cm.cfg.Name)
		if err != nil {
			cm.mu.Lock()
			cm.parseErrors++
			cm.mu.Unlock()
			cm.metrics.parseErrors.WithLabelValues(cm.cfg.Name).Inc()
			cm.logger.Warn("Dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			cm.listener.OnError(cm.cfg.Name, err)
			continue
		}

		cm.mu.Lock()
		cm.messages++
		cm.mu.Unlock()
		cm.metrics.messages.WithLabelValues(cm.cfg.Name, string(msg.Type)).Inc()
		cm.listener.OnMessage(msg)
	}
}

// handleDisconnect reacts to a read failure on connection gen. Every closure not
// initiated by Close schedules a reconnect, including a normal closure from the server.
func (cm *ConnectionManager) handleDisconnect(gen uint64, cause error) {
	cm.mu.Lock()
	if cm.closed || gen != cm.gen || cm.conn == nil {
		cm.mu.Unlock()
		return
	}
	cm.conn.Close()
	cm.conn = nil
	if cm.heartbeat != nil {
		cm.heartbeat.Cancel()
		cm.heartbeat = nil
	}
	err := errors.ConnectionError.Explain("connection lost").Wrap(cause)
	cm.lastError = err
	code := -1
	var ce *websocket.CloseError
	if errors.As(cause, &ce) {
		code = ce.Code
	}
	state, exhausted := cm.scheduleReconnectLocked()
	cm.mu.Unlock()

	cm.logger.Warn("Connection lost", zap.Int("close_code", code), zap.Error(cause))
	cm.listener.OnError(cm.cfg.Name, err)
	cm.afterSchedule(state, exhausted)
}

// scheduleReconnectLocked schedules the next attempt or gives up once
// MaxReconnectAttempts consecutive attempts have failed.
func (cm *ConnectionManager) scheduleReconnectLocked() (ConnectionState, bool) {
	if cm.attempts >= cm.cfg.MaxReconnectAttempts {
		cm.setStateLocked(StateDisconnected)
		cm.metrics.exhausted.WithLabelValues(cm.cfg.Name).Inc()
		return StateDisconnected, true
	}
	cm.attempts++
	delay := cm.cfg.reconnectDelay(cm.attempts)
	cm.setStateLocked(StateReconnecting)
	cm.reconnect = cm.tasks.After("reconnect", delay, cm.reconnectAttempt)
	cm.logger.Info("Reconnect scheduled",
		zap.Int("attempt", cm.attempts),
		zap.Int("max_attempts", cm.cfg.MaxReconnectAttempts),
		zap.Duration("delay", delay))
	return StateReconnecting, false
}

func (cm *ConnectionManager) afterSchedule(state ConnectionState, exhausted bool) {
	cm.listener.OnStateChange(cm.cfg.Name, state)
	if exhausted {
		cm.logger.Error("Reconnect attempts exhausted", zap.Int("max_attempts", cm.cfg.MaxReconnectAttempts))
		cm.listener.OnError(cm.cfg.Name, ErrReconnectExhausted)
	}
}

func (cm *ConnectionManager) reconnectAttempt() {
	cm.mu.Lock()
	if cm.closed || cm.state != StateReconnecting {
		cm.mu.Unlock()
		return
	}
	cm.reconnect = nil
	attempt := cm.attempts
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()
	cm.listener.OnStateChange(cm.cfg.Name, StateConnecting)
	cm.metrics.reconnects.WithLabelValues(cm.cfg.Name).Inc()

	err := cm.dial(cm.ctx)
	if err == nil {
		return
	}
	cm.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.lastError = err
	state, exhausted := cm.scheduleReconnectLocked()
	cm.mu.Unlock()
	cm.listener.OnError(cm.cfg.Name, err)
	cm.afterSchedule(state, exhausted)
}

func (cm *ConnectionManager) setStateLocked(s ConnectionState) {
	cm.state = s
	cm.metrics.state.WithLabelValues(cm.cfg.Name).Set(float64(s))
}

// Stats returns a snapshot of the connection.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	stats := ConnectionStats{
		Name:              cm.cfg.Name,
		State:             cm.state.String(),
		ReconnectAttempts: cm.attempts,
		MessagesReceived:  cm.messages,
		ParseErrors:       cm.parseErrors,
		Subscriptions:     cm.subscriptionsLocked(),
	}
	if cm.state == StateConnected {
		stats.ConnectedAt = cm.connectedAt
	}
	if cm.lastError != nil {
		stats.LastError = cm.lastError.Error()
	}
	return stats
}

// Close stops all timers and closes the connection with a normal closure frame.
// No reconnect happens after Close.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn := cm.conn
	cm.conn = nil
	cm.setStateLocked(StateClosed)
	cm.mu.Unlock()

	cm.cancel()
	cm.tasks.Stop()

	if conn != nil {
		cm.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cm.cfg.WriteTimeout)); err != nil {
			cm.logger.Debug("Failed to send close frame", zap.Error(err))
		}
		cm.writeMu.Unlock()
		conn.Close()
	}
	cm.readers.Wait()

	cm.logger.Info("Connection closed")
	cm.listener.OnStateChange(cm.cfg.Name, StateClosed)
	return nil
}
