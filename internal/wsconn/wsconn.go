// Package wsconn provides the WebSocket session used by venue listeners:
// reconnection with exponential backoff behind a circuit breaker, typed frame
// delivery with backpressure, and full OTEL instrumentation.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/ratelimit"
)

const (
	tracerName = "github.com/fd1az/orderbook-aggregator/internal/wsconn"
	meterName  = "github.com/fd1az/orderbook-aggregator/internal/wsconn"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// MessageType mirrors the data frame types the session delivers. Control
// frames (ping/pong/close) are handled inside the session: the underlying
// transport answers every ping with a pong carrying the identical payload,
// and a close frame terminates the session.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
)

// Message is one received data frame.
type Message struct {
	Type MessageType
	Data []byte
}

// Config holds WebSocket session configuration.
type Config struct {
	URL            string
	Name           string // Identifier for metrics/tracing
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  int // 0 = infinite
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64 // Max message size in bytes (0 = no limit)
	SendPerMinute  int   // Outbound control/subscribe frame budget (0 = unlimited)

	// Circuit breaker over dial attempts: after BreakerMaxFailures
	// consecutive dial failures the breaker opens for BreakerCooldown and
	// further connect attempts fail fast with CodeCircuitOpen.
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string, name string) Config {
	return Config{
		URL:                url,
		Name:               name,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		MaxReconnects:      0, // infinite
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		BufferSize:         256,
		MaxMessageSize:     10 * 1024 * 1024, // 10MB
		SendPerMinute:      60,
		BreakerMaxFailures: 8,
		BreakerCooldown:    time.Minute,
	}
}

// StateChangeHandler is called when connection state changes.
type StateChangeHandler func(state State, err error)

// metrics holds OTEL metric instruments.
type metrics struct {
	connectionState  metric.Int64Gauge
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	reconnectsTotal  metric.Int64Counter
	messageLatency   metric.Float64Histogram
	bytesReceived    metric.Int64Counter
	bytesSent        metric.Int64Counter
	pingsTotal       metric.Int64Counter
	pingsFailed      metric.Int64Counter
}

// Client is a venue WebSocket session. Received data frames are delivered in
// order on Messages(); delivery blocks when the buffer is full so that
// downstream backpressure propagates into the transport read loop. When the
// session dies for good Done() is closed and Err() reports the terminal
// error; the messages channel itself is never closed.
type Client struct {
	config Config
	conn   *websocket.Conn
	connMu sync.RWMutex

	state   State
	stateMu sync.RWMutex

	messages    chan Message
	done        chan struct{}
	term        chan struct{}
	closeMu     sync.Mutex
	closed      atomic.Bool
	terminated  atomic.Bool
	terminalErr error
	termMu      sync.Mutex

	reconnects   int
	reconnectsMu sync.Mutex

	breaker     *gobreaker.CircuitBreaker[*websocket.Conn]
	sendLimiter *ratelimit.Limiter

	tracer  trace.Tracer
	metrics *metrics

	handlersMu    sync.RWMutex
	onStateChange StateChangeHandler

	connectedAt time.Time
}

// New creates a new WebSocket session.
func New(config Config) (*Client, error) {
	c := &Client{
		config:   config,
		state:    StateDisconnected,
		messages: make(chan Message, config.BufferSize),
		done:     make(chan struct{}),
		term:     make(chan struct{}),
		tracer:   otel.Tracer(tracerName),
	}

	if config.SendPerMinute > 0 {
		c.sendLimiter = ratelimit.New(config.SendPerMinute)
	}

	c.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:    config.Name + "-dial",
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFailures
		},
	})

	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	return c, nil
}

// initMetrics initializes OTEL metric instruments.
func (c *Client) initMetrics() error {
	meter := otel.Meter(meterName)

	var err error

	c.metrics = &metrics{}

	c.metrics.connectionState, err = meter.Int64Gauge(
		"ws_connection_state",
		metric.WithDescription("WebSocket connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return err
	}

	c.metrics.messagesReceived, err = meter.Int64Counter(
		"ws_messages_received_total",
		metric.WithDescription("Total number of WebSocket messages received"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	c.metrics.messagesSent, err = meter.Int64Counter(
		"ws_messages_sent_total",
		metric.WithDescription("Total number of WebSocket messages sent"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	c.metrics.reconnectsTotal, err = meter.Int64Counter(
		"ws_reconnects_total",
		metric.WithDescription("Total number of WebSocket reconnection attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	c.metrics.messageLatency, err = meter.Float64Histogram(
		"ws_message_latency_ms",
		metric.WithDescription("WebSocket message read latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	c.metrics.bytesReceived, err = meter.Int64Counter(
		"ws_bytes_received_total",
		metric.WithDescription("Total bytes received over WebSocket"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	c.metrics.bytesSent, err = meter.Int64Counter(
		"ws_bytes_sent_total",
		metric.WithDescription("Total bytes sent over WebSocket"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	c.metrics.pingsTotal, err = meter.Int64Counter(
		"ws_pings_total",
		metric.WithDescription("Total WebSocket ping attempts"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	c.metrics.pingsFailed, err = meter.Int64Counter(
		"ws_pings_failed_total",
		metric.WithDescription("Total WebSocket ping failures"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// OnStateChange sets the state change handler.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onStateChange = handler
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ws.connect",
		trace.WithAttributes(
			attribute.String("ws.url", c.config.URL),
			attribute.String("ws.name", c.config.Name),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	c.setState(StateConnecting)

	conn, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{
			CompressionMode: websocket.CompressionContextTakeover,
		})
		return conn, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		c.setState(StateDisconnected)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperror.New(apperror.CodeCircuitOpen,
				apperror.WithCause(err),
				apperror.WithContext(c.config.Name))
		}
		return apperror.New(apperror.CodeWebSocketConnectionError,
			apperror.WithCause(err),
			apperror.WithContext(fmt.Sprintf("dial %s", c.config.URL)))
	}

	// Cap frame size to protect against oversized messages
	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connectedAt = time.Now()
	c.setState(StateConnected)
	span.SetStatus(codes.Ok, "connected")
	span.AddEvent("connection established")

	// Read and ping loops outlive the connect call
	go c.readLoop(context.Background())
	go c.pingLoop(context.Background())

	return nil
}

// ConnectWithRetry establishes connection with exponential backoff retry.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ws.connect_with_retry",
		trace.WithAttributes(
			attribute.String("ws.url", c.config.URL),
			attribute.String("ws.name", c.config.Name),
			attribute.Int("ws.max_reconnects", c.config.MaxReconnects),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	backoff := c.config.InitialBackoff
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return ctx.Err()
		default:
		}

		if c.closed.Load() {
			return apperror.New(apperror.CodeWebSocketClosed, apperror.WithContext(c.config.Name))
		}

		err := c.Connect(ctx)
		if err == nil {
			span.SetStatus(codes.Ok, "connected")
			span.SetAttributes(attribute.Int("ws.connect_attempts", attempts+1))
			return nil
		}

		if apperror.CodeOf(err) == apperror.CodeCircuitOpen {
			span.RecordError(err)
			span.SetStatus(codes.Error, "circuit open")
			return err
		}

		attempts++
		if c.config.MaxReconnects > 0 && attempts >= c.config.MaxReconnects {
			span.RecordError(err)
			span.SetStatus(codes.Error, "max reconnects exceeded")
			return apperror.Wrap(err, apperror.CodeVenueConnectionFailed,
				fmt.Sprintf("max reconnects (%d) exceeded", c.config.MaxReconnects))
		}

		// Backoff with jitter
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		sleepDuration := backoff + jitter

		span.AddEvent("reconnect scheduled",
			trace.WithAttributes(
				attribute.Int("attempt", attempts),
				attribute.String("backoff", sleepDuration.String()),
			),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// pingLoop sends periodic pings to detect half-open connections.
func (c *Client) pingLoop(ctx context.Context) {
	if c.config.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	attrs := metric.WithAttributes(attribute.String("ws.name", c.config.Name))

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				c.metrics.pingsFailed.Add(ctx, 1, attrs)
				c.handleDisconnect(ctx, fmt.Errorf("ping failed: %w", err))
				return
			}
			c.metrics.pingsTotal.Add(ctx, 1, attrs)
		}
	}
}

// readLoop continuously reads data frames and delivers them in order.
func (c *Client) readLoop(ctx context.Context) {
	attrs := []attribute.KeyValue{
		attribute.String("ws.name", c.config.Name),
	}

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return
		}

		readCtx := ctx
		var cancel context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, c.config.ReadTimeout)
		}

		start := time.Now()
		msgType, data, err := conn.Read(readCtx)
		latency := float64(time.Since(start).Milliseconds())

		if cancel != nil {
			cancel()
		}

		if err != nil {
			if c.closed.Load() {
				return
			}

			// A close frame ends the session for good; everything else goes
			// through the reconnect path.
			if status := websocket.CloseStatus(err); status != -1 {
				c.terminate(apperror.New(apperror.CodeWebSocketClosed,
					apperror.WithCause(err),
					apperror.WithContext(fmt.Sprintf("%s close status %d", c.config.Name, status))))
				return
			}

			c.handleDisconnect(ctx, err)
			return
		}

		c.metrics.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
		c.metrics.bytesReceived.Add(ctx, int64(len(data)), metric.WithAttributes(attrs...))
		c.metrics.messageLatency.Record(ctx, latency, metric.WithAttributes(attrs...))

		typ := MessageText
		if msgType == websocket.MessageBinary {
			typ = MessageBinary
		}

		// Blocking delivery: a full buffer stalls the read loop so venue
		// backpressure ends up in the TCP window, never in dropped frames.
		select {
		case c.messages <- Message{Type: typ, Data: data}:
		case <-c.done:
			return
		case <-c.term:
			return
		}
	}
}

// handleDisconnect handles connection loss and initiates reconnection.
func (c *Client) handleDisconnect(ctx context.Context, err error) {
	if c.closed.Load() || c.terminated.Load() {
		return
	}

	// A single reconnect cycle at a time: the read loop and a forced
	// reconnect can both observe the same dead connection.
	c.stateMu.RLock()
	reconnecting := c.state == StateReconnecting
	c.stateMu.RUnlock()
	if reconnecting {
		return
	}

	ctx, span := c.tracer.Start(ctx, "ws.disconnect",
		trace.WithAttributes(
			attribute.String("ws.name", c.config.Name),
		),
	)
	defer span.End()

	if err != nil {
		span.RecordError(err)
	}

	c.setState(StateReconnecting)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusGoingAway, "reconnecting")
		c.conn = nil
	}
	c.connMu.Unlock()

	go c.reconnect(ctx)
}

// reconnect attempts to reconnect with exponential backoff.
func (c *Client) reconnect(ctx context.Context) {
	c.reconnectsMu.Lock()
	c.reconnects++
	attempt := c.reconnects
	c.reconnectsMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "ws.reconnect",
		trace.WithAttributes(
			attribute.String("ws.name", c.config.Name),
			attribute.Int("ws.reconnect.attempt", attempt),
		),
	)
	defer span.End()

	c.metrics.reconnectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ws.name", c.config.Name),
	))

	backoff := c.config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	sleepDuration := backoff + jitter

	span.AddEvent("waiting before reconnect",
		trace.WithAttributes(
			attribute.String("backoff", sleepDuration.String()),
		),
	)

	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return
	case <-c.done:
		return
	case <-time.After(sleepDuration):
	}

	if c.closed.Load() {
		return
	}

	if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
		span.SetStatus(codes.Error, "max reconnects exceeded")
		c.terminate(apperror.New(apperror.CodeVenueConnectionFailed,
			apperror.WithContext(fmt.Sprintf("%s: max reconnects (%d) exceeded", c.config.Name, c.config.MaxReconnects))))
		return
	}

	err := c.Connect(ctx)
	if err != nil {
		if apperror.CodeOf(err) == apperror.CodeCircuitOpen {
			span.RecordError(err)
			span.SetStatus(codes.Error, "circuit open")
			c.terminate(err)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconnect failed")
		go c.reconnect(ctx)
		return
	}

	// Reset reconnect counter on successful connection
	c.reconnectsMu.Lock()
	c.reconnects = 0
	c.reconnectsMu.Unlock()

	span.SetStatus(codes.Ok, "reconnected")
}

// terminate records the terminal error and signals Done. The messages channel
// stays open: the read loop may be mid-send, and receivers learn about the
// end of the session through Done instead.
func (c *Client) terminate(err error) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}

	c.termMu.Lock()
	c.terminalErr = err
	c.termMu.Unlock()

	c.setState(StateDisconnected)

	c.handlersMu.RLock()
	stateHandler := c.onStateChange
	c.handlersMu.RUnlock()
	if stateHandler != nil {
		stateHandler(StateDisconnected, err)
	}

	close(c.term)
}

// Done is closed when the session has terminated for good: close frame,
// reconnect budget exhausted, circuit open, or Close. Err() reports why.
func (c *Client) Done() <-chan struct{} {
	return c.term
}

// Reconnect drops the current connection and re-enters the reconnect path.
// Used when a venue asks clients to reconnect at the application level.
func (c *Client) Reconnect(ctx context.Context, reason string) {
	c.handleDisconnect(ctx, errors.New(reason))
}

// Err returns the terminal session error, if any.
func (c *Client) Err() error {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	return c.terminalErr
}

// Send sends a text message through the WebSocket, subject to the outbound
// rate budget.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	ctx, span := c.tracer.Start(ctx, "ws.message.send",
		trace.WithAttributes(
			attribute.String("ws.name", c.config.Name),
			attribute.Int("ws.message.size", len(msg)),
		),
	)
	defer span.End()

	if c.sendLimiter != nil {
		if err := c.sendLimiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return err
		}
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		err := apperror.New(apperror.CodeWebSocketSendError,
			apperror.WithContext("not connected"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "not connected")
		return err
	}

	writeCtx := ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}

	err := conn.Write(writeCtx, websocket.MessageText, msg)

	attrs := metric.WithAttributes(attribute.String("ws.name", c.config.Name))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return apperror.Wrap(err, apperror.CodeWebSocketSendError, c.config.Name)
	}

	c.metrics.messagesSent.Add(ctx, 1, attrs)
	c.metrics.bytesSent.Add(ctx, int64(len(msg)), attrs)

	span.SetStatus(codes.Ok, "sent")
	return nil
}

// SendJSON sends a JSON message through the WebSocket.
func (c *Client) SendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.Send(ctx, data)
}

// Messages returns the channel delivering received data frames. Drain it
// together with Done: after Done is closed no further frames arrive.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Close gracefully closes the WebSocket connection.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}

	_, span := c.tracer.Start(context.Background(), "ws.close",
		trace.WithAttributes(
			attribute.String("ws.name", c.config.Name),
		),
	)
	defer span.End()

	c.closed.Store(true)
	close(c.done)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	var closeErr error
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "close error")
			closeErr = err
		}
	}

	c.terminate(nil)
	c.setState(StateClosed)
	if closeErr == nil {
		span.SetStatus(codes.Ok, "closed")
	}

	return closeErr
}

// setState updates the connection state and records metrics.
func (c *Client) setState(state State) {
	c.stateMu.Lock()
	oldState := c.state
	c.state = state
	c.stateMu.Unlock()

	if oldState == state {
		return
	}

	stateValue := int64(0)
	switch state {
	case StateDisconnected:
		stateValue = 0
	case StateConnecting:
		stateValue = 1
	case StateConnected:
		stateValue = 2
	case StateReconnecting:
		stateValue = 3
	case StateClosed:
		stateValue = 4
	}

	c.metrics.connectionState.Record(context.Background(), stateValue,
		metric.WithAttributes(attribute.String("ws.name", c.config.Name)),
	)

	c.handlersMu.RLock()
	stateHandler := c.onStateChange
	c.handlersMu.RUnlock()
	if stateHandler != nil {
		stateHandler(state, nil)
	}
}

// ReconnectCount returns the current reconnect attempt count.
func (c *Client) ReconnectCount() int {
	c.reconnectsMu.Lock()
	defer c.reconnectsMu.Unlock()
	return c.reconnects
}
