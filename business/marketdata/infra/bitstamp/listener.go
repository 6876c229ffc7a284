package bitstamp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/orderbook-aggregator/business/marketdata/app"
	"github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	"github.com/fd1az/orderbook-aggregator/internal/wsconn"
)

// Ensure Listener implements the market data port.
var _ app.Listener = (*Listener)(nil)

const meterName = "bitstamp"

// DefaultWSURL is the public Bitstamp stream endpoint.
const DefaultWSURL = "wss://ws.bitstamp.net"

// heartbeatInterval is how often we send bts:heartbeat on the session.
// Bitstamp drops connections that stay silent for too long.
const heartbeatInterval = 30 * time.Second

// ListenerConfig holds configuration for the Bitstamp listener.
type ListenerConfig struct {
	WebSocketURL   string // empty = DefaultWSURL
	Symbol         string // e.g. "BTCUSDT"
	DepthLimit     int    // levels kept per side before enqueue
	MaxReconnects  int    // 0 = infinite
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig(symbol string) ListenerConfig {
	return ListenerConfig{
		WebSocketURL:   DefaultWSURL,
		Symbol:         symbol,
		DepthLimit:     10,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// listenerMetrics holds OTEL metric instruments.
type listenerMetrics struct {
	snapshotsReceived metric.Int64Counter
	decodeErrors      metric.Int64Counter
	heartbeats        metric.Int64Counter
}

// Listener consumes the order_book_<symbol> channel and emits one normalized
// domain.Update per data event.
type Listener struct {
	config  ListenerConfig
	logger  logger.LoggerInterface
	conn    *wsconn.Client
	channel string
	metrics *listenerMetrics
}

// NewListener creates a new Bitstamp listener.
func NewListener(cfg ListenerConfig, log logger.LoggerInterface) (*Listener, error) {
	if cfg.Symbol == "" {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithContext("bitstamp symbol is empty"))
	}

	wsURL := cfg.WebSocketURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}

	wsCfg := wsconn.DefaultConfig(wsURL, "bitstamp")
	wsCfg.MaxReconnects = cfg.MaxReconnects
	if cfg.InitialBackoff > 0 {
		wsCfg.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		wsCfg.MaxBackoff = cfg.MaxBackoff
	}

	conn, err := wsconn.New(wsCfg)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeVenueConnectionFailed, "bitstamp wsconn")
	}

	l := &Listener{
		config:  cfg,
		logger:  log,
		conn:    conn,
		channel: ChannelName(cfg.Symbol),
	}

	if err := l.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	conn.OnStateChange(func(state wsconn.State, _ error) {
		if state != wsconn.StateConnected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.subscribe(ctx); err != nil {
			l.logger.Warn(ctx, "bitstamp resubscribe failed", "error", err)
		}
	})

	return l, nil
}

func (l *Listener) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	l.metrics = &listenerMetrics{}

	l.metrics.snapshotsReceived, err = meter.Int64Counter(
		"bitstamp_snapshots_total",
		metric.WithDescription("Total order book events received"),
	)
	if err != nil {
		return err
	}

	l.metrics.decodeErrors, err = meter.Int64Counter(
		"bitstamp_decode_errors_total",
		metric.WithDescription("Event decode errors"),
	)
	if err != nil {
		return err
	}

	l.metrics.heartbeats, err = meter.Int64Counter(
		"bitstamp_heartbeats_total",
		metric.WithDescription("Heartbeats sent on the session"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Venue implements app.Listener.
func (l *Listener) Venue() domain.Venue {
	return domain.VenueBitstamp
}

// Connected reports whether the venue session is up. Used by health checks.
func (l *Listener) Connected() bool {
	return l.conn.IsConnected()
}

// subscribe sends the channel subscription frame.
func (l *Listener) subscribe(ctx context.Context) error {
	req := SubscribeRequest{
		Event: EventSubscribe,
		Data:  SubscribeData{Channel: l.channel},
	}
	if err := l.conn.SendJSON(ctx, req); err != nil {
		return apperror.Wrap(err, apperror.CodeVenueSubscribeFailed, "bitstamp")
	}
	return nil
}

// heartbeatLoop keeps the session alive with periodic bts:heartbeat frames.
func (l *Listener) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.conn.SendJSON(ctx, Event{Event: EventHeartbeat}); err != nil {
				l.logger.Debug(ctx, "bitstamp heartbeat failed", "error", err)
				continue
			}
			l.metrics.heartbeats.Add(ctx, 1)
		}
	}
}

// Listen implements app.Listener.
func (l *Listener) Listen(ctx context.Context, out chan<- domain.Update) error {
	if err := l.conn.ConnectWithRetry(ctx); err != nil {
		return err
	}
	defer l.conn.Close()

	if err := l.subscribe(ctx); err != nil {
		return err
	}

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go l.heartbeatLoop(hbCtx)

	l.logger.Info(ctx, "bitstamp listener started",
		"symbol", l.config.Symbol,
		"channel", l.channel)

	acked := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.conn.Done():
			if err := l.conn.Err(); err != nil {
				return err
			}
			return apperror.New(apperror.CodeWebSocketClosed, apperror.WithContext("bitstamp"))
		case msg := <-l.conn.Messages():
			if msg.Type == wsconn.MessageBinary {
				return apperror.New(apperror.CodeWebSocketBinaryFrame, apperror.WithContext("bitstamp"))
			}

			update, handled, err := l.decodeFrame(ctx, msg.Data, &acked)
			if err != nil {
				return err
			}
			if !handled {
				continue
			}

			select {
			case out <- update:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeFrame classifies a text frame by event name. handled is false for
// frames that produce no update.
func (l *Listener) decodeFrame(ctx context.Context, data []byte, acked *bool) (domain.Update, bool, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed,
			"bitstamp: unexpected frame")
	}

	switch event.Event {
	case EventSubscriptionOK:
		if event.Channel != l.channel {
			return domain.Update{}, false, apperror.New(apperror.CodeVenueSubscribeRejected,
				apperror.WithContext(fmt.Sprintf("bitstamp: acknowledgement for channel %q", event.Channel)))
		}
		*acked = true
		l.logger.Debug(ctx, "bitstamp subscription acknowledged", "channel", event.Channel)
		return domain.Update{}, false, nil

	case EventHeartbeat:
		// Reply to our own heartbeat; nothing to do.
		return domain.Update{}, false, nil

	case EventRequestReconnect:
		// The venue wants us to move to another node. Bounce the transport
		// and keep listening; the reconnect path resubscribes.
		l.logger.Info(ctx, "bitstamp requested reconnect")
		l.conn.Reconnect(ctx, "bts:request_reconnect")
		return domain.Update{}, false, nil

	case EventError:
		var errData ErrorData
		_ = json.Unmarshal(event.Data, &errData)
		return domain.Update{}, false, apperror.New(apperror.CodeVenueSubscribeRejected,
			apperror.WithContext(fmt.Sprintf("bitstamp: code %d: %s", errData.Code, errData.Message)))

	case EventData:
		if event.Channel != l.channel {
			return domain.Update{}, false, apperror.New(apperror.CodeSnapshotDecodeFailed,
				apperror.WithContext(fmt.Sprintf("bitstamp: data for channel %q", event.Channel)))
		}
		return l.decodeOrderbook(ctx, event.Data)
	}

	l.metrics.decodeErrors.Add(ctx, 1)
	return domain.Update{}, false, apperror.New(apperror.CodeSnapshotDecodeFailed,
		apperror.WithContext(fmt.Sprintf("bitstamp: event %q", event.Event)))
}

func (l *Listener) decodeOrderbook(ctx context.Context, data json.RawMessage) (domain.Update, bool, error) {
	var book OrderbookData
	if err := json.Unmarshal(data, &book); err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "bitstamp")
	}

	bids, err := domain.ParseQuotes(book.Bids)
	if err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "bitstamp bids")
	}
	asks, err := domain.ParseQuotes(book.Asks)
	if err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "bitstamp asks")
	}

	l.metrics.snapshotsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("symbol", l.config.Symbol)))

	update := domain.Update{Venue: domain.VenueBitstamp, Bids: bids, Asks: asks}
	update.Truncate(l.config.DepthLimit)

	return update, true, nil
}
