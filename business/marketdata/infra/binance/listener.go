package binance

import (
	"bytes"
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

const meterName = "binance"

// DefaultWSURL is the public Binance spot stream endpoint.
const DefaultWSURL = "wss://stream.binance.com:9443/ws"

const subscribeID int64 = 0

// ListenerConfig holds configuration for the Binance listener.
type ListenerConfig struct {
	WebSocketURL     string        // empty = DefaultWSURL
	Symbol           string        // e.g. "BTCUSDT"
	UpdateIntervalMs int           // depth stream speed (100 or 1000)
	DepthLimit       int           // levels kept per side before enqueue
	MaxReconnects    int           // 0 = infinite
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultListenerConfig returns sensible defaults.
func DefaultListenerConfig(symbol string) ListenerConfig {
	return ListenerConfig{
		WebSocketURL:     DefaultWSURL,
		Symbol:           symbol,
		UpdateIntervalMs: 100,
		DepthLimit:       10,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// listenerMetrics holds OTEL metric instruments.
type listenerMetrics struct {
	snapshotsReceived metric.Int64Counter
	decodeErrors      metric.Int64Counter
}

// Listener consumes the <symbol>@depth20 snapshot stream and emits one
// normalized domain.Update per frame.
type Listener struct {
	config  ListenerConfig
	logger  logger.LoggerInterface
	conn    *wsconn.Client
	metrics *listenerMetrics
}

// NewListener creates a new Binance listener.
func NewListener(cfg ListenerConfig, log logger.LoggerInterface) (*Listener, error) {
	if cfg.Symbol == "" {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithContext("binance symbol is empty"))
	}

	wsURL := cfg.WebSocketURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}

	wsCfg := wsconn.DefaultConfig(wsURL, "binance")
	wsCfg.MaxReconnects = cfg.MaxReconnects
	if cfg.InitialBackoff > 0 {
		wsCfg.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		wsCfg.MaxBackoff = cfg.MaxBackoff
	}

	conn, err := wsconn.New(wsCfg)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeVenueConnectionFailed, "binance wsconn")
	}

	l := &Listener{
		config: cfg,
		logger: log,
		conn:   conn,
	}

	if err := l.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	// Re-subscribe after every reconnect; the stray acknowledgement is
	// skipped by the frame classifier.
	conn.OnStateChange(func(state wsconn.State, _ error) {
		if state != wsconn.StateConnected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.subscribe(ctx); err != nil {
			l.logger.Warn(ctx, "binance resubscribe failed", "error", err)
		}
	})

	return l, nil
}

func (l *Listener) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	l.metrics = &listenerMetrics{}

	l.metrics.snapshotsReceived, err = meter.Int64Counter(
		"binance_snapshots_total",
		metric.WithDescription("Total depth snapshots received"),
	)
	if err != nil {
		return err
	}

	l.metrics.decodeErrors, err = meter.Int64Counter(
		"binance_decode_errors_total",
		metric.WithDescription("Snapshot decode errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Venue implements app.Listener.
func (l *Listener) Venue() domain.Venue {
	return domain.VenueBinance
}

// Connected reports whether the venue session is up. Used by health checks.
func (l *Listener) Connected() bool {
	return l.conn.IsConnected()
}

// subscribe sends the depth stream subscription frame.
func (l *Listener) subscribe(ctx context.Context) error {
	req := WSRequest{
		Method: "SUBSCRIBE",
		Params: []string{DepthStream(l.config.Symbol, l.config.UpdateIntervalMs)},
		ID:     subscribeID,
	}
	if err := l.conn.SendJSON(ctx, req); err != nil {
		return apperror.Wrap(err, apperror.CodeVenueSubscribeFailed, "binance")
	}
	return nil
}

// Listen implements app.Listener. It holds the subscription session and
// emits one Update per snapshot frame until a fatal error or cancellation.
func (l *Listener) Listen(ctx context.Context, out chan<- domain.Update) error {
	if err := l.conn.ConnectWithRetry(ctx); err != nil {
		return err
	}
	defer l.conn.Close()

	// The OnStateChange hook already subscribed for the initial connect, but
	// doing it again is harmless and keeps the happy path explicit.
	if err := l.subscribe(ctx); err != nil {
		return err
	}

	l.logger.Info(ctx, "binance listener started",
		"symbol", l.config.Symbol,
		"stream", DepthStream(l.config.Symbol, l.config.UpdateIntervalMs))

	acked := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.conn.Done():
			if err := l.conn.Err(); err != nil {
				return err
			}
			return apperror.New(apperror.CodeWebSocketClosed, apperror.WithContext("binance"))
		case msg := <-l.conn.Messages():
			if msg.Type == wsconn.MessageBinary {
				return apperror.New(apperror.CodeWebSocketBinaryFrame, apperror.WithContext("binance"))
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

// decodeFrame classifies a text frame: subscription acknowledgement (checked,
// then discarded), rejection, or depth snapshot. handled is false for frames
// that produce no update.
func (l *Listener) decodeFrame(ctx context.Context, data []byte, acked *bool) (domain.Update, bool, error) {
	// Snapshot frames always carry lastUpdateId; everything else goes
	// through the response path.
	if !bytes.Contains(data, []byte("lastUpdateId")) {
		var resp WSResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			l.metrics.decodeErrors.Add(ctx, 1)
			return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed,
				"binance: unexpected frame")
		}
		if resp.Error != nil {
			return domain.Update{}, false, apperror.New(apperror.CodeVenueSubscribeRejected,
				apperror.WithContext(fmt.Sprintf("binance: code %d: %s", resp.Error.Code, resp.Error.Msg)))
		}
		if resp.Result == nil {
			// Neither a snapshot nor a request response.
			l.metrics.decodeErrors.Add(ctx, 1)
			return domain.Update{}, false, apperror.New(apperror.CodeSnapshotDecodeFailed,
				apperror.WithContext("binance: unexpected frame"))
		}
		if !*acked {
			if resp.ID != subscribeID || string(resp.Result) != "null" {
				return domain.Update{}, false, apperror.New(apperror.CodeVenueSubscribeRejected,
					apperror.WithContext(fmt.Sprintf("binance: acknowledgement for id %d with result %s", resp.ID, resp.Result)))
			}
			*acked = true
			l.logger.Debug(ctx, "binance subscription acknowledged")
		}
		return domain.Update{}, false, nil
	}

	var depth BookDepth
	if err := json.Unmarshal(data, &depth); err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "binance")
	}

	bids, err := domain.ParseQuotes(depth.Bids)
	if err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "binance bids")
	}
	asks, err := domain.ParseQuotes(depth.Asks)
	if err != nil {
		l.metrics.decodeErrors.Add(ctx, 1)
		return domain.Update{}, false, apperror.Wrap(err, apperror.CodeSnapshotDecodeFailed, "binance asks")
	}

	l.metrics.snapshotsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("symbol", l.config.Symbol)))

	update := domain.Update{Venue: domain.VenueBinance, Bids: bids, Asks: asks}
	update.Truncate(l.config.DepthLimit)

	return update, true, nil
}
