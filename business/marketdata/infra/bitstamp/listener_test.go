package bitstamp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
)

const sampleOrderbookEvent = `{
	"data":{
		"timestamp":"1666190126",
		"microtimestamp":"1666190126442462",
		"bids":[["19176","0.39108459"]],
		"asks":[["19181","0.31188246"]]
	},
	"channel":"order_book_btcusdt",
	"event":"data"
}`

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func newTestListener(t *testing.T, url string) *Listener {
	t.Helper()
	cfg := DefaultListenerConfig("BTCUSDT")
	cfg.WebSocketURL = url
	cfg.DepthLimit = 2
	l, err := NewListener(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	return l
}

func TestChannelName(t *testing.T) {
	if got := ChannelName("BTCUSDT"); got != "order_book_btcusdt" {
		t.Errorf("ChannelName = %q", got)
	}
}

func TestDecodeOrderbookEvent(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	acked := true
	update, handled, err := l.decodeFrame(context.Background(), []byte(sampleOrderbookEvent), &acked)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	if !handled {
		t.Fatal("data event should produce an update")
	}

	if update.Venue != domain.VenueBitstamp {
		t.Errorf("venue = %s", update.Venue)
	}
	if len(update.Bids) != 1 || len(update.Asks) != 1 {
		t.Fatalf("bids=%d asks=%d, want 1 each", len(update.Bids), len(update.Asks))
	}
	if update.Bids[0].Price.String() != "19176" || update.Bids[0].Quantity.String() != "0.39108459" {
		t.Errorf("bid = (%s, %s)", update.Bids[0].Price, update.Bids[0].Quantity)
	}
	if update.Asks[0].Price.String() != "19181" || update.Asks[0].Quantity.String() != "0.31188246" {
		t.Errorf("ask = (%s, %s)", update.Asks[0].Price, update.Asks[0].Quantity)
	}
}

func TestDecodeSkipsControlEvents(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	tests := []struct {
		name    string
		payload string
	}{
		{"subscription_ack", `{"event":"bts:subscription_succeeded","channel":"order_book_btcusdt","data":{}}`},
		{"heartbeat", `{"event":"bts:heartbeat","data":{"status":"success"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acked := false
			_, handled, err := l.decodeFrame(context.Background(), []byte(tt.payload), &acked)
			if err != nil {
				t.Fatalf("control event should not error: %v", err)
			}
			if handled {
				t.Error("control event must not produce an update")
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	tests := []struct {
		name     string
		payload  string
		wantCode apperror.Code
	}{
		{"malformed_json", `{"event":`, apperror.CodeSnapshotDecodeFailed},
		{"unknown_event", `{"event":"trade","channel":"live_trades_btcusd","data":{}}`, apperror.CodeSnapshotDecodeFailed},
		{"non_decimal_price", `{"event":"data","channel":"order_book_btcusdt","data":{"bids":[["x","1"]],"asks":[]}}`, apperror.CodeSnapshotDecodeFailed},
		{"wrong_channel", `{"event":"data","channel":"order_book_ethusd","data":{"bids":[],"asks":[]}}`, apperror.CodeSnapshotDecodeFailed},
		{"ack_wrong_channel", `{"event":"bts:subscription_succeeded","channel":"order_book_ethusd","data":{}}`, apperror.CodeVenueSubscribeRejected},
		{"venue_error", `{"event":"bts:error","data":{"code":4009,"message":"Unauthorized"}}`, apperror.CodeVenueSubscribeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acked := true
			_, _, err := l.decodeFrame(context.Background(), []byte(tt.payload), &acked)
			if err == nil {
				t.Fatal("expected error")
			}
			if apperror.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %s, want %s", apperror.CodeOf(err), tt.wantCode)
			}
		})
	}
}

// mockVenue runs a WebSocket server standing in for the exchange endpoint.
func mockVenue(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		handler(r.Context(), conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestListenEmitsUpdates(t *testing.T) {
	server := mockVenue(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Event != EventSubscribe {
			t.Errorf("unexpected subscription frame: %s", data)
			return
		}
		if req.Data.Channel != "order_book_btcusdt" {
			t.Errorf("unexpected channel: %s", req.Data.Channel)
		}

		conn.Write(ctx, websocket.MessageText,
			[]byte(`{"event":"bts:subscription_succeeded","channel":"order_book_btcusdt","data":{}}`))
		conn.Write(ctx, websocket.MessageText, []byte(sampleOrderbookEvent))

		// Hold the connection open until the client goes away. The listener
		// subscribes twice (state hook plus Listen), so keep reading.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	defer server.Close()

	l := newTestListener(t, wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan domain.Update, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Listen(ctx, out) }()

	select {
	case update := <-out:
		if update.Venue != domain.VenueBitstamp {
			t.Errorf("venue = %s", update.Venue)
		}
		if len(update.Asks) != 1 {
			t.Errorf("asks = %v", update.Asks)
		}
	case err := <-errCh:
		t.Fatalf("listener exited early: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for update")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("listener returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancellation")
	}
}

func TestListenFailsOnVenueError(t *testing.T) {
	server := mockVenue(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // subscription request
		conn.Write(ctx, websocket.MessageText,
			[]byte(`{"event":"bts:error","data":{"code":4009,"message":"Channel does not exist"}}`))
		conn.Read(ctx)
	})
	defer server.Close()

	l := newTestListener(t, wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan domain.Update, 1)
	err := l.Listen(ctx, out)
	if apperror.CodeOf(err) != apperror.CodeVenueSubscribeRejected {
		t.Errorf("err = %v, want subscribe rejected", err)
	}
}
