package binance

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

const sampleBookDepth = `{
	"lastUpdateId":25945836327,
	"bids":[["19255.06000000","0.10000000"]],
	"asks":[["19255.30000000","0.00055000"]]
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

func TestDecodeBookDepth(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	acked := true
	update, handled, err := l.decodeFrame(context.Background(), []byte(sampleBookDepth), &acked)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	if !handled {
		t.Fatal("snapshot frame should produce an update")
	}

	if update.Venue != domain.VenueBinance {
		t.Errorf("venue = %s", update.Venue)
	}
	if len(update.Bids) != 1 || len(update.Asks) != 1 {
		t.Fatalf("bids=%d asks=%d, want 1 each", len(update.Bids), len(update.Asks))
	}
	if update.Bids[0].Price.String() != "19255.06" || update.Bids[0].Quantity.String() != "0.1" {
		t.Errorf("bid = (%s, %s)", update.Bids[0].Price, update.Bids[0].Quantity)
	}
	if update.Asks[0].Price.String() != "19255.3" || update.Asks[0].Quantity.String() != "0.00055" {
		t.Errorf("ask = (%s, %s)", update.Asks[0].Price, update.Asks[0].Quantity)
	}
}

func TestDecodeTruncatesToDepthLimit(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	payload := `{
		"lastUpdateId":1,
		"bids":[["100","1"],["99","1"],["98","1"],["97","1"]],
		"asks":[["101","1"],["102","1"],["103","1"]]
	}`

	acked := true
	update, handled, err := l.decodeFrame(context.Background(), []byte(payload), &acked)
	if err != nil || !handled {
		t.Fatalf("decodeFrame: handled=%v err=%v", handled, err)
	}
	if len(update.Bids) != 2 || len(update.Asks) != 2 {
		t.Errorf("bids=%d asks=%d, want depth limit 2", len(update.Bids), len(update.Asks))
	}
	if update.Bids[0].Price.String() != "100" {
		t.Errorf("truncation must keep venue order, first bid %s", update.Bids[0].Price)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode apperror.Code
	}{
		{"malformed_json", `{"lastUpdateId":`, apperror.CodeSnapshotDecodeFailed},
		{"non_decimal_price", `{"lastUpdateId":1,"bids":[["abc","1"]],"asks":[]}`, apperror.CodeSnapshotDecodeFailed},
		{"unexpected_frame", `{"e":"trade","p":"1.0"}`, apperror.CodeSnapshotDecodeFailed},
		{"subscribe_rejected", `{"error":{"code":2,"msg":"Invalid request"},"id":0}`, apperror.CodeVenueSubscribeRejected},
	}

	l := newTestListener(t, DefaultWSURL)
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

func TestDecodeAcknowledgement(t *testing.T) {
	l := newTestListener(t, DefaultWSURL)

	acked := false
	_, handled, err := l.decodeFrame(context.Background(), []byte(`{"result":null,"id":0}`), &acked)
	if err != nil {
		t.Fatalf("ack should not error: %v", err)
	}
	if handled {
		t.Error("ack must not produce an update")
	}
	if !acked {
		t.Error("ack should mark the subscription acknowledged")
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
		// Expect the subscription request, acknowledge, then stream.
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req WSRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Method != "SUBSCRIBE" {
			t.Errorf("unexpected subscription frame: %s", data)
			return
		}
		if len(req.Params) != 1 || req.Params[0] != "btcusdt@depth20@100ms" {
			t.Errorf("unexpected stream params: %v", req.Params)
		}

		conn.Write(ctx, websocket.MessageText, []byte(`{"result":null,"id":0}`))
		conn.Write(ctx, websocket.MessageText, []byte(sampleBookDepth))

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
		if update.Venue != domain.VenueBinance {
			t.Errorf("venue = %s", update.Venue)
		}
		if len(update.Bids) != 1 {
			t.Errorf("bids = %v", update.Bids)
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

func TestListenFailsOnDecodeError(t *testing.T) {
	server := mockVenue(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // subscription request
		conn.Write(ctx, websocket.MessageText, []byte(`{"result":null,"id":0}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"lastUpdateId":1,"bids":[["oops","1"]],"asks":[]}`))
		conn.Read(ctx)
	})
	defer server.Close()

	l := newTestListener(t, wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan domain.Update, 1)
	err := l.Listen(ctx, out)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if apperror.CodeOf(err) != apperror.CodeSnapshotDecodeFailed {
		t.Errorf("code = %s, want %s", apperror.CodeOf(err), apperror.CodeSnapshotDecodeFailed)
	}
}

func TestListenFailsOnBinaryFrame(t *testing.T) {
	server := mockVenue(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // subscription request
		conn.Write(ctx, websocket.MessageText, []byte(`{"result":null,"id":0}`))
		conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02})
		conn.Read(ctx)
	})
	defer server.Close()

	l := newTestListener(t, wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan domain.Update, 1)
	err := l.Listen(ctx, out)
	if apperror.CodeOf(err) != apperror.CodeWebSocketBinaryFrame {
		t.Errorf("err = %v, want binary frame error", err)
	}
}
