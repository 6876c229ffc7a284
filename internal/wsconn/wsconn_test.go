package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fd1az/orderbook-aggregator/internal/apperror"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		if handler != nil {
			handler(conn)
		}
	}))
}

func testConfig(server *httptest.Server) Config {
	cfg := DefaultConfig("ws"+strings.TrimPrefix(server.URL, "http"), "test")
	cfg.PingInterval = 0 // Keep tests free of background pings
	return cfg
}

func TestClient_Connect_Success(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client, err := New(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if client.State() != StateConnected {
		t.Errorf("expected state %v, got %v", StateConnected, client.State())
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected() to return true")
	}
}

func TestClient_Connect_Failure(t *testing.T) {
	cfg := DefaultConfig("ws://localhost:59999", "test") // Invalid port
	cfg.PingInterval = 0

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	if err == nil {
		t.Fatal("expected Connect to fail with invalid URL")
	}
	if apperror.CodeOf(err) != apperror.CodeWebSocketConnectionError {
		t.Errorf("code = %s", apperror.CodeOf(err))
	}

	if client.State() != StateDisconnected {
		t.Errorf("expected state %v, got %v", StateDisconnected, client.State())
	}
}

func TestClient_BreakerOpensAfterRepeatedDialFailures(t *testing.T) {
	cfg := DefaultConfig("ws://localhost:59999", "test")
	cfg.PingInterval = 0
	cfg.BreakerMaxFailures = 2
	cfg.BreakerCooldown = time.Minute

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := client.Connect(ctx); err == nil {
			t.Fatal("expected dial failure")
		}
	}

	err = client.Connect(ctx)
	if apperror.CodeOf(err) != apperror.CodeCircuitOpen {
		t.Errorf("err = %v, want circuit open", err)
	}
}

func TestClient_SendJSON(t *testing.T) {
	var received []byte
	var mu sync.Mutex
	got := make(chan struct{})

	server := mockWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		mu.Lock()
		received = data
		mu.Unlock()
		close(got)
	})
	defer server.Close()

	client, err := New(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	payload := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{"btcusdt@depth20@100ms"},
		"id":     0,
	}

	if err := client.SendJSON(ctx, payload); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(string(received), "SUBSCRIBE") {
		t.Errorf("received = %s", received)
	}
}

func TestClient_DeliversTypedMessages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte(`{"hello":"world"}`))
		conn.Write(ctx, websocket.MessageBinary, []byte{0xde, 0xad})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client, err := New(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := <-client.Messages()
	if msg.Type != MessageText || string(msg.Data) != `{"hello":"world"}` {
		t.Errorf("first message = %+v", msg)
	}

	msg = <-client.Messages()
	if msg.Type != MessageBinary {
		t.Errorf("second message type = %v, want binary", msg.Type)
	}
}

func TestClient_CloseFrameTerminatesSession(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte("one"))
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer server.Close()

	client, err := New(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The data frame arrives first, then the close frame ends the session.
	select {
	case msg := <-client.Messages():
		if string(msg.Data) != "one" {
			t.Errorf("message = %q", msg.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("never received the data frame")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never terminated after close frame")
	}

	if apperror.CodeOf(client.Err()) != apperror.CodeWebSocketClosed {
		t.Errorf("terminal err = %v, want websocket closed", client.Err())
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	server := mockWSServer(t, nil)
	defer server.Close()

	client, err := New(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if client.State() != StateClosed {
		t.Errorf("state = %v, want closed", client.State())
	}
}
