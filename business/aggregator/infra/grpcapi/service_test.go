package grpcapi

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fd1az/orderbook-aggregator/business/aggregator/app"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

// startService serves the aggregator over an in-memory listener.
func startService(t *testing.T) (*app.Broadcaster, pb.OrderbookAggregatorClient) {
	t.Helper()

	broadcaster, err := app.NewBroadcaster(16, testLogger())
	if err != nil {
		t.Fatalf("NewBroadcaster failed: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	pb.RegisterOrderbookAggregatorServer(grpcServer, NewService(broadcaster, testLogger()))

	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient failed: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		broadcaster.Close()
		grpcServer.Stop()
	})

	return broadcaster, pb.NewOrderbookAggregatorClient(conn)
}

func TestBookSummaryStreamsInPublishOrder(t *testing.T) {
	broadcaster, client := startService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("BookSummary failed: %v", err)
	}

	// Wait for the call's subscriber to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		broadcaster.Publish(&pb.Summary{
			Spread: float64(i),
			Bids:   []*pb.Level{{Exchange: "binance", Price: 100, Amount: 1}},
			Asks:   []*pb.Level{{Exchange: "bitstamp", Price: 101, Amount: 2}},
		})
	}

	for i := 0; i < 5; i++ {
		summary, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if summary.Spread != float64(i) {
			t.Errorf("summary %d: spread %v", i, summary.Spread)
		}
		if len(summary.Bids) != 1 || summary.Bids[0].Exchange != "binance" {
			t.Errorf("summary %d: bids %v", i, summary.Bids)
		}
	}
}

func TestBookSummaryClientCancelFreesSubscriber(t *testing.T) {
	broadcaster, client := startService(t)

	ctx, cancel := context.WithCancel(context.Background())

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("BookSummary failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	if _, err := stream.Recv(); err == nil {
		t.Error("Recv should fail after cancel")
	}

	deadline = time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber slot not freed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBookSummaryEndsWhenBroadcastCloses(t *testing.T) {
	broadcaster, client := startService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("BookSummary failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	broadcaster.Close()

	if _, err := stream.Recv(); err == nil {
		t.Error("stream should terminate when the pipeline shuts down")
	}
}
