// Package grpcapi exposes the aggregated summary stream over gRPC.
package grpcapi

import (
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/fd1az/orderbook-aggregator/business/aggregator/app"
	"github.com/fd1az/orderbook-aggregator/internal/apm"
	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

const tracerName = "grpcapi"

// Ensure Service implements the generated server interface.
var _ pb.OrderbookAggregatorServer = (*Service)(nil)

// Service implements orderbook.OrderbookAggregator. Each BookSummary call
// subscribes to the broadcast and relays summaries to the client in publish
// order until the client goes away or the pipeline shuts down.
type Service struct {
	pb.UnimplementedOrderbookAggregatorServer

	broadcaster *app.Broadcaster
	logger      logger.LoggerInterface
	tracer      apm.Tracer
}

// NewService creates the service bound to a broadcaster.
func NewService(broadcaster *app.Broadcaster, log logger.LoggerInterface) *Service {
	return &Service{
		broadcaster: broadcaster,
		logger:      log,
		tracer:      apm.NewTracer(tracerName),
	}
}

// BookSummary implements the server-streaming method.
func (s *Service) BookSummary(_ *pb.Empty, stream grpc.ServerStreamingServer[pb.Summary]) error {
	ctx := stream.Context()

	ctx, span := s.tracer.StartSpanFromContext(ctx, "grpc.book_summary")
	defer span.End()

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)

	s.logger.Info(ctx, "summary stream opened",
		"subscribers", s.broadcaster.SubscriberCount())

	defer func() {
		if dropped := sub.Dropped(); dropped > 0 {
			span.SetAttributes(attribute.Int64("summary.dropped", int64(dropped)))
			s.logger.Debug(ctx, "summary stream lagged", "dropped", dropped)
		}
		s.logger.Info(ctx, "summary stream closed")
	}()

	for {
		select {
		case <-ctx.Done():
			// Client cancelled or connection dropped; not a server error.
			return status.FromContextError(ctx.Err()).Err()
		case summary, ok := <-sub.Ch():
			if !ok {
				// Pipeline shutting down.
				err := apperror.New(apperror.CodeServiceUnavailable,
					apperror.WithContext("summary broadcast closed"))
				span.NoticeError(err)
				return err.GRPCStatus().Err()
			}
			if err := stream.Send(summary); err != nil {
				span.NoticeError(err)
				return err
			}
		}
	}
}
