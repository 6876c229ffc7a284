package grpcapi

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

// Server owns the gRPC listener lifecycle so the supervisor can run it as one
// task alongside the listeners and the publisher.
type Server struct {
	addr    string
	service *Service
	logger  logger.LoggerInterface
}

// NewServer creates a Server serving service on addr.
func NewServer(addr string, service *Service, log logger.LoggerInterface) *Server {
	return &Server{
		addr:    addr,
		service: service,
		logger:  log,
	}
}

// Run serves until ctx is cancelled, then stops gracefully. Open summary
// streams end when the broadcaster closes their queues.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeConfigurationError, "listen "+s.addr)
	}

	grpcServer := grpc.NewServer()
	pb.RegisterOrderbookAggregatorServer(grpcServer, s.service)

	s.logger.Info(ctx, "grpc server listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		return apperror.Wrap(err, apperror.CodeInternalError, "grpc serve")
	}
	return nil
}
