// Package main is the entry point for the orderbook aggregator server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/fd1az/orderbook-aggregator/business/aggregator/app"
	aggdomain "github.com/fd1az/orderbook-aggregator/business/aggregator/domain"
	"github.com/fd1az/orderbook-aggregator/business/aggregator/infra/grpcapi"
	mdapp "github.com/fd1az/orderbook-aggregator/business/marketdata/app"
	mddomain "github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
	"github.com/fd1az/orderbook-aggregator/business/marketdata/infra/binance"
	"github.com/fd1az/orderbook-aggregator/business/marketdata/infra/bitstamp"
	"github.com/fd1az/orderbook-aggregator/internal/apm"
	"github.com/fd1az/orderbook-aggregator/internal/config"
	"github.com/fd1az/orderbook-aggregator/internal/health"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	"github.com/fd1az/orderbook-aggregator/internal/metrics"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to configuration file")
	showVersion := flags.Bool("version", false, "Show version information")

	flags.String("address", "0.0.0.0", "gRPC listen address")
	flags.Int("port", 50051, "gRPC listen port")
	flags.Int("orderbook-depth-limit", 10, "Levels per side reported to clients")
	flags.Int("orderbook-listener-channel-capacity", 128, "Fan-in queue capacity")
	flags.Int("summary-broadcast-channel-capacity", 128, "Per-subscriber broadcast queue capacity")
	flags.String("binance-symbol", "BTCUSDT", "Binance trading symbol")
	flags.String("binance-websocket-url", binance.DefaultWSURL, "Binance WebSocket URL")
	flags.String("bitstamp-symbol", "BTCUSDT", "Bitstamp trading symbol")
	flags.String("bitstamp-websocket-url", bitstamp.DefaultWSURL, "Bitstamp WebSocket URL")

	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("orderbook-aggregator %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, flags *pflag.FlagSet) error {
	// Load configuration
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.App.LogLevel), cfg.App.Name, nil)
	log.Info(ctx, "starting orderbook aggregator",
		"version", version,
		"environment", cfg.App.Environment,
	)

	// Initialize observability if enabled
	var traceProvider apm.TraceProvider
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName != "" {
			os.Setenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
		}

		traceProvider = apm.NewTraceProvider(log, apm.WithProvider(apm.ZipkinProvider, log))
		log.Info(ctx, "tracing initialized", "provider", "zipkin", "endpoint", cfg.Telemetry.OTLPEndpoint)

		metrics.NewMetricProvider(
			metrics.WithServiceName(cfg.Telemetry.ServiceName),
			metrics.WithProviderConfig(metrics.ProviderCfg{
				Provider: metrics.PrometheusProvider,
			}),
		)

		port := cfg.Telemetry.PrometheusPort
		if port == 0 {
			port = 9090
		}
		go metrics.ServePrometheusMetrics(metrics.WithPort(strconv.Itoa(port)))
		log.Info(ctx, "prometheus metrics server started", "port", port)
	}
	defer func() {
		if traceProvider != nil {
			traceProvider.Stop()
		}
	}()

	// Build the pipeline: listeners -> fan-in -> publisher -> broadcast.
	updates := make(chan mddomain.Update, cfg.Orderbook.ListenerChannelCapacity)

	binanceListener, err := binance.NewListener(binance.ListenerConfig{
		WebSocketURL:     cfg.Binance.WebSocketURL,
		Symbol:           cfg.Binance.Symbol,
		UpdateIntervalMs: cfg.Binance.UpdateIntervalMs,
		DepthLimit:       cfg.Orderbook.DepthLimit,
		MaxReconnects:    cfg.Binance.MaxReconnects,
		InitialBackoff:   cfg.Binance.InitialBackoff,
		MaxBackoff:       cfg.Binance.MaxBackoff,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create binance listener: %w", err)
	}

	bitstampListener, err := bitstamp.NewListener(bitstamp.ListenerConfig{
		WebSocketURL:   cfg.Bitstamp.WebSocketURL,
		Symbol:         cfg.Bitstamp.Symbol,
		DepthLimit:     cfg.Orderbook.DepthLimit,
		MaxReconnects:  cfg.Bitstamp.MaxReconnects,
		InitialBackoff: cfg.Bitstamp.InitialBackoff,
		MaxBackoff:     cfg.Bitstamp.MaxBackoff,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create bitstamp listener: %w", err)
	}

	broadcaster, err := app.NewBroadcaster(cfg.Orderbook.BroadcastChannelCapacity, log)
	if err != nil {
		return fmt.Errorf("failed to create broadcaster: %w", err)
	}

	book := aggdomain.NewCombinedOrderbook(cfg.Orderbook.DepthLimit)
	publisher, err := app.NewPublisher(book, updates, broadcaster, log)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	service := grpcapi.NewService(broadcaster, log)
	server := grpcapi.NewServer(cfg.Server.ListenAddr(), service, log)

	// Health endpoints
	healthServer := health.NewServer(cfg.Telemetry.HealthPort, version)
	healthServer.RegisterCheck("binance", func(context.Context) (bool, string) {
		if binanceListener.Connected() {
			return true, ""
		}
		return false, "disconnected"
	})
	healthServer.RegisterCheck("bitstamp", func(context.Context) (bool, string) {
		if bitstampListener.Connected() {
			return true, ""
		}
		return false, "disconnected"
	})
	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start health server", "error", err)
	} else {
		log.Info(ctx, "health server started", "port", cfg.Telemetry.HealthPort)
	}
	defer healthServer.Stop(context.Background())

	return supervise(ctx, log, broadcaster, []task{
		{name: "binance-listener", run: listen(binanceListener, updates)},
		{name: "bitstamp-listener", run: listen(bitstampListener, updates)},
		{name: "summary-publisher", run: publisher.Run},
		{name: "grpc-server", run: server.Run},
	})
}

// task is one supervised unit of the pipeline.
type task struct {
	name string
	run  func(context.Context) error
}

type taskResult struct {
	name string
	err  error
}

func listen(l mdapp.Listener, out chan<- mddomain.Update) func(context.Context) error {
	return func(ctx context.Context) error {
		return l.Listen(ctx, out)
	}
}

// supervise runs every task and waits for the first one to complete. That
// completion, clean or not, shuts the rest down; the first non-cancellation
// error becomes the process result.
func supervise(ctx context.Context, log logger.LoggerInterface, broadcaster *app.Broadcaster, tasks []task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskResult, len(tasks))
	for _, t := range tasks {
		t := t
		go func() {
			results <- taskResult{name: t.name, err: t.run(ctx)}
		}()
	}

	first := <-results
	if first.err != nil && !errors.Is(first.err, context.Canceled) {
		log.Error(ctx, "task failed, shutting down", "task", first.name, "error", first.err)
	} else {
		log.Info(ctx, "task completed, shutting down", "task", first.name)
	}

	cancel()
	// Ending every subscriber queue lets open summary streams finish, which
	// in turn lets the gRPC server stop gracefully.
	broadcaster.Close()

	// Give the remaining tasks a bounded window to wind down.
	result := first
	timeout := time.After(10 * time.Second)
	for i := 1; i < len(tasks); i++ {
		select {
		case r := <-results:
			if r.err != nil && !errors.Is(r.err, context.Canceled) {
				log.Warn(ctx, "task exited with error during shutdown", "task", r.name, "error", r.err)
				if result.err == nil || errors.Is(result.err, context.Canceled) {
					result = r
				}
			}
		case <-timeout:
			log.Warn(ctx, "shutdown timed out waiting for tasks")
			i = len(tasks)
		}
	}

	if result.err != nil && !errors.Is(result.err, context.Canceled) {
		return fmt.Errorf("%s: %w", result.name, result.err)
	}
	return nil
}
