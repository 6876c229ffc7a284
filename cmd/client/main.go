// Package main is the subscriber client for the orderbook aggregator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
	"github.com/fd1az/orderbook-aggregator/pkg/ui"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	url := flags.String("url", "http://0.0.0.0:50051", "Server URL")
	tuiMode := flags.Bool("tui", false, "Render the combined book as a live TUI")
	showVersion := flags.Bool("version", false, "Show version information")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("orderbook-aggregator client %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, *url, *tuiMode); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url string, tuiMode bool) error {
	conn, err := grpc.NewClient(grpcTarget(url),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer conn.Close()

	client := pb.NewOrderbookAggregatorClient(conn)

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		return fmt.Errorf("failed to open summary stream: %w", err)
	}

	if tuiMode {
		return runTUI(ctx, url, stream)
	}
	return runConsole(ctx, stream)
}

// grpcTarget strips the URL scheme: grpc dial targets are host:port.
func grpcTarget(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+3:]
	}
	return url
}

// runConsole prints each summary to stdout in a human-readable block.
func runConsole(ctx context.Context, stream grpc.ServerStreamingClient[pb.Summary]) error {
	for {
		summary, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream receive: %w", err)
		}
		printSummary(os.Stdout, summary)
	}
}

func printSummary(w io.Writer, summary *pb.Summary) {
	fmt.Fprintln(w, "--------------------------------------------------------------------------------")
	if math.IsNaN(summary.Spread) {
		fmt.Fprintln(w, "Spread:  n/a")
	} else {
		fmt.Fprintf(w, "Spread:  %.8f\n", summary.Spread)
	}
	fmt.Fprintln(w, "Asks (best first):")
	printLevels(w, summary.Asks)
	fmt.Fprintln(w, "Bids (best first):")
	printLevels(w, summary.Bids)
}

func printLevels(w io.Writer, levels []*pb.Level) {
	if len(levels) == 0 {
		fmt.Fprintln(w, "  (empty)")
		return
	}
	for _, level := range levels {
		fmt.Fprintf(w, "  %-10s %16.8f %14.8f\n", level.Exchange, level.Price, level.Amount)
	}
}

// runTUI feeds the stream into the Bubble Tea program.
func runTUI(ctx context.Context, url string, stream grpc.ServerStreamingClient[pb.Summary]) error {
	p := tea.NewProgram(ui.New(url), tea.WithAltScreen())
	ui.Program = p

	go func() {
		ui.Send(ui.ConnectionMsg{Connected: true, URL: url})
		for {
			summary, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					ui.Send(ui.ErrorMsg{Error: err})
				} else {
					ui.Send(ui.ConnectionMsg{Connected: false, URL: url})
				}
				return
			}
			ui.Send(ui.SummaryMsg{Summary: summary})
		}
	}()

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
