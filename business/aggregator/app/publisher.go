package app

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/orderbook-aggregator/business/aggregator/domain"
	md "github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
	"github.com/fd1az/orderbook-aggregator/internal/apperror"
	"github.com/fd1az/orderbook-aggregator/internal/logger"
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

// publisherMetrics holds OTEL metric instruments.
type publisherMetrics struct {
	updatesApplied     metric.Int64Counter
	summariesPublished metric.Int64Counter
}

// Publisher is the global ordering point of the pipeline. It is the single
// consumer of the fan-in channel and the sole owner of the combined book, so
// the book needs no locking; the sequence of published summaries defines the
// total order every subscriber observes a prefix of.
type Publisher struct {
	book        *domain.CombinedOrderbook
	in          <-chan md.Update
	broadcaster *Broadcaster
	logger      logger.LoggerInterface
	metrics     *publisherMetrics
}

// NewPublisher creates a Publisher that owns book, consumes in, and fans out
// through broadcaster.
func NewPublisher(book *domain.CombinedOrderbook, in <-chan md.Update, broadcaster *Broadcaster, log logger.LoggerInterface) (*Publisher, error) {
	p := &Publisher{
		book:        book,
		in:          in,
		broadcaster: broadcaster,
		logger:      log,
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	p.metrics = &publisherMetrics{}

	p.metrics.updatesApplied, err = meter.Int64Counter(
		"orderbook_updates_applied_total",
		metric.WithDescription("Venue snapshots applied to the combined book"),
	)
	if err != nil {
		return err
	}

	p.metrics.summariesPublished, err = meter.Int64Counter(
		"summaries_published_total",
		metric.WithDescription("Summaries composed and broadcast"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Run consumes updates until the context is cancelled or the channel closes.
// Each update mutates the book, is converted to the wire model, and is
// broadcast. A value that cannot be represented as a finite float64 on the
// wire is a fatal error.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-p.in:
			if !ok {
				return apperror.New(apperror.CodeUpdateChannelClosed)
			}

			p.book.Update(update)
			p.metrics.updatesApplied.Add(ctx, 1)

			summary, err := p.composeSummary()
			if err != nil {
				return err
			}

			p.broadcaster.Publish(summary)
			p.metrics.summariesPublished.Add(ctx, 1)
		}
	}
}

// composeSummary converts the book's clamped views into the wire model. This
// is the only place decimals become floats; a one-sided book yields a NaN
// spread.
func (p *Publisher) composeSummary() (*pb.Summary, error) {
	spread := math.NaN()
	if s, ok := p.book.Spread(); ok {
		f, err := toWireFloat(s, "spread")
		if err != nil {
			return nil, err
		}
		spread = f
	}

	bids, err := toWireLevels(p.book.Bids())
	if err != nil {
		return nil, err
	}
	asks, err := toWireLevels(p.book.Asks())
	if err != nil {
		return nil, err
	}

	return &pb.Summary{Spread: spread, Bids: bids, Asks: asks}, nil
}

func toWireLevels(levels []domain.Level) ([]*pb.Level, error) {
	out := make([]*pb.Level, 0, len(levels))
	for _, level := range levels {
		price, err := toWireFloat(level.Quote.Price, "price")
		if err != nil {
			return nil, err
		}
		amount, err := toWireFloat(level.Quote.Quantity, "quantity")
		if err != nil {
			return nil, err
		}
		out = append(out, &pb.Level{
			Exchange: level.Venue.DisplayName(),
			Price:    price,
			Amount:   amount,
		})
	}
	return out, nil
}

// toWireFloat is the lossy decimal-to-float boundary. Values that do not fit
// a finite float64 are rejected.
func toWireFloat(d decimal.Decimal, what string) (float64, error) {
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, apperror.New(apperror.CodeValueOutOfRange,
			apperror.WithContext(fmt.Sprintf("%s %s", what, d.String())))
	}
	return f, nil
}
