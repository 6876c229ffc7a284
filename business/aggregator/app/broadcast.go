// Package app contains the aggregation pipeline: the summary publisher and
// the subscription fan-out.
package app

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/orderbook-aggregator/internal/logger"
	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

const meterName = "github.com/fd1az/orderbook-aggregator/business/aggregator/app"

// Subscriber is one receiver of the summary broadcast: a bounded queue the
// publisher writes into with a drop-oldest policy.
type Subscriber struct {
	ch      chan *pb.Summary
	dropped atomic.Uint64
	closed  bool // guarded by the broadcaster mutex
}

// Ch returns the subscriber's queue. The channel is closed on Unsubscribe and
// on broadcaster shutdown.
func (s *Subscriber) Ch() <-chan *pb.Summary {
	return s.ch
}

// Dropped reports how many summaries were evicted from this subscriber's
// queue because it fell behind.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// broadcastMetrics holds OTEL metric instruments.
type broadcastMetrics struct {
	subscribers        metric.Int64UpDownCounter
	summariesFannedOut metric.Int64Counter
	summariesDropped   metric.Int64Counter
}

// Broadcaster fans published summaries out to any number of subscribers.
// Publish never blocks: a slow subscriber loses its oldest pending summaries,
// and only its own. Subscribers always observe a gapped prefix of the publish
// order, never a reordering.
type Broadcaster struct {
	capacity int
	logger   logger.LoggerInterface

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool

	metrics *broadcastMetrics
}

// NewBroadcaster creates a Broadcaster with the given per-subscriber queue
// capacity.
func NewBroadcaster(capacity int, log logger.LoggerInterface) (*Broadcaster, error) {
	if capacity < 1 {
		capacity = 1
	}

	b := &Broadcaster{
		capacity: capacity,
		logger:   log,
		subs:     make(map[*Subscriber]struct{}),
	}

	if err := b.initMetrics(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Broadcaster) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	b.metrics = &broadcastMetrics{}

	b.metrics.subscribers, err = meter.Int64UpDownCounter(
		"summary_subscribers",
		metric.WithDescription("Active summary stream subscribers"),
	)
	if err != nil {
		return err
	}

	b.metrics.summariesFannedOut, err = meter.Int64Counter(
		"summary_fanout_total",
		metric.WithDescription("Summaries delivered into subscriber queues"),
	)
	if err != nil {
		return err
	}

	b.metrics.summariesDropped, err = meter.Int64Counter(
		"summary_dropped_total",
		metric.WithDescription("Summaries evicted from slow subscriber queues"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan *pb.Summary, b.capacity)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.subscribers.Add(context.Background(), 1)
	return sub
}

// Unsubscribe removes a subscriber and closes its queue, freeing its slot.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub)
	sub.closed = true
	close(sub.ch)
	b.mu.Unlock()

	b.metrics.subscribers.Add(context.Background(), -1)
}

// Publish fans the summary out to every live subscriber without blocking.
// When a subscriber's queue is full its oldest pending summary is evicted to
// make room for the new one.
func (b *Broadcaster) Publish(summary *pb.Summary) {
	ctx := context.Background()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- summary:
			b.metrics.summariesFannedOut.Add(ctx, 1)
			continue
		default:
		}

		// Queue full: evict the oldest entry. The mutex makes this the only
		// writer, so the retry send cannot block.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.metrics.summariesDropped.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "subscriber_lag")))
		default:
		}

		select {
		case sub.ch <- summary:
			b.metrics.summariesFannedOut.Add(ctx, 1)
		default:
		}
	}
}

// Close closes every subscriber queue and rejects further subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
