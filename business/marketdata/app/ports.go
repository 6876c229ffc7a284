// Package app contains application ports for the market data context.
package app

import (
	"context"

	"github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
)

// Listener is a long-running venue subscription. Listen connects, subscribes,
// and pushes each decoded snapshot into out, blocking when out is full so
// that backpressure reaches the venue transport. It returns on the first
// fatal transport, subscription, or decode error, or when ctx is cancelled.
type Listener interface {
	Venue() domain.Venue
	Listen(ctx context.Context, out chan<- domain.Update) error
}
