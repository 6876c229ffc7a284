// Package domain contains the core domain types for the aggregator context:
// the combined order book merged across venues.
package domain

import (
	"sort"

	"github.com/shopspring/decimal"

	md "github.com/fd1az/orderbook-aggregator/business/marketdata/domain"
)

// Level is one price level of the combined book, tagged with the venue it
// came from.
type Level struct {
	Venue md.Venue
	Quote md.Quote
}

// NewLevel constructs a Level.
func NewLevel(venue md.Venue, quote md.Quote) Level {
	return Level{Venue: venue, Quote: quote}
}

// CombinedOrderbook merges per-venue snapshots into depth-limited sorted bid
// and ask sides. Not safe for concurrent use: the summary publisher is the
// sole owner and mutator.
//
// Internal storage may hold up to one full snapshot per venue per side
// between updates; the observers clamp to the depth limit.
type CombinedOrderbook struct {
	bids       []Level
	asks       []Level
	spread     *decimal.Decimal
	depthLimit int
}

// NewCombinedOrderbook creates an empty book with the given depth limit.
func NewCombinedOrderbook(depthLimit int) *CombinedOrderbook {
	if depthLimit < 1 {
		depthLimit = 1
	}
	return &CombinedOrderbook{depthLimit: depthLimit}
}

// DepthLimit returns the maximum number of levels per side reported to
// consumers.
func (b *CombinedOrderbook) DepthLimit() int {
	return b.depthLimit
}

// Update applies one venue snapshot: every level previously contributed by
// that venue is replaced by the new snapshot, both sides are re-sorted, and
// the spread is recomputed.
func (b *CombinedOrderbook) Update(update md.Update) {
	b.bids = updateSide(b.bids, update.Venue, update.Bids, bidLess)
	b.asks = updateSide(b.asks, update.Venue, update.Asks, askLess)
	b.updateSpread()
}

// updateSide removes the venue's previous contribution, appends the new
// quotes, and sorts. The comparator encodes the full ordering including the
// venue tiebreak, so the result is deterministic regardless of insertion
// order.
func updateSide(side []Level, venue md.Venue, quotes []md.Quote, less func(lhs, rhs Level) bool) []Level {
	kept := side[:0]
	for _, level := range side {
		if level.Venue != venue {
			kept = append(kept, level)
		}
	}
	for _, quote := range quotes {
		kept = append(kept, Level{Venue: venue, Quote: quote})
	}
	sort.Slice(kept, func(i, j int) bool { return less(kept[i], kept[j]) })
	return kept
}

// bidLess orders bids by price descending, quantity descending, venue
// ascending.
func bidLess(lhs, rhs Level) bool {
	if c := lhs.Quote.Price.Cmp(rhs.Quote.Price); c != 0 {
		return c > 0
	}
	if c := lhs.Quote.Quantity.Cmp(rhs.Quote.Quantity); c != 0 {
		return c > 0
	}
	return lhs.Venue < rhs.Venue
}

// askLess orders asks by price ascending, quantity descending, venue
// ascending.
func askLess(lhs, rhs Level) bool {
	if c := lhs.Quote.Price.Cmp(rhs.Quote.Price); c != 0 {
		return c < 0
	}
	if c := lhs.Quote.Quantity.Cmp(rhs.Quote.Quantity); c != 0 {
		return c > 0
	}
	return lhs.Venue < rhs.Venue
}

func (b *CombinedOrderbook) updateSpread() {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		b.spread = nil
		return
	}
	spread := b.asks[0].Quote.Price.Sub(b.bids[0].Quote.Price)
	b.spread = &spread
}

// Bids returns the bid side clamped to the depth limit, best bid first. The
// returned slice is a borrowed view; callers must not retain it across
// updates.
func (b *CombinedOrderbook) Bids() []Level {
	return clamp(b.bids, b.depthLimit)
}

// Asks returns the ask side clamped to the depth limit, best ask first.
func (b *CombinedOrderbook) Asks() []Level {
	return clamp(b.asks, b.depthLimit)
}

// Spread returns best ask minus best bid, or ok=false when either side is
// empty.
func (b *CombinedOrderbook) Spread() (decimal.Decimal, bool) {
	if b.spread == nil {
		return decimal.Decimal{}, false
	}
	return *b.spread, true
}

func clamp(side []Level, limit int) []Level {
	if len(side) > limit {
		return side[:limit]
	}
	return side
}
