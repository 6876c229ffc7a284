package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseQuote(t *testing.T) {
	q, err := ParseQuote("19255.06000000", "0.10000000")
	if err != nil {
		t.Fatalf("ParseQuote failed: %v", err)
	}

	want := NewQuote(decimal.RequireFromString("19255.06000000"), decimal.RequireFromString("0.10000000"))
	if !q.Equal(want) {
		t.Errorf("quote = (%s, %s), want (19255.06, 0.1)", q.Price, q.Quantity)
	}
}

func TestParseQuoteInvalid(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		quantity string
	}{
		{"non_numeric_price", "abc", "1"},
		{"non_numeric_quantity", "1", "abc"},
		{"empty_price", "", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQuote(tt.price, tt.quantity); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseQuotes(t *testing.T) {
	quotes, err := ParseQuotes([][]string{
		{"19255.06000000", "0.10000000"},
		{"19255.30000000", "0.00055000"},
	})
	if err != nil {
		t.Fatalf("ParseQuotes failed: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}
	if quotes[0].Price.String() != "19255.06" {
		t.Errorf("price = %s", quotes[0].Price)
	}
}

func TestParseQuotesDropsZeroQuantity(t *testing.T) {
	quotes, err := ParseQuotes([][]string{
		{"100", "0"},
		{"99", "0.00000000"},
		{"98", "1"},
	})
	if err != nil {
		t.Fatalf("ParseQuotes failed: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1: %v", len(quotes), quotes)
	}
	if quotes[0].Price.String() != "98" {
		t.Errorf("kept price = %s, want 98", quotes[0].Price)
	}
}

func TestParseQuotesShortEntry(t *testing.T) {
	quotes, err := ParseQuotes([][]string{
		{"100"},
		{"98", "1"},
	})
	if err != nil {
		t.Fatalf("ParseQuotes failed: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1", len(quotes))
	}
}

func TestUpdateTruncate(t *testing.T) {
	u := Update{Venue: VenueBinance}
	for i := 0; i < 5; i++ {
		u.Bids = append(u.Bids, NewQuote(decimal.NewFromInt(int64(100-i)), decimal.NewFromInt(1)))
		u.Asks = append(u.Asks, NewQuote(decimal.NewFromInt(int64(101+i)), decimal.NewFromInt(1)))
	}

	u.Truncate(2)

	if len(u.Bids) != 2 || len(u.Asks) != 2 {
		t.Errorf("after truncate: bids=%d asks=%d, want 2 each", len(u.Bids), len(u.Asks))
	}
	if u.Bids[0].Price.String() != "100" {
		t.Errorf("truncation must keep venue order, got first bid %s", u.Bids[0].Price)
	}
}

func TestVenueRoundTrip(t *testing.T) {
	for _, v := range []Venue{VenueBinance, VenueBitstamp} {
		parsed, err := ParseVenue(v.DisplayName())
		if err != nil {
			t.Fatalf("ParseVenue(%s) failed: %v", v.DisplayName(), err)
		}
		if parsed != v {
			t.Errorf("round trip %s -> %s", v, parsed)
		}
	}

	if _, err := ParseVenue("kraken"); err == nil {
		t.Error("expected error for unknown venue")
	}
}
