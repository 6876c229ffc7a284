package domain

import "github.com/shopspring/decimal"

// Quote is a single price level: a price and the quantity resting at it.
// Values are exact decimals end to end; conversion to float happens only at
// the outbound wire boundary. Immutable once constructed.
type Quote struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// NewQuote constructs a Quote.
func NewQuote(price, quantity decimal.Decimal) Quote {
	return Quote{Price: price, Quantity: quantity}
}

// Equal reports whether both fields are equal in decimal representation.
func (q Quote) Equal(other Quote) bool {
	return q.Price.Equal(other.Price) && q.Quantity.Equal(other.Quantity)
}

// ParseQuote parses a venue-format [price, quantity] string pair.
func ParseQuote(priceStr, quantityStr string) (Quote, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Quote{}, err
	}
	quantity, err := decimal.NewFromString(quantityStr)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: price, Quantity: quantity}, nil
}

// ParseQuotes parses raw venue levels ([[price, qty], ...]) into quotes.
// Zero-quantity levels are a "remove this price" signal in venue protocols and
// are filtered out here; snapshot feeds should not emit them, but we drop them
// regardless.
func ParseQuotes(raw [][]string) ([]Quote, error) {
	quotes := make([]Quote, 0, len(raw))
	for _, r := range raw {
		if len(r) < 2 {
			continue
		}
		q, err := ParseQuote(r[0], r[1])
		if err != nil {
			return nil, err
		}
		if q.Quantity.Sign() <= 0 {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}
