package cart

import "github.com/shopspring/decimal"

// ShippingPolicy holds the free-shipping threshold and the flat fee charged below it.
type ShippingPolicy struct {
	FreeThreshold decimal.Decimal
	FlatFee       decimal.Decimal
}

// DefaultShippingPolicy is free shipping from 99.00, otherwise 9.99.
func DefaultShippingPolicy() ShippingPolicy {
	return ShippingPolicy{
		FreeThreshold: decimal.RequireFromString("99.00"),
		FlatFee:       decimal.RequireFromString("9.99"),
	}
}

// Summary is the totals block shown beside the cart.
type Summary struct {
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
	Total       decimal.Decimal
	ItemCount   int
	LineCount   int
}

// Summarize computes cart totals. The subtotal is rounded half-up to cents and
// the threshold is inclusive. The fee depends on the subtotal alone, so an
// empty cart still shows the flat fee.
func Summarize(items []LineItem, p ShippingPolicy) Summary {
	subtotal := decimal.Zero
	count := 0
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal())
		count += it.Quantity
	}
	// prices are non-negative, so Round's half-away-from-zero is half-up here
	subtotal = subtotal.Round(2)

	fee := p.FlatFee.Round(2)
	if subtotal.GreaterThanOrEqual(p.FreeThreshold) {
		fee = decimal.Zero
	}
	return Summary{
		Subtotal:    subtotal,
		ShippingFee: fee,
		Total:       subtotal.Add(fee),
		ItemCount:   count,
		LineCount:   len(items),
	}
}
