package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyScale is the number of fractional digits stored for money.
const CurrencyScale = 2

var (
	hundred = decimal.NewFromInt(100)
	// NUMERIC(12,2) upper bound.
	maxAmount = decimal.New(1, 10)
)

// RoundCurrency rounds half-to-even at currency precision.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CurrencyScale)
}

// LineTotal is quantity × unitPrice. With an integer quantity and a price at
// currency precision the product is exact and needs no rounding.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Totals is the derived money header of an invoice.
type Totals struct {
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
}

// ComputeTotals derives the invoice header from its lines. Tax applies to
// the discounted subtotal and is the only rounded term:
//
//	subtotal = Σ quantity × unitPrice
//	tax      = round((subtotal − discount) × rate / 100)
//	total    = subtotal − discount + tax
func ComputeTotals(items []ItemInput, taxRate, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(LineTotal(it.Quantity, it.UnitPrice))
	}
	taxable := subtotal.Sub(discount)
	tax := RoundCurrency(taxable.Mul(taxRate).Div(hundred))
	return Totals{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		TotalAmount:    subtotal.Sub(discount).Add(tax),
	}
}

// hasCurrencyScale reports whether d has no more than two fractional digits.
func hasCurrencyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CurrencyScale))
}

func checkAmount(field string, d decimal.Decimal) error {
	if !hasCurrencyScale(d) {
		return invalid(field, fmt.Sprintf("must have at most %d decimal places", CurrencyScale))
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return invalid(field, "exceeds the maximum storable amount")
	}
	return nil
}
