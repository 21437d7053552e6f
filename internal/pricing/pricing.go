// Package pricing turns resolved checkout lines into charged amounts.
//
// Every line total is rounded half-to-even to two decimals on its own and the
// receipt total is the sum of those rounded line totals, rounded again to two
// decimals. Summing unrounded products first gives different totals for some
// baskets, so receipts depend on this order.
package pricing

import (
	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
)

const Places = 2

func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).RoundBank(Places)
}

// Price returns a copy of lines with LineTotal set, plus the receipt total.
func Price(lines []domain.TransactionLine) ([]domain.TransactionLine, decimal.Decimal) {
	priced := make([]domain.TransactionLine, len(lines))
	total := decimal.Zero
	for i, line := range lines {
		line.LineTotal = LineTotal(line.UnitPrice, line.Quantity)
		total = total.Add(line.LineTotal)
		priced[i] = line
	}
	return priced, total.RoundBank(Places)
}

// Format renders an amount with exactly two decimals, e.g. 7.5 -> "7.50".
func Format(amount decimal.Decimal) string {
	return amount.StringFixedBank(Places)
}
