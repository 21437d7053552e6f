package qrpay

import (
	"fmt"

	"github.com/shopspring/decimal"

	"possale/backend/internal/pricing"
)

// BuildPayload returns the opaque string encoded into the QR image shown to
// the customer.
func BuildPayload(transactionID int64, amount decimal.Decimal) string {
	return fmt.Sprintf("PAYMENT|TX:%d|AMT:%s", transactionID, pricing.Format(amount))
}
