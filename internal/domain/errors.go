package domain

const (
	CodeInvalidInput         = "invalid_input"
	CodeInvalidItem          = "invalid_item"
	CodeInvalidQuantity      = "invalid_quantity"
	CodeInvalidPaymentMethod = "invalid_payment_method"
	CodeProductNotFound      = "product_not_found"
	CodeAmbiguousName        = "ambiguous_name"
	CodeNotEnoughStock       = "not_enough_stock"
	CodeDBError              = "db_error"
)

// SaleError is a request failure carrying a stable code for clients and a
// human readable detail.
type SaleError struct {
	Code   string
	Detail string
	Err    error
}

func (e *SaleError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Detail
}

func (e *SaleError) Unwrap() error {
	return e.Err
}
