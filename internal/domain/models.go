package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCredit = "credit"
	PaymentMethodQR     = "qr"
	PaymentMethodWallet = "wallet"
)

const (
	QRStatusPending  = "pending"
	QRStatusPaid     = "paid"
	QRStatusCanceled = "canceled"
	QRStatusExpired  = "expired"
	QRStatusUnknown  = "unknown"
)

const (
	ReportGroupDaily   = "daily"
	ReportGroupWeekly  = "weekly"
	ReportGroupMonthly = "monthly"
)

const (
	StockStatusOut = "out_of_stock"
	StockStatusLow = "low_stock"
	StockStatusIn  = "in_stock"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	ID          int64           `json:"product_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	TotalSales  int             `json:"total_sales"`
}

type ProductCreateRequest struct {
	Name        string           `json:"name"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int             `json:"quantity"`
}

type ProductUpdateRequest struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    *int             `json:"quantity,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// CheckoutRequest keeps items raw so that shape errors (not a list, bad line)
// surface as sale error codes instead of JSON decoding failures.
type CheckoutRequest struct {
	Items         json.RawMessage `json:"items"`
	PaymentMethod string          `json:"payment_method"`
}

// LineRequest is one aggregated checkout line: a product and its summed quantity.
type LineRequest struct {
	ProductID int64
	Quantity  int
}

type Transaction struct {
	ID            int64             `json:"transaction_id"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	PaymentMethod string            `json:"payment_method"`
	CreatedAt     time.Time         `json:"timestamp"`
	Lines         []TransactionLine `json:"items"`
}

type TransactionLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
	// Remaining is the product quantity left right after this line was committed.
	Remaining int `json:"-"`
}

type Receipt struct {
	TransactionID int64             `json:"transaction_id"`
	Items         []TransactionLine `json:"items"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	PaymentMethod string            `json:"payment_method"`
	Timestamp     string            `json:"timestamp"`
	Warnings      []string          `json:"warnings,omitempty"`
	QRPayload     string            `json:"qr_payload,omitempty"`
	QRPNGBase64   string            `json:"qr_png_base64,omitempty"`
	ExpiresIn     int               `json:"expires_in,omitempty"`
}

type QRSession struct {
	TransactionID int64           `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	OutOfBand     bool            `json:"out_of_band"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type QRStatusResponse struct {
	TransactionID int64            `json:"transaction_id,omitempty"`
	Status        string           `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

type QRMarkPaidResponse struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	OutOfBand bool   `json:"out_of_band"`
}

// ReportQuery selects ledger rows with From <= created_at < To. Zero bounds are open.
type ReportQuery struct {
	From     time.Time
	To       time.Time
	Group    string
	Location *time.Location
}

type ReportRow struct {
	Period        string          `json:"period"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalQuantity int64           `json:"total_quantity"`
}

type SalesLineDetail struct {
	Period        string          `json:"period"`
	TransactionID int64           `json:"transaction_id"`
	ProductID     int64           `json:"product_id"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
	PaymentMethod string          `json:"payment_method"`
	Timestamp     time.Time       `json:"timestamp"`
}

type InventoryReportRow struct {
	ProductID  int64           `json:"product_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StockValue decimal.Decimal `json:"stock_value"`
	Status     string          `json:"status"`
}

type InventoryReport struct {
	Threshold  int                  `json:"threshold"`
	TotalValue decimal.Decimal      `json:"total_value"`
	Items      []InventoryReportRow `json:"items"`
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
