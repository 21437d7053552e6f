package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possale/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicate          = errors.New("already exists")
	ErrProductReferenced  = errors.New("product is referenced by sales")
	ErrSessionClosed      = errors.New("qr session is closed")
)

// StockError reports a product whose quantity on hand cannot cover a sale.
type StockError struct {
	ProductID int64
	Name      string
	Available int
	Requested int
}

func (e *StockError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("product_id %d ('%s'): have %d, tried to sell %d", e.ProductID, e.Name, e.Available, e.Requested)
	}
	return fmt.Sprintf("product_id %d: have %d, tried to sell %d", e.ProductID, e.Available, e.Requested)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// QRSessionStore persists QR payment sessions. Transitions are compare-and-set:
// the status only changes when the current one is listed in from.
type QRSessionStore interface {
	CreateQRSession(ctx context.Context, session domain.QRSession) error
	GetQRSession(ctx context.Context, transactionID int64) (*domain.QRSession, error)
	TransitionQRSession(ctx context.Context, transactionID int64, from []string, to string, at time.Time) (*domain.QRSession, error)
}

type Repository interface {
	QRSessionStore

	ListProducts(ctx context.Context) ([]domain.Product, error)
	SearchProducts(ctx context.Context, prefix string, limit int) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	FindProductsByNames(ctx context.Context, names []string) (map[string][]domain.Product, error)

	CommitSale(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	SalesReport(ctx context.Context, query domain.ReportQuery) ([]domain.ReportRow, error)
	ListSalesLines(ctx context.Context, query domain.ReportQuery) ([]domain.SalesLineDetail, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
