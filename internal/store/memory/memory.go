package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[int64]domain.Product
	nextProductID   int64
	transactions    map[int64]*domain.Transaction
	nextTxID        int64
	qrSessions      map[int64]domain.QRSession
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// when unset the dev defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Named("memory-store").Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Named("memory-store").Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns a store with an empty catalog and the seeded user accounts.
func New() *Store {
	return &Store{
		products:        make(map[int64]domain.Product),
		transactions:    make(map[int64]*domain.Transaction),
		qrSessions:      make(map[int64]domain.QRSession),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{Name: "Coca Cola", Description: "Soft drink 330ml", Price: decimal.RequireFromString("1.50"), Quantity: 50},
		{Name: "Pepsi", Description: "Soft drink 330ml", Price: decimal.RequireFromString("1.40"), Quantity: 30},
		{Name: "Fanta", Description: "Orange soda 330ml", Price: decimal.RequireFromString("1.20"), Quantity: 20},
		{Name: "Sprite", Description: "Lemon-lime soda 330ml", Price: decimal.RequireFromString("1.30"), Quantity: 25},
		{Name: "Mineral Water", Description: "Still water 600ml", Price: decimal.RequireFromString("0.80"), Quantity: 100},
		{Name: "Potato Chips", Description: "Salted, 150g", Price: decimal.RequireFromString("2.10"), Quantity: 15},
		{Name: "Chocolate Bar", Description: "Milk chocolate 50g", Price: decimal.RequireFromString("1.75"), Quantity: 8},
	} {
		s.nextProductID++
		p.ID = s.nextProductID
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) SearchProducts(_ context.Context, prefix string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix = strings.ToLower(strings.TrimSpace(prefix))
	result := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if strings.HasPrefix(strings.ToLower(p.Name), prefix) {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}

	s.nextProductID++
	product.ID = s.nextProductID
	product.TotalSales = 0
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	product.TotalSales = existing.TotalSales
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	for _, tx := range s.transactions {
		for _, line := range tx.Lines {
			if line.ProductID == id {
				return store.ErrProductReferenced
			}
		}
	}
	delete(s.products, id)
	return nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) FindProductsByNames(_ context.Context, names []string) (map[string][]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	result := make(map[string][]domain.Product, len(wanted))
	for _, p := range s.products {
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if _, ok := wanted[key]; ok {
			result[key] = append(result[key], p)
		}
	}
	for key := range result {
		slices.SortFunc(result[key], func(a, b domain.Product) int {
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return result, nil
}

// CommitSale applies the whole sale under the write lock: every line is checked
// against current stock before anything is mutated.
func (s *Store) CommitSale(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tx.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	requested := make(map[int64]int, len(tx.Lines))
	for _, line := range tx.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("product_id %d: %w", line.ProductID, store.ErrNotFound)
		}
		requested[line.ProductID] += line.Quantity
		if requested[line.ProductID] > product.Quantity {
			return nil, &store.StockError{
				ProductID: product.ID,
				Name:      product.Name,
				Available: product.Quantity,
				Requested: requested[line.ProductID],
			}
		}
	}

	sale := cloneTransaction(&tx)
	for i, line := range sale.Lines {
		product := s.products[line.ProductID]
		product.Quantity -= line.Quantity
		product.TotalSales += line.Quantity
		s.products[product.ID] = product
		sale.Lines[i].Remaining = product.Quantity
	}

	s.nextTxID++
	sale.ID = s.nextTxID
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.transactions[sale.ID] = sale

	return cloneTransaction(sale), nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) SalesReport(_ context.Context, query domain.ReportQuery) ([]domain.ReportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPeriod := make(map[string]*domain.ReportRow)
	for _, tx := range s.transactions {
		if !inRange(tx.CreatedAt, query) {
			continue
		}
		key := store.PeriodKey(tx.CreatedAt, query.Group, query.Location)
		row, ok := byPeriod[key]
		if !ok {
			row = &domain.ReportRow{Period: key, TotalAmount: decimal.Zero}
			byPeriod[key] = row
		}
		for _, line := range tx.Lines {
			row.TotalAmount = row.TotalAmount.Add(line.LineTotal)
			row.TotalQuantity += int64(line.Quantity)
		}
	}

	rows := make([]domain.ReportRow, 0, len(byPeriod))
	for _, row := range byPeriod {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b domain.ReportRow) int {
		return cmp.Compare(a.Period, b.Period)
	})
	return rows, nil
}

func (s *Store) ListSalesLines(_ context.Context, query domain.ReportQuery) ([]domain.SalesLineDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]*domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if inRange(tx.CreatedAt, query) {
			txs = append(txs, tx)
		}
	}
	slices.SortFunc(txs, func(a, b *domain.Transaction) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return cmp.Compare(a.ID, b.ID)
	})

	details := make([]domain.SalesLineDetail, 0, len(txs)*2)
	for _, tx := range txs {
		for _, line := range tx.Lines {
			details = append(details, domain.SalesLineDetail{
				Period:        store.PeriodKey(tx.CreatedAt, domain.ReportGroupDaily, query.Location),
				TransactionID: tx.ID,
				ProductID:     line.ProductID,
				Name:          line.Name,
				Quantity:      line.Quantity,
				UnitPrice:     line.UnitPrice,
				LineTotal:     line.LineTotal,
				PaymentMethod: tx.PaymentMethod,
				Timestamp:     tx.CreatedAt,
			})
		}
	}
	return details, nil
}

func (s *Store) CreateQRSession(_ context.Context, session domain.QRSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.qrSessions[session.TransactionID]; exists {
		return store.ErrDuplicate
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	s.qrSessions[session.TransactionID] = session
	return nil
}

func (s *Store) GetQRSession(_ context.Context, transactionID int64) (*domain.QRSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.qrSessions[transactionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) TransitionQRSession(_ context.Context, transactionID int64, from []string, to string, at time.Time) (*domain.QRSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.qrSessions[transactionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !slices.Contains(from, session.Status) {
		return &session, store.ErrSessionClosed
	}
	session.Status = to
	session.UpdatedAt = at
	s.qrSessions[transactionID] = session
	return &session, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		result = append(result, s.auditLogs[i])
	}
	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func validProduct(p domain.Product) bool {
	return strings.TrimSpace(p.Name) != "" && !p.Price.IsNegative() && p.Quantity >= 0
}

func inRange(at time.Time, query domain.ReportQuery) bool {
	if !query.From.IsZero() && at.Before(query.From) {
		return false
	}
	if !query.To.IsZero() && !at.Before(query.To) {
		return false
	}
	return true
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.TransactionLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}
