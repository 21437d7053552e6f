package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
	"possale/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, description, price, quantity, total_sales
		FROM products
		ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProducts(rows, 128)
}

func (s *Store) SearchProducts(ctx context.Context, prefix string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, description, price, quantity, total_sales
		FROM products
		WHERE lower(name) LIKE $1
		ORDER BY lower(name), product_id
		LIMIT $2
	`, escapeLike(strings.ToLower(strings.TrimSpace(prefix)))+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProducts(rows, limit)
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, description, price, quantity, total_sales
		FROM products
		WHERE product_id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.TotalSales)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, description, price, quantity, total_sales, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,now(),now())
		RETURNING product_id
	`, product.Name, product.Description, product.Price, product.Quantity).Scan(&product.ID)
	if err != nil {
		return nil, err
	}

	product.TotalSales = 0
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidTransaction
	}

	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, price = $4, quantity = $5, updated_at = now()
		WHERE product_id = $1
		RETURNING total_sales
	`, product.ID, product.Name, product.Description, product.Price, product.Quantity).Scan(&product.TotalSales)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE product_id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrProductReferenced
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, description, price, quantity, total_sales
		FROM products
		WHERE product_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products, err := scanProducts(rows, len(ids))
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) FindProductsByNames(ctx context.Context, names []string) (map[string][]domain.Product, error) {
	result := make(map[string][]domain.Product, len(names))
	if len(names) == 0 {
		return result, nil
	}

	lowered := make([]string, 0, len(names))
	for _, name := range names {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(name)))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, description, price, quantity, total_sales
		FROM products
		WHERE lower(btrim(name)) = ANY($1)
		ORDER BY product_id
	`, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products, err := scanProducts(rows, len(names))
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		key := strings.ToLower(strings.TrimSpace(p.Name))
		result[key] = append(result[key], p)
	}
	return result, nil
}

// CommitSale writes the ledger header, its lines and the stock decrements in
// one database transaction. Each decrement is guarded by quantity >= sold, so a
// sale racing another one for the last units fails here and rolls back.
func (s *Store) CommitSale(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if len(tx.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale := cloneTransaction(&tx)
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	// Lock rows in product id order so concurrent sales cannot deadlock.
	order := make([]int, len(sale.Lines))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return sale.Lines[order[a]].ProductID < sale.Lines[order[b]].ProductID
	})

	for _, idx := range order {
		line := &sale.Lines[idx]
		if line.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		err := pgTx.QueryRowContext(ctx, `
			UPDATE products
			SET quantity = quantity - $1, total_sales = total_sales + $1, updated_at = now()
			WHERE product_id = $2 AND quantity >= $1
			RETURNING quantity
		`, line.Quantity, line.ProductID).Scan(&line.Remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stockFailure(ctx, pgTx, *line)
		}
		if err != nil {
			return nil, err
		}
	}

	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO sales_transactions (total_amount, payment_method, created_at)
		VALUES ($1,$2,$3)
		RETURNING transaction_id
	`, sale.TotalAmount, sale.PaymentMethod, sale.CreatedAt).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sales_transaction_lines (transaction_id, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

// stockFailure explains why a guarded decrement matched no row.
func stockFailure(ctx context.Context, pgTx *sql.Tx, line domain.TransactionLine) error {
	var name string
	var available int
	err := pgTx.QueryRowContext(ctx, `
		SELECT name, quantity
		FROM products
		WHERE product_id = $1
	`, line.ProductID).Scan(&name, &available)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("product_id %d: %w", line.ProductID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &store.StockError{
		ProductID: line.ProductID,
		Name:      name,
		Available: available,
		Requested: line.Quantity,
	}
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, total_amount, payment_method, created_at
		FROM sales_transactions
		WHERE transaction_id = $1
	`, id).Scan(&tx.ID, &tx.TotalAmount, &tx.PaymentMethod, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price, quantity, line_total
		FROM sales_transaction_lines
		WHERE transaction_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tx.Lines = make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var line domain.TransactionLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.UnitPrice, &line.Quantity, &line.LineTotal); err != nil {
			return nil, err
		}
		tx.Lines = append(tx.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SalesReport sums ledger line totals per period. Summing lines rather than
// headers keeps multi-line transactions from being counted once per line.
func (s *Store) SalesReport(ctx context.Context, query domain.ReportQuery) ([]domain.ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			to_char(t.created_at AT TIME ZONE $1, $2) AS period,
			COALESCE(SUM(l.line_total), 0) AS total_amount,
			COALESCE(SUM(l.quantity), 0)::bigint AS total_quantity
		FROM sales_transaction_lines l
		JOIN sales_transactions t ON t.transaction_id = l.transaction_id
		WHERE ($3::timestamptz IS NULL OR t.created_at >= $3)
			AND ($4::timestamptz IS NULL OR t.created_at < $4)
		GROUP BY period
		ORDER BY period ASC
	`, zoneName(query.Location), periodFormat(query.Group), nullTime(query.From), nullTime(query.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ReportRow, 0, 32)
	for rows.Next() {
		var row domain.ReportRow
		if err := rows.Scan(&row.Period, &row.TotalAmount, &row.TotalQuantity); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSalesLines(ctx context.Context, query domain.ReportQuery) ([]domain.SalesLineDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			to_char(t.created_at AT TIME ZONE $1, 'YYYY-MM-DD') AS period,
			t.transaction_id, l.product_id, l.product_name, l.quantity, l.unit_price, l.line_total,
			t.payment_method, t.created_at
		FROM sales_transaction_lines l
		JOIN sales_transactions t ON t.transaction_id = l.transaction_id
		WHERE ($2::timestamptz IS NULL OR t.created_at >= $2)
			AND ($3::timestamptz IS NULL OR t.created_at < $3)
		ORDER BY t.created_at ASC, t.transaction_id ASC, l.id ASC
	`, zoneName(query.Location), nullTime(query.From), nullTime(query.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := make([]domain.SalesLineDetail, 0, 64)
	for rows.Next() {
		var d domain.SalesLineDetail
		if err := rows.Scan(&d.Period, &d.TransactionID, &d.ProductID, &d.Name, &d.Quantity, &d.UnitPrice, &d.LineTotal, &d.PaymentMethod, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Timestamp = d.Timestamp.UTC()
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}

func (s *Store) CreateQRSession(ctx context.Context, session domain.QRSession) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO qr_sessions (transaction_id, status, amount, out_of_band, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (transaction_id) DO NOTHING
	`, session.TransactionID, session.Status, session.Amount, session.OutOfBand, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *Store) GetQRSession(ctx context.Context, transactionID int64) (*domain.QRSession, error) {
	session, err := scanQRSession(s.db.QueryRowContext(ctx, `
		SELECT transaction_id, status, amount, out_of_band, created_at, updated_at
		FROM qr_sessions
		WHERE transaction_id = $1
	`, transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) TransitionQRSession(ctx context.Context, transactionID int64, from []string, to string, at time.Time) (*domain.QRSession, error) {
	session, err := scanQRSession(s.db.QueryRowContext(ctx, `
		UPDATE qr_sessions
		SET status = $2, updated_at = $3
		WHERE transaction_id = $1 AND status = ANY($4)
		RETURNING transaction_id, status, amount, out_of_band, created_at, updated_at
	`, transactionID, to, at, from))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetQRSession(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return current, store.ErrSessionClosed
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanProducts(rows *sql.Rows, capacity int) ([]domain.Product, error) {
	products := make([]domain.Product, 0, capacity)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.TotalSales); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func scanQRSession(row *sql.Row) (*domain.QRSession, error) {
	var session domain.QRSession
	if err := row.Scan(&session.TransactionID, &session.Status, &session.Amount, &session.OutOfBand, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return &session, nil
}

func validProduct(p domain.Product) bool {
	return strings.TrimSpace(p.Name) != "" && !p.Price.IsNegative() && p.Quantity >= 0
}

func periodFormat(group string) string {
	switch group {
	case domain.ReportGroupWeekly:
		return `IYYY-"W"IW`
	case domain.ReportGroupMonthly:
		return "YYYY-MM"
	default:
		return "YYYY-MM-DD"
	}
}

func zoneName(loc *time.Location) string {
	if loc == nil || loc.String() == "Local" {
		return "UTC"
	}
	return loc.String()
}

func escapeLike(val string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(val)
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	dup := *src
	dup.Lines = make([]domain.TransactionLine, len(src.Lines))
	copy(dup.Lines, src.Lines)
	return &dup
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
