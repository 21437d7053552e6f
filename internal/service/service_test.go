package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"possale/backend/internal/cache"
	"possale/backend/internal/domain"
	"possale/backend/internal/qrpay"
	"possale/backend/internal/store"
	"possale/backend/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memory.Store, *testClock) {
	t.Helper()
	repo := memory.NewSeeded()
	clock := &testClock{now: time.Date(2025, 10, 27, 9, 0, 0, 0, time.UTC)}
	tracker := qrpay.NewTracker(repo, qrpay.DefaultTTL, nil).WithClock(clock.Now)
	svc := New(repo, Options{LowStockThreshold: 5, QRTracker: tracker})
	svc.now = clock.Now
	return svc, repo, clock
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func checkoutReq(items string, method string) domain.CheckoutRequest {
	return domain.CheckoutRequest{Items: json.RawMessage(items), PaymentMethod: method}
}

func requireSaleError(t *testing.T, err error, code string) *domain.SaleError {
	t.Helper()
	var saleErr *domain.SaleError
	if !errors.As(err, &saleErr) {
		t.Fatalf("expected SaleError %s, got %v", code, err)
	}
	if saleErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, saleErr.Code, saleErr.Detail)
	}
	return saleErr
}

func TestCheckoutComputesTotalAndDecrementsStock(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()

	receipt, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":5}]`, "cash"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if receipt.TotalAmount.StringFixed(2) != "7.50" {
		t.Fatalf("expected total 7.50, got %s", receipt.TotalAmount)
	}
	if receipt.PaymentMethod != domain.PaymentMethodCash || receipt.TransactionID != 1 {
		t.Fatalf("unexpected receipt header %+v", receipt)
	}
	if len(receipt.Items) != 1 || receipt.Items[0].Name != "Coca Cola" || receipt.Items[0].LineTotal.StringFixed(2) != "7.50" {
		t.Fatalf("unexpected receipt lines %+v", receipt.Items)
	}
	if len(receipt.Warnings) != 0 || receipt.QRPayload != "" {
		t.Fatalf("expected no warnings and no qr data, got %+v", receipt)
	}

	product, _ := repo.GetProduct(context.Background(), 1)
	if product.Quantity != 45 || product.TotalSales != 5 {
		t.Fatalf("expected stock 45 and total_sales 5, got %d/%d", product.Quantity, product.TotalSales)
	}

	logs, _ := svc.ListAuditLogs(context.Background(), 10)
	if len(logs) == 0 || logs[0].Action != "checkout" || logs[0].ActorUsername != "cashier" {
		t.Fatalf("expected checkout audit entry, got %+v", logs)
	}
}

func TestCheckoutMergesDuplicatesAndResolvesNames(t *testing.T) {
	svc, repo, _ := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), checkoutReq(
		`[{"product_id":"2","quantity":1},{"name":" fanta ","quantity":"2"},{"product_id":2,"quantity":3}]`, " QR "))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if len(receipt.Items) != 2 {
		t.Fatalf("expected 2 merged lines, got %+v", receipt.Items)
	}
	if receipt.Items[0].ProductID != 2 || receipt.Items[0].Quantity != 4 {
		t.Fatalf("expected pepsi x4 first, got %+v", receipt.Items[0])
	}
	if receipt.Items[1].ProductID != 3 || receipt.Items[1].Quantity != 2 {
		t.Fatalf("expected fanta x2 second, got %+v", receipt.Items[1])
	}
	// 1.40*4 = 5.60, 1.20*2 = 2.40
	if receipt.TotalAmount.StringFixed(2) != "8.00" {
		t.Fatalf("expected total 8.00, got %s", receipt.TotalAmount)
	}
	if receipt.PaymentMethod != domain.PaymentMethodQR {
		t.Fatalf("expected normalized qr method, got %s", receipt.PaymentMethod)
	}

	pepsi, _ := repo.GetProduct(context.Background(), 2)
	if pepsi.Quantity != 26 {
		t.Fatalf("expected pepsi stock 26, got %d", pepsi.Quantity)
	}
}

func TestCheckoutDefaultsPaymentMethodAndRejectsUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":5,"quantity":1}]`, ""))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if receipt.PaymentMethod != domain.PaymentMethodCash {
		t.Fatalf("expected cash default, got %s", receipt.PaymentMethod)
	}

	_, err = svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":5,"quantity":1}]`, "bitcoin"))
	requireSaleError(t, err, domain.CodeInvalidPaymentMethod)
}

func TestCheckoutValidation(t *testing.T) {
	cases := []struct {
		name  string
		items string
		code  string
	}{
		{"missing items", ``, domain.CodeInvalidInput},
		{"null items", `null`, domain.CodeInvalidInput},
		{"empty list", `[]`, domain.CodeInvalidInput},
		{"not a list", `{"product_id":1,"quantity":1}`, domain.CodeInvalidInput},
		{"item not object", `[5]`, domain.CodeInvalidItem},
		{"no identifier", `[{"quantity":1}]`, domain.CodeInvalidItem},
		{"blank name", `[{"name":"  ","quantity":1}]`, domain.CodeInvalidItem},
		{"missing quantity", `[{"product_id":1}]`, domain.CodeInvalidItem},
		{"fractional quantity", `[{"product_id":1,"quantity":1.5}]`, domain.CodeInvalidItem},
		{"text quantity", `[{"product_id":1,"quantity":"two"}]`, domain.CodeInvalidItem},
		{"zero quantity", `[{"product_id":1,"quantity":0}]`, domain.CodeInvalidQuantity},
		{"negative among valid", `[{"product_id":1,"quantity":2},{"product_id":2,"quantity":-1}]`, domain.CodeInvalidQuantity},
		{"quantity above column range", `[{"product_id":1,"quantity":2147483648}]`, domain.CodeInvalidQuantity},
		{"merged quantity overflows", `[{"product_id":1,"quantity":9223372036854775807},{"product_id":1,"quantity":2}]`, domain.CodeInvalidQuantity},
		{"merged quantity above column range", `[{"product_id":1,"quantity":2147483647},{"name":"coca cola","quantity":1}]`, domain.CodeInvalidQuantity},
		{"unknown id", `[{"product_id":99,"quantity":1}]`, domain.CodeProductNotFound},
		{"unknown name", `[{"name":"Durian","quantity":1}]`, domain.CodeProductNotFound},
		{"not enough stock", `[{"product_id":7,"quantity":9}]`, domain.CodeNotEnoughStock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, _ := newTestService(t)
			_, err := svc.Checkout(cashierCtx(), checkoutReq(tc.items, "cash"))
			requireSaleError(t, err, tc.code)

			if _, err := repo.GetTransaction(context.Background(), 1); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected no ledger row after rejected checkout")
			}
			cola, _ := repo.GetProduct(context.Background(), 1)
			if cola.Quantity != 50 {
				t.Fatalf("expected untouched stock, got %d", cola.Quantity)
			}
		})
	}
}

func TestCheckoutReportsAllMissingIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":42,"quantity":1},{"product_id":1,"quantity":1},{"product_id":43,"quantity":1}]`, "cash"))
	saleErr := requireSaleError(t, err, domain.CodeProductNotFound)
	if !strings.Contains(saleErr.Detail, "42") || !strings.Contains(saleErr.Detail, "43") {
		t.Fatalf("expected both missing ids in detail, got %q", saleErr.Detail)
	}
}

func TestCheckoutStockErrorNamesProduct(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":1,"quantity":1},{"product_id":3,"quantity":25}]`, "cash"))
	saleErr := requireSaleError(t, err, domain.CodeNotEnoughStock)
	if saleErr.Detail != "product_id 3 ('Fanta'): have 20, tried to sell 25" {
		t.Fatalf("unexpected detail %q", saleErr.Detail)
	}
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected error to match ErrInsufficientStock")
	}
}

func TestCheckoutAmbiguousName(t *testing.T) {
	svc, _, _ := newTestService(t)
	price := decimal.RequireFromString("1.00")
	qty := 10
	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "fanta", Price: &price, Quantity: &qty}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	_, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"name":"FANTA","quantity":1}]`, "cash"))
	requireSaleError(t, err, domain.CodeAmbiguousName)

	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":3,"name":"FANTA","quantity":1}]`, "cash")); err != nil {
		t.Fatalf("expected product_id to win over an ambiguous name, got %v", err)
	}
}

func TestCheckoutLowStockWarnings(t *testing.T) {
	svc, _, _ := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":7,"quantity":4},{"product_id":5,"quantity":1}]`, "cash"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if len(receipt.Warnings) != 1 || receipt.Warnings[0] != "Stock for 'Chocolate Bar' is low (4 left)" {
		t.Fatalf("unexpected warnings %v", receipt.Warnings)
	}
}

func TestCheckoutRoundsEachLineBeforeSumming(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminCtx()
	price := decimal.RequireFromString("0.333")
	qty := 10
	p, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Gum", Price: &price, Quantity: &qty})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := decimal.RequireFromString("0.333")
	q, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Mint", Price: &other, Quantity: &qty})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	items := `[{"product_id":` + itoa(p.ID) + `,"quantity":1},{"product_id":` + itoa(q.ID) + `,"quantity":1}]`
	receipt, err := svc.Checkout(ctx, checkoutReq(items, "cash"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if receipt.TotalAmount.StringFixed(2) != "0.66" {
		t.Fatalf("expected 0.66 from rounded lines, got %s", receipt.TotalAmount)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, repo, _ := newTestService(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":7,"quantity":1}]`, "cash"))
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
				return
			}
			var saleErr *domain.SaleError
			if !errors.As(err, &saleErr) || saleErr.Code != domain.CodeNotEnoughStock {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if sold != 8 {
		t.Fatalf("expected 8 sales for stock 8, got %d", sold)
	}
	choc, _ := repo.GetProduct(context.Background(), 7)
	if choc.Quantity != 0 || choc.TotalSales != 8 {
		t.Fatalf("expected 0/8, got %d/%d", choc.Quantity, choc.TotalSales)
	}
}

func TestQRCheckoutLifecycle(t *testing.T) {
	svc, _, clock := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":6,"quantity":2}]`, "qr"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if receipt.QRPayload != "PAYMENT|TX:1|AMT:4.20" {
		t.Fatalf("unexpected payload %q", receipt.QRPayload)
	}
	if receipt.QRPNGBase64 == "" || receipt.ExpiresIn != 300 {
		t.Fatalf("expected png and expires_in 300, got %d", receipt.ExpiresIn)
	}

	status, err := svc.QRStatus(context.Background(), 1)
	if err != nil || status.Status != domain.QRStatusPending || status.Amount.StringFixed(2) != "4.20" {
		t.Fatalf("expected pending 4.20, got %+v %v", status, err)
	}

	clock.Advance(301 * time.Second)
	if status, _ = svc.QRStatus(context.Background(), 1); status.Status != domain.QRStatusExpired {
		t.Fatalf("expected expired, got %s", status.Status)
	}

	if _, err := svc.MarkQRPaid(cashierCtx(), 1); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected cashier to be refused, got %v", err)
	}
	paid, err := svc.MarkQRPaid(adminCtx(), 1)
	if err != nil || !paid.OK || paid.Status != domain.QRStatusPaid || paid.OutOfBand {
		t.Fatalf("expected paid, got %+v %v", paid, err)
	}
	if status, _ = svc.QRStatus(context.Background(), 1); status.Status != domain.QRStatusPaid {
		t.Fatalf("expected paid, got %s", status.Status)
	}
}

func TestQRStatusUnknownAndOutOfBandPayment(t *testing.T) {
	svc, _, _ := newTestService(t)

	status, err := svc.QRStatus(context.Background(), 555)
	if err != nil || status.Status != domain.QRStatusUnknown || status.Amount != nil {
		t.Fatalf("expected unknown status without amount, got %+v %v", status, err)
	}

	paid, err := svc.MarkQRPaid(adminCtx(), 555)
	if err != nil || !paid.OutOfBand || paid.Status != domain.QRStatusPaid {
		t.Fatalf("expected out-of-band paid, got %+v %v", paid, err)
	}

	logs, _ := svc.ListAuditLogs(context.Background(), 5)
	if len(logs) == 0 || logs[0].Action != "qr_mark_paid_untracked" {
		t.Fatalf("expected untracked audit action, got %+v", logs)
	}
}

func TestCancelQR(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":1,"quantity":1}]`, "qr")); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	canceled, err := svc.CancelQR(cashierCtx(), 1)
	if err != nil || canceled.Status != domain.QRStatusCanceled {
		t.Fatalf("expected canceled, got %+v %v", canceled, err)
	}
	if _, err := svc.MarkQRPaid(adminCtx(), 1); !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := svc.CancelQR(cashierCtx(), 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSalesReportGroupsAndFilters(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := cashierCtx()

	// Two sales on 2025-10-27: 10.00 and 15.50.
	if _, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":5,"quantity":5},{"product_id":1,"quantity":4}]`, "cash")); err != nil {
		t.Fatalf("checkout 1: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":7},{"product_id":2,"quantity":3},{"product_id":5,"quantity":1}]`, "credit")); err != nil {
		t.Fatalf("checkout 2: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":5,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout 3: %v", err)
	}

	rows, err := svc.SalesReport(ctx, ReportParams{From: "2025-10-27", To: "2025-10-27", Group: "daily"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rows) != 1 || rows[0].Period != "2025-10-27" || rows[0].TotalAmount.StringFixed(2) != "25.50" || rows[0].TotalQuantity != 20 {
		t.Fatalf("unexpected daily rows %+v", rows)
	}

	weekly, err := svc.SalesReport(ctx, ReportParams{Group: "WEEKLY"})
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(weekly) != 1 || weekly[0].Period != "2025-W44" || weekly[0].TotalAmount.StringFixed(2) != "26.30" {
		t.Fatalf("unexpected weekly rows %+v", weekly)
	}

	monthly, err := svc.SalesReport(ctx, ReportParams{From: "2025-10-28", Group: "monthly"})
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if len(monthly) != 1 || monthly[0].Period != "2025-10" || monthly[0].TotalAmount.StringFixed(2) != "0.80" {
		t.Fatalf("unexpected monthly rows %+v", monthly)
	}

	empty, err := svc.SalesReport(ctx, ReportParams{From: "2024-01-01", To: "2024-01-31"})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil rows, got %+v %v", empty, err)
	}

	reversed, err := svc.SalesReport(ctx, ReportParams{From: "2025-10-30", To: "2025-10-01"})
	if err != nil || len(reversed) != 0 {
		t.Fatalf("expected empty rows for reversed range, got %+v %v", reversed, err)
	}

	_, err = svc.SalesReport(ctx, ReportParams{Group: "hourly"})
	requireSaleError(t, err, domain.CodeInvalidInput)
	_, err = svc.SalesReport(ctx, ReportParams{From: "not a date"})
	requireSaleError(t, err, domain.CodeInvalidInput)
}

func TestSalesReportUsesConfiguredTimezone(t *testing.T) {
	repo := memory.NewSeeded()
	loc := time.FixedZone("UTC+7", 7*3600)
	svc := New(repo, Options{Location: loc})
	svc.now = func() time.Time { return time.Date(2025, 10, 27, 20, 0, 0, 0, time.UTC) }

	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":1,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	rows, err := svc.SalesReport(context.Background(), ReportParams{From: "2025-10-28", To: "2025-10-28"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rows) != 1 || rows[0].Period != "2025-10-28" {
		t.Fatalf("expected sale to land on local 2025-10-28, got %+v", rows)
	}
}

func TestSalesReportCacheIsInvalidatedBySales(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	repo := memory.NewSeeded()
	svc := New(repo, Options{ReportCache: cache.NewRedisReportCache(client), ReportCacheTTL: time.Minute})
	ctx := cashierCtx()

	if _, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	first, err := svc.SalesReport(ctx, ReportParams{Group: "monthly"})
	if err != nil || len(first) != 1 {
		t.Fatalf("report: %+v %v", first, err)
	}
	if !mr.Exists(cache.ReportKey(1, "monthly", "", "")) {
		t.Fatalf("expected report to be cached under the current generation")
	}

	if _, err := svc.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	second, err := svc.SalesReport(ctx, ReportParams{Group: "monthly"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if second[0].TotalAmount.StringFixed(2) != "3.00" {
		t.Fatalf("expected fresh total 3.00 after invalidation, got %s", second[0].TotalAmount)
	}
}

type reportHookRepo struct {
	*memory.Store
	afterReport func()
}

func (r *reportHookRepo) SalesReport(ctx context.Context, query domain.ReportQuery) ([]domain.ReportRow, error) {
	rows, err := r.Store.SalesReport(ctx, query)
	if r.afterReport != nil {
		hook := r.afterReport
		r.afterReport = nil
		hook()
	}
	return rows, err
}

func TestSalesReportSkipsRowsReadBeforeConcurrentSale(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	reports := cache.NewRedisReportCache(client)
	repo := &reportHookRepo{Store: memory.NewSeeded()}
	reader := New(repo, Options{ReportCache: reports, ReportCacheTTL: time.Minute})
	till := New(repo.Store, Options{ReportCache: reports, ReportCacheTTL: time.Minute})
	ctx := cashierCtx()

	if _, err := till.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	repo.afterReport = func() {
		if _, err := till.Checkout(ctx, checkoutReq(`[{"product_id":1,"quantity":1}]`, "cash")); err != nil {
			t.Errorf("concurrent checkout: %v", err)
		}
	}

	stale, err := reader.SalesReport(ctx, ReportParams{Group: "monthly"})
	if err != nil || len(stale) != 1 || stale[0].TotalAmount.StringFixed(2) != "1.50" {
		t.Fatalf("expected the pre-sale total 1.50, got %+v %v", stale, err)
	}

	fresh, err := reader.SalesReport(ctx, ReportParams{Group: "monthly"})
	if err != nil || len(fresh) != 1 {
		t.Fatalf("report: %+v %v", fresh, err)
	}
	if fresh[0].TotalAmount.StringFixed(2) != "3.00" {
		t.Fatalf("expected the concurrent sale to be visible, got %s", fresh[0].TotalAmount)
	}
}

func TestSalesLinesAndCSV(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":1,"quantity":2},{"product_id":2,"quantity":1}]`, "wallet")); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	lines, err := svc.SalesLines(context.Background(), "2025-10-27", "2025-10-27")
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 2 || lines[0].PaymentMethod != domain.PaymentMethodWallet || lines[1].Name != "Pepsi" {
		t.Fatalf("unexpected lines %+v", lines)
	}

	data, err := SalesLinesCSV(lines)
	if err != nil {
		t.Fatalf("lines csv: %v", err)
	}
	if !strings.HasPrefix(string(data), "period,transaction_id,product_id,name,quantity,unit_price,line_total,payment_method,timestamp\n") {
		t.Fatalf("unexpected csv header: %s", data)
	}

	rows, _ := svc.SalesReport(context.Background(), ReportParams{})
	report, err := SalesReportCSV(rows)
	if err != nil {
		t.Fatalf("report csv: %v", err)
	}
	if string(report) != "period,total_amount,total_quantity\n2025-10-27,4.40,3\n" {
		t.Fatalf("unexpected report csv %q", report)
	}
}

func TestInventoryReport(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":7,"quantity":8},{"product_id":6,"quantity":12}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	report, err := svc.InventoryReport(context.Background(), true)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if report.Threshold != 5 || len(report.Items) != 2 {
		t.Fatalf("expected two flagged products, got %+v", report)
	}
	if report.Items[0].ProductID != 7 || report.Items[0].Status != domain.StockStatusOut {
		t.Fatalf("expected chocolate out of stock first, got %+v", report.Items[0])
	}
	if report.Items[1].ProductID != 6 || report.Items[1].Status != domain.StockStatusLow || report.Items[1].StockValue.StringFixed(2) != "6.30" {
		t.Fatalf("expected chips low with value 6.30, got %+v", report.Items[1])
	}

	full, err := svc.InventoryReport(context.Background(), false)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if len(full.Items) != 7 {
		t.Fatalf("expected 7 products, got %d", len(full.Items))
	}

	data, err := InventoryCSV(report)
	if err != nil {
		t.Fatalf("inventory csv: %v", err)
	}
	if !strings.Contains(string(data), "6,Potato Chips,3,2.1,6.30,low_stock") {
		t.Fatalf("unexpected inventory csv %q", data)
	}
}

func TestProductLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	price := decimal.RequireFromString("3.25")
	qty := 12

	if _, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "Tea", Price: &price, Quantity: &qty}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected admin requirement, got %v", err)
	}
	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Tea", Quantity: &qty})
	requireSaleError(t, err, domain.CodeInvalidInput)

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: " Tea ", Price: &price, Quantity: &qty})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Name != "Tea" || created.ID != 8 {
		t.Fatalf("unexpected product %+v", created)
	}

	newQty := 30
	updated, err := svc.UpdateProduct(adminCtx(), created.ID, domain.ProductUpdateRequest{Quantity: &newQty})
	if err != nil || updated.Quantity != 30 || !updated.Price.Equal(price) {
		t.Fatalf("unexpected update %+v %v", updated, err)
	}

	found, err := svc.SearchProducts(context.Background(), "te", 0)
	if err != nil || len(found) != 1 || found[0].ID != created.ID {
		t.Fatalf("expected search hit, got %+v %v", found, err)
	}

	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":8,"quantity":1}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := svc.DeleteProduct(adminCtx(), created.ID); !errors.Is(err, store.ErrProductReferenced) {
		t.Fatalf("expected ErrProductReferenced, got %v", err)
	}
	if _, err := svc.UpdateProduct(adminCtx(), 999, domain.ProductUpdateRequest{Quantity: &newQty}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTransactionKeepsPriceSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Checkout(cashierCtx(), checkoutReq(`[{"product_id":1,"quantity":2}]`, "cash")); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	newPrice := decimal.RequireFromString("9.99")
	if _, err := svc.UpdateProduct(adminCtx(), 1, domain.ProductUpdateRequest{Price: &newPrice}); err != nil {
		t.Fatalf("update: %v", err)
	}

	tx, err := svc.GetTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.Lines[0].UnitPrice.StringFixed(2) != "1.50" || tx.TotalAmount.StringFixed(2) != "3.00" {
		t.Fatalf("expected historical price 1.50, got %+v", tx)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
