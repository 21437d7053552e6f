package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"possale/backend/internal/domain"
	"possale/backend/internal/pricing"
	"possale/backend/internal/qrpay"
	"possale/backend/internal/store"
)

// Checkout turns a request into a committed sale and its receipt. The stages
// run in order: aggregate items, resolve the catalog, guard stock, price,
// commit, then derive low-stock warnings and the QR session. Failures are
// *domain.SaleError values and nothing is written unless the commit succeeds.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Receipt, error) {
	started := time.Now()
	receipt, err := s.checkout(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = domain.CodeDBError
		var saleErr *domain.SaleError
		if errors.As(err, &saleErr) {
			outcome = saleErr.Code
		}
	}
	s.metrics.ObserveCheckout(outcome, time.Since(started))
	return receipt, err
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Receipt, error) {
	method, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return domain.Receipt{}, err
	}

	requested, err := s.aggregateItems(ctx, req.Items)
	if err != nil {
		return domain.Receipt{}, err
	}

	catalog, err := s.resolveCatalog(ctx, requested)
	if err != nil {
		return domain.Receipt{}, err
	}

	if err := guardStock(requested, catalog); err != nil {
		return domain.Receipt{}, err
	}

	lines := make([]domain.TransactionLine, 0, len(requested))
	for _, line := range requested {
		product := catalog[line.ProductID]
		lines = append(lines, domain.TransactionLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  line.Quantity,
		})
	}
	priced, total := pricing.Price(lines)

	committed, err := s.repo.CommitSale(ctx, domain.Transaction{
		TotalAmount:   total,
		PaymentMethod: method,
		CreatedAt:     s.now(),
		Lines:         priced,
	})
	if err != nil {
		return domain.Receipt{}, s.commitError(err)
	}

	receipt := domain.Receipt{
		TransactionID: committed.ID,
		Items:         committed.Lines,
		TotalAmount:   committed.TotalAmount,
		PaymentMethod: committed.PaymentMethod,
		Timestamp:     committed.CreatedAt.UTC().Format(time.RFC3339),
		Warnings:      s.lowStockWarnings(committed.Lines),
	}
	s.metrics.LowStockWarnings(len(receipt.Warnings))

	if method == domain.PaymentMethodQR {
		s.attachQR(ctx, &receipt)
	}

	if err := s.reports.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate report cache", zap.Error(err))
	}

	s.logAudit(ctx, "checkout", "transaction", strconv.FormatInt(committed.ID, 10),
		fmt.Sprintf("total=%s,payment=%s,lines=%d", pricing.Format(committed.TotalAmount), committed.PaymentMethod, len(committed.Lines)))
	s.logger.Info("sale committed",
		zap.Int64("transaction_id", committed.ID),
		zap.String("total", pricing.Format(committed.TotalAmount)),
		zap.String("payment_method", committed.PaymentMethod),
		zap.Int("lines", len(committed.Lines)))

	return receipt, nil
}

// maxLineQuantity matches the INTEGER quantity columns.
const maxLineQuantity = math.MaxInt32

// aggregateItems validates the raw item list and sums quantities per product,
// keeping the order in which products first appear.
func (s *Service) aggregateItems(ctx context.Context, raw json.RawMessage) ([]domain.LineRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &domain.SaleError{Code: domain.CodeInvalidInput, Detail: "items must be a non-empty list"}
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, &domain.SaleError{Code: domain.CodeInvalidInput, Detail: "items must be a list", Err: err}
	}
	if len(elements) == 0 {
		return nil, &domain.SaleError{Code: domain.CodeInvalidInput, Detail: "items must be a non-empty list"}
	}

	type parsedItem struct {
		productID int64
		name      string
		quantity  int
	}

	parsed := make([]parsedItem, 0, len(elements))
	names := make([]string, 0)
	for i, element := range elements {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(element, &fields); err != nil || fields == nil {
			return nil, invalidItem(i, "must be an object")
		}

		item := parsedItem{}
		if rawID, ok := fields["product_id"]; ok && !isNull(rawID) {
			id, ok := parseInteger(rawID)
			if !ok || id < 1 {
				return nil, invalidItem(i, "product_id must be a positive integer")
			}
			item.productID = id
		} else if rawName, ok := fields["name"]; ok && !isNull(rawName) {
			var name string
			if err := json.Unmarshal(rawName, &name); err != nil || strings.TrimSpace(name) == "" {
				return nil, invalidItem(i, "name must be a non-empty string")
			}
			item.name = strings.TrimSpace(name)
			names = append(names, item.name)
		} else {
			return nil, invalidItem(i, "missing product_id or name")
		}

		rawQty, ok := fields["quantity"]
		if !ok || isNull(rawQty) {
			return nil, invalidItem(i, "missing quantity")
		}
		qty, ok := parseInteger(rawQty)
		if !ok {
			return nil, invalidItem(i, "quantity must be an integer")
		}
		if qty < 1 {
			return nil, &domain.SaleError{
				Code:   domain.CodeInvalidQuantity,
				Detail: fmt.Sprintf("items[%d]: quantity must be positive, got %d", i, qty),
			}
		}
		if qty > maxLineQuantity {
			return nil, &domain.SaleError{
				Code:   domain.CodeInvalidQuantity,
				Detail: fmt.Sprintf("items[%d]: quantity must not exceed %d, got %d", i, maxLineQuantity, qty),
			}
		}
		item.quantity = int(qty)
		parsed = append(parsed, item)
	}

	var byName map[string][]domain.Product
	if len(names) > 0 {
		found, err := s.repo.FindProductsByNames(ctx, names)
		if err != nil {
			return nil, dbError(err)
		}
		byName = found
	}

	order := make([]int64, 0, len(parsed))
	totals := make(map[int64]int, len(parsed))
	for _, item := range parsed {
		id := item.productID
		if item.name != "" {
			matches := byName[strings.ToLower(item.name)]
			switch len(matches) {
			case 0:
				return nil, &domain.SaleError{
					Code:   domain.CodeProductNotFound,
					Detail: fmt.Sprintf("no product named '%s'", item.name),
				}
			case 1:
				id = matches[0].ID
			default:
				return nil, &domain.SaleError{
					Code:   domain.CodeAmbiguousName,
					Detail: fmt.Sprintf("name '%s' matches %d products, use product_id", item.name, len(matches)),
				}
			}
		}
		if _, seen := totals[id]; !seen {
			order = append(order, id)
		}
		if totals[id] > maxLineQuantity-item.quantity {
			return nil, &domain.SaleError{
				Code:   domain.CodeInvalidQuantity,
				Detail: fmt.Sprintf("product %d: combined quantity must not exceed %d", id, maxLineQuantity),
			}
		}
		totals[id] += item.quantity
	}

	result := make([]domain.LineRequest, 0, len(order))
	for _, id := range order {
		result = append(result, domain.LineRequest{ProductID: id, Quantity: totals[id]})
	}
	return result, nil
}

// resolveCatalog loads every requested product in one batch and reports all
// missing ids at once.
func (s *Service) resolveCatalog(ctx context.Context, lines []domain.LineRequest) (map[int64]domain.Product, error) {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, dbError(err)
	}

	missing := make([]string, 0)
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			missing = append(missing, strconv.FormatInt(id, 10))
		}
	}
	if len(missing) > 0 {
		return nil, &domain.SaleError{
			Code:   domain.CodeProductNotFound,
			Detail: "unknown product_id: " + strings.Join(missing, ", "),
			Err:    store.ErrNotFound,
		}
	}
	return products, nil
}

// guardStock rejects the whole sale on the first line that stock cannot cover.
// The commit re-checks atomically; this only avoids a doomed write.
func guardStock(lines []domain.LineRequest, catalog map[int64]domain.Product) error {
	for _, line := range lines {
		product := catalog[line.ProductID]
		if line.Quantity > product.Quantity {
			stockErr := &store.StockError{
				ProductID: product.ID,
				Name:      product.Name,
				Available: product.Quantity,
				Requested: line.Quantity,
			}
			return &domain.SaleError{Code: domain.CodeNotEnoughStock, Detail: stockErr.Error(), Err: stockErr}
		}
	}
	return nil
}

func (s *Service) commitError(err error) error {
	var stockErr *store.StockError
	switch {
	case errors.As(err, &stockErr):
		return &domain.SaleError{Code: domain.CodeNotEnoughStock, Detail: stockErr.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &domain.SaleError{Code: domain.CodeProductNotFound, Detail: err.Error(), Err: err}
	default:
		s.logger.Error("sale commit failed", zap.Error(err))
		return &domain.SaleError{Code: domain.CodeDBError, Detail: "transaction failed: " + err.Error(), Err: err}
	}
}

func (s *Service) lowStockWarnings(lines []domain.TransactionLine) []string {
	var warnings []string
	for _, line := range lines {
		if line.Remaining <= s.lowStockThreshold {
			warnings = append(warnings, fmt.Sprintf("Stock for '%s' is low (%d left)", line.Name, line.Remaining))
		}
	}
	return warnings
}

// attachQR renders the payment code and opens the session. The sale is
// already committed, so failures here are logged and the receipt still goes
// out; a later mark-paid seeds the missing session.
func (s *Service) attachQR(ctx context.Context, receipt *domain.Receipt) {
	receipt.QRPayload = qrpay.BuildPayload(receipt.TransactionID, receipt.TotalAmount)
	receipt.ExpiresIn = int(s.tracker.TTL() / time.Second)

	png, err := s.renderer.PNG(receipt.QRPayload)
	if err != nil {
		s.logger.Warn("failed to render qr code", zap.Int64("transaction_id", receipt.TransactionID), zap.Error(err))
	} else {
		receipt.QRPNGBase64 = base64.StdEncoding.EncodeToString(png)
	}

	if _, err := s.tracker.Open(ctx, receipt.TransactionID, receipt.TotalAmount); err != nil {
		s.logger.Error("failed to open qr session", zap.Int64("transaction_id", receipt.TransactionID), zap.Error(err))
	}
}

func normalizePaymentMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return domain.PaymentMethodCash, nil
	}
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCredit, domain.PaymentMethodQR, domain.PaymentMethodWallet:
		return method, nil
	}
	return "", &domain.SaleError{
		Code:   domain.CodeInvalidPaymentMethod,
		Detail: fmt.Sprintf("payment_method must be one of cash, credit, qr, wallet; got '%s'", method),
	}
}

// parseInteger accepts JSON integers and numeric strings. Fractions, booleans
// and other shapes are rejected.
func parseInteger(raw json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return 0, false
	}
	switch v := val.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func invalidItem(index int, reason string) *domain.SaleError {
	return &domain.SaleError{Code: domain.CodeInvalidItem, Detail: fmt.Sprintf("items[%d]: %s", index, reason)}
}

func dbError(err error) *domain.SaleError {
	return &domain.SaleError{Code: domain.CodeDBError, Detail: "database error: " + err.Error(), Err: err}
}
