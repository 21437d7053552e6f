package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"possale/backend/internal/cache"
	"possale/backend/internal/domain"
	"possale/backend/internal/pricing"
)

type ReportParams struct {
	From  string
	To    string
	Group string
}

// SalesReport rolls ledger lines up per period. from and to are inclusive
// calendar days in the configured timezone; either may be empty.
func (s *Service) SalesReport(ctx context.Context, params ReportParams) ([]domain.ReportRow, error) {
	group := strings.ToLower(strings.TrimSpace(params.Group))
	if group == "" {
		group = domain.ReportGroupDaily
	}
	switch group {
	case domain.ReportGroupDaily, domain.ReportGroupWeekly, domain.ReportGroupMonthly:
	default:
		return nil, invalidInput("group must be one of daily, weekly, monthly")
	}

	query, empty, err := s.reportQuery(params.From, params.To)
	if err != nil {
		return nil, err
	}
	if empty {
		return []domain.ReportRow{}, nil
	}
	query.Group = group

	cacheable := true
	generation, err := s.reports.Generation(ctx)
	if err != nil {
		cacheable = false
		s.logger.Warn("report cache generation read failed", zap.Error(err))
	}
	key := cache.ReportKey(generation, group, dayKey(query.From, s.loc), dayKey(query.To, s.loc))
	if cacheable {
		if rows, ok, err := s.reports.Get(ctx, key); err != nil {
			s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return rows, nil
		}
	}

	rows, err := s.repo.SalesReport(ctx, query)
	if err != nil {
		return nil, dbError(err)
	}
	if rows == nil {
		rows = []domain.ReportRow{}
	}

	if cacheable {
		if err := s.reports.Set(ctx, key, rows, s.reportTTL); err != nil {
			s.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return rows, nil
}

// SalesLines lists every ledger line in the range, oldest first.
func (s *Service) SalesLines(ctx context.Context, from string, to string) ([]domain.SalesLineDetail, error) {
	query, empty, err := s.reportQuery(from, to)
	if err != nil {
		return nil, err
	}
	if empty {
		return []domain.SalesLineDetail{}, nil
	}

	lines, err := s.repo.ListSalesLines(ctx, query)
	if err != nil {
		return nil, dbError(err)
	}
	if lines == nil {
		lines = []domain.SalesLineDetail{}
	}
	return lines, nil
}

// InventoryReport values stock at current prices and flags products at or
// below the low-stock threshold.
func (s *Service) InventoryReport(ctx context.Context, onlyLow bool) (domain.InventoryReport, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.InventoryReport{}, dbError(err)
	}

	report := domain.InventoryReport{
		Threshold:  s.lowStockThreshold,
		TotalValue: decimal.Zero,
		Items:      make([]domain.InventoryReportRow, 0, len(products)),
	}
	for _, p := range products {
		status := domain.StockStatusIn
		switch {
		case p.Quantity == 0:
			status = domain.StockStatusOut
		case p.Quantity <= s.lowStockThreshold:
			status = domain.StockStatusLow
		}
		if onlyLow && status == domain.StockStatusIn {
			continue
		}

		value := pricing.LineTotal(p.Price, p.Quantity)
		report.TotalValue = report.TotalValue.Add(value)
		report.Items = append(report.Items, domain.InventoryReportRow{
			ProductID:  p.ID,
			Name:       p.Name,
			Quantity:   p.Quantity,
			Price:      p.Price,
			StockValue: value,
			Status:     status,
		})
	}
	sort.SliceStable(report.Items, func(i, j int) bool {
		return report.Items[i].Quantity < report.Items[j].Quantity
	})
	return report, nil
}

// reportQuery converts inclusive day bounds to a half-open time range.
// empty is true when from falls after to.
func (s *Service) reportQuery(from string, to string) (domain.ReportQuery, bool, error) {
	query := domain.ReportQuery{Location: s.loc}

	if strings.TrimSpace(from) != "" {
		day, err := s.parseDay(from)
		if err != nil {
			return query, false, invalidInput("from is not a valid date")
		}
		query.From = day
	}
	if strings.TrimSpace(to) != "" {
		day, err := s.parseDay(to)
		if err != nil {
			return query, false, invalidInput("to is not a valid date")
		}
		query.To = day.AddDate(0, 0, 1)
	}

	if !query.From.IsZero() && !query.To.IsZero() && !query.From.Before(query.To) {
		return query, true, nil
	}
	return query, false, nil
}

func (s *Service) parseDay(value string) (time.Time, error) {
	parsed, err := dateparse.ParseIn(strings.TrimSpace(value), s.loc)
	if err != nil {
		return time.Time{}, err
	}
	parsed = parsed.In(s.loc)
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, s.loc), nil
}

func dayKey(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02")
}
