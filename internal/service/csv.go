package service

import (
	"time"

	"github.com/gocarina/gocsv"

	"possale/backend/internal/domain"
	"possale/backend/internal/pricing"
)

type salesReportCSVRow struct {
	Period        string `csv:"period"`
	TotalAmount   string `csv:"total_amount"`
	TotalQuantity int64  `csv:"total_quantity"`
}

type salesLineCSVRow struct {
	Period        string `csv:"period"`
	TransactionID int64  `csv:"transaction_id"`
	ProductID     int64  `csv:"product_id"`
	Name          string `csv:"name"`
	Quantity      int    `csv:"quantity"`
	UnitPrice     string `csv:"unit_price"`
	LineTotal     string `csv:"line_total"`
	PaymentMethod string `csv:"payment_method"`
	Timestamp     string `csv:"timestamp"`
}

type inventoryCSVRow struct {
	ProductID  int64  `csv:"product_id"`
	Name       string `csv:"name"`
	Quantity   int    `csv:"quantity"`
	Price      string `csv:"price"`
	StockValue string `csv:"stock_value"`
	Status     string `csv:"status"`
}

func SalesReportCSV(rows []domain.ReportRow) ([]byte, error) {
	out := make([]*salesReportCSVRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, &salesReportCSVRow{
			Period:        row.Period,
			TotalAmount:   pricing.Format(row.TotalAmount),
			TotalQuantity: row.TotalQuantity,
		})
	}
	return gocsv.MarshalBytes(&out)
}

func SalesLinesCSV(lines []domain.SalesLineDetail) ([]byte, error) {
	out := make([]*salesLineCSVRow, 0, len(lines))
	for _, line := range lines {
		out = append(out, &salesLineCSVRow{
			Period:        line.Period,
			TransactionID: line.TransactionID,
			ProductID:     line.ProductID,
			Name:          line.Name,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice.String(),
			LineTotal:     pricing.Format(line.LineTotal),
			PaymentMethod: line.PaymentMethod,
			Timestamp:     line.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return gocsv.MarshalBytes(&out)
}

func InventoryCSV(report domain.InventoryReport) ([]byte, error) {
	out := make([]*inventoryCSVRow, 0, len(report.Items))
	for _, item := range report.Items {
		out = append(out, &inventoryCSVRow{
			ProductID:  item.ProductID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			Price:      item.Price.String(),
			StockValue: pricing.Format(item.StockValue),
			Status:     item.Status,
		})
	}
	return gocsv.MarshalBytes(&out)
}
