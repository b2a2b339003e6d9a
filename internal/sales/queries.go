package sales

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx"
	"go.uber.org/zap"
)

// SalesMetadata summarizes a ledger search.
type SalesMetadata struct {
	Quantity    int             `json:"quantity"`
	Units       int             `json:"units"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// SalesQuery filters SearchSales. Zero value returns the whole ledger.
type SalesQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (q SalesQuery) match(s Sale) bool {
	if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !s.CreatedAt.Before(q.To) {
		return false
	}
	return true
}

// SearchSales returns committed sales newest first with aggregate metadata.
func (s *Service) SearchSales(ctx context.Context, q SalesQuery) ([]Sale, SalesMetadata, error) {
	results := make([]Sale, 0)
	metadata := SalesMetadata{TotalAmount: decimal.Zero}

	for sale, err := range s.storage.ListSales(ctx) {
		if err != nil {
			s.logger.Error("failed to read sales ledger", zap.Error(err))
			return nil, SalesMetadata{}, fmt.Errorf("failed to retrieve sales: %w", err)
		}
		// The ledger is newest first, so everything after is older than From.
		if !q.From.IsZero() && sale.CreatedAt.Before(q.From) {
			break
		}
		if !q.match(sale) {
			continue
		}

		results = append(results, sale)
		metadata.Quantity++
		metadata.Units += sale.Units()
		metadata.TotalAmount = metadata.TotalAmount.Add(sale.Total)

		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}

	s.logger.Debug("sales search completed",
		zap.Int("results_count", len(results)),
		zap.String("total_amount", metadata.TotalAmount.StringFixed(2)),
	)
	return results, metadata, nil
}

// GetSale returns one committed sale, e.g. to reprint a receipt.
func (s *Service) GetSale(ctx context.Context, id string) (*Sale, error) {
	return s.storage.GetSale(ctx, id)
}

// ListProducts returns the inventory matching filter.
func (s *Service) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	switch filter.Stock {
	case "", "low", "out":
	default:
		return nil, fmt.Errorf("%w: unknown stock filter %q", ErrInvalidRequest, filter.Stock)
	}
	return s.storage.ListProducts(ctx, filter)
}

// Restock adds units to a product outside of the sale path.
func (s *Service) Restock(ctx context.Context, productID int64, amount int) (*Product, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: restock amount must be greater than zero", ErrInvalidRequest)
	}
	if amount > MaxQuantity {
		return nil, fmt.Errorf("%w: restock amount exceeds %d", ErrInvalidRequest, MaxQuantity)
	}
	p, err := s.storage.Restock(ctx, productID, amount)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidRequest) {
			s.logger.Error("failed to restock", zap.Int64("product_id", productID), zap.Error(err))
		}
		return nil, err
	}
	s.recorder.Restocked(productID, amount)
	s.logger.Info("product restocked",
		zap.Int64("product_id", productID),
		zap.Int("amount", amount),
		zap.Int("quantity", p.Quantity),
	)
	return &p, nil
}

// ExportSales writes the ledger as an xlsx workbook with one row per line item.
func (s *Service) ExportSales(ctx context.Context, w io.Writer) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Sales")
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	headers := []string{"SaleID", "CreatedAt", "ProductID", "Name", "Quantity", "UnitPrice", "Subtotal", "SaleTotal"}
	headerRow := sheet.AddRow()
	for _, h := range headers {
		headerRow.AddCell().SetValue(h)
	}

	for sale, err := range s.storage.ListSales(ctx) {
		if err != nil {
			return fmt.Errorf("failed to retrieve sales: %w", err)
		}
		for _, li := range sale.LineItems {
			row := sheet.AddRow()
			row.AddCell().SetValue(sale.ID)
			row.AddCell().SetValue(sale.CreatedAt.Format("2006-01-02 15:04:05"))
			row.AddCell().SetValue(li.ProductID)
			row.AddCell().SetValue(li.Name)
			row.AddCell().SetValue(li.Quantity)
			row.AddCell().SetValue(li.UnitPrice.StringFixed(2))
			row.AddCell().SetValue(li.Subtotal.StringFixed(2))
			row.AddCell().SetValue(sale.Total.StringFixed(2))
		}
	}

	return file.Write(w)
}
