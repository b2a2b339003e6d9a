package sales

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Product is an inventory row. Quantity is the only field the sale engine mutates.
type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CartLine is one requested line of a checkout. UnitPrice is whatever the
// terminal displayed and is never used to price the sale.
type CartLine struct {
	ProductID int64            `json:"productId"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
}

// LineItem is the immutable snapshot of a product captured when the sale committed.
type LineItem struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Sale represents a committed sales transaction in the ledger.
type Sale struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Total     decimal.Decimal `json:"total"`
	LineItems []LineItem      `json:"lineItems"`
}

// Units returns the number of units sold across all lines.
func (s *Sale) Units() int {
	n := 0
	for _, li := range s.LineItems {
		n += li.Quantity
	}
	return n
}

// ProductFilter narrows ListProducts. Zero value lists everything.
type ProductFilter struct {
	Category string
	// Stock is "", "low" (below LowStockThreshold) or "out" (zero on hand).
	Stock string
}

// MaxQuantity bounds any stock level or requested quantity. It matches the
// range of the Postgres INTEGER quantity columns.
const MaxQuantity = math.MaxInt32

// LowStockThreshold is the quantity under which a product is reported as low stock.
const LowStockThreshold = 10

// Match reports whether p passes the filter.
func (f ProductFilter) Match(p Product) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	switch f.Stock {
	case "low":
		return p.Quantity < LowStockThreshold
	case "out":
		return p.Quantity == 0
	}
	return true
}

func cloneSale(s Sale) Sale {
	items := make([]LineItem, len(s.LineItems))
	copy(items, s.LineItems)
	s.LineItems = items
	return s
}
