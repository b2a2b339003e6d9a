// Package posclient is an HTTP client for the POS sales service, used by
// terminals and by the checkout simulator.
package posclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"resty.dev/v3"

	"pos_sales/internal/sales"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Client talks to one POS sales service instance.
type Client struct {
	rc *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(rc *resty.Client) { rc.SetTimeout(d) }
}

// New returns a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{rc: rc}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.rc.Close()
}

type errorBody struct {
	Kind      sales.ErrorKind `json:"kind"`
	ProductID int64           `json:"productId"`
	Error     string          `json:"error"`
}

type saleRequest struct {
	Items []sales.CartLine `json:"items"`
}

type salesList struct {
	Results  []sales.Sale        `json:"results"`
	Metadata sales.SalesMetadata `json:"metadata"`
}

var kindSentinels = map[sales.ErrorKind]error{
	sales.KindInvalidRequest:    sales.ErrInvalidRequest,
	sales.KindNotFound:          sales.ErrNotFound,
	sales.KindInsufficientStock: sales.ErrInsufficientStock,
	sales.KindConflict:          sales.ErrConflict,
	sales.KindStoreUnavailable:  sales.ErrStoreUnavailable,
}

// decodeError turns a non-2xx response into a *sales.SaleError whose chain
// includes the matching sentinel, so errors.Is works across the wire.
func decodeError(resp *resty.Response, body *errorBody) error {
	kind := body.Kind
	if kind == "" {
		kind = kindForStatus(resp.StatusCode())
	}
	msg := body.Error
	if msg == "" {
		msg = resp.Status()
	}
	var err error
	if sentinel, ok := kindSentinels[kind]; ok {
		err = fmt.Errorf("%w: %s", sentinel, msg)
	} else {
		err = fmt.Errorf("http %d: %s", resp.StatusCode(), msg)
	}
	return &sales.SaleError{Kind: kind, ProductID: body.ProductID, Err: err}
}

func kindForStatus(status int) sales.ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return sales.KindInvalidRequest
	case http.StatusNotFound:
		return sales.KindNotFound
	case http.StatusUnprocessableEntity:
		return sales.KindInsufficientStock
	case http.StatusConflict:
		return sales.KindConflict
	case http.StatusRequestTimeout:
		return sales.KindCanceled
	}
	return sales.KindStoreUnavailable
}

// ProcessSale submits a cart. idempotencyKey may be empty; when set, resending
// the same cart with the same key returns the first outcome.
func (c *Client) ProcessSale(ctx context.Context, lines []sales.CartLine, idempotencyKey string) (*sales.Sale, error) {
	var sale sales.Sale
	var apiErr errorBody

	req := c.rc.R().
		SetContext(ctx).
		SetBody(saleRequest{Items: lines}).
		SetResult(&sale).
		SetError(&apiErr)
	if idempotencyKey != "" {
		req.SetHeader(idempotencyKeyHeader, idempotencyKey)
	}

	resp, err := req.Post("/sales")
	if err != nil {
		return nil, &sales.SaleError{Kind: sales.KindStoreUnavailable, Err: fmt.Errorf("%w: %w", sales.ErrStoreUnavailable, err)}
	}
	if resp.IsError() {
		return nil, decodeError(resp, &apiErr)
	}
	return &sale, nil
}

// ListSales returns up to limit sales, newest first. limit 0 lists the whole ledger.
func (c *Client) ListSales(ctx context.Context, limit int) ([]sales.Sale, sales.SalesMetadata, error) {
	var out salesList
	var apiErr errorBody

	req := c.rc.R().SetContext(ctx).SetResult(&out).SetError(&apiErr)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/sales")
	if err != nil {
		return nil, sales.SalesMetadata{}, fmt.Errorf("failed to list sales: %w", err)
	}
	if resp.IsError() {
		return nil, sales.SalesMetadata{}, decodeError(resp, &apiErr)
	}
	return out.Results, out.Metadata, nil
}

// GetSale fetches one committed sale.
func (c *Client) GetSale(ctx context.Context, id string) (*sales.Sale, error) {
	var sale sales.Sale
	var apiErr errorBody

	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&sale).
		SetError(&apiErr).
		Get("/sales/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}
	if resp.IsError() {
		return nil, decodeError(resp, &apiErr)
	}
	return &sale, nil
}

// ListProducts returns inventory rows matching filter.
func (c *Client) ListProducts(ctx context.Context, filter sales.ProductFilter) ([]sales.Product, error) {
	var products []sales.Product
	var apiErr errorBody

	req := c.rc.R().SetContext(ctx).SetResult(&products).SetError(&apiErr)
	if filter.Category != "" {
		req.SetQueryParam("category", filter.Category)
	}
	if filter.Stock != "" {
		req.SetQueryParam("stock", filter.Stock)
	}
	resp, err := req.Get("/products")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if resp.IsError() {
		return nil, decodeError(resp, &apiErr)
	}
	return products, nil
}

// Restock adds amount units to a product.
func (c *Client) Restock(ctx context.Context, productID int64, amount int) (*sales.Product, error) {
	var product sales.Product
	var apiErr errorBody

	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(productID, 10)).
		SetBody(map[string]int{"amount": amount}).
		SetResult(&product).
		SetError(&apiErr).
		Post("/products/{id}/restock")
	if err != nil {
		return nil, fmt.Errorf("failed to restock: %w", err)
	}
	if resp.IsError() {
		return nil, decodeError(resp, &apiErr)
	}
	return &product, nil
}
