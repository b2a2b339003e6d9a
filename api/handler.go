package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pos_sales/internal/idempotency"
	"pos_sales/internal/sales"
)

// IdempotencyKeyHeader carries the client key that makes a checkout safe to resend.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind      sales.ErrorKind `json:"kind"`
	ProductID int64           `json:"productId,omitempty"`
	Error     string          `json:"error"`
}

// CreateSaleRequest is the checkout payload. A bare JSON array of lines is accepted too.
type CreateSaleRequest struct {
	Items []sales.CartLine `json:"items"`
}

// SalesListResponse is returned by GET /sales.
type SalesListResponse struct {
	Results  []sales.Sale        `json:"results"`
	Metadata sales.SalesMetadata `json:"metadata"`
}

type restockRequest struct {
	Amount int `json:"amount" binding:"required"`
}

type replayRecorder interface {
	Replayed()
}

// salesHandler holds the sales service and implements HTTP handlers for sales operations.
type salesHandler struct {
	salesService   *sales.Service
	idempotency    idempotency.Store
	idempotencyTTL time.Duration
	replays        replayRecorder
	logger         *zap.Logger
}

// NewSalesHandler creates a new sales handler. store may be nil to disable
// Idempotency-Key support.
func NewSalesHandler(salesService *sales.Service, store idempotency.Store, ttl time.Duration, logger *zap.Logger) *salesHandler {
	return &salesHandler{
		salesService:   salesService,
		idempotency:    store,
		idempotencyTTL: ttl,
		logger:         logger,
	}
}

func statusForKind(kind sales.ErrorKind) int {
	switch kind {
	case sales.KindInvalidRequest:
		return http.StatusBadRequest
	case sales.KindNotFound:
		return http.StatusNotFound
	case sales.KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case sales.KindConflict:
		return http.StatusConflict
	case sales.KindCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusServiceUnavailable
}

// transient outcomes are not remembered under an idempotency key.
func transient(kind sales.ErrorKind) bool {
	return kind == sales.KindConflict || kind == sales.KindStoreUnavailable || kind == sales.KindCanceled
}

func errorBody(err error) ErrorResponse {
	var se *sales.SaleError
	if errors.As(err, &se) {
		return ErrorResponse{Kind: se.Kind, ProductID: se.ProductID, Error: se.Error()}
	}
	return ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "internal error"}
}

// cartFingerprint identifies a decoded cart independently of JSON formatting.
func cartFingerprint(lines []sales.CartLine) string {
	b, _ := json.Marshal(lines)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func parseCart(raw []byte) ([]sales.CartLine, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var lines []sales.CartLine
		if err := json.Unmarshal(raw, &lines); err != nil {
			return nil, err
		}
		return lines, nil
	}
	var req CreateSaleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return req.Items, nil
}

// handleCreateSale handles the POST /sales endpoint.
func (h *salesHandler) handleCreateSale(ctx *gin.Context) {
	raw, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "failed to read request body"})
		return
	}
	lines, err := parseCart(raw)
	if err != nil {
		h.logger.Warn("failed to bind JSON request", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid request payload"})
		return
	}

	key := ctx.GetHeader(IdempotencyKeyHeader)
	if key == "" || h.idempotency == nil {
		status, body := h.createSale(ctx.Request.Context(), lines)
		ctx.Data(status, gin.MIMEJSON, body)
		return
	}

	if !idempotency.ValidKey(key) {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid Idempotency-Key"})
		return
	}
	fingerprint := cartFingerprint(lines)
	acquired, rec, err := h.idempotency.Reserve(ctx.Request.Context(), key, h.idempotencyTTL)
	if err != nil {
		h.logger.Error("idempotency store unavailable", zap.String("idempotency_key", key), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "idempotency store unavailable"})
		return
	}
	if !acquired {
		if rec.Pending {
			ctx.JSON(http.StatusConflict, ErrorResponse{Kind: sales.KindConflict, Error: "a request with this Idempotency-Key is in progress"})
			return
		}
		if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
			h.logger.Warn("idempotency key reused with a different cart", zap.String("idempotency_key", key))
			ctx.JSON(http.StatusUnprocessableEntity, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "Idempotency-Key was already used for a different cart"})
			return
		}
		if h.replays != nil {
			h.replays.Replayed()
		}
		h.logger.Info("replaying checkout response", zap.String("idempotency_key", key), zap.Int("status", rec.Status))
		ctx.Header(ReplayedHeader, "true")
		ctx.Data(rec.Status, gin.MIMEJSON, rec.Body)
		return
	}

	status, body := h.createSale(ctx.Request.Context(), lines)

	storeCtx := context.WithoutCancel(ctx.Request.Context())
	if status != http.StatusCreated && transient(errorKindFromStatus(status)) {
		err = h.idempotency.Release(storeCtx, key)
	} else {
		err = h.idempotency.Complete(storeCtx, key, idempotency.Record{Status: status, Body: body, Fingerprint: fingerprint}, h.idempotencyTTL)
	}
	if err != nil {
		h.logger.Warn("failed to update idempotency record", zap.String("idempotency_key", key), zap.Error(err))
	}
	ctx.Data(status, gin.MIMEJSON, body)
}

func errorKindFromStatus(status int) sales.ErrorKind {
	switch status {
	case http.StatusConflict:
		return sales.KindConflict
	case http.StatusRequestTimeout:
		return sales.KindCanceled
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		return sales.KindStoreUnavailable
	}
	return sales.KindInvalidRequest
}

// createSale runs the engine and renders the JSON response.
func (h *salesHandler) createSale(ctx context.Context, lines []sales.CartLine) (int, []byte) {
	status := http.StatusCreated
	var payload any

	sale, err := h.salesService.ProcessSale(ctx, lines)
	if err != nil {
		resp := errorBody(err)
		status = statusForKind(resp.Kind)
		payload = resp
	} else {
		payload = sale
	}

	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		return http.StatusInternalServerError, []byte(`{"kind":"StoreUnavailable","error":"failed to encode response"}`)
	}
	return status, body
}

// handleListSales handles GET /sales, newest first.
func (h *salesHandler) handleListSales(ctx *gin.Context) {
	var q sales.SalesQuery
	if v := ctx.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid limit"})
			return
		}
		q.Limit = n
	}
	for param, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		v := ctx.Query(param)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid " + param + " timestamp"})
			return
		}
		*dst = ts
	}

	results, metadata, err := h.salesService.SearchSales(ctx.Request.Context(), q)
	if err != nil {
		h.logger.Error("error searching sales", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "failed to search sales"})
		return
	}

	ctx.JSON(http.StatusOK, SalesListResponse{Results: results, Metadata: metadata})
}

// handleGetSale handles GET /sales/:id for receipt reprints.
func (h *salesHandler) handleGetSale(ctx *gin.Context) {
	sale, err := h.salesService.GetSale(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, sales.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, ErrorResponse{Kind: sales.KindNotFound, Error: "sale not found"})
			return
		}
		h.logger.Error("failed to get sale", zap.String("sale_id", ctx.Param("id")), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "failed to get sale"})
		return
	}
	ctx.JSON(http.StatusOK, sale)
}

// handleExportSales streams the ledger as an xlsx download.
func (h *salesHandler) handleExportSales(ctx *gin.Context) {
	var buf bytes.Buffer
	if err := h.salesService.ExportSales(ctx.Request.Context(), &buf); err != nil {
		h.logger.Error("failed to export sales", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "failed to export sales"})
		return
	}

	ctx.Header("Content-Disposition", "attachment; filename=sales.xlsx")
	ctx.Header("Expires", "0")
	ctx.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// handleListProducts handles GET /products?category=&stock=low|out.
func (h *salesHandler) handleListProducts(ctx *gin.Context) {
	filter := sales.ProductFilter{
		Category: ctx.Query("category"),
		Stock:    ctx.Query("stock"),
	}
	products, err := h.salesService.ListProducts(ctx.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, sales.ErrInvalidRequest) {
			ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: err.Error()})
			return
		}
		h.logger.Error("failed to list products", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Kind: sales.KindStoreUnavailable, Error: "failed to list products"})
		return
	}
	ctx.JSON(http.StatusOK, products)
}

// handleRestock handles POST /products/:id/restock.
func (h *salesHandler) handleRestock(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid product id"})
		return
	}
	var req restockRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, Error: "invalid request body"})
		return
	}

	product, err := h.salesService.Restock(ctx.Request.Context(), id, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, sales.ErrInvalidRequest):
			ctx.JSON(http.StatusBadRequest, ErrorResponse{Kind: sales.KindInvalidRequest, ProductID: id, Error: err.Error()})
		case errors.Is(err, sales.ErrNotFound):
			ctx.JSON(http.StatusNotFound, ErrorResponse{Kind: sales.KindNotFound, ProductID: id, Error: "product not found"})
		default:
			ctx.JSON(http.StatusServiceUnavailable, ErrorResponse{Kind: sales.KindStoreUnavailable, ProductID: id, Error: "failed to restock"})
		}
		return
	}
	ctx.JSON(http.StatusOK, product)
}
