package sales

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	DefaultSaleTimeout = 5 * time.Second

	baseBackoff = 2 * time.Millisecond
	maxBackoff  = 100 * time.Millisecond
)

// Recorder receives sale outcomes. *metrics.Metrics implements it.
type Recorder interface {
	SaleCommitted(sale *Sale, attempts int, elapsed time.Duration)
	SaleRejected(kind string, elapsed time.Duration)
	CommitRetried()
	Restocked(productID int64, amount int)
}

type nopRecorder struct{}

func (nopRecorder) SaleCommitted(*Sale, int, time.Duration) {}
func (nopRecorder) SaleRejected(string, time.Duration)      {}
func (nopRecorder) CommitRetried()                          {}
func (nopRecorder) Restocked(int64, int)                    {}

// Service provides the sale transaction engine and the read paths over a Storage backend.
type Service struct {
	storage     Storage
	logger      *zap.Logger
	recorder    Recorder
	maxAttempts int
	saleTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAttempts bounds how many times a conflicting sale is attempted.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithSaleTimeout bounds a whole ProcessSale call, retries included.
func WithSaleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.saleTimeout = d
		}
	}
}

// WithRecorder sets where sale outcomes are reported.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewService creates a new Service.
func NewService(storage Storage, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		storage:     storage,
		logger:      logger,
		recorder:    nopRecorder{},
		maxAttempts: DefaultMaxAttempts,
		saleTimeout: DefaultSaleTimeout,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeCart validates lines, merges duplicate products and returns them
// in ascending product id order, which is also the lock order.
func normalizeCart(lines []CartLine) ([]CartLine, error) {
	if len(lines) == 0 {
		return nil, &SaleError{Kind: KindInvalidRequest, Err: fmt.Errorf("%w: cart is empty", ErrInvalidRequest)}
	}
	merged := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, &SaleError{Kind: KindInvalidRequest, Err: fmt.Errorf("%w: invalid product id %d", ErrInvalidRequest, l.ProductID)}
		}
		if l.Quantity <= 0 {
			return nil, &SaleError{Kind: KindInvalidRequest, ProductID: l.ProductID, Err: fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidRequest)}
		}
		if l.Quantity > MaxQuantity-merged[l.ProductID] {
			return nil, &SaleError{Kind: KindInvalidRequest, ProductID: l.ProductID, Err: fmt.Errorf("%w: quantity exceeds %d", ErrInvalidRequest, MaxQuantity)}
		}
		merged[l.ProductID] += l.Quantity
	}

	out := make([]CartLine, 0, len(merged))
	for id, qty := range merged {
		out = append(out, CartLine{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b CartLine) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		}
		return 0
	})
	return out, nil
}

// ProcessSale converts a cart into a committed sale. Inventory decrements and
// the ledger append commit together or not at all. Conflicting commits are
// retried with fresh reads up to the configured attempt bound.
func (s *Service) ProcessSale(ctx context.Context, lines []CartLine) (*Sale, error) {
	start := time.Now()

	cart, err := normalizeCart(lines)
	if err != nil {
		s.recorder.SaleRejected(string(KindInvalidRequest), time.Since(start))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.saleTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		sale, err := s.attemptSale(ctx, cart)
		if err == nil {
			elapsed := time.Since(start)
			s.recorder.SaleCommitted(sale, attempt, elapsed)
			s.logger.Info("sale committed",
				zap.String("sale_id", sale.ID),
				zap.String("total", sale.Total.StringFixed(2)),
				zap.Int("lines", len(sale.LineItems)),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", elapsed),
			)
			return sale, nil
		}

		if errors.Is(err, ErrConflict) && attempt < s.maxAttempts {
			s.recorder.CommitRetried()
			s.logger.Debug("sale conflicted, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if werr := s.sleep(ctx, backoff(attempt)); werr != nil {
				err = werr
			} else {
				continue
			}
		}

		serr := s.toSaleError(err)
		s.recorder.SaleRejected(string(serr.Kind), time.Since(start))
		s.logSaleError(serr, attempt)
		return nil, serr
	}
}

// attemptSale runs one unit of work. The transaction is always rolled back
// unless Commit succeeded.
func (s *Service) attemptSale(ctx context.Context, cart []CartLine) (sale *Sale, err error) {
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("rollback failed", zap.Error(rerr))
			}
		}
	}()

	sale = &Sale{
		ID:        uuid.NewString(),
		Total:     decimal.Zero,
		LineItems: make([]LineItem, 0, len(cart)),
	}

	for _, line := range cart {
		product, err := tx.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, lineError(err, line.ProductID)
		}
		if err := tx.ConditionalDecrement(ctx, line.ProductID, line.Quantity); err != nil {
			return nil, lineError(err, line.ProductID)
		}

		subtotal := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		sale.Total = sale.Total.Add(subtotal)
		sale.LineItems = append(sale.LineItems, LineItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			Subtotal:  subtotal,
		})
	}

	if err := tx.AppendSale(ctx, sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sale, nil
}

// lineError attaches the failing product to logical rejections.
func lineError(err error, productID int64) error {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return &SaleError{Kind: KindInsufficientStock, ProductID: productID, Err: err}
	case errors.Is(err, ErrNotFound):
		return &SaleError{Kind: KindNotFound, ProductID: productID, Err: err}
	}
	return err
}

func (s *Service) toSaleError(err error) *SaleError {
	var se *SaleError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrConflict):
		return &SaleError{Kind: KindConflict, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &SaleError{Kind: KindCanceled, Err: err}
	case errors.Is(err, ErrInvalidRequest):
		return &SaleError{Kind: KindInvalidRequest, Err: err}
	}
	return &SaleError{Kind: KindStoreUnavailable, Err: err}
}

func (s *Service) logSaleError(se *SaleError, attempts int) {
	fields := []zap.Field{
		zap.String("kind", string(se.Kind)),
		zap.Int("attempts", attempts),
		zap.Error(se.Err),
	}
	if se.ProductID != 0 {
		fields = append(fields, zap.Int64("product_id", se.ProductID))
	}
	switch se.Kind {
	case KindStoreUnavailable:
		s.logger.Error("sale failed", fields...)
	case KindConflict, KindCanceled:
		s.logger.Warn("sale aborted", fields...)
	default:
		s.logger.Info("sale rejected", fields...)
	}
}

// backoff is exponential with full jitter, capped at maxBackoff.
func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int64N(int64(d))) + time.Microsecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
