package sales

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"
	"go.uber.org/zap/zaptest"
)

// conflictingStorage fails the next N commits with ErrConflict.
type conflictingStorage struct {
	*LocalStorage
	conflicts   atomic.Int32
	begins      atomic.Int32
	decrements  []int
	decrementMu sync.Mutex
}

func (c *conflictingStorage) Begin(ctx context.Context) (Tx, error) {
	c.begins.Add(1)
	tx, err := c.LocalStorage.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &conflictingTx{Tx: tx, parent: c}, nil
}

type conflictingTx struct {
	Tx
	parent *conflictingStorage
}

func (t *conflictingTx) ConditionalDecrement(ctx context.Context, productID int64, amount int) error {
	t.parent.decrementMu.Lock()
	t.parent.decrements = append(t.parent.decrements, amount)
	t.parent.decrementMu.Unlock()
	return t.Tx.ConditionalDecrement(ctx, productID, amount)
}

func (t *conflictingTx) Commit(ctx context.Context) error {
	if t.parent.conflicts.Add(-1) >= 0 {
		return fmt.Errorf("commit: %w", ErrConflict)
	}
	return t.Tx.Commit(ctx)
}

type unavailableStorage struct {
	*LocalStorage
	begins atomic.Int32
}

func (u *unavailableStorage) Begin(context.Context) (Tx, error) {
	u.begins.Add(1)
	return nil, fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
}

type fakeRecorder struct {
	mu        sync.Mutex
	committed int
	retries   int
	rejected  map[string]int
	restocked int
}

func (f *fakeRecorder) SaleCommitted(*Sale, int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed++
}

func (f *fakeRecorder) SaleRejected(kind string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected == nil {
		f.rejected = map[string]int{}
	}
	f.rejected[kind]++
}

func (f *fakeRecorder) CommitRetried() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
}

func (f *fakeRecorder) Restocked(int64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restocked++
}

func newTestService(t *testing.T, storage Storage, opts ...Option) *Service {
	t.Helper()
	svc := NewService(storage, zaptest.NewLogger(t), opts...)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func requireSaleError(t *testing.T, err error, kind ErrorKind, productID int64) {
	t.Helper()
	var se *SaleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, kind, se.Kind)
	assert.Equal(t, productID, se.ProductID)
}

// TestNewService verifies service initialization and defaults.
func TestNewService(t *testing.T) {
	storage := NewLocalStorage()
	svc := NewService(storage, zaptest.NewLogger(t))

	require.NotNil(t, svc)
	assert.NotNil(t, svc.storage)
	assert.NotNil(t, svc.logger)
	assert.Equal(t, DefaultMaxAttempts, svc.maxAttempts)
	assert.Equal(t, DefaultSaleTimeout, svc.saleTimeout)

	svc = NewService(storage, nil, WithMaxAttempts(2), WithSaleTimeout(time.Second), WithMaxAttempts(0))
	assert.NotNil(t, svc.logger)
	assert.Equal(t, 2, svc.maxAttempts)
	assert.Equal(t, time.Second, svc.saleTimeout)
}

// Two cashiers race for the last units: one wins, the other is told which product ran out.
func TestProcessSale_ConcurrentSalesOnSameProduct(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "coffee", "3.00", 5)
	svc := newTestService(t, storage)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: 3}})
		}()
	}
	close(start)
	wg.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	requireSaleError(t, failures[0], KindInsufficientStock, p1.ID)
	assert.Equal(t, 2, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 1, countSales(t, storage))
}

// No partial decrement survives when a later line runs out.
func TestProcessSale_InsufficientStockIsAtomic(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "tea", "10.00", 10)
	p2 := seedProduct(t, storage, "mug", "5.00", 0)
	svc := newTestService(t, storage)

	_, err := svc.ProcessSale(context.Background(), []CartLine{
		{ProductID: p1.ID, Quantity: 2},
		{ProductID: p2.ID, Quantity: 1},
	})

	requireSaleError(t, err, KindInsufficientStock, p2.ID)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 0, quantityOf(t, storage, p2.ID))
	assert.Equal(t, 0, countSales(t, storage))
}

func TestProcessSale_DuplicateLinesAreMerged(t *testing.T) {
	storage := &conflictingStorage{LocalStorage: NewLocalStorage()}
	p1 := seedProduct(t, storage, "bagel", "2.00", 10)
	svc := newTestService(t, storage)

	sale, err := svc.ProcessSale(context.Background(), []CartLine{
		{ProductID: p1.ID, Quantity: 1},
		{ProductID: p1.ID, Quantity: 2},
	})
	require.NoError(t, err)

	require.Len(t, sale.LineItems, 1)
	assert.Equal(t, 3, sale.LineItems[0].Quantity)
	assert.Equal(t, []int{3}, storage.decrements)
	assert.Equal(t, 7, quantityOf(t, storage, p1.ID))
}

func TestProcessSale_DuplicateMergeMatchesPreMergedCart(t *testing.T) {
	run := func(cart []CartLine) (*Sale, int, int) {
		storage := NewLocalStorage()
		a := seedProduct(t, storage, "a", "1.25", 20) // id 1
		b := seedProduct(t, storage, "b", "0.40", 20) // id 2
		sale, err := newTestService(t, storage).ProcessSale(context.Background(), cart)
		require.NoError(t, err)
		return sale, quantityOf(t, storage, a.ID), quantityOf(t, storage, b.ID)
	}

	split, splitA, splitB := run([]CartLine{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 4}})
	merged, mergedA, mergedB := run([]CartLine{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 5}})

	assert.True(t, split.Total.Equal(merged.Total))
	assert.Equal(t, mergedA, splitA)
	assert.Equal(t, mergedB, splitB)
	require.Len(t, split.LineItems, 2)
	for i := range split.LineItems {
		assert.Equal(t, merged.LineItems[i].Quantity, split.LineItems[i].Quantity)
		assert.True(t, merged.LineItems[i].Subtotal.Equal(split.LineItems[i].Subtotal))
	}
}

// The client price is ignored; the ledger uses the price on record at commit.
func TestProcessSale_UsesAuthoritativePrice(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "notebook", "4.00", 10)
	svc := newTestService(t, storage)

	clientPrice := decimal.RequireFromString("0.01")
	sale, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: 2, UnitPrice: &clientPrice}})
	require.NoError(t, err)

	assert.True(t, sale.Total.Equal(decimal.RequireFromString("8.00")), "total was %s", sale.Total)
	require.Len(t, sale.LineItems, 1)
	assert.True(t, sale.LineItems[0].UnitPrice.Equal(decimal.RequireFromString("4.00")))
	assert.Equal(t, "notebook", sale.LineItems[0].Name)
	assert.False(t, sale.CreatedAt.IsZero())
	assert.NotEmpty(t, sale.ID)

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.LineItems[0].UnitPrice.Equal(decimal.RequireFromString("4.00")))
	assert.Equal(t, 8, quantityOf(t, storage, p1.ID))
}

func TestProcessSale_TotalEqualsLineSubtotals(t *testing.T) {
	storage := NewLocalStorage()
	a := seedProduct(t, storage, "a", "0.10", 100)
	b := seedProduct(t, storage, "b", "19.99", 100)
	c := seedProduct(t, storage, "c", "3.33", 100)
	svc := newTestService(t, storage)

	sale, err := svc.ProcessSale(context.Background(), []CartLine{
		{ProductID: c.ID, Quantity: 3},
		{ProductID: a.ID, Quantity: 7},
		{ProductID: b.ID, Quantity: 1},
	})
	require.NoError(t, err)

	sum := decimal.Zero
	for i, li := range sale.LineItems {
		assert.True(t, li.Subtotal.Equal(li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))))
		if i > 0 {
			assert.Less(t, sale.LineItems[i-1].ProductID, li.ProductID)
		}
		sum = sum.Add(li.Subtotal)
	}
	assert.True(t, sum.Equal(sale.Total))
	assert.True(t, sale.Total.Equal(decimal.RequireFromString("30.68")), "total was %s", sale.Total)
}

func TestProcessSale_InvalidRequests(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	rec := &fakeRecorder{}
	svc := newTestService(t, storage, WithRecorder(rec))

	tests := []struct {
		name string
		cart []CartLine
	}{
		{"empty cart", nil},
		{"zero quantity", []CartLine{{ProductID: p1.ID, Quantity: 0}}},
		{"negative quantity", []CartLine{{ProductID: p1.ID, Quantity: 2}, {ProductID: p1.ID, Quantity: -1}}},
		{"missing product id", []CartLine{{ProductID: 0, Quantity: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ProcessSale(context.Background(), tt.cart)
			var se *SaleError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, KindInvalidRequest, se.Kind)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
	assert.Equal(t, len(tests), rec.rejected[string(KindInvalidRequest)])
}

func TestProcessSale_DuplicateLinesCannotOverflow(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "4.00", 5)
	svc := newTestService(t, storage)

	tests := []struct {
		name string
		cart []CartLine
	}{
		{"wrapping sum", []CartLine{{ProductID: p1.ID, Quantity: math.MaxInt}, {ProductID: p1.ID, Quantity: math.MaxInt}, {ProductID: p1.ID, Quantity: 3}}},
		{"single line above cap", []CartLine{{ProductID: p1.ID, Quantity: MaxQuantity + 1}}},
		{"sum just above cap", []CartLine{{ProductID: p1.ID, Quantity: MaxQuantity}, {ProductID: p1.ID, Quantity: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sale, err := svc.ProcessSale(context.Background(), tt.cart)
			assert.Nil(t, sale)
			requireSaleError(t, err, KindInvalidRequest, p1.ID)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 5, quantityOf(t, storage, p1.ID), "Expected stock untouched")
	assert.Zero(t, countSales(t, storage), "Expected no sale recorded")

	// A merged quantity exactly at the cap is valid and fails only on stock.
	_, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: MaxQuantity - 1}, {ProductID: p1.ID, Quantity: 1}})
	requireSaleError(t, err, KindInsufficientStock, p1.ID)
}

func TestProcessSale_UnknownProduct(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	svc := newTestService(t, storage)

	_, err := svc.ProcessSale(context.Background(), []CartLine{
		{ProductID: p1.ID, Quantity: 1},
		{ProductID: 4242, Quantity: 1},
	})

	requireSaleError(t, err, KindNotFound, 4242)
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 0, countSales(t, storage))
}

func TestProcessSale_RetriesConflicts(t *testing.T) {
	storage := &conflictingStorage{LocalStorage: NewLocalStorage()}
	storage.conflicts.Store(2)
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	rec := &fakeRecorder{}
	svc := newTestService(t, storage, WithRecorder(rec))

	sale, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: 4}})
	require.NoError(t, err)
	assert.NotNil(t, sale)

	assert.Equal(t, int32(3), storage.begins.Load())
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, 1, rec.committed)
	assert.Equal(t, 6, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 1, countSales(t, storage))
}

func TestProcessSale_ConflictRetriesAreBounded(t *testing.T) {
	storage := &conflictingStorage{LocalStorage: NewLocalStorage()}
	storage.conflicts.Store(1000)
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	rec := &fakeRecorder{}
	svc := newTestService(t, storage, WithMaxAttempts(3), WithRecorder(rec))

	_, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: 1}})

	requireSaleError(t, err, KindConflict, 0)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int32(3), storage.begins.Load())
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, 1, rec.rejected[string(KindConflict)])
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 0, countSales(t, storage))
}

func TestProcessSale_StoreUnavailableIsNotRetried(t *testing.T) {
	storage := &unavailableStorage{LocalStorage: NewLocalStorage()}
	svc := newTestService(t, storage)

	_, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: 1, Quantity: 1}})

	requireSaleError(t, err, KindStoreUnavailable, 0)
	assert.Equal(t, int32(1), storage.begins.Load())
}

func TestProcessSale_CanceledBeforeCommit(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	svc := newTestService(t, storage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.ProcessSale(ctx, []CartLine{{ProductID: p1.ID, Quantity: 1}})

	requireSaleError(t, err, KindCanceled, 0)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 0, countSales(t, storage))
}

func TestProcessSale_TimeoutWhileRetrying(t *testing.T) {
	storage := &conflictingStorage{LocalStorage: NewLocalStorage()}
	storage.conflicts.Store(1000)
	p1 := seedProduct(t, storage, "pen", "1.00", 10)
	svc := NewService(storage, zaptest.NewLogger(t), WithMaxAttempts(1000), WithSaleTimeout(20*time.Millisecond))

	_, err := svc.ProcessSale(context.Background(), []CartLine{{ProductID: p1.ID, Quantity: 1}})

	requireSaleError(t, err, KindCanceled, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 10, quantityOf(t, storage, p1.ID))
}

// Many cashiers hammer overlapping products in opposite orders. Stock must
// account exactly for the successful sales and never go negative.
func TestProcessSale_ConcurrentStockAccounting(t *testing.T) {
	storage := NewLocalStorage()
	a := seedProduct(t, storage, "a", "1.00", 40)
	b := seedProduct(t, storage, "b", "2.00", 25)
	svc := newTestService(t, storage, WithMaxAttempts(50))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		soldA   int
		soldB   int
		workers = 16
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 7))
			for i := 0; i < 20; i++ {
				qa, qb := r.IntN(3)+1, r.IntN(2)+1
				cart := []CartLine{{ProductID: a.ID, Quantity: qa}, {ProductID: b.ID, Quantity: qb}}
				if w%2 == 1 {
					cart[0], cart[1] = cart[1], cart[0]
				}
				sale, err := svc.ProcessSale(context.Background(), cart)
				if err != nil {
					kind := KindOf(err)
					if kind != KindInsufficientStock && kind != KindConflict {
						t.Errorf("unexpected error: %v", err)
					}
					continue
				}
				mu.Lock()
				for _, li := range sale.LineItems {
					if li.ProductID == a.ID {
						soldA += li.Quantity
					} else {
						soldB += li.Quantity
					}
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	qa, qb := quantityOf(t, storage, a.ID), quantityOf(t, storage, b.ID)
	assert.GreaterOrEqual(t, qa, 0)
	assert.GreaterOrEqual(t, qb, 0)
	assert.Equal(t, 40-soldA, qa)
	assert.Equal(t, 25-soldB, qb)

	units := 0
	for sale, err := range storage.ListSales(context.Background()) {
		require.NoError(t, err)
		units += sale.Units()
	}
	assert.Equal(t, soldA+soldB, units)
}

func TestSearchSales(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.50", 10)
	svc := newTestService(t, storage)
	ctx := context.Background()

	var ids []string
	for _, qty := range []int{1, 2, 3} {
		sale, err := svc.ProcessSale(ctx, []CartLine{{ProductID: p1.ID, Quantity: qty}})
		require.NoError(t, err)
		ids = append(ids, sale.ID)
	}

	results, metadata, err := svc.SearchSales(ctx, SalesQuery{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[2], results[0].ID)
	assert.Equal(t, ids[0], results[2].ID)
	assert.Equal(t, 3, metadata.Quantity)
	assert.Equal(t, 6, metadata.Units)
	assert.True(t, metadata.TotalAmount.Equal(decimal.RequireFromString("9.00")))

	limited, metadata, err := svc.SearchSales(ctx, SalesQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, 2, metadata.Quantity)

	future, _, err := svc.SearchSales(ctx, SalesQuery{From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestExportSales(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.50", 10)
	p2 := seedProduct(t, storage, "ink", "7.25", 10)
	svc := newTestService(t, storage)
	ctx := context.Background()

	sale, err := svc.ProcessSale(ctx, []CartLine{{ProductID: p1.ID, Quantity: 2}, {ProductID: p2.ID, Quantity: 1}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportSales(ctx, &buf))

	file, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, file.Sheets, 1)
	rows := file.Sheets[0].Rows
	require.Len(t, rows, 3)
	assert.Equal(t, "SaleID", rows[0].Cells[0].Value)
	assert.Equal(t, sale.ID, rows[1].Cells[0].Value)
	assert.Equal(t, "pen", rows[1].Cells[3].Value)
	assert.Equal(t, "10.25", rows[2].Cells[7].Value)
}

func TestRestock(t *testing.T) {
	storage := NewLocalStorage()
	p1 := seedProduct(t, storage, "pen", "1.50", 0)
	rec := &fakeRecorder{}
	svc := newTestService(t, storage, WithRecorder(rec))
	ctx := context.Background()

	p, err := svc.Restock(ctx, p1.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, p.Quantity)
	assert.Equal(t, 1, rec.restocked)

	_, err = svc.Restock(ctx, p1.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Restock(ctx, p1.ID, math.MaxInt)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Restock(ctx, p1.ID, MaxQuantity-11)
	assert.ErrorIs(t, err, ErrInvalidRequest, "Expected restock past the cap to be rejected")
	assert.Equal(t, 12, quantityOf(t, storage, p1.ID))
	assert.Equal(t, 1, rec.restocked)

	_, err = svc.Restock(ctx, 999, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListProducts(t *testing.T) {
	storage := NewLocalStorage()
	svc := newTestService(t, storage)
	ctx := context.Background()
	_, err := storage.CreateProduct(ctx, Product{Name: "espresso", Category: "drinks", Price: decimal.NewFromInt(2), Quantity: 3})
	require.NoError(t, err)
	_, err = storage.CreateProduct(ctx, Product{Name: "croissant", Category: "bakery", Price: decimal.NewFromInt(3), Quantity: 30})
	require.NoError(t, err)

	drinks, err := svc.ListProducts(ctx, ProductFilter{Category: "drinks"})
	require.NoError(t, err)
	require.Len(t, drinks, 1)
	assert.Equal(t, "espresso", drinks[0].Name)

	low, err := svc.ListProducts(ctx, ProductFilter{Stock: "low"})
	require.NoError(t, err)
	require.Len(t, low, 1)

	_, err = svc.ListProducts(ctx, ProductFilter{Stock: "plenty"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
