package sales

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"
)

// Storage is the main interface for the inventory and ledger storage layer.
// Sale-path mutations only happen through a Tx obtained from Begin.
type Storage interface {
	Begin(ctx context.Context) (Tx, error)

	CreateProduct(ctx context.Context, p Product) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	Restock(ctx context.Context, productID int64, amount int) (Product, error)

	GetSale(ctx context.Context, id string) (*Sale, error)
	// ListSales yields committed sales newest first.
	ListSales(ctx context.Context) iter.Seq2[Sale, error]
}

// Tx is one atomic unit of work. Nothing it does is visible to other callers
// until Commit succeeds; Rollback after Commit is a no-op.
type Tx interface {
	GetProduct(ctx context.Context, productID int64) (Product, error)
	// ConditionalDecrement removes amount units only if at least amount are on hand.
	ConditionalDecrement(ctx context.Context, productID int64, amount int) error
	// AppendSale records sale in the ledger. CreatedAt is set when the sale commits.
	AppendSale(ctx context.Context, sale *Sale) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type productRow struct {
	mu      sync.Mutex
	product Product
	version int64
}

// LocalStorage provides an in-memory implementation with optimistic
// per-product versioning. Rows are locked individually and always in
// ascending id order.
type LocalStorage struct {
	mu       sync.RWMutex // guards the products map, not the rows
	products map[int64]*productRow
	nextID   int64

	ledgerMu sync.RWMutex
	ledger   []Sale
	byID     map[string]int

	now func() time.Time
}

// NewLocalStorage instantiates a new empty LocalStorage.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{
		products: map[int64]*productRow{},
		byID:     map[string]int{},
		now:      time.Now,
	}
}

func (l *LocalStorage) row(id int64) (*productRow, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.products[id]
	return r, ok
}

// CreateProduct stores p. A zero ID is assigned the next free id.
func (l *LocalStorage) CreateProduct(_ context.Context, p Product) (Product, error) {
	if p.Quantity < 0 || p.Quantity > MaxQuantity || p.Price.IsNegative() || p.ID < 0 {
		return Product{}, ErrInvalidRequest
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == 0 {
		l.nextID++
		p.ID = l.nextID
	}
	if _, ok := l.products[p.ID]; ok {
		return Product{}, ErrInvalidRequest
	}
	if p.ID > l.nextID {
		l.nextID = p.ID
	}
	now := l.now()
	p.CreatedAt, p.UpdatedAt = now, now
	l.products[p.ID] = &productRow{product: p, version: 1}
	return p, nil
}

// ListProducts returns the products matching filter ordered by id.
func (l *LocalStorage) ListProducts(_ context.Context, filter ProductFilter) ([]Product, error) {
	l.mu.RLock()
	rows := make([]*productRow, 0, len(l.products))
	for _, r := range l.products {
		rows = append(rows, r)
	}
	l.mu.RUnlock()

	out := make([]Product, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		p := r.product
		r.mu.Unlock()
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restock adds amount units to a product.
func (l *LocalStorage) Restock(_ context.Context, productID int64, amount int) (Product, error) {
	if amount <= 0 {
		return Product{}, ErrInvalidRequest
	}
	r, ok := l.row(productID)
	if !ok {
		return Product{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount > MaxQuantity-r.product.Quantity {
		return Product{}, fmt.Errorf("%w: restock would exceed %d units", ErrInvalidRequest, MaxQuantity)
	}
	r.product.Quantity += amount
	r.product.UpdatedAt = l.now()
	r.version++
	return r.product, nil
}

// GetSale retrieves a committed sale by ID.
// Returns ErrNotFound if the sale is not found.
func (l *LocalStorage) GetSale(_ context.Context, id string) (*Sale, error) {
	l.ledgerMu.RLock()
	defer l.ledgerMu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := cloneSale(l.ledger[i])
	return &s, nil
}

// ListSales walks the ledger from the most recent commit backwards. Sales
// committed after the walk starts are not included.
func (l *LocalStorage) ListSales(ctx context.Context) iter.Seq2[Sale, error] {
	return func(yield func(Sale, error) bool) {
		l.ledgerMu.RLock()
		n := len(l.ledger)
		l.ledgerMu.RUnlock()

		for i := n - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(Sale{}, err)
				return
			}
			l.ledgerMu.RLock()
			s := cloneSale(l.ledger[i])
			l.ledgerMu.RUnlock()
			if !yield(s, nil) {
				return
			}
		}
	}
}

// Begin opens a unit of work. It never blocks.
func (l *LocalStorage) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &localTx{
		store: l,
		reads: map[int64]int64{},
		decs:  map[int64]int{},
	}, nil
}

type localTx struct {
	store   *LocalStorage
	reads   map[int64]int64 // product id -> version first observed
	decs    map[int64]int   // product id -> buffered decrement
	pending []*Sale
	done    bool
}

// observe returns the row for id and records the version seen by this
// transaction. A row that moved since the first observation is a conflict.
// The caller must hold r.mu.
func (t *localTx) observe(id int64, r *productRow) error {
	v, seen := t.reads[id]
	if !seen {
		t.reads[id] = r.version
		return nil
	}
	if v != r.version {
		return ErrConflict
	}
	return nil
}

func (t *localTx) GetProduct(ctx context.Context, productID int64) (Product, error) {
	if t.done {
		return Product{}, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	r, ok := t.store.row(productID)
	if !ok {
		return Product{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.observe(productID, r); err != nil {
		return Product{}, err
	}
	p := r.product
	p.Quantity -= t.decs[productID]
	return p, nil
}

func (t *localTx) ConditionalDecrement(ctx context.Context, productID int64, amount int) error {
	if t.done {
		return ErrTxDone
	}
	if amount <= 0 {
		return ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := t.store.row(productID)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.observe(productID, r); err != nil {
		return err
	}
	if r.product.Quantity-t.decs[productID] < amount {
		return ErrInsufficientStock
	}
	t.decs[productID] += amount
	return nil
}

func (t *localTx) AppendSale(ctx context.Context, sale *Sale) error {
	if t.done {
		return ErrTxDone
	}
	if sale == nil || sale.ID == "" {
		return ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.pending = append(t.pending, sale)
	return nil
}

// Commit locks every observed row in ascending id order, validates that no
// row changed since it was read and applies the buffered decrements and
// ledger appends together.
func (t *localTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		return err
	}

	ids := make([]int64, 0, len(t.reads))
	for id := range t.reads {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([]*productRow, len(ids))
	for i, id := range ids {
		r, ok := t.store.row(id)
		if !ok {
			return ErrConflict
		}
		rows[i] = r
	}
	for _, r := range rows {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	for i, id := range ids {
		r := rows[i]
		if r.version != t.reads[id] || r.product.Quantity < t.decs[id] {
			return ErrConflict
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := t.store.now()
	for i, id := range ids {
		if d := t.decs[id]; d > 0 {
			rows[i].product.Quantity -= d
			rows[i].product.UpdatedAt = now
			rows[i].version++
		}
	}

	if len(t.pending) > 0 {
		t.store.ledgerMu.Lock()
		for _, s := range t.pending {
			ts := t.store.now()
			if n := len(t.store.ledger); n > 0 && !ts.After(t.store.ledger[n-1].CreatedAt) {
				ts = t.store.ledger[n-1].CreatedAt.Add(time.Nanosecond)
			}
			s.CreatedAt = ts
			t.store.byID[s.ID] = len(t.store.ledger)
			t.store.ledger = append(t.store.ledger, cloneSale(*s))
		}
		t.store.ledgerMu.Unlock()
	}
	return nil
}

func (t *localTx) Rollback(context.Context) error {
	t.done = true
	t.reads, t.decs, t.pending = nil, nil, nil
	return nil
}
