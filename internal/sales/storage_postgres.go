package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStorage keeps inventory and the ledger in PostgreSQL. Every unit of
// work runs at SERIALIZABLE isolation; serialization failures surface as
// ErrConflict.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to connString and verifies the connection.
func NewPostgresStorage(ctx context.Context, connString string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrStoreUnavailable, err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func (p *PostgresStorage) Close() {
	p.pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (p *PostgresStorage) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			price NUMERIC(12,2) NOT NULL CHECK (price >= 0),
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON products(category)`,

		`CREATE TABLE IF NOT EXISTS sales (
			id UUID PRIMARY KEY,
			total NUMERIC(14,2) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS sale_items (
			sale_id UUID NOT NULL REFERENCES sales(id),
			position INTEGER NOT NULL,
			product_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(12,2) NOT NULL,
			subtotal NUMERIC(14,2) NOT NULL,
			PRIMARY KEY (sale_id, position)
		)`,
	}

	for _, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", classifyPgError(err))
		}
	}
	return nil
}

// classifyPgError maps driver errors onto the package sentinels.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrInsufficientStock, pgErr.Message)
		case "22003": // numeric_value_out_of_range
			return fmt.Errorf("%w: %s", ErrInvalidRequest, pgErr.Message)
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

const productColumns = `id, name, category, price::text, quantity, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		prod  Product
		price string
	)
	if err := row.Scan(&prod.ID, &prod.Name, &prod.Category, &price, &prod.Quantity, &prod.CreatedAt, &prod.UpdatedAt); err != nil {
		return Product{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	prod.Price = d
	return prod, nil
}

func (p *PostgresStorage) CreateProduct(ctx context.Context, prod Product) (Product, error) {
	if prod.Quantity < 0 || prod.Quantity > MaxQuantity || prod.Price.IsNegative() || prod.ID < 0 {
		return Product{}, ErrInvalidRequest
	}
	var row pgx.Row
	if prod.ID == 0 {
		row = p.pool.QueryRow(ctx,
			`INSERT INTO products (name, category, price, quantity) VALUES ($1, $2, $3::numeric, $4)
			 RETURNING `+productColumns,
			prod.Name, prod.Category, prod.Price.String(), prod.Quantity)
	} else {
		row = p.pool.QueryRow(ctx,
			`INSERT INTO products (id, name, category, price, quantity) VALUES ($1, $2, $3, $4::numeric, $5)
			 RETURNING `+productColumns,
			prod.ID, prod.Name, prod.Category, prod.Price.String(), prod.Quantity)
	}
	out, err := scanProduct(row)
	if err != nil {
		return Product{}, classifyPgError(err)
	}
	if prod.ID != 0 {
		// keep BIGSERIAL ahead of explicitly seeded ids
		if _, err := p.pool.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))`); err != nil {
			return Product{}, classifyPgError(err)
		}
	}
	return out, nil
}

func (p *PostgresStorage) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE ($1 = '' OR category = $1)`
	switch filter.Stock {
	case "low":
		query += fmt.Sprintf(` AND quantity < %d`, LowStockThreshold)
	case "out":
		query += ` AND quantity = 0`
	}
	query += ` ORDER BY id`

	rows, err := p.pool.Query(ctx, query, filter.Category)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		prod, err := scanProduct(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		products = append(products, prod)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return products, nil
}

func (p *PostgresStorage) Restock(ctx context.Context, productID int64, amount int) (Product, error) {
	if amount <= 0 || amount > MaxQuantity {
		return Product{}, ErrInvalidRequest
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE products SET quantity = quantity + $2, updated_at = NOW() WHERE id = $1 RETURNING `+productColumns,
		productID, amount)
	prod, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, classifyPgError(err)
	}
	return prod, nil
}

const saleSelect = `
	SELECT s.id::text, s.total::text, s.created_at,
	       COALESCE(json_agg(json_build_object(
	           'productId', i.product_id,
	           'name', i.name,
	           'quantity', i.quantity,
	           'unitPrice', i.unit_price,
	           'subtotal', i.subtotal
	       ) ORDER BY i.position) FILTER (WHERE i.sale_id IS NOT NULL), '[]')
	FROM sales s
	LEFT JOIN sale_items i ON i.sale_id = s.id`

func scanSale(row rowScanner) (Sale, error) {
	var (
		s     Sale
		total string
		items []byte
	)
	if err := row.Scan(&s.ID, &total, &s.CreatedAt, &items); err != nil {
		return Sale{}, err
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return Sale{}, fmt.Errorf("invalid total %q: %w", total, err)
	}
	s.Total = d
	if err := json.Unmarshal(items, &s.LineItems); err != nil {
		return Sale{}, fmt.Errorf("invalid line items for sale %s: %w", s.ID, err)
	}
	return s, nil
}

func (p *PostgresStorage) GetSale(ctx context.Context, id string) (*Sale, error) {
	row := p.pool.QueryRow(ctx, saleSelect+` WHERE s.id::text = $1 GROUP BY s.id`, id)
	s, err := scanSale(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &s, nil
}

// ListSales streams the ledger newest first while the consumer keeps pulling.
// created_at is taken at insert time, so two disjoint sales may list in a
// different order than they committed.
func (p *PostgresStorage) ListSales(ctx context.Context) iter.Seq2[Sale, error] {
	return func(yield func(Sale, error) bool) {
		rows, err := p.pool.Query(ctx, saleSelect+` GROUP BY s.id ORDER BY s.created_at DESC, s.id`)
		if err != nil {
			yield(Sale{}, classifyPgError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSale(rows)
			if err != nil {
				yield(Sale{}, classifyPgError(err))
				return
			}
			if !yield(s, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Sale{}, classifyPgError(err))
		}
	}
}

// Begin opens a SERIALIZABLE transaction.
func (p *PostgresStorage) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx      pgx.Tx
	pending []*Sale
	stamped []time.Time
}

func (t *pgTx) GetProduct(ctx context.Context, productID int64) (Product, error) {
	prod, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, classifyPgError(err)
	}
	return prod, nil
}

// ConditionalDecrement relies on the row-level guard in the UPDATE so the
// check and the write are one statement.
func (t *pgTx) ConditionalDecrement(ctx context.Context, productID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidRequest
	}
	// No row can hold more than MaxQuantity, and larger values do not fit the column type.
	if amount <= MaxQuantity {
		tag, err := t.tx.Exec(ctx,
			`UPDATE products SET quantity = quantity - $2, updated_at = NOW() WHERE id = $1 AND quantity >= $2`,
			productID, amount)
		if err != nil {
			return classifyPgError(err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return classifyPgError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInsufficientStock
}

func (t *pgTx) AppendSale(ctx context.Context, sale *Sale) error {
	if sale == nil || sale.ID == "" {
		return ErrInvalidRequest
	}
	var createdAt time.Time
	err := t.tx.QueryRow(ctx,
		`INSERT INTO sales (id, total, created_at) VALUES ($1::uuid, $2::numeric, clock_timestamp()) RETURNING created_at`,
		sale.ID, sale.Total.String()).Scan(&createdAt)
	if err != nil {
		return classifyPgError(err)
	}

	batch := &pgx.Batch{}
	for i, li := range sale.LineItems {
		batch.Queue(
			`INSERT INTO sale_items (sale_id, position, product_id, name, quantity, unit_price, subtotal)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric, $7::numeric)`,
			sale.ID, i, li.ProductID, li.Name, li.Quantity, li.UnitPrice.String(), li.Subtotal.String())
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPgError(err)
	}

	t.pending = append(t.pending, sale)
	t.stamped = append(t.stamped, createdAt)
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return classifyPgError(err)
	}
	for i, s := range t.pending {
		s.CreatedAt = t.stamped[i]
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classifyPgError(err)
	}
	return nil
}
