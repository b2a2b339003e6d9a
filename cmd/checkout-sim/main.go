// Command checkout-sim drives a running POS sales service with concurrent
// cashiers and checks that stock and ledger agree afterwards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos_sales/internal/sales"
	"pos_sales/pkg/posclient"
)

type tally struct {
	mu      sync.Mutex
	ok      int
	units   int
	byKind  map[sales.ErrorKind]int
	resends int
}

func (t *tally) committed(s *sales.Sale) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ok++
	t.units += s.Units()
}

func (t *tally) rejected(kind sales.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKind[kind]++
}

func (t *tally) resent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resends++
}

func main() {
	baseURL := flag.String("url", "http://localhost:8081", "service base URL")
	cashiers := flag.Int("cashiers", 8, "concurrent cashiers")
	perCashier := flag.Int("sales", 25, "sales attempted by each cashier")
	maxLines := flag.Int("max-lines", 3, "maximum lines per cart")
	maxQty := flag.Int("max-qty", 3, "maximum quantity per line")
	resends := flag.Int("resends", 2, "times a cashier resends a sale that failed transiently")
	flag.Parse()

	if err := validateFlags(*cashiers, *perCashier, *maxLines, *maxQty, *resends); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger, *baseURL, *cashiers, *perCashier, *maxLines, *maxQty, *resends); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
}

func validateFlags(cashiers, perCashier, maxLines, maxQty, resends int) error {
	switch {
	case cashiers < 1:
		return fmt.Errorf("-cashiers must be at least 1, got %d", cashiers)
	case perCashier < 1:
		return fmt.Errorf("-sales must be at least 1, got %d", perCashier)
	case maxLines < 1:
		return fmt.Errorf("-max-lines must be at least 1, got %d", maxLines)
	case maxQty < 1:
		return fmt.Errorf("-max-qty must be at least 1, got %d", maxQty)
	case resends < 0:
		return fmt.Errorf("-resends must not be negative, got %d", resends)
	}
	return nil
}

func run(ctx context.Context, logger *zap.Logger, baseURL string, cashiers, perCashier, maxLines, maxQty, resends int) error {
	client := posclient.New(baseURL)
	defer client.Close()

	before, err := client.ListProducts(ctx, sales.ProductFilter{})
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	if len(before) == 0 {
		return errors.New("no products to sell; seed the service first")
	}
	_, metaBefore, err := client.ListSales(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list sales: %w", err)
	}

	t := &tally{byKind: map[sales.ErrorKind]int{}}
	start := time.Now()

	var wg sync.WaitGroup
	for c := range cashiers {
		wg.Add(1)
		go func(cashier int) {
			defer wg.Done()
			for range perCashier {
				cart := randomCart(before, maxLines, maxQty)
				key := fmt.Sprintf("sim-%d-%s", cashier, uuid.NewString())
				checkout(ctx, logger, client, t, cart, key, resends)
			}
		}(c)
	}
	wg.Wait()

	after, err := client.ListProducts(ctx, sales.ProductFilter{})
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	_, metaAfter, err := client.ListSales(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list sales: %w", err)
	}

	stockDelta := 0
	for _, p := range before {
		stockDelta += p.Quantity
	}
	for _, p := range after {
		stockDelta -= p.Quantity
		if p.Quantity < 0 {
			return fmt.Errorf("product %d has negative stock %d", p.ID, p.Quantity)
		}
	}
	ledgerUnits := metaAfter.Units - metaBefore.Units

	logger.Info("simulation finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("committed", t.ok),
		zap.Int("units_sold", t.units),
		zap.Int("resends", t.resends),
		zap.Any("rejections", t.byKind),
		zap.Int("ledger_units", ledgerUnits),
		zap.Int("stock_delta", stockDelta),
		zap.String("revenue", metaAfter.TotalAmount.Sub(metaBefore.TotalAmount).StringFixed(2)),
	)

	// Restocks made by others during the run would break this check.
	if ledgerUnits != stockDelta {
		return fmt.Errorf("ledger recorded %d units but stock fell by %d", ledgerUnits, stockDelta)
	}
	return nil
}

func checkout(ctx context.Context, logger *zap.Logger, client *posclient.Client, t *tally, cart []sales.CartLine, key string, resends int) {
	for attempt := 0; ; attempt++ {
		sale, err := client.ProcessSale(ctx, cart, key)
		if err == nil {
			t.committed(sale)
			return
		}
		kind := sales.KindOf(err)
		retryable := kind == sales.KindConflict || kind == sales.KindStoreUnavailable || kind == sales.KindCanceled
		if !retryable || attempt >= resends {
			t.rejected(kind)
			logger.Debug("sale rejected", zap.String("idempotency_key", key), zap.Error(err))
			return
		}
		t.resent()
		time.Sleep(time.Duration(rand.IntN(20)+5) * time.Millisecond)
	}
}

func randomCart(products []sales.Product, maxLines, maxQty int) []sales.CartLine {
	n := rand.IntN(maxLines) + 1
	lines := make([]sales.CartLine, n)
	for i := range lines {
		p := products[rand.IntN(len(products))]
		lines[i] = sales.CartLine{ProductID: p.ID, Quantity: rand.IntN(maxQty) + 1}
	}
	return lines
}
