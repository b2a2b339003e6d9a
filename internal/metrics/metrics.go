package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pos_sales/internal/sales"
)

// Metrics holds the Prometheus collectors for the sale engine.
type Metrics struct {
	registry *prometheus.Registry

	SalesCommitted   prometheus.Counter
	SaleRejections   *prometheus.CounterVec
	CommitRetries    prometheus.Counter
	UnitsSold        prometheus.Counter
	Revenue          prometheus.Counter
	SaleDuration     *prometheus.HistogramVec
	SaleAttempts     prometheus.Histogram
	UnitsRestocked   *prometheus.CounterVec
	IdempotentReplay prometheus.Counter
}

// New registers every collector on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		SalesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_sales_committed_total",
			Help: "Sales committed to the ledger.",
		}),
		SaleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_sale_rejections_total",
			Help: "Sales that did not commit, by error kind.",
		}, []string{"kind"}),
		CommitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_sale_commit_retries_total",
			Help: "Units of work retried after a conflicting commit.",
		}),
		UnitsSold: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_units_sold_total",
			Help: "Product units sold across committed sales.",
		}),
		Revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_revenue_total",
			Help: "Sum of committed sale totals.",
		}),
		SaleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pos_sale_duration_seconds",
			Help:    "ProcessSale latency by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		SaleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pos_sale_attempts",
			Help:    "Units of work needed per committed sale.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		UnitsRestocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_units_restocked_total",
			Help: "Units added by restock, by product.",
		}, []string{"product_id"}),
		IdempotentReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_idempotent_replays_total",
			Help: "Checkout responses replayed for a repeated Idempotency-Key.",
		}),
	}

	reg.MustRegister(
		m.SalesCommitted,
		m.SaleRejections,
		m.CommitRetries,
		m.UnitsSold,
		m.Revenue,
		m.SaleDuration,
		m.SaleAttempts,
		m.UnitsRestocked,
		m.IdempotentReplay,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SaleCommitted(sale *sales.Sale, attempts int, elapsed time.Duration) {
	m.SalesCommitted.Inc()
	m.UnitsSold.Add(float64(sale.Units()))
	m.Revenue.Add(sale.Total.InexactFloat64())
	m.SaleAttempts.Observe(float64(attempts))
	m.SaleDuration.WithLabelValues("committed").Observe(elapsed.Seconds())
}

func (m *Metrics) SaleRejected(kind string, elapsed time.Duration) {
	m.SaleRejections.WithLabelValues(kind).Inc()
	m.SaleDuration.WithLabelValues("rejected").Observe(elapsed.Seconds())
}

func (m *Metrics) CommitRetried() {
	m.CommitRetries.Inc()
}

func (m *Metrics) Restocked(productID int64, amount int) {
	m.UnitsRestocked.WithLabelValues(strconv.FormatInt(productID, 10)).Add(float64(amount))
}

func (m *Metrics) Replayed() {
	m.IdempotentReplay.Inc()
}
