package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pos_sales/internal/idempotency"
	"pos_sales/internal/metrics"
	"pos_sales/internal/sales"
)

// RouterConfig carries the dependencies InitRoutes binds to handlers.
type RouterConfig struct {
	Service        *sales.Service
	Idempotency    idempotency.Store // nil disables Idempotency-Key handling
	IdempotencyTTL time.Duration
	Metrics        *metrics.Metrics // nil disables /metrics
	AllowOrigins   []string
	Logger         *zap.Logger
}

// InitRoutes registers the checkout, ledger and inventory endpoints on the given Gin engine.
func InitRoutes(e *gin.Engine, cfg RouterConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e.Use(requestLogger(logger), cors.New(corsConfig(cfg.AllowOrigins)))

	salesHandler := NewSalesHandler(cfg.Service, cfg.Idempotency, cfg.IdempotencyTTL, logger)
	if cfg.Metrics != nil {
		salesHandler.replays = cfg.Metrics
		e.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	e.POST("/sales", salesHandler.handleCreateSale)
	e.GET("/sales", salesHandler.handleListSales)
	e.GET("/sales/export", salesHandler.handleExportSales)
	e.GET("/sales/:id", salesHandler.handleGetSale)

	e.GET("/products", salesHandler.handleListProducts)
	e.POST("/products/:id/restock", salesHandler.handleRestock)

	e.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", IdempotencyKeyHeader},
		ExposeHeaders: []string{ReplayedHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
