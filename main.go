package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pos_sales/api"
	"pos_sales/internal/config"
	"pos_sales/internal/idempotency"
	"pos_sales/internal/metrics"
	"pos_sales/internal/sales"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("error loading config: %v", err))
	}

	var logger *zap.Logger
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		gin.SetMode(gin.ReleaseMode)
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Errorf("error creating logger: %v", err))
	}
	defer logger.Sync()

	ctx := context.Background()

	var storage sales.Storage
	if cfg.DatabaseURL != "" {
		pg, err := sales.NewPostgresStorage(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("error connecting to postgres", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("error migrating schema", zap.Error(err))
		}
		storage = pg
		logger.Info("using postgres storage")
	} else {
		storage = sales.NewLocalStorage()
		logger.Info("using in-memory storage")
	}

	if cfg.SeedFile != "" {
		n, err := sales.LoadSeedFile(ctx, storage, cfg.SeedFile, logger)
		if err != nil {
			logger.Fatal("error loading seed file", zap.String("path", cfg.SeedFile), zap.Error(err))
		}
		logger.Info("seeded products", zap.Int("created", n))
	}

	var idem idempotency.Store
	if cfg.RedisURL != "" {
		rs, err := idempotency.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("error connecting to redis", zap.Error(err))
		}
		defer rs.Close()
		idem = rs
	} else {
		idem = idempotency.NewMemoryStore()
	}

	opts := []sales.Option{
		sales.WithMaxAttempts(cfg.SaleMaxAttempts),
		sales.WithSaleTimeout(cfg.SaleTimeout),
	}
	var m *metrics.Metrics
	if cfg.PrometheusEnabled {
		m = metrics.New()
		opts = append(opts, sales.WithRecorder(m))
	}
	salesService := sales.NewService(storage, logger, opts...)

	r := gin.New()
	r.Use(gin.Recovery())
	api.InitRoutes(r, api.RouterConfig{
		Service:        salesService,
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Metrics:        m,
		AllowOrigins:   cfg.CORSAllowOrigins,
		Logger:         logger,
	})

	logger.Info("starting server", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		panic(fmt.Errorf("error trying to start server: %v", err))
	}
}
