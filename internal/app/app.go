package app

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iretipos/server/internal/module/payment"
	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/shared/cache"
	"github.com/iretipos/server/internal/shared/config"
	"github.com/iretipos/server/internal/shared/database"
	"github.com/iretipos/server/internal/shared/logger"
	"github.com/iretipos/server/internal/shared/metrics"
	"github.com/iretipos/server/internal/shared/middleware"
)

// App wires configuration, storage, the processor client and the HTTP
// surface together.
type App struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	router  *gin.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	paymentHandler *payment.Handler
	webhookHandler *payment.WebhookHandler
	paymentService *payment.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config: cfg,
		logger: log,
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if err := db.AutoMigrate(
		&payment.PaymentTransaction{},
		&payment.PaymentRefund{},
		&payment.WebhookReceipt{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		// The outcome cache is an optimization; the service runs
		// without Redis.
		log.Warn("redis unavailable, webhook outcome cache disabled", zap.Error(err))
		redisClient = nil
	}
	app.redis = redisClient

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(registry)

	if err := app.initPaymentModule(); err != nil {
		return nil, err
	}
	app.initRouter(registry)

	return app, nil
}

func (a *App) initPaymentModule() error {
	client, err := gateway.NewClient(&gateway.Config{
		SecretKey:  a.config.Processor.SecretKey,
		BaseURL:    a.config.Processor.BaseURL,
		APIVersion: a.config.Processor.APIVersion,
		Timeout:    a.config.Processor.Timeout,
	}, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("init processor client: %w", err)
	}
	a.logger.Info("processor client configured",
		zap.String("secret_key", logger.MaskSecret(a.config.Processor.SecretKey)))

	var verifier *gateway.SignatureVerifier
	if a.config.Processor.InsecureWebhooks {
		a.logger.Warn("webhook signature verification is DISABLED")
		verifier = gateway.NewInsecureVerifier()
	} else {
		verifier = gateway.NewSignatureVerifier(a.config.Processor.WebhookSecret)
	}

	repo := payment.NewRepository(a.db)
	a.paymentService = payment.NewService(repo, client, a.metrics, a.logger)

	var outcomeCache payment.OutcomeCache
	if a.redis != nil {
		outcomeCache = cache.NewWebhookOutcomeCache(a.redis, a.logger)
	}
	dispatcher := payment.NewDispatcher(repo, outcomeCache, a.metrics, a.logger)

	a.paymentHandler = payment.NewHandler(a.paymentService)
	a.webhookHandler = payment.NewWebhookHandler(verifier, dispatcher, a.metrics, a.logger)
	return nil
}

func (a *App) initRouter(registry *prometheus.Registry) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.Metrics(a.metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Webhooks authenticate by signature, not by staff token.
	a.webhookHandler.RegisterRoutes(router.Group("/webhooks"))

	api := router.Group("/api/v1", middleware.Auth(a.config.Auth.JWTSecret))
	a.paymentHandler.RegisterRoutes(api)

	a.router = router
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop releases the application's resources.
func (a *App) Stop() {
	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Error("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Error("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
