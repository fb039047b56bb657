package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/auth"
	"github.com/portfolio-management/portfolio-core/internal/broker"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/calculator"
	"github.com/portfolio-management/portfolio-core/internal/config"
	"github.com/portfolio-management/portfolio-core/internal/httpapi"
	"github.com/portfolio-management/portfolio-core/internal/leader"
	"github.com/portfolio-management/portfolio-core/internal/marketdata"
	"github.com/portfolio-management/portfolio-core/internal/marketstream"
	"github.com/portfolio-management/portfolio-core/internal/middleware"
	"github.com/portfolio-management/portfolio-core/internal/ratelimit"
	"github.com/portfolio-management/portfolio-core/internal/snapshot"
	"github.com/portfolio-management/portfolio-core/internal/store"
	"github.com/portfolio-management/portfolio-core/internal/supervisor"
	"github.com/portfolio-management/portfolio-core/internal/symbols"
	"github.com/portfolio-management/portfolio-core/internal/wsapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	instanceID := uuid.New().String()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisHost + ":" + cfg.RedisPort,
		DB:   cfg.RedisDB,
	})
	cacheStore := cache.NewStore(cache.New(redisClient))

	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsConn.Close()
	eventBus := bus.New(natsConn, logger)

	sqlStore, err := store.Open(cfg.PostgresURL)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer sqlStore.DB.Close()
	if err := sqlStore.Migrate("migrations"); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	brokerClient := broker.NewClient(cfg.BrokerAPIKey, cfg.BrokerSecretKey, cfg.BrokerBaseURL)

	calc := calculator.New(cacheStore, brokerClient, eventBus, sqlStore, sqlStore, logger, calculator.Config{
		MinUpdateInterval:   cfg.MinUpdateInterval,
		ForceRecomputeEvery: cfg.RecalculationInterval,
	})

	collector := symbols.New(cacheStore, brokerClient, eventBus, logger, cfg.SymbolCollectionInterval)

	var consumer *marketdata.Consumer
	stream := marketstream.New(cfg.MarketDataStreamURL, cfg.MarketDataAPIKey, cfg.MarketDataSecretKey, func(q marketstream.Quote) {
		consumer.OnQuote(context.Background(), q)
	}, logger)
	consumer = marketdata.New(cacheStore, eventBus, stream, logger, cfg.PriceTTL, time.Minute)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	limiter := ratelimit.New(sqlStore.DB, cfg.RefreshRateLimitWindow)

	jobs := snapshot.NewJobs(sqlStore, cacheStore, logger)
	scheduler := snapshot.New(logger, jobs)
	reconstructor := snapshot.NewReconstructionWorker(sqlStore, logger)

	hub := wsapi.NewHub(cacheStore, verifier, sqlStore, eventBus, logger)

	sup := supervisor.New(cacheStore, logger, instanceID, leader.Config{
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryInterval:     cfg.RetryInterval,
		MonitorInterval:   cfg.MonitorInterval,
	}, supervisor.Subsystems{
		Collector:   collector,
		Consumer:    consumer,
		Stream:      stream,
		Calculator:  calc,
		Broadcaster: hub,
		Scheduler:   scheduler,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	apiHandler := httpapi.NewHandler(verifier, sqlStore, sqlStore, cacheStore, calc, limiter, hub, reconstructor, logger)
	router := setupRouter(apiHandler, hub, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func setupRouter(handler *httpapi.Handler, hub *wsapi.Hub, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handler.HealthCheck)

	api := router.Group("/api/portfolio")
	{
		api.GET("/value", handler.GetPortfolioValue)
		api.GET("/history", handler.GetPortfolioHistory)
		api.POST("/refresh", handler.RefreshPortfolio)
		api.POST("/reconstruct", handler.ReconstructPortfolioHistory)
	}

	router.GET("/ws/portfolio/:account_id", func(c *gin.Context) {
		hub.ServeHTTP(c.Writer, c.Request, c.Param("account_id"))
	})

	return router
}
