package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voucher-system/internal/config"
	"voucher-system/internal/database"
	"voucher-system/internal/handlers"
	"voucher-system/internal/kafka"
	"voucher-system/internal/logger"
	"voucher-system/internal/models"
	"voucher-system/internal/redis"
	"voucher-system/internal/services"
	"voucher-system/internal/store"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

// application агрегирует собранные зависимости.
type application struct {
	cfg         *config.Config
	log         *logger.Logger
	db          *database.DB
	redis       *redis.Client
	producer    *kafka.Producer
	consumer    *kafka.Consumer
	vouchers    *services.VoucherService
	mux         *http.ServeMux
	server      *http.Server
	sweepCancel context.CancelFunc
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting voucher system server...")

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.sweepCancel()
	_ = app.consumer.Stop()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	_ = app.producer.Close()
	_ = app.redis.Close()
	_ = app.db.Close()
	app.log.Info("Server exited")
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	log := newLogger(&cfg.Logger)

	db, err := dbConnect(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	redisClient, err := redisConnect(&cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	producer, err := newKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	consumer, err := newKafkaConsumer(&cfg.Kafka, log)
	if err != nil {
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	voucherStore := store.NewVoucherStore(db, log)
	voucherService := services.NewVoucherService(voucherStore, redisClient, log, &cfg.Vouchers)
	rateLimiter := services.NewRateLimiter(redisClient, log, &cfg.RateLimit)

	voucherHandler := handlers.NewVoucherHandler(voucherService, producer, log)
	customerHandler := handlers.NewCustomerVoucherHandler(voucherService, log)
	internalHandler := handlers.NewInternalVoucherHandler(voucherService, producer, log)
	healthHandler := handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Brokers, kafkaHealthCheck)
	rateLimitHandler := handlers.NewRateLimitHandler(rateLimiter, log, &cfg.RateLimit)

	registerEventHandlers(consumer, log)
	if err := consumer.Start(); err != nil {
		_ = consumer.Stop()
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer start: %w", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	startExpirySweep(sweepCtx, voucherService, producer, log, cfg.Vouchers.SweepIntervalMinutes)

	mux := setupRoutes(voucherHandler, customerHandler, internalHandler, healthHandler, rateLimitHandler, rateLimiter, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &application{
		cfg:         cfg,
		log:         log,
		db:          db,
		redis:       redisClient,
		producer:    producer,
		consumer:    consumer,
		vouchers:    voucherService,
		mux:         mux,
		server:      server,
		sweepCancel: sweepCancel,
	}, nil
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(voucherHandler *handlers.VoucherHandler, customerHandler *handlers.CustomerVoucherHandler, internalHandler *handlers.InternalVoucherHandler, healthHandler *handlers.HealthHandler, rateLimitHandler *handlers.RateLimitHandler, rateLimiter *services.RateLimiter, log *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	applyAPI := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(handlers.RateLimitMiddleware(rateLimiter, log, h))
	}

	// Health check endpoints
	mux.HandleFunc("/health", corsMiddleware(healthHandler.Health))
	mux.HandleFunc("/health/readiness", corsMiddleware(healthHandler.Readiness))
	mux.HandleFunc("/health/liveness", corsMiddleware(healthHandler.Liveness))

	// Shop owner endpoints
	mux.HandleFunc("/api/shops/", applyAPI(voucherHandler.HandleShopVouchers))

	// Customer endpoints
	mux.HandleFunc("/api/vouchers/available", applyAPI(customerHandler.AvailableVouchers))
	mux.HandleFunc("/api/vouchers/validate", applyAPI(customerHandler.ValidateVoucher))
	mux.HandleFunc("/api/vouchers/usage-history", applyAPI(customerHandler.UsageHistory))

	// Internal endpoints: вызываются другими сервисами, без rate limit
	mux.HandleFunc("/api/vouchers/apply", corsMiddleware(internalHandler.ApplyVoucher))
	mux.HandleFunc("/api/internal/vouchers/expire", corsMiddleware(internalHandler.ExpireVouchers))

	// Rate limit status
	mux.HandleFunc("/api/rate-limit/status", applyAPI(rateLimitHandler.Status))

	return mux
}

// startExpirySweep запускает фоновую деактивацию просроченных ваучеров.
// intervalMinutes <= 0 выключает очистку; эндпоинт expire при этом остается.
func startExpirySweep(ctx context.Context, voucherService *services.VoucherService, producer *kafka.Producer, log *logger.Logger, intervalMinutes int) {
	if intervalMinutes <= 0 {
		log.Info("Voucher expiry sweep disabled")
		return
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				asOf := time.Now()
				result, err := voucherService.ExpireVouchers(ctx, asOf)
				if err != nil {
					log.WithError(err).Error("Voucher expiry sweep failed")
					continue
				}
				if result.UpdatedCount > 0 {
					if err := producer.PublishVouchersExpired(result.UpdatedCount, asOf); err != nil {
						log.WithError(err).Error("Failed to publish vouchers expired event")
					}
				}
			}
		}
	}()
}

// registerEventHandlers регистрирует обработчики событий Kafka
func registerEventHandlers(consumer *kafka.Consumer, log *logger.Logger) {
	consumer.RegisterHandler(models.EventTypeVoucherCreated, func(ctx context.Context, event *models.Event) error {
		log.WithField("event_id", event.ID).Info("Processing voucher created event")
		return nil
	})

	consumer.RegisterHandler(models.EventTypeVoucherRedeemed, func(ctx context.Context, event *models.Event) error {
		log.WithField("event_id", event.ID).Info("Processing voucher redeemed event")
		return nil
	})
}

// corsMiddleware добавляет CORS заголовки
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
