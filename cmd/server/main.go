// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stk-payment-service/config"
	"stk-payment-service/internal/cache"
	"stk-payment-service/internal/events"
	"stk-payment-service/internal/handler"
	"stk-payment-service/internal/provider/mpesa"
	"stk-payment-service/internal/repository"
	"stk-payment-service/internal/repository/sqlite"
	"stk-payment-service/internal/router"
	"stk-payment-service/internal/usecase"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type stores struct {
	orders       repository.OrderRepository
	transactions repository.TransactionRepository
	issues       repository.ReconciliationRepository
	close        func()
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	logger, err := newLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting stk payment service")

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer st.close()

	var credOpts []mpesa.CredentialOption
	if cfg.Redis.Enabled {
		tokenCache, err := cache.Connect(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			// Tokens are still cached per process.
			logger.Warn("redis unavailable, gateway token cache is process-local", zap.Error(err))
		} else {
			defer tokenCache.Close()
			credOpts = append(credOpts, mpesa.WithTokenCache(tokenCache))
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		logger.Info("publishing payment events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	defer publisher.Close()

	gatewayURL := cfg.Mpesa.GatewayURL()
	credentials := mpesa.NewCredentialProvider(gatewayURL, cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret,
		cfg.Mpesa.TokenRefreshMargin, logger, credOpts...)
	mpesaProvider := mpesa.NewMpesaProvider(gatewayURL, credentials, cfg.Mpesa.RequestTimeout, logger)

	builder, err := mpesa.NewRequestBuilder(cfg.Mpesa.ShortCode, cfg.Mpesa.Passkey, cfg.Mpesa.CountryCode,
		cfg.STKCallbackURL(), cfg.Mpesa.Timezone)
	if err != nil {
		logger.Fatal("failed to build push request builder", zap.Error(err))
	}

	paymentUC := usecase.NewPaymentUsecase(st.orders, st.transactions, st.issues, mpesaProvider, builder,
		cfg.Mpesa.CountryCode, logger)
	callbackUC := usecase.NewCallbackUsecase(st.transactions, st.issues, publisher, usecase.DefaultRetryPolicy, logger)
	statusUC := usecase.NewStatusUsecase(st.orders, st.transactions)
	orderUC := usecase.NewOrderUsecase(st.orders, st.transactions, st.issues, logger)

	if cfg.Reconciler.Enabled {
		reconciler := usecase.NewReconciler(st.transactions, st.issues, cfg.Reconciler.Interval,
			cfg.Reconciler.BatchSize, usecase.DefaultRetryPolicy, logger)
		go reconciler.Run(ctx)
	}

	r := router.SetupRoutes(
		handler.NewPaymentHandler(paymentUC, statusUC, logger),
		handler.NewCallbackHandler(callbackUC, logger),
		handler.NewOrderHandler(orderUC, logger),
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("callback_url", cfg.STKCallbackURL()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	callbackUC.Wait()

	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*stores, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.InitDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return &stores{
			orders:       sqlite.NewOrderRepository(db),
			transactions: sqlite.NewTransactionRepository(db),
			issues:       sqlite.NewReconciliationRepository(db),
			close:        func() { db.Close() },
		}, nil
	default:
		pool, err := repository.ConnectDB(ctx, cfg.DSN(), cfg.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		logger.Info("connected to database", zap.String("database", cfg.DBName))
		return &stores{
			orders:       repository.NewOrderRepository(pool),
			transactions: repository.NewTransactionRepository(pool),
			issues:       repository.NewReconciliationRepository(pool),
			close:        pool.Close,
		}, nil
	}
}
