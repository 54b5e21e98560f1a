// README: Entry point; loads config, wires services, starts HTTP server and background schedulers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agrimarket/internal/config"
	httptransport "agrimarket/internal/http"
	"agrimarket/internal/events"
	"agrimarket/internal/infra"
	"agrimarket/internal/maps"
	"agrimarket/internal/modules/contract"
	"agrimarket/internal/modules/dispatch"
	"agrimarket/internal/modules/order"
	"agrimarket/internal/modules/pricing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal("auth init", zap.Error(err))
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("database init", zap.Error(err))
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer func() { _ = redisClient.Close() }()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Fatal("kafka init", zap.Error(err))
		}
		publisher = kp
	}
	defer func() { _ = publisher.Close() }()

	var eta dispatch.ETAEstimator
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			logger.Fatal("maps init", zap.Error(err))
		}
		eta = routes
	}

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool), publisher, logger.Named("pricing"))
	contractSvc := contract.NewService(contract.NewStore(dbPool), pricingSvc, publisher, logger.Named("contract"))
	orderSvc := order.NewService(order.NewStore(dbPool), pricingSvc, publisher, logger.Named("order"))
	dispatchSvc := dispatch.NewService(
		dispatch.NewStore(dbPool),
		dispatch.NewRedisClaims(redisClient),
		orderSvc,
		eta,
		cfg.Dispatch,
		publisher,
		logger.Named("dispatch"),
	)
	orderSvc.SetDispatcher(dispatchSvc)

	gin.SetMode(gin.ReleaseMode)
	api := httptransport.NewServer(httptransport.ServerDeps{
		Contracts:     contractSvc,
		Orders:        orderSvc,
		Dispatch:      dispatchSvc,
		Subscriptions: pricingSvc,
		Verification:  pricingSvc,
		Verifier:      verifier,
		Logger:        logger.Named("http"),
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go dispatchSvc.RunScheduler(ctx)
	go contractSvc.RunExpireTicker(ctx, cfg.ContractExpireTick)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("agrimarket api listening", zap.String("addr", cfg.HTTP.Addr), zap.String("auth_mode", cfg.Auth.Mode))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		return infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	case "firebase":
		if cfg.Auth.ProjectID == "" {
			return nil, errors.New("AGRI_FIREBASE_PROJECT_ID is required")
		}
		return infra.NewFirebaseVerifier(ctx, cfg.Auth.ProjectID, cfg.Auth.CredentialsFile)
	default:
		return nil, errors.New("AGRI_AUTH_MODE must be firebase or jwt")
	}
}
