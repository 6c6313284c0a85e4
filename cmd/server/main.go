package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/gateway"
	"marketpay/internal/handler"
	"marketpay/internal/infrastructure/cache"
	"marketpay/internal/infrastructure/database"
	"marketpay/internal/infrastructure/mq"
	"marketpay/internal/job"
	"marketpay/internal/realtime"
	"marketpay/internal/service"
	"marketpay/pkg/idgen"
	"marketpay/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	_, syncLogger, err := logger.Init(cfg.Server.Mode == "debug")
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer syncLogger()

	if err := idgen.Init(1); err != nil {
		zap.L().Fatal("init id generator", zap.Error(err))
	}

	db, err := database.InitMySQL(&cfg.MySQL, cfg.Server.Mode == "debug")
	if err != nil {
		zap.L().Fatal("init mysql", zap.Error(err))
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		zap.L().Fatal("init redis", zap.Error(err))
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var outboxSender *job.OutboxSender
	if cfg.Kafka.Enabled {
		producer, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			zap.L().Fatal("init kafka", zap.Error(err))
		}
		publisher := mq.NewPublisher(producer)
		defer publisher.Close()

		outboxSender = job.NewOutboxSender(db, publisher, cfg)
		go outboxSender.Start(ctx)
	}

	sessions := cache.NewSessionStore(redisClient, cfg.Business.QRSessionTTL)
	registry := gateway.NewRegistry(
		gateway.NewAlipay(cfg.Gateways.Alipay, nil),
		gateway.NewPayPal(cfg.Gateways.PayPal, nil, nil, cfg.Business.TokenRefreshMargin),
		gateway.NewNets(cfg.Gateways.Nets, nil, sessions),
	)

	ledgerService := service.NewLedgerService(db, cfg)
	rechargeService := service.NewRechargeService(ledgerService, registry, cfg)
	orderService := service.NewOrderService(db, ledgerService, cfg)
	refundService := service.NewRefundService(db, redisClient, ledgerService, registry, cfg)

	hub := realtime.NewHub(8)
	poller := job.NewChargePoller(rechargeService, hub, cfg.Business.PollInterval, cfg.Business.PollMaxAttempts)
	rechargeService.SetTracker(poller)
	rechargeService.SetNotifier(hub)

	staleJob := job.NewStaleRechargeJob(db, redisClient, rechargeService, cfg)
	staleJob.SetPoller(poller)
	go staleJob.Start(ctx)

	h := handler.NewHandler(ledgerService, rechargeService, orderService, refundService, hub)
	router := handler.SetupRouter(h, cfg.Server.Mode)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zap.L().Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("http server shutdown", zap.Error(err))
	}

	cancel()
	poller.Shutdown()

	zap.L().Info("server stopped")
}
