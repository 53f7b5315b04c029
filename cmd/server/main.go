package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/richardliu001/esb-service/internal/config"
	"github.com/richardliu001/esb-service/internal/logger"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"github.com/richardliu001/esb-service/internal/router"
	"github.com/richardliu001/esb-service/internal/service"
	httptransport "github.com/richardliu001/esb-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Message{}, &model.ExternalCall{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer (topic chosen per destination)
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repos & services
	msgRepo := repo.NewMessageRepository(gdb, rdb, log)
	rt := router.NewKafkaRouter(kw, log)
	msgSvc := service.NewMessageService(msgRepo, rt, cfg.Kafka.FatalTopic,
		cfg.Asynch.ResetFailedCountOnProcessing, log)
	funnel := service.NewFunnelScheduler(msgRepo, cfg.Asynch.FunnelExcludeFailed, log)
	intake := service.NewIntakeService(msgRepo, msgSvc, funnel, log)

	// 7. gin router
	handler := httptransport.NewRouter(httptransport.Handlers{
		Intake:   intake,
		Messages: msgRepo,
	}, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("esb-server listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
