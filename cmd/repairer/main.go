package main

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/esb-service/internal/config"
	"github.com/richardliu001/esb-service/internal/logger"
	"github.com/richardliu001/esb-service/internal/repo"
	"github.com/richardliu001/esb-service/internal/router"
	"github.com/richardliu001/esb-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Balancer: &kafka.LeastBytes{},
	}

	msgRepo := repo.NewMessageRepository(gdb, rdb, log)
	callRepo := repo.NewExternalCallRepository(gdb, log)
	rt := router.NewKafkaRouter(kw, log)
	msgSvc := service.NewMessageService(msgRepo, rt, cfg.Kafka.FatalTopic,
		cfg.Asynch.ResetFailedCountOnProcessing, log)

	repairInterval := time.Duration(cfg.Asynch.RepairIntervalSeconds) * time.Second
	confirmInterval := time.Duration(cfg.Asynch.ConfirmationIntervalSeconds) * time.Second

	repairer := service.NewRepairer(msgRepo, msgSvc, repairInterval,
		cfg.Asynch.FailedCountCeiling, log)
	confirmer := router.NewRouteConfirmer(rt, cfg.Kafka.ConfirmTopic)
	confirmations := service.NewConfirmationService(callRepo, msgRepo, confirmer,
		confirmInterval, log)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", repairInterval), func() {
		if err := repairer.Run(context.Background()); err != nil {
			log.Errorf("repair sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule repair job: %v", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", confirmInterval), func() {
		if err := confirmations.RunSweep(context.Background()); err != nil {
			log.Errorf("confirmation sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule confirmation sweep: %v", err)
	}

	log.Infof("esb-repairer started (repair %s, confirmation %s)", repairInterval, confirmInterval)
	c.Run()
}
