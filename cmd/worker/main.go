package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/config"
	"commandcenter/internal/mqhandler"
	"commandcenter/internal/repository"
	"commandcenter/internal/service/sweeper"
	"commandcenter/pkg/db"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/mq"
	"commandcenter/pkg/outbox"
	"commandcenter/pkg/redis"
	"commandcenter/pkg/util"
)

const activityQueue = "inbox.activity.q"

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting command center worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redis.Ping(ctx, rdb); err != nil {
		log.Fatal("Redis unavailable", zap.Error(err))
	}

	deduper := util.NewDeduper(rdb, time.Hour, log)
	retryCounter := util.NewRetryCounter(rdb, time.Hour)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	if _, err := repository.Migrate(ctx, dbConn, log); err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
	log.Info("DB ready")

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Outbox Dispatcher
	dispatcher := outbox.NewDispatcher(outbox.NewRepository(dbConn), publisher, log)
	go dispatcher.Start(ctx)

	// archiving 超时回滚
	sw := sweeper.New(repository.NewInboxRepository(dbConn), cfg.Pipeline.ArchivingTimeout, cfg.Pipeline.SweepInterval, log)
	go sw.Start(ctx)

	// -------------------------
	// Activity Log Consumer
	// -------------------------
	activityHandler := mqhandler.NewActivityHandler(
		repository.NewActivityRepository(dbConn),
		deduper,
		retryCounter,
		publisher,
		log,
	)

	log.Info("Init consumer", zap.String("queue", activityQueue), zap.String("routing_key", contractsmq.RoutingKeyInboxAll))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, activityQueue, contractsmq.RoutingKeyInboxAll, log)
	if err != nil {
		log.Fatal("Activity consumer init failed", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(activityHandler.Handle)

	go func() {
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Fatal("Activity consumer crashed", zap.Error(err))
		}
	}()

	log.Info("Worker running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down command center worker gracefully...")
	cancel()

	log.Info("command center worker shutdown complete")
}
