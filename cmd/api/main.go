package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"commandcenter/internal/config"
	"commandcenter/internal/handler"
	"commandcenter/internal/httpserver"
	"commandcenter/internal/jmap"
	"commandcenter/internal/mailbox"
	"commandcenter/internal/repository"
	"commandcenter/internal/service/archive"
	authsvc "commandcenter/internal/service/auth"
	inboxsvc "commandcenter/internal/service/inbox"
	"commandcenter/internal/service/spam"
	"commandcenter/pkg/db"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/mq"
	"commandcenter/pkg/outbox"
	"commandcenter/pkg/redis"
	"commandcenter/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting command center API...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("port", cfg.Server.Port),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	if n, err := repository.Migrate(context.Background(), dbConn, log); err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Applied migrations", zap.Int("count", n))
	}

	// Redis：同一线程的保存归档互斥
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redis.Ping(context.Background(), rdb); err != nil {
		log.Fatal("Redis unavailable", zap.Error(err))
	}
	locker := util.NewDeduper(rdb, cfg.Pipeline.LockTTL, log)

	// MQ publisher 只给管理端重放 outbox 用，连不上不影响主流程
	var admin *handler.AdminHandler
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Warn("MQ unavailable, outbox replay disabled", zap.Error(err))
	} else {
		defer publisher.Close()
		replay := outbox.NewReplayService(outbox.NewRepository(dbConn), publisher, log)
		admin = handler.NewAdminHandler(replay, log)
	}

	// Repositories
	inboxRepo := repository.NewInboxRepository(dbConn)
	crmRepo := repository.NewCRMRepository(dbConn)
	spamRepo := repository.NewSpamRepository(dbConn)

	// Provider
	jmapClient := jmap.NewClient(jmap.Config{
		SessionURL: cfg.Fastmail.SessionURL,
		Token:      cfg.Fastmail.APIToken,
		Timeout:    time.Duration(cfg.Fastmail.TimeoutSeconds) * time.Second,
	}, log)
	provider := mailbox.NewProvider(jmapClient, log)

	// Services
	pipeline := archive.NewService(crmRepo, inboxRepo, provider, cfg.Pipeline.OwnerEmail, log)
	items := inboxsvc.NewService(inboxRepo, provider, log)
	blocker := spam.NewService(inboxRepo, spamRepo, provider, log)
	auth := authsvc.NewService(cfg.Auth.Email, cfg.Auth.PasswordHash, cfg.JWT.Secret, cfg.JWTTTL())

	router := httpserver.NewRouter(httpserver.Handlers{
		Auth:  handler.NewAuthHandler(auth, log),
		Email: handler.NewEmailHandler(pipeline, locker, items, provider, log),
		Inbox: handler.NewInboxHandler(items, blocker, log),
		Admin: admin,
	}, cfg.JWT.Secret, cfg.Auth.Email, dbConn, log)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down command center API gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("command center API shutdown complete")
}
