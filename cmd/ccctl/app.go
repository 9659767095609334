package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"commandcenter/internal/backend"
	"commandcenter/internal/config"
	"commandcenter/internal/inbox"
	"commandcenter/internal/jmap"
	"commandcenter/internal/mailbox"
	"commandcenter/internal/model"
	"commandcenter/internal/repository"
	"commandcenter/internal/service/archive"
	inboxsvc "commandcenter/internal/service/inbox"
	"commandcenter/internal/service/spam"
	"commandcenter/internal/session"
	"commandcenter/pkg/db"
	"commandcenter/pkg/logger"
)

// Lister 拉取工作收件箱
type Lister interface {
	List(ctx context.Context) ([]model.InboxItem, error)
}

type listerFunc func(ctx context.Context) ([]model.InboxItem, error)

func (f listerFunc) List(ctx context.Context) ([]model.InboxItem, error) { return f(ctx) }

// app 一次命令运行所需的依赖
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	lister  Lister
	deps    session.Deps
	closeFn func()
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	os.Setenv("LOG_LEVEL", "debug")
	return logger.NewLogger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openDB(cfg *config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return pool, nil
}

// newApp 按 --local 选择进程内或远端实现
func newApp() (*app, error) {
	log := newLogger()
	if local {
		return newLocalApp(log)
	}
	return newRemoteApp(log)
}

func newRemoteApp(log *zap.Logger) (*app, error) {
	url, tok := backendURL, token
	var cfg *config.Config
	if url == "" {
		c, err := loadConfig()
		if err != nil {
			return nil, err
		}
		cfg = c
		url = c.Backend.URL
		if tok == "" {
			tok = c.Backend.Token
		}
	}
	if url == "" {
		return nil, fmt.Errorf("backend url is required (--backend-url or backend.url)")
	}

	client := backend.NewClient(url, tok, 60*time.Second, log)
	return &app{
		cfg: cfg,
		log: log,
		lister: listerFunc(func(ctx context.Context) ([]model.InboxItem, error) {
			return client.ListInbox(ctx)
		}),
		deps: session.Deps{
			Store:    client,
			Backend:  client,
			Pipeline: backend.Pipeline{Client: client},
			Logger:   log,
		},
		closeFn: func() {},
	}, nil
}

func newLocalApp(log *zap.Logger) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := openDB(cfg, log)
	if err != nil {
		return nil, err
	}

	inboxRepo := repository.NewInboxRepository(pool)
	provider := mailbox.NewProvider(jmap.NewClient(jmap.Config{
		SessionURL: cfg.Fastmail.SessionURL,
		Token:      cfg.Fastmail.APIToken,
		Timeout:    time.Duration(cfg.Fastmail.TimeoutSeconds) * time.Second,
	}, log), log)

	pipeline := archive.NewService(repository.NewCRMRepository(pool), inboxRepo, provider, cfg.Pipeline.OwnerEmail, log)
	items := inboxsvc.NewService(inboxRepo, provider, log)

	return &app{
		cfg: cfg,
		log: log,
		lister: listerFunc(func(ctx context.Context) ([]model.InboxItem, error) {
			return items.List(ctx, repository.ListFilter{})
		}),
		deps: session.Deps{
			Store: items,
			Backend: &session.LocalBackend{
				Pipeline:   pipeline,
				Spam:       spam.NewService(inboxRepo, repository.NewSpamRepository(pool), provider, log),
				Items:      items,
				Downloader: provider,
			},
			Pipeline: pipeline,
			Logger:   log,
		},
		closeFn: pool.Close,
	}, nil
}

func (a *app) Close() {
	_ = a.log.Sync()
	a.closeFn()
}

// session 加载收件箱并按 ref 选中线程；ref 为空时不选
func (a *app) session(ctx context.Context, ref string, d session.Deps) (*session.Session, error) {
	items, err := a.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inbox: %w", err)
	}
	d.View = inbox.NewView(items)
	s := session.New(d)
	if ref == "" {
		return s, nil
	}
	if err := selectThread(s.View(), ref); err != nil {
		return nil, err
	}
	return s, nil
}

// selectThread ref 是列表中的序号（从 1 开始）或线程键
func selectThread(v *inbox.View, ref string) error {
	if n, err := strconv.Atoi(ref); err == nil {
		threads := v.InboxThreads()
		if n < 1 || n > len(threads) {
			return fmt.Errorf("no thread #%d (inbox has %d)", n, len(threads))
		}
		v.SelectAt(n - 1)
		return nil
	}
	if !v.Select(ref) {
		return fmt.Errorf("thread %q not found", ref)
	}
	return nil
}
