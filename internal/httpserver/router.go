package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"commandcenter/internal/handler"
	"commandcenter/pkg/rbac"
)

// Pinger 就绪检查依赖，*pgxpool.Pool 实现它
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Auth  *handler.AuthHandler
	Email *handler.EmailHandler
	Inbox *handler.InboxHandler
	Admin *handler.AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter owner 是本人邮箱，只有本人的 token 能调用管理接口
func NewRouter(h Handlers, jwtSecret, owner string, db Pinger, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware(), AccessLog(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/login", h.Auth.Login)

	// Protected
	policy := rbac.NewPolicy(owner)
	read := RequirePermission(policy, rbac.PermissionInboxRead)
	write := RequirePermission(policy, rbac.PermissionInboxWrite)
	run := RequirePermission(policy, rbac.PermissionPipelineRun)

	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/email/save-and-archive", run, h.Email.SaveAndArchive)
		auth.POST("/archive", run, h.Email.Archive)
		auth.POST("/mark-as-read", write, h.Email.MarkAsRead)
		auth.GET("/attachment/:blobId", read, h.Email.Attachment)

		auth.GET("/inbox", read, h.Inbox.List)
		auth.POST("/inbox/status", write, h.Inbox.SetStatus)
		auth.POST("/inbox/chat-status", write, h.Inbox.ChatStatus)
		auth.DELETE("/inbox/:id", write, h.Inbox.Delete)
		auth.POST("/spam/block", write, h.Inbox.Block)

		if h.Admin != nil {
			admin := auth.Group("/admin", RequirePermission(policy, rbac.PermissionOutboxReplay))
			admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
