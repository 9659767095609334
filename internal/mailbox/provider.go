package mailbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"commandcenter/internal/jmap"
	"commandcenter/pkg/circuitbreaker"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/metrics"
)

// API 是 Provider 依赖的 JMAP 能力，jmap.Client 实现它
type API interface {
	ArchiveEmail(ctx context.Context, emailID string) error
	AddKeyword(ctx context.Context, emailID, keyword string) error
	MarkAsRead(ctx context.Context, emailIDs []string) (jmap.UpdateResult, error)
	DownloadBlob(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error)
}

// Provider 在 JMAP 客户端外面加熔断和延迟指标
type Provider struct {
	api    API
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

func NewProvider(api API, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    5,                // 连续失败5次后打开
		SuccessThreshold:    2,                // 半开状态下成功2次后关闭
		Timeout:             30 * time.Second, // 打开状态持续30秒
		HalfOpenMaxRequests: 2,
		// 邮件不存在是业务结果，不代表服务商故障
		IsFailure: func(err error) bool { return !errors.Is(err, jmap.ErrNotFound) },
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("Mail provider circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Provider{
		api:    api,
		cb:     circuitbreaker.NewCircuitBreaker(cbConfig),
		logger: logger,
	}
}

func (p *Provider) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return p.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		status := "success"
		switch {
		case errors.Is(err, jmap.ErrNotFound):
			status = "not_found"
		case err != nil:
			status = "error"
		}
		metrics.RecordProviderCallLatency(op, status, time.Since(start))
		return err
	})
}

// Archive 归档邮件并打上 $crm_done；打标失败只记日志
func (p *Provider) Archive(ctx context.Context, fastmailID string) error {
	if err := p.call(ctx, "archive", func(ctx context.Context) error {
		return p.api.ArchiveEmail(ctx, fastmailID)
	}); err != nil {
		return err
	}

	if err := p.call(ctx, "add_keyword", func(ctx context.Context) error {
		return p.api.AddKeyword(ctx, fastmailID, jmap.KeywordCRMDone)
	}); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Failed to stamp archived email",
			zap.String("fastmail_id", fastmailID),
			zap.Error(err),
		)
	}
	return nil
}

// MarkAsRead 批量标记已读
func (p *Provider) MarkAsRead(ctx context.Context, fastmailIDs []string) (jmap.UpdateResult, error) {
	var res jmap.UpdateResult
	err := p.call(ctx, "mark_as_read", func(ctx context.Context) error {
		var err error
		res, err = p.api.MarkAsRead(ctx, fastmailIDs)
		return err
	})
	return res, err
}

// Download 下载附件，返回的 Body 由调用方关闭
func (p *Provider) Download(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error) {
	var blob *jmap.Blob
	err := p.call(ctx, "download", func(ctx context.Context) error {
		var err error
		blob, err = p.api.DownloadBlob(ctx, blobID, name, contentType)
		return err
	})
	return blob, err
}

// State 返回熔断器状态，供 readyz 使用
func (p *Provider) State() circuitbreaker.State {
	return p.cb.GetState()
}
