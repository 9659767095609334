package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/jmap"
	"commandcenter/internal/service/archive"
	inboxsvc "commandcenter/internal/service/inbox"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/util"
)

const saveLockScope = "save_and_archive"

type Pipeline interface {
	SaveAndArchive(ctx context.Context, req archive.Request) (*archive.Result, error)
}

// Locker 防止同一线程被重复提交
type Locker interface {
	Lock(ctx context.Context, scope, key string) (func(), error)
}

type ProviderOps interface {
	ArchiveByProviderID(ctx context.Context, fastmailID string) error
	MarkAsRead(ctx context.Context, fastmailIDs, inboxIDs []string) (*inboxsvc.MarkReadResult, error)
}

type Downloader interface {
	Download(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error)
}

// EmailHandler 保存归档与服务商代理接口
type EmailHandler struct {
	pipeline   Pipeline
	locker     Locker
	ops        ProviderOps
	downloader Downloader
	logger     *zap.Logger
}

func NewEmailHandler(pipeline Pipeline, locker Locker, ops ProviderOps, downloader Downloader, logger *zap.Logger) *EmailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailHandler{
		pipeline:   pipeline,
		locker:     locker,
		ops:        ops,
		downloader: downloader,
		logger:     logger,
	}
}

// SaveAndArchive handles POST /email/save-and-archive
func (h *EmailHandler) SaveAndArchive(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	var req contractsapi.SaveAndArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.ThreadData) == 0 {
		fail(c, http.StatusBadRequest, "Missing threadData")
		return
	}

	key := req.ThreadData[0].ThreadKey()
	if h.locker != nil {
		unlock, err := h.locker.Lock(ctx, saveLockScope, key)
		if errors.Is(err, util.ErrLocked) {
			log.Info("Rejected concurrent save and archive", zap.String("thread_key", key))
			fail(c, http.StatusConflict, "Save & Archive already in progress for this thread")
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		defer unlock()
	}

	res, err := h.pipeline.SaveAndArchive(ctx, archive.Request{
		Thread:     req.ThreadData,
		Contacts:   req.ContactsData,
		KeepStatus: req.KeepStatus,
	})
	if err != nil {
		log.Error("Save and archive failed", zap.String("thread_key", key), zap.Error(err))
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

// Archive handles POST /archive
func (h *EmailHandler) Archive(c *gin.Context) {
	var req contractsapi.ArchiveRequest
	_ = c.ShouldBindJSON(&req)
	if req.FastmailID == "" {
		fail(c, http.StatusBadRequest, "Missing fastmailId")
		return
	}

	if err := h.ops.ArchiveByProviderID(c.Request.Context(), req.FastmailID); err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Archive failed",
			zap.String("fastmail_id", req.FastmailID),
			zap.Error(err),
		)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, contractsapi.Response{Success: true})
}

// MarkAsRead handles POST /mark-as-read
func (h *EmailHandler) MarkAsRead(c *gin.Context) {
	var req contractsapi.MarkAsReadRequest
	_ = c.ShouldBindJSON(&req)
	if len(req.FastmailIDs) == 0 {
		fail(c, http.StatusBadRequest, "Missing fastmailIds array")
		return
	}

	res, err := h.ops.MarkAsRead(c.Request.Context(), req.FastmailIDs, req.InboxIDs)
	if err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"updated": res,
	})
}

// Attachment handles GET /attachment/:blobId?name=&type=
func (h *EmailHandler) Attachment(c *gin.Context) {
	blobID := c.Param("blobId")
	name := c.DefaultQuery("name", "attachment")
	contentType := c.DefaultQuery("type", "application/octet-stream")

	blob, err := h.downloader.Download(c.Request.Context(), blobID, name, contentType)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Attachment download failed",
			zap.String("blob_id", blobID),
			zap.Error(err),
		)
		fail(c, statusFor(err), err.Error())
		return
	}
	defer blob.Body.Close()

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Header("Content-Type", contentType)
	if blob.Size > 0 {
		c.Header("Content-Length", fmt.Sprint(blob.Size))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, blob.Body); err != nil {
		h.logger.Warn("Attachment stream interrupted", zap.String("blob_id", blobID), zap.Error(err))
	}
}
