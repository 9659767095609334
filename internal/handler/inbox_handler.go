package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/model"
	"commandcenter/internal/repository"
	"commandcenter/internal/service/spam"
	"commandcenter/pkg/logger"
)

type InboxOps interface {
	List(ctx context.Context, f repository.ListFilter) ([]model.InboxItem, error)
	SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error)
	UpdateChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error)
	DeleteItem(ctx context.Context, id string) error
}

type Blocker interface {
	Block(ctx context.Context, kind model.SpamKind, fromEmail string) (*spam.BlockResult, error)
}

// InboxHandler 工作收件箱的读写、删除与拉黑
type InboxHandler struct {
	inbox  InboxOps
	spam   Blocker
	logger *zap.Logger
}

func NewInboxHandler(inbox InboxOps, spam Blocker, logger *zap.Logger) *InboxHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxHandler{inbox: inbox, spam: spam, logger: logger}
}

// List handles GET /inbox?status=&type=&thread_id=&limit=
func (h *InboxHandler) List(c *gin.Context) {
	f := repository.ListFilter{
		Type:     model.ItemType(c.Query("type")),
		ThreadID: c.Query("thread_id"),
	}
	for _, raw := range c.QueryArray("status") {
		s, err := model.ParseStatus(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		f.Statuses = append(f.Statuses, s)
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	items, err := h.inbox.List(c.Request.Context(), f)
	if err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	if items == nil {
		items = []model.InboxItem{}
	}
	c.JSON(http.StatusOK, items)
}

// SetStatus handles POST /inbox/status
// 接受任意状态：客户端的 archiving 检查点与回滚也走这里
func (h *InboxHandler) SetStatus(c *gin.Context) {
	var req contractsapi.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	n, err := h.inbox.SetStatus(c.Request.Context(), req.IDs, req.Status)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to update status",
			zap.Strings("inbox_ids", req.IDs),
			zap.String("status", string(req.Status)),
			zap.Error(err),
		)
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, contractsapi.StatusResponse{Success: true, Updated: n})
}

// ChatStatus handles POST /inbox/chat-status
func (h *InboxHandler) ChatStatus(c *gin.Context) {
	var req contractsapi.ChatStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	n, err := h.inbox.UpdateChatStatus(c.Request.Context(), req.ChatID, req.Status)
	if err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, contractsapi.StatusResponse{Success: true, Updated: n})
}

// Delete handles DELETE /inbox/:id
func (h *InboxHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.inbox.DeleteItem(c.Request.Context(), id); err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to delete inbox item",
			zap.String("inbox_id", id),
			zap.Error(err),
		)
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, contractsapi.Response{Success: true})
}

// Block handles POST /spam/block
func (h *InboxHandler) Block(c *gin.Context) {
	var req contractsapi.BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	kind, err := model.ParseSpamKind(string(req.Kind))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.FromEmail == "" {
		fail(c, http.StatusBadRequest, "Missing fromEmail")
		return
	}

	res, err := h.spam.Block(c.Request.Context(), kind, req.FromEmail)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to block sender",
			zap.String("from_email", req.FromEmail),
			zap.Error(err),
		)
		fail(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, contractsapi.BlockResponse{
		Success:    true,
		Message:    res.Message,
		Counter:    res.Counter,
		DeletedIDs: res.DeletedIDs,
	})
}
