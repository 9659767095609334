package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/pkg/trace"
)

// ErrConflict 同一线程的保存归档正在进行
var ErrConflict = errors.New("save and archive already in progress")

// StatusError 后端返回非 2xx
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client 访问 command center API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}
	return req, nil
}

// do 发送请求；非 2xx 返回 *StatusError，out 非 nil 时解码返回体
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(resp)
		c.logger.Warn("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var body contractsapi.Response
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

func (c *Client) SaveAndArchive(ctx context.Context, req contractsapi.SaveAndArchiveRequest) (*contractsapi.SaveAndArchiveResponse, error) {
	var out contractsapi.SaveAndArchiveResponse
	if err := c.do(ctx, http.MethodPost, "/email/save-and-archive", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BlockSender(ctx context.Context, kind model.SpamKind, fromEmail string) (*contractsapi.BlockResponse, error) {
	var out contractsapi.BlockResponse
	err := c.do(ctx, http.MethodPost, "/spam/block", contractsapi.BlockRequest{Kind: kind, FromEmail: fromEmail}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/inbox/"+url.PathEscape(id), nil, nil)
}

// Archive 只在服务商侧归档并删除对应条目，不写 CRM
func (c *Client) Archive(ctx context.Context, fastmailID string) error {
	return c.do(ctx, http.MethodPost, "/archive", contractsapi.ArchiveRequest{FastmailID: fastmailID}, nil)
}

func (c *Client) MarkAsRead(ctx context.Context, fastmailIDs, inboxIDs []string) error {
	return c.do(ctx, http.MethodPost, "/mark-as-read", contractsapi.MarkAsReadRequest{FastmailIDs: fastmailIDs, InboxIDs: inboxIDs}, nil)
}

func (c *Client) SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error) {
	var out contractsapi.StatusResponse
	if err := c.do(ctx, http.MethodPost, "/inbox/status", contractsapi.StatusRequest{IDs: ids, Status: status}, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) UpdateChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error) {
	var out contractsapi.StatusResponse
	if err := c.do(ctx, http.MethodPost, "/inbox/chat-status", contractsapi.ChatStatusRequest{ChatID: chatID, Status: status}, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// ListInbox 读取工作收件箱；statuses 为空时返回全部
func (c *Client) ListInbox(ctx context.Context, statuses ...model.Status) ([]model.InboxItem, error) {
	path := "/inbox"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			v := string(s)
			if s == model.StatusNone {
				v = "inbox"
			}
			q.Add("status", v)
		}
		path += "?" + q.Encode()
	}
	var out []model.InboxItem
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login 用密码换取 token
func (c *Client) Login(ctx context.Context, password string) (*contractsapi.LoginResponse, error) {
	var out contractsapi.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", contractsapi.LoginRequest{Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadAttachment 返回流式的附件内容，调用方负责关闭 Body
func (c *Client) DownloadAttachment(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if contentType != "" {
		q.Set("type", contentType)
	}
	path := "/attachment/" + url.PathEscape(blobID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, jmap.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return &jmap.Blob{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    name,
		Size:        size,
	}, nil
}
