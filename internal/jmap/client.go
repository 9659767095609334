package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"commandcenter/pkg/trace"
)

const (
	capabilityCore       = "urn:ietf:params:jmap:core"
	capabilityMail       = "urn:ietf:params:jmap:mail"
	capabilitySubmission = "urn:ietf:params:jmap:submission"

	// KeywordSeen 已读标记
	KeywordSeen = "$seen"
	// KeywordCRMDone 已进入 CRM 的邮件标记，同步时据此跳过
	KeywordCRMDone = "$crm_done"

	RoleArchive = "archive"
	RoleInbox   = "inbox"
	RoleSent    = "sent"
)

var (
	// ErrNotFound 邮件或 blob 在服务商侧不存在
	ErrNotFound = errors.New("jmap: not found")
	// ErrMailboxNotFound 找不到指定 role 的邮箱
	ErrMailboxNotFound = errors.New("jmap: mailbox not found")
)

type Config struct {
	SessionURL string
	Token      string
	Timeout    time.Duration
}

// Session 是 JMAP session 资源中本服务用到的部分
type Session struct {
	AccountID   string
	APIURL      string
	DownloadURL string
}

type Mailbox struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Call 一次 JMAP 方法调用
type Call struct {
	Name   string
	Args   any
	CallID string
}

func (c Call) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Name, c.Args, c.CallID})
}

// Response 一次方法调用的返回
type Response struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("jmap: malformed method response with %d parts", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Name); err != nil {
		return err
	}
	r.Args = parts[1]
	return json.Unmarshal(parts[2], &r.CallID)
}

// SetError Foo/set 返回的单条失败
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e SetError) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

type setResponse struct {
	Updated    map[string]json.RawMessage `json:"updated"`
	NotUpdated map[string]SetError        `json:"notUpdated"`
}

// UpdateResult 批量更新的计数
type UpdateResult struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Blob 下载结果，调用方负责关闭 Body
type Blob struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	session   *Session
	mailboxes []Mailbox
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		// 下载是流式的，超时交给调用方 context 控制
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Session 返回缓存的 session，首次调用时从服务商拉取
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.session != nil {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.SessionURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jmap session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jmap session failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var raw struct {
		PrimaryAccounts map[string]string `json:"primaryAccounts"`
		APIURL          string            `json:"apiUrl"`
		DownloadURL     string            `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("jmap session decode: %w", err)
	}
	s := &Session{
		AccountID:   raw.PrimaryAccounts[capabilityMail],
		APIURL:      raw.APIURL,
		DownloadURL: raw.DownloadURL,
	}
	if s.AccountID == "" || s.APIURL == "" {
		return nil, errors.New("jmap session: missing mail account or api url")
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.logger.Info("JMAP session initialized", zap.String("account_id", s.AccountID))
	return s, nil
}

// Request 发送一组方法调用；任一调用返回 error 响应时整体失败
func (c *Client) Request(ctx context.Context, calls ...Call) ([]Response, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"using":       []string{capabilityCore, capabilityMail, capabilitySubmission},
		"methodCalls": calls,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, s.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jmap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// token 轮换后 session 失效，下次重新拉取
		c.resetSession()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jmap request failed: %d", resp.StatusCode)
	}

	var out struct {
		MethodResponses []Response `json:"methodResponses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("jmap response decode: %w", err)
	}
	for _, r := range out.MethodResponses {
		if r.Name == "error" {
			var e SetError
			_ = json.Unmarshal(r.Args, &e)
			return nil, fmt.Errorf("jmap method %s failed: %w", r.CallID, e)
		}
	}
	if len(out.MethodResponses) < len(calls) {
		return nil, fmt.Errorf("jmap: expected %d responses, got %d", len(calls), len(out.MethodResponses))
	}
	return out.MethodResponses, nil
}

func (c *Client) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.mailboxes = nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}
	return req, nil
}

// Mailboxes 返回账户下的邮箱列表，结果缓存到 session 失效为止
func (c *Client) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	c.mu.Lock()
	if c.mailboxes != nil {
		list := c.mailboxes
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	resps, err := c.Request(ctx, Call{
		Name:   "Mailbox/get",
		Args:   map[string]any{"accountId": s.AccountID},
		CallID: "a",
	})
	if err != nil {
		return nil, err
	}
	var got struct {
		List []Mailbox `json:"list"`
	}
	if err := json.Unmarshal(resps[0].Args, &got); err != nil {
		return nil, fmt.Errorf("jmap mailbox decode: %w", err)
	}

	c.mu.Lock()
	c.mailboxes = got.List
	c.mu.Unlock()
	return got.List, nil
}

// MailboxByRole 按 role 查找邮箱 ID
func (c *Client) MailboxByRole(ctx context.Context, role string) (string, error) {
	list, err := c.Mailboxes(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range list {
		if m.Role == role {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("%w: role %s", ErrMailboxNotFound, role)
}

// ArchiveEmail 把邮件移到 archive 邮箱；已归档的邮件再次归档不会报错
func (c *Client) ArchiveEmail(ctx context.Context, emailID string) error {
	archiveID, err := c.MailboxByRole(ctx, RoleArchive)
	if err != nil {
		return err
	}
	return c.updateOne(ctx, emailID, map[string]any{
		"mailboxIds": map[string]bool{archiveID: true},
	}, "archive")
}

// AddKeyword 给单封邮件加 keyword
func (c *Client) AddKeyword(ctx context.Context, emailID, keyword string) error {
	if emailID == "" {
		return nil
	}
	return c.updateOne(ctx, emailID, map[string]any{"keywords/" + keyword: true}, "addKeyword")
}

// MarkAsRead 批量标记已读，返回成功和失败的数量
func (c *Client) MarkAsRead(ctx context.Context, emailIDs []string) (UpdateResult, error) {
	if len(emailIDs) == 0 {
		return UpdateResult{}, nil
	}
	s, err := c.Session(ctx)
	if err != nil {
		return UpdateResult{}, err
	}

	update := make(map[string]any, len(emailIDs))
	for _, id := range emailIDs {
		update[id] = map[string]any{"keywords/" + KeywordSeen: true}
	}
	res, err := c.set(ctx, "Email/set", map[string]any{
		"accountId": s.AccountID,
		"update":    update,
	}, "markAsRead")
	if err != nil {
		return UpdateResult{}, err
	}
	if len(res.NotUpdated) > 0 {
		c.logger.Warn("Some emails were not marked as read", zap.Int("failed", len(res.NotUpdated)))
	}
	return UpdateResult{Updated: len(res.Updated), Failed: len(res.NotUpdated)}, nil
}

func (c *Client) updateOne(ctx context.Context, emailID string, patch map[string]any, callID string) error {
	s, err := c.Session(ctx)
	if err != nil {
		return err
	}
	res, err := c.set(ctx, "Email/set", map[string]any{
		"accountId": s.AccountID,
		"update":    map[string]any{emailID: patch},
	}, callID)
	if err != nil {
		return err
	}
	if e, ok := res.NotUpdated[emailID]; ok {
		if e.Type == "notFound" {
			return fmt.Errorf("%s %s: %w", callID, emailID, ErrNotFound)
		}
		return fmt.Errorf("%s %s failed: %w", callID, emailID, e)
	}
	return nil
}

func (c *Client) set(ctx context.Context, method string, args map[string]any, callID string) (*setResponse, error) {
	resps, err := c.Request(ctx, Call{Name: method, Args: args, CallID: callID})
	if err != nil {
		return nil, err
	}
	var res setResponse
	if err := json.Unmarshal(resps[0].Args, &res); err != nil {
		return nil, fmt.Errorf("jmap %s decode: %w", method, err)
	}
	return &res, nil
}

// BlobURL 用 session 中的模板拼出 blob 下载地址
func (s *Session) BlobURL(blobID, name, contentType string) string {
	if name == "" {
		name = "attachment"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	r := strings.NewReplacer(
		"{accountId}", url.PathEscape(s.AccountID),
		"{blobId}", url.PathEscape(blobID),
		"{name}", url.PathEscape(name),
		"{type}", url.QueryEscape(contentType),
	)
	return r.Replace(s.DownloadURL)
}

// DownloadBlob 流式下载附件
func (c *Client) DownloadBlob(ctx context.Context, blobID, name, contentType string) (*Blob, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, s.BlobURL(blobID, name, contentType), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jmap download: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		c.logger.Error("JMAP download failed",
			zap.String("blob_id", blobID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(msg)),
		)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("blob %s: %w", blobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download blob: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = contentType
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	if name == "" {
		name = "attachment"
	}
	return &Blob{
		Body:        resp.Body,
		ContentType: ct,
		Filename:    name,
		Size:        resp.ContentLength,
	}, nil
}
