package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status 是 command_center_inbox.status；StatusNone 对应 SQL NULL / JSON null
type Status string

const (
	StatusNone         Status = ""
	StatusArchiving    Status = "archiving"
	StatusNeedActions  Status = "need_actions"
	StatusWaitingInput Status = "waiting_input"
)

var ErrInvalidStatus = errors.New("invalid inbox status")

// IsTag 报告是否为用户可见的标签状态
func (s Status) IsTag() bool {
	return s == StatusNeedActions || s == StatusWaitingInput
}

// Label 用于提示文案
func (s Status) Label() string {
	switch s {
	case StatusNeedActions:
		return "Need Actions"
	case StatusWaitingInput:
		return "Waiting Input"
	case StatusArchiving:
		return "Archiving"
	default:
		return "Inbox"
	}
}

// ParseStatus 接受 "", "null", "inbox" 以及三个持久化的状态值
func ParseStatus(s string) (Status, error) {
	switch v := Status(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "null", "inbox":
		return StatusNone, nil
	case StatusArchiving, StatusNeedActions, StatusWaitingInput:
		return v, nil
	default:
		return StatusNone, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Ptr 返回写入数据库的值，StatusNone 为 nil
func (s Status) Ptr() *string {
	if s == StatusNone {
		return nil
	}
	v := string(s)
	return &v
}

// StatusFromPtr 从可空列读取
func StatusFromPtr(p *string) Status {
	if p == nil {
		return StatusNone
	}
	return Status(*p)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = StatusNone
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ItemType 区分邮件与 WhatsApp 消息
type ItemType string

const (
	ItemTypeEmail    ItemType = "email"
	ItemTypeWhatsApp ItemType = "whatsapp"
)

type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Attachment struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size,omitempty"`
	BlobID string `json:"blobId"`
}

// InboxItem 是工作收件箱中的一条消息（command_center_inbox）
type InboxItem struct {
	ID              string       `json:"id"`
	Type            ItemType     `json:"type,omitempty"`
	ThreadID        string       `json:"thread_id"`
	FastmailID      string       `json:"fastmail_id"`
	ChatID          string       `json:"chat_id,omitempty"`
	Subject         string       `json:"subject"`
	Snippet         string       `json:"snippet,omitempty"`
	BodyText        string       `json:"body_text,omitempty"`
	BodyHTML        string       `json:"body_html,omitempty"`
	FromEmail       string       `json:"from_email"`
	FromName        string       `json:"from_name,omitempty"`
	ToRecipients    []Recipient  `json:"to_recipients,omitempty"`
	CCRecipients    []Recipient  `json:"cc_recipients,omitempty"`
	Date            time.Time    `json:"date"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	HasAttachments  bool         `json:"has_attachments"`
	IsRead          bool         `json:"is_read"`
	IsStarred       bool         `json:"is_starred"`
	Status          Status       `json:"status"`
	StatusChangedAt *time.Time   `json:"status_changed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at,omitempty"`
}

// ThreadKey 分组用的线程键；没有 thread_id 的条目自成一组
func (i InboxItem) ThreadKey() string {
	if i.ThreadID != "" {
		return i.ThreadID
	}
	return i.ID
}

// Sender 返回小写的发件人地址
func (i InboxItem) Sender() string {
	return NormalizeEmail(i.FromEmail)
}

// IDs 提取条目 id，保持顺序
func IDs(items []InboxItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

// NormalizeEmail 去空白并转小写
func NormalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
