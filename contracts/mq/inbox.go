package mq

import "time"

// 路由键
const (
	RoutingKeyItemArchived     = "inbox.item.archived"
	RoutingKeyItemTagged       = "inbox.item.tagged"
	RoutingKeyItemDeleted      = "inbox.item.deleted"
	RoutingKeySenderBlocked    = "inbox.sender.blocked"
	RoutingKeyArchivingExpired = "inbox.archiving.expired"

	// RoutingKeyInboxAll 订阅全部 inbox 事件
	RoutingKeyInboxAll = "inbox.#"
)

// Envelope 所有 inbox 事件共有的字段
type Envelope struct {
	EventID string `json:"event_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// ItemArchivedPayload 流水线保存并归档（或打标签保留）一封邮件后发布
type ItemArchivedPayload struct {
	Envelope
	InboxID       string    `json:"inbox_id"`
	FastmailID    string    `json:"fastmail_id"`
	ThreadID      string    `json:"thread_id"`
	EmailID       string    `json:"email_id"`
	EmailThreadID string    `json:"email_thread_id"`
	KeepStatus    string    `json:"keep_status,omitempty"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// ItemDeletedPayload 单封邮件删除
type ItemDeletedPayload struct {
	Envelope
	InboxID    string    `json:"inbox_id"`
	FastmailID string    `json:"fastmail_id,omitempty"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// SenderBlockedPayload 发件人或域名被拉黑
type SenderBlockedPayload struct {
	Envelope
	Kind       string    `json:"kind"` // email / domain
	Address    string    `json:"address"`
	Counter    int       `json:"counter"`
	DeletedIDs []string  `json:"deleted_ids"`
	BlockedAt  time.Time `json:"blocked_at"`
}

// ArchivingExpiredPayload sweeper 将超时的 archiving 条目放回收件箱
type ArchivingExpiredPayload struct {
	Envelope
	InboxIDs  []string  `json:"inbox_ids"`
	ExpiredAt time.Time `json:"expired_at"`
}
