package api

import "commandcenter/internal/model"

// SaveAndArchiveRequest POST /email/save-and-archive
type SaveAndArchiveRequest struct {
	ThreadData   []model.InboxItem     `json:"threadData"`
	ContactsData []model.ThreadContact `json:"contactsData,omitempty"`
	KeepStatus   model.Status          `json:"keepStatus"`
}

// SaveAndArchiveResponse success 为 false 表示一封都没有保存
type SaveAndArchiveResponse struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message"`
	Saved    []string `json:"saved"`
	Failed   []string `json:"failed"`
	Warnings int      `json:"warnings"`
}

// ArchiveRequest POST /archive
type ArchiveRequest struct {
	FastmailID string `json:"fastmailId"`
}

// MarkAsReadRequest POST /mark-as-read
type MarkAsReadRequest struct {
	FastmailIDs []string `json:"fastmailIds"`
	InboxIDs    []string `json:"supabaseIds,omitempty"`
}

// StatusRequest POST /inbox/status
type StatusRequest struct {
	IDs    []string     `json:"ids"`
	Status model.Status `json:"status"`
}

// ChatStatusRequest POST /inbox/chat-status
type ChatStatusRequest struct {
	ChatID string       `json:"chatId"`
	Status model.Status `json:"status"`
}

// StatusResponse 状态写入影响的行数
type StatusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Updated int64  `json:"updated"`
}

// BlockRequest POST /spam/block
type BlockRequest struct {
	Kind      model.SpamKind `json:"kind"`
	FromEmail string         `json:"fromEmail"`
}

// BlockResponse 拉黑结果
type BlockResponse struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	Message    string   `json:"message"`
	Counter    int      `json:"counter"`
	DeletedIDs []string `json:"deletedIds"`
}

// Response 只有成功标记的通用返回
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}
