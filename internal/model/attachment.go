package model

import (
	"path"
	"strings"
	"time"
)

var skipAttachmentTypes = map[string]struct{}{
	"image/jpeg":    {},
	"image/jpg":     {},
	"image/png":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/bmp":     {},
	"image/svg+xml": {},
	"image/ico":     {},
	"text/calendar": {},
}

var skipAttachmentExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"gif":  {},
	"webp": {},
	"bmp":  {},
	"svg":  {},
	"ico":  {},
	"ics":  {},
}

// ShouldSkipAttachment 图片与日历邀请不需要用户确认
func ShouldSkipAttachment(att Attachment) bool {
	if _, ok := skipAttachmentTypes[strings.ToLower(att.Type)]; ok {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(att.Name), "."))
	_, ok := skipAttachmentExtensions[ext]
	return ok
}

// PendingAttachment 是待用户确认保存的附件及其所在邮件
type PendingAttachment struct {
	Attachment
	EmailSubject string    `json:"emailSubject"`
	EmailDate    time.Time `json:"emailDate"`
	FastmailID   string    `json:"fastmailId"`
}

// ReviewableAttachments 收集线程中所有不可跳过的附件
func ReviewableAttachments(thread []InboxItem) []PendingAttachment {
	var out []PendingAttachment
	for _, email := range thread {
		for _, att := range email.Attachments {
			if ShouldSkipAttachment(att) {
				continue
			}
			out = append(out, PendingAttachment{
				Attachment:   att,
				EmailSubject: email.Subject,
				EmailDate:    email.Date,
				FastmailID:   email.FastmailID,
			})
		}
	}
	return out
}
