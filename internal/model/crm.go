package model

import (
	"regexp"
	"strings"
	"time"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type ParticipantType string

const (
	ParticipantSender ParticipantType = "sender"
	ParticipantTo     ParticipantType = "to"
	ParticipantCC     ParticipantType = "cc"
)

// CreatedBy 写入 CRM 行的来源标识
const CreatedBy = "Command Center"

// EmailThread 对应 email_threads
type EmailThread struct {
	EmailThreadID        string
	ThreadID             string
	Subject              string
	LastMessageTimestamp time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EmailRecord 对应 emails；创建后不再更新
type EmailRecord struct {
	EmailID          string
	GmailID          string
	ThreadID         string
	EmailThreadID    string
	Subject          string
	BodyPlain        string
	BodyHTML         string
	MessageTimestamp time.Time
	Direction        Direction
	HasAttachments   bool
	AttachmentCount  int
	IsRead           bool
	IsStarred        bool
	SenderContactID  string
	CreatedBy        string
}

// Participant 对应 email_participants
type Participant struct {
	EmailID   string
	ContactID string
	Type      ParticipantType
}

// Interaction 对应 interactions，每个 (contact, thread) 至多一条
type Interaction struct {
	InteractionID   string
	ContactID       string
	Type            string
	Direction       Direction
	InteractionDate time.Time
	EmailThreadID   string
	Summary         string
}

// ThreadContact 是线程中已在 CRM 的联系人
type ThreadContact struct {
	Email     string `json:"email"`
	ContactID string `json:"contact_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

var subjectPrefix = regexp.MustCompile(`(?i)^(Re: |Fwd: )+`)

// StripSubjectPrefixes 去掉开头连续的 "Re: " / "Fwd: "
func StripSubjectPrefixes(subject string) string {
	return subjectPrefix.ReplaceAllString(subject, "")
}

// InteractionSummary 优先使用主题，否则取摘要前 100 个字符
func InteractionSummary(subject, snippet string) string {
	if subject != "" {
		return subject
	}
	r := []rune(snippet)
	if len(r) > 100 {
		r = r[:100]
	}
	return string(r)
}

// FilterThreadContacts 去掉本人与没有 contact_id 的条目
func FilterThreadContacts(contacts []ThreadContact, owner string) []ThreadContact {
	owner = NormalizeEmail(owner)
	out := make([]ThreadContact, 0, len(contacts))
	for _, c := range contacts {
		if c.ContactID == "" || NormalizeEmail(c.Email) == owner {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ContactIndex 按小写邮箱索引联系人
type ContactIndex map[string]string

func NewContactIndex(contacts []ThreadContact) ContactIndex {
	idx := make(ContactIndex, len(contacts))
	for _, c := range contacts {
		if c.ContactID == "" {
			continue
		}
		key := NormalizeEmail(c.Email)
		if _, ok := idx[key]; !ok {
			idx[key] = c.ContactID
		}
	}
	return idx
}

// Lookup 返回邮箱对应的 contact_id
func (idx ContactIndex) Lookup(email string) (string, bool) {
	id, ok := idx[NormalizeEmail(email)]
	return id, ok
}

// DomainOf 返回地址 @ 之后的部分（小写）
func DomainOf(addr string) string {
	addr = NormalizeEmail(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}
