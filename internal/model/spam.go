package model

import (
	"errors"
	"fmt"
	"strings"
)

// SpamKind 拉黑维度
type SpamKind string

const (
	SpamKindEmail  SpamKind = "email"
	SpamKindDomain SpamKind = "domain"
)

var ErrInvalidSpamKind = errors.New("invalid spam kind")

func ParseSpamKind(s string) (SpamKind, error) {
	switch k := SpamKind(s); k {
	case SpamKindEmail, SpamKindDomain:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSpamKind, s)
	}
}

// SpamTarget 是拉黑的对象：完整地址或域名
type SpamTarget struct {
	Kind SpamKind
	// Key 为 emails_spam.email 或 domains_spam.domain
	Key string
}

// NewSpamTarget 从发件人地址推导拉黑对象
func NewSpamTarget(kind SpamKind, fromEmail string) (SpamTarget, error) {
	addr := NormalizeEmail(fromEmail)
	if addr == "" {
		return SpamTarget{}, fmt.Errorf("empty sender address")
	}
	switch kind {
	case SpamKindEmail:
		return SpamTarget{Kind: kind, Key: addr}, nil
	case SpamKindDomain:
		domain := DomainOf(addr)
		if domain == "" {
			return SpamTarget{}, fmt.Errorf("sender %q has no domain", fromEmail)
		}
		return SpamTarget{Kind: kind, Key: domain}, nil
	default:
		return SpamTarget{}, fmt.Errorf("%w: %q", ErrInvalidSpamKind, kind)
	}
}

// Matches 判断发件人是否属于该拉黑对象
func (t SpamTarget) Matches(fromEmail string) bool {
	addr := NormalizeEmail(fromEmail)
	if t.Kind == SpamKindDomain {
		return len(addr) > len(t.Key) && addr[len(addr)-len(t.Key)-1:] == "@"+t.Key
	}
	return addr == t.Key
}

// SenderFilter 返回匹配 from_email 的 SQL 条件及 $1 参数，与 Matches 的判定一致
func (t SpamTarget) SenderFilter() (string, string) {
	if t.Kind == SpamKindDomain {
		return `lower(btrim(from_email)) LIKE $1 ESCAPE '\'`, "%@" + EscapeLike(t.Key)
	}
	return `lower(btrim(from_email)) = $1`, t.Key
}

// EscapeLike 转义 LIKE 通配符，配合 ESCAPE '\' 使用
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Display 用于提示文案
func (t SpamTarget) Display() string {
	if t.Kind == SpamKindDomain {
		return "@" + t.Key
	}
	return t.Key
}
