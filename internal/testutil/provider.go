package testutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"commandcenter/internal/jmap"
)

// FakeProvider 记录归档调用的邮件服务商替身
type FakeProvider struct {
	mu       sync.Mutex
	Archived []string
	Read     []string
	// FailArchive 返回非 nil 时该 fastmail id 归档失败
	FailArchive func(fastmailID string) error
	// Blobs 按 blob id 返回内容
	Blobs map[string]string
}

func (p *FakeProvider) Archive(_ context.Context, fastmailID string) error {
	if p.FailArchive != nil {
		if err := p.FailArchive(fastmailID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Archived = append(p.Archived, fastmailID)
	return nil
}

func (p *FakeProvider) MarkAsRead(_ context.Context, fastmailIDs []string) (jmap.UpdateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Read = append(p.Read, fastmailIDs...)
	return jmap.UpdateResult{Updated: len(fastmailIDs)}, nil
}

func (p *FakeProvider) Download(_ context.Context, blobID, name, contentType string) (*jmap.Blob, error) {
	body, ok := p.Blobs[blobID]
	if !ok {
		return nil, jmap.ErrNotFound
	}
	return &jmap.Blob{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: contentType,
		Filename:    name,
		Size:        int64(len(body)),
	}, nil
}

// ArchivedIDs 返回已归档的 id
func (p *FakeProvider) ArchivedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Archived...)
}
