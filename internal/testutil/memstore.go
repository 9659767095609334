package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"commandcenter/internal/model"
	"commandcenter/internal/repository"
)

// Contact 内存中的联系人行
type Contact struct {
	ContactID         string
	FirstName         string
	LastName          string
	Emails            []string
	LastInteractionAt *time.Time
}

type pairKey [2]string

// MemStore 是 Postgres 仓储的内存实现，约束与唯一键与表结构一致
type MemStore struct {
	mu sync.Mutex

	Inbox          map[string]model.InboxItem
	Threads        map[string]*model.EmailThread // key: provider thread_id
	Emails         map[string]model.EmailRecord  // key: gmail_id
	Participants   map[pairKey]model.Participant
	Interactions   map[pairKey]model.Interaction
	ContactThreads map[pairKey]bool
	Contacts       map[string]*Contact
	SpamCounters   map[model.SpamTarget]int
	Events         []model.OutboxEvent

	// previous 对应 previous_status 列
	previous map[string]model.Status

	// Fail 返回非 nil 时对应操作失败；arg 为操作的主键（inbox id、gmail id 等）
	Fail func(op, arg string) error
}

func NewMemStore() *MemStore {
	return &MemStore{
		Inbox:          map[string]model.InboxItem{},
		Threads:        map[string]*model.EmailThread{},
		Emails:         map[string]model.EmailRecord{},
		Participants:   map[pairKey]model.Participant{},
		Interactions:   map[pairKey]model.Interaction{},
		ContactThreads: map[pairKey]bool{},
		Contacts:       map[string]*Contact{},
		SpamCounters:   map[model.SpamTarget]int{},
		previous:       map[string]model.Status{},
	}
}

func (m *MemStore) fail(op, arg string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, arg)
}

// AddItems 写入收件箱条目
func (m *MemStore) AddItems(items ...model.InboxItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.Inbox[it.ID] = it
	}
}

// AddContact 写入联系人及其邮箱
func (m *MemStore) AddContact(c Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.Contacts[c.ContactID] = &cp
}

// Item 读取单条，供断言使用
func (m *MemStore) Item(id string) (model.InboxItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.Inbox[id]
	return it, ok
}

// Count 返回各表行数，供断言使用
func (m *MemStore) Count() (threads, emails, participants, interactions, links int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Threads), len(m.Emails), len(m.Participants), len(m.Interactions), len(m.ContactThreads)
}

// LastInteraction 返回联系人的 last_interaction_at
func (m *MemStore) LastInteraction(contactID string) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Contacts[contactID]; ok {
		return c.LastInteractionAt
	}
	return nil
}

// ---- CRM ----

func (m *MemStore) FindThreadByProviderID(_ context.Context, threadID string) (*model.EmailThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_thread", threadID); err != nil {
		return nil, err
	}
	t, ok := m.Threads[threadID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) CreateThread(_ context.Context, t *model.EmailThread) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create_thread", t.ThreadID); err != nil {
		return "", err
	}
	if existing, ok := m.Threads[t.ThreadID]; ok {
		return existing.EmailThreadID, nil
	}
	cp := *t
	cp.EmailThreadID = uuid.NewString()
	m.Threads[t.ThreadID] = &cp
	return cp.EmailThreadID, nil
}

func (m *MemStore) TouchThread(_ context.Context, emailThreadID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Threads {
		if t.EmailThreadID == emailThreadID && t.LastMessageTimestamp.Before(at) {
			t.LastMessageTimestamp = at
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) FindContactIDByEmail(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = model.NormalizeEmail(email)
	for _, c := range m.Contacts {
		for _, e := range c.Emails {
			if model.NormalizeEmail(e) == email {
				return c.ContactID, nil
			}
		}
	}
	return "", nil
}

func (m *MemStore) ContactsByEmails(_ context.Context, emails []string) ([]model.ThreadContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, e := range emails {
		want[model.NormalizeEmail(e)] = true
	}
	var out []model.ThreadContact
	for _, c := range m.Contacts {
		for _, e := range c.Emails {
			if want[model.NormalizeEmail(e)] {
				out = append(out, model.ThreadContact{
					Email:     model.NormalizeEmail(e),
					ContactID: c.ContactID,
					FirstName: c.FirstName,
					LastName:  c.LastName,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *MemStore) CreateEmail(_ context.Context, e *model.EmailRecord) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create_email", e.GmailID); err != nil {
		return "", false, err
	}
	if existing, ok := m.Emails[e.GmailID]; ok {
		return existing.EmailID, false, nil
	}
	cp := *e
	cp.EmailID = uuid.NewString()
	m.Emails[e.GmailID] = cp
	return cp.EmailID, true, nil
}

func (m *MemStore) EnsureParticipant(_ context.Context, p model.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{p.EmailID, p.ContactID}
	if _, ok := m.Participants[k]; ok {
		return false, nil
	}
	m.Participants[k] = p
	return true, nil
}

func (m *MemStore) EnsureInteraction(_ context.Context, i *model.Interaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{i.ContactID, i.EmailThreadID}
	if existing, ok := m.Interactions[k]; ok {
		i.InteractionID = existing.InteractionID
		return false, nil
	}
	i.InteractionID = uuid.NewString()
	m.Interactions[k] = *i
	return true, nil
}

func (m *MemStore) EnsureContactThread(_ context.Context, contactID, emailThreadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{contactID, emailThreadID}
	if m.ContactThreads[k] {
		return false, nil
	}
	m.ContactThreads[k] = true
	return true, nil
}

func (m *MemStore) AdvanceLastInteraction(_ context.Context, contactID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Contacts[contactID]
	if !ok {
		return false, nil
	}
	if c.LastInteractionAt != nil && !c.LastInteractionAt.Before(at) {
		return false, nil
	}
	t := at
	c.LastInteractionAt = &t
	return true, nil
}

// ---- inbox ----

func (m *MemStore) List(_ context.Context, f repository.ListFilter) ([]model.InboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.InboxItem
	for _, it := range m.Inbox {
		if f.Type != "" && it.Type != f.Type {
			continue
		}
		if f.ThreadID != "" && it.ThreadID != f.ThreadID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, it.Status) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsStatus(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemStore) Get(_ context.Context, id string) (*model.InboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.Inbox[id]
	if !ok {
		return nil, fmt.Errorf("inbox item %s: %w", id, repository.ErrNotFound)
	}
	return &it, nil
}

func (m *MemStore) SetStatus(_ context.Context, ids []string, status model.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if err := m.fail("set_status", id); err != nil {
			return 0, err
		}
	}
	var n int64
	now := time.Now()
	for _, id := range ids {
		if it, ok := m.Inbox[id]; ok {
			switch {
			case status == model.StatusArchiving && it.Status == model.StatusArchiving:
			case status == model.StatusArchiving:
				m.previous[id] = it.Status
			default:
				delete(m.previous, id)
			}
			it.Status = status
			it.StatusChangedAt = &now
			m.Inbox[id] = it
			n++
		}
	}
	return n, nil
}

func (m *MemStore) SetChatStatus(_ context.Context, chatID string, status model.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set_chat_status", chatID); err != nil {
		return 0, err
	}
	var n int64
	for id, it := range m.Inbox {
		if it.ChatID == chatID {
			it.Status = status
			m.Inbox[id] = it
			n++
		}
	}
	return n, nil
}

func (m *MemStore) MarkRead(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if it, ok := m.Inbox[id]; ok {
			it.IsRead = true
			m.Inbox[id] = it
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CleanupItem(_ context.Context, id string, keep model.Status, evt model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("cleanup", id); err != nil {
		return err
	}
	delete(m.previous, id)
	if keep == model.StatusNone {
		delete(m.Inbox, id)
	} else if it, ok := m.Inbox[id]; ok {
		it.Status = keep
		m.Inbox[id] = it
	}
	m.recordEvent(evt)
	return nil
}

func (m *MemStore) DeleteItem(_ context.Context, id string, evt model.OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete", id); err != nil {
		return false, err
	}
	if _, ok := m.Inbox[id]; !ok {
		return false, nil
	}
	delete(m.Inbox, id)
	m.recordEvent(evt)
	return true, nil
}

func (m *MemStore) DeleteByFastmailID(_ context.Context, fastmailID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.Inbox {
		if it.FastmailID == fastmailID {
			delete(m.Inbox, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) FindBySender(_ context.Context, target model.SpamTarget) ([]model.InboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.InboxItem
	for _, it := range m.Inbox {
		if target.Matches(it.FromEmail) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (m *MemStore) DeleteItems(_ context.Context, ids []string, buildEvent func(ids []string) model.OutboxEvent) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete_items", strings.Join(ids, ",")); err != nil {
		return nil, err
	}
	deleted := []string{}
	for _, id := range ids {
		if _, ok := m.Inbox[id]; ok {
			deleted = append(deleted, id)
			delete(m.Inbox, id)
		}
	}
	sort.Strings(deleted)
	m.recordEvent(buildEvent(deleted))
	return deleted, nil
}

func (m *MemStore) ExpireArchiving(_ context.Context, before time.Time, buildEvent func(ids []string) model.OutboxEvent) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, it := range m.Inbox {
		if it.Status != model.StatusArchiving {
			continue
		}
		if it.StatusChangedAt != nil && !it.StatusChangedAt.Before(before) {
			continue
		}
		it.Status = m.previous[id]
		delete(m.previous, id)
		m.Inbox[id] = it
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		m.recordEvent(buildEvent(ids))
	}
	return ids, nil
}

// ---- spam ----

func (m *MemStore) IncrementCounter(_ context.Context, target model.SpamTarget) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("spam_counter", target.Key); err != nil {
		return 0, err
	}
	m.SpamCounters[target]++
	return m.SpamCounters[target], nil
}

func (m *MemStore) recordEvent(evt model.OutboxEvent) {
	if evt.RoutingKey != "" {
		m.Events = append(m.Events, evt)
	}
}

// RoutingKeys 返回已记录事件的路由键
func (m *MemStore) RoutingKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		keys = append(keys, e.RoutingKey)
	}
	return keys
}
