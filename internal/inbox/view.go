package inbox

import (
	"sort"
	"sync"

	"commandcenter/internal/model"
)

// ItemState 本地缓存中条目的状态
type ItemState int

const (
	StateUnknown ItemState = iota
	StatePresent
	StateArchiving
	StateGone
)

func (s ItemState) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateArchiving:
		return "archiving"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Event 驱动 View 状态变化
type Event interface {
	apply(v *View)
}

// StatusChanged 条目状态被写入（包括 archiving 与回滚）
type StatusChanged struct {
	IDs    []string
	Status model.Status
}

// Removed 条目已从工作收件箱删除
type Removed struct {
	IDs []string
}

func (e StatusChanged) apply(v *View) {
	for _, id := range e.IDs {
		if it, ok := v.items[id]; ok {
			it.Status = e.Status
			v.items[id] = it
		}
	}
}

func (e Removed) apply(v *View) {
	for _, id := range e.IDs {
		if _, ok := v.items[id]; ok {
			delete(v.items, id)
			v.gone[id] = true
		}
	}
}

// Thread 是按 thread_id 分组后的投影
type Thread struct {
	Key    string
	Emails []model.InboxItem // 最新的在前
	Latest model.InboxItem
	Count  int
	Status model.Status
}

// IDs 线程内全部条目 id
func (t Thread) IDs() []string {
	return model.IDs(t.Emails)
}

// View 是工作收件箱的本地缓存，按条目 id 索引
// 会被后台归档回调修改，所有方法都持锁
type View struct {
	mu       sync.Mutex
	items    map[string]model.InboxItem
	gone     map[string]bool
	selected string
}

func NewView(items []model.InboxItem) *View {
	v := &View{}
	v.Replace(items)
	return v
}

// Replace 用一次刷新结果替换缓存；选中的线程仍存在时保留选择
func (v *View) Replace(items []model.InboxItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = make(map[string]model.InboxItem, len(items))
	v.gone = map[string]bool{}
	for _, it := range items {
		v.items[it.ID] = it
	}
	if v.selected != "" && len(v.threadLocked(v.selected).Emails) == 0 {
		v.selected = ""
	}
}

// Apply 依次应用事件；选中线程被清空时取消选择
func (v *View) Apply(events ...Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range events {
		e.apply(v)
	}
	if v.selected != "" && len(v.threadLocked(v.selected).Emails) == 0 {
		v.selected = ""
	}
}

// State 返回条目状态
func (v *View) State(id string) ItemState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if it, ok := v.items[id]; ok {
		if it.Status == model.StatusArchiving {
			return StateArchiving
		}
		return StatePresent
	}
	if v.gone[id] {
		return StateGone
	}
	return StateUnknown
}

// Item 返回缓存中的条目
func (v *View) Item(id string) (model.InboxItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.items[id]
	return it, ok
}

// Items 返回全部条目，最新的在前
func (v *View) Items() []model.InboxItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.InboxItem, 0, len(v.items))
	for _, it := range v.items {
		out = append(out, it)
	}
	sortNewestFirst(out)
	return out
}

// Threads 返回全部线程，按最新邮件时间倒序
func (v *View) Threads() []Thread {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.threadsLocked()
}

// InboxThreads 只含未打标签且不在归档中的线程，选择按位置在这个列表上进行
func (v *View) InboxThreads() []Thread {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inboxThreadsLocked()
}

func (v *View) inboxThreadsLocked() []Thread {
	all := v.threadsLocked()
	out := all[:0]
	for _, t := range all {
		if t.Status == model.StatusNone {
			out = append(out, t)
		}
	}
	return out
}

func (v *View) threadsLocked() []Thread {
	groups := map[string][]model.InboxItem{}
	for _, it := range v.items {
		groups[it.ThreadKey()] = append(groups[it.ThreadKey()], it)
	}
	threads := make([]Thread, 0, len(groups))
	for key, emails := range groups {
		threads = append(threads, newThread(key, emails))
	}
	sort.Slice(threads, func(i, j int) bool {
		a, b := threads[i].Latest.Date, threads[j].Latest.Date
		if a.Equal(b) {
			return threads[i].Key < threads[j].Key
		}
		return a.After(b)
	})
	return threads
}

func (v *View) threadLocked(key string) Thread {
	var emails []model.InboxItem
	for _, it := range v.items {
		if it.ThreadKey() == key {
			emails = append(emails, it)
		}
	}
	return newThread(key, emails)
}

func newThread(key string, emails []model.InboxItem) Thread {
	sortNewestFirst(emails)
	t := Thread{Key: key, Emails: emails, Count: len(emails)}
	if len(emails) == 0 {
		return t
	}
	t.Latest = emails[0]
	t.Status = t.Latest.Status
	for _, e := range emails {
		if e.Status == model.StatusArchiving {
			t.Status = model.StatusArchiving
			break
		}
	}
	return t
}

func sortNewestFirst(items []model.InboxItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date.Equal(items[j].Date) {
			return items[i].ID < items[j].ID
		}
		return items[i].Date.After(items[j].Date)
	})
}

// Select 选中线程；线程不存在返回 false
func (v *View) Select(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.threadLocked(key).Emails) == 0 {
		return false
	}
	v.selected = key
	return true
}

// ClearSelection 取消选择
func (v *View) ClearSelection() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.selected = ""
}

// Selected 返回当前选中的线程
func (v *View) Selected() (Thread, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected == "" {
		return Thread{}, false
	}
	t := v.threadLocked(v.selected)
	if len(t.Emails) == 0 {
		return Thread{}, false
	}
	return t, true
}

// SelectedIndex 返回选中线程在 InboxThreads 中的位置，未选中为 -1
func (v *View) SelectedIndex() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, t := range v.inboxThreadsLocked() {
		if t.Key == v.selected {
			return i
		}
	}
	return -1
}

// SelectAt 按位置选择：同一位置，越界时取最后一个，列表为空时不选
func (v *View) SelectAt(index int) (Thread, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	threads := v.inboxThreadsLocked()
	if len(threads) == 0 {
		v.selected = ""
		return Thread{}, false
	}
	if index < 0 {
		index = 0
	}
	if index > len(threads)-1 {
		index = len(threads) - 1
	}
	v.selected = threads[index].Key
	return threads[index], true
}

// PruneSelection 从选中线程中去掉不满足 keep 的邮件；不剩任何邮件时取消选择
// 返回剩余的邮件
func (v *View) PruneSelection(keep func(model.InboxItem) bool) []model.InboxItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected == "" {
		return nil
	}
	var remaining []model.InboxItem
	for _, e := range v.threadLocked(v.selected).Emails {
		if keep(e) {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == 0 {
		v.selected = ""
	}
	return remaining
}
