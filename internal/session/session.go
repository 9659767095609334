package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/inbox"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/service/archive"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/metrics"
	"commandcenter/pkg/trace"
)

var (
	ErrNoSelection = errors.New("no thread selected")
	// ErrBackend 后端返回 success=false
	ErrBackend = errors.New("backend rejected request")
)

// StatusStore 直接写 command_center_inbox.status
type StatusStore interface {
	SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error)
	UpdateChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error)
}

// Backend 慢路径与服务商相关的操作
type Backend interface {
	SaveAndArchive(ctx context.Context, req contractsapi.SaveAndArchiveRequest) (*contractsapi.SaveAndArchiveResponse, error)
	BlockSender(ctx context.Context, kind model.SpamKind, fromEmail string) (*contractsapi.BlockResponse, error)
	DeleteItem(ctx context.Context, id string) error
	DownloadAttachment(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error)
}

// Pipeline 同步模式下在进程内运行流水线
type Pipeline interface {
	SaveAndArchive(ctx context.Context, req archive.Request) (*archive.Result, error)
}

// ContactResolver 返回线程中已在 CRM 的联系人；返回 nil 时由流水线自行查询
type ContactResolver interface {
	ThreadContacts(ctx context.Context, thread []model.InboxItem) ([]model.ThreadContact, error)
}

// AttachmentReviewer 归档前让用户处理附件
// 返回 nil 表示可以继续（已保存或放弃），返回 error 中止归档
type AttachmentReviewer interface {
	Review(ctx context.Context, pending []model.PendingAttachment) error
}

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notifier 展示提示
type Notifier interface {
	Notify(level Level, message string)
}

type NotifierFunc func(level Level, message string)

func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }

type Deps struct {
	View     *inbox.View
	Store    StatusStore
	Backend  Backend
	Pipeline Pipeline
	Contacts ContactResolver
	Reviewer AttachmentReviewer
	Notifier Notifier
	Logger   *zap.Logger
}

// Session 是一个用户在工作收件箱上的操作入口
type Session struct {
	view     *inbox.View
	store    StatusStore
	backend  Backend
	pipeline Pipeline
	contacts ContactResolver
	reviewer AttachmentReviewer
	notifier Notifier
	logger   *zap.Logger

	mu    sync.Mutex
	group *errgroup.Group
}

func New(d Deps) *Session {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = NotifierFunc(func(Level, string) {})
	}
	if d.View == nil {
		d.View = inbox.NewView(nil)
	}
	return &Session{
		view:     d.View,
		store:    d.Store,
		backend:  d.Backend,
		pipeline: d.Pipeline,
		contacts: d.Contacts,
		reviewer: d.Reviewer,
		notifier: d.Notifier,
		logger:   d.Logger,
		group:    new(errgroup.Group),
	}
}

func (s *Session) View() *inbox.View {
	return s.view
}

// Wait 等待后台的后端调用全部结束，返回第一个失败
func (s *Session) Wait() error {
	s.mu.Lock()
	g := s.group
	s.group = new(errgroup.Group)
	s.mu.Unlock()
	return g.Wait()
}

func (s *Session) goBackground(fn func() error) {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	g.Go(fn)
}

func validKeep(keep model.Status) error {
	if keep != model.StatusNone && !keep.IsTag() {
		return fmt.Errorf("%w: %q", archive.ErrInvalidKeepStatus, keep)
	}
	return nil
}

// Done 附件确认后快速归档当前线程
func (s *Session) Done(ctx context.Context) error {
	return s.gateAndArchive(ctx, model.StatusNone)
}

// SendAndArchive 先发送回复，成功后带着 keepStatus 归档当前线程
func (s *Session) SendAndArchive(ctx context.Context, send func(ctx context.Context) error, keepStatus model.Status) error {
	if err := validKeep(keepStatus); err != nil {
		return err
	}
	if err := send(ctx); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return s.gateAndArchive(ctx, keepStatus)
}

func (s *Session) gateAndArchive(ctx context.Context, keep model.Status) error {
	thread, ok := s.view.Selected()
	if !ok {
		return ErrNoSelection
	}
	pending := model.ReviewableAttachments(thread.Emails)
	if len(pending) > 0 && s.reviewer != nil {
		if err := s.reviewer.Review(ctx, pending); err != nil {
			return fmt.Errorf("attachment review: %w", err)
		}
	}
	return s.SaveAndArchiveAsync(ctx, keep)
}

func (s *Session) resolveContacts(ctx context.Context, thread []model.InboxItem) ([]model.ThreadContact, error) {
	if s.contacts == nil {
		return nil, nil
	}
	return s.contacts.ThreadContacts(ctx, thread)
}

// SaveAndArchive 同步模式：等待流水线完成，只在视图里处理保存成功的邮件
func (s *Session) SaveAndArchive(ctx context.Context, keepStatus model.Status) (*archive.Result, error) {
	if err := validKeep(keepStatus); err != nil {
		return nil, err
	}
	thread, ok := s.view.Selected()
	if !ok {
		return nil, ErrNoSelection
	}
	if s.pipeline == nil {
		return nil, errors.New("no in-process pipeline configured")
	}
	idx := s.view.SelectedIndex()

	contacts, err := s.resolveContacts(ctx, thread.Emails)
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to Save & Archive")
		return nil, fmt.Errorf("resolve contacts: %w", err)
	}

	res, err := s.pipeline.SaveAndArchive(ctx, archive.Request{
		Thread:     thread.Emails,
		Contacts:   contacts,
		KeepStatus: keepStatus,
	})
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to Save & Archive")
		return nil, err
	}

	if len(res.Saved) > 0 {
		s.view.Apply(savedEvent(res.Saved, keepStatus))
		if idx >= 0 && s.view.SelectedIndex() < 0 {
			s.view.SelectAt(idx)
		}
	}
	level := LevelSuccess
	if !res.Success() {
		level = LevelError
	}
	s.notifier.Notify(level, res.Message)
	return res, nil
}

// advanceSelection 当前线程离开收件箱后按原位置选择下一个
func (s *Session) advanceSelection(idx int) {
	if idx < 0 {
		s.view.ClearSelection()
		return
	}
	s.view.SelectAt(idx)
}

func savedEvent(ids []string, keep model.Status) inbox.Event {
	if keep == model.StatusNone {
		return inbox.Removed{IDs: ids}
	}
	return inbox.StatusChanged{IDs: ids, Status: keep}
}

// SaveAndArchiveAsync 快速路径：先把线程写成 archiving 并立即切到下一个线程，
// 后端调用在后台完成；失败时把每封邮件恢复到操作前的状态
func (s *Session) SaveAndArchiveAsync(ctx context.Context, keepStatus model.Status) error {
	if err := validKeep(keepStatus); err != nil {
		return err
	}
	thread, ok := s.view.Selected()
	if !ok {
		return ErrNoSelection
	}
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger).With(zap.String("thread_key", thread.Key))

	ids := thread.IDs()
	previous := make(map[model.Status][]string)
	for _, e := range thread.Emails {
		previous[e.Status] = append(previous[e.Status], e.ID)
	}
	idx := s.view.SelectedIndex()

	contacts, err := s.resolveContacts(ctx, thread.Emails)
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to archive")
		return fmt.Errorf("resolve contacts: %w", err)
	}

	// 检查点：进程在此之后崩溃，条目也不会再出现在收件箱里
	if _, err := s.store.SetStatus(ctx, ids, model.StatusArchiving); err != nil {
		log.Error("Failed to mark thread as archiving", zap.Error(err))
		s.notifier.Notify(LevelError, "Failed to archive")
		return fmt.Errorf("set archiving: %w", err)
	}
	s.view.Apply(inbox.StatusChanged{IDs: ids, Status: model.StatusArchiving})
	s.advanceSelection(idx)

	req := contractsapi.SaveAndArchiveRequest{
		ThreadData:   thread.Emails,
		ContactsData: contacts,
		KeepStatus:   keepStatus,
	}
	bg := context.WithoutCancel(ctx)
	s.goBackground(func() error {
		resp, err := s.backend.SaveAndArchive(bg, req)
		if err == nil && !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = resp.Message
			}
			err = fmt.Errorf("%w: %s", ErrBackend, msg)
		}
		if err != nil {
			log.Error("Background save and archive failed", zap.Error(err))
			s.notifier.Notify(LevelError, "Archive failed: "+err.Error())
			s.rollback(bg, previous, log)
			return err
		}

		s.view.Apply(savedEvent(resp.Saved, keepStatus))
		if len(resp.Failed) > 0 {
			failed := make(map[string]bool, len(resp.Failed))
			for _, id := range resp.Failed {
				failed[id] = true
			}
			partial := make(map[model.Status][]string)
			for status, group := range previous {
				for _, id := range group {
					if failed[id] {
						partial[status] = append(partial[status], id)
					}
				}
			}
			s.rollback(bg, partial, log)
		}
		level := LevelSuccess
		if resp.Warnings > 0 {
			level = LevelInfo
		}
		s.notifier.Notify(level, resp.Message)
		return nil
	})
	return nil
}

// rollback 按原状态分组写回
func (s *Session) rollback(ctx context.Context, previous map[model.Status][]string, log *zap.Logger) {
	failed := false
	for status, ids := range previous {
		if len(ids) == 0 {
			continue
		}
		if _, err := s.store.SetStatus(ctx, ids, status); err != nil {
			failed = true
			log.Error("Failed to roll back archiving status",
				zap.Strings("inbox_ids", ids),
				zap.String("status", string(status)),
				zap.Error(err),
			)
			continue
		}
		s.view.Apply(inbox.StatusChanged{IDs: ids, Status: status})
		metrics.AddArchivingRollback("session", len(ids))
	}
	if failed {
		s.notifier.Notify(LevelError, "Please refresh the page")
	}
}

// UpdateItemStatus 给当前线程打标签并切到下一个线程
func (s *Session) UpdateItemStatus(ctx context.Context, status model.Status) error {
	if !status.IsTag() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
	thread, ok := s.view.Selected()
	if !ok {
		return ErrNoSelection
	}
	idx := s.view.SelectedIndex()
	ids := thread.IDs()
	if _, err := s.store.SetStatus(ctx, ids, status); err != nil {
		s.notifier.Notify(LevelError, "Failed to update status")
		return fmt.Errorf("update status: %w", err)
	}
	s.view.Apply(inbox.StatusChanged{IDs: ids, Status: status})
	s.advanceSelection(idx)
	s.notifier.Notify(LevelSuccess, "Moved to "+status.Label())
	return nil
}

// UpdateChatStatus 给一个 WhatsApp 会话的全部消息打标签
func (s *Session) UpdateChatStatus(ctx context.Context, chatID string, status model.Status) error {
	if !status.IsTag() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
	if _, err := s.store.UpdateChatStatus(ctx, chatID, status); err != nil {
		s.notifier.Notify(LevelError, "Failed to update status")
		return fmt.Errorf("update chat status: %w", err)
	}
	var ids []string
	for _, it := range s.view.Items() {
		if it.ChatID == chatID {
			ids = append(ids, it.ID)
		}
	}
	s.view.Apply(inbox.StatusChanged{IDs: ids, Status: status})
	s.notifier.Notify(LevelSuccess, "Moved to "+status.Label())
	return nil
}

// MarkAsSpam 拉黑当前线程最新一封邮件的发件人（或其域名）
func (s *Session) MarkAsSpam(ctx context.Context, kind model.SpamKind) (*contractsapi.BlockResponse, error) {
	thread, ok := s.view.Selected()
	if !ok {
		return nil, ErrNoSelection
	}
	target, err := model.NewSpamTarget(kind, thread.Latest.FromEmail)
	if err != nil {
		return nil, err
	}
	resp, err := s.backend.BlockSender(ctx, kind, thread.Latest.FromEmail)
	if err == nil && !resp.Success {
		err = fmt.Errorf("%w: %s", ErrBackend, resp.Error)
	}
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to mark as spam")
		return nil, err
	}

	s.view.Apply(inbox.Removed{IDs: resp.DeletedIDs})
	s.view.PruneSelection(func(e model.InboxItem) bool { return !target.Matches(e.FromEmail) })
	s.notifier.Notify(LevelSuccess, resp.Message)
	return resp, nil
}

// DeleteEmail 删除一封邮件；id 为空时删除当前线程最新的一封
func (s *Session) DeleteEmail(ctx context.Context, id string) error {
	if id == "" {
		thread, ok := s.view.Selected()
		if !ok {
			return ErrNoSelection
		}
		id = thread.Latest.ID
	}
	idx := s.view.SelectedIndex()
	if err := s.backend.DeleteItem(ctx, id); err != nil {
		s.notifier.Notify(LevelError, "Failed to delete email: "+err.Error())
		return err
	}
	s.view.Apply(inbox.Removed{IDs: []string{id}})
	if _, ok := s.view.Selected(); !ok && idx >= 0 {
		s.view.SelectAt(idx)
	}
	s.notifier.Notify(LevelSuccess, "Email deleted")
	return nil
}

// DownloadAttachment 把附件写入 w
func (s *Session) DownloadAttachment(ctx context.Context, att model.Attachment, w io.Writer) (int64, error) {
	blob, err := s.backend.DownloadAttachment(ctx, att.BlobID, att.Name, att.Type)
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to download")
		return 0, err
	}
	defer blob.Body.Close()

	n, err := io.Copy(w, blob.Body)
	if err != nil {
		s.notifier.Notify(LevelError, "Failed to download")
		return n, fmt.Errorf("copy attachment: %w", err)
	}
	s.notifier.Notify(LevelSuccess, "Downloaded!")
	return n, nil
}
