package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsapi "commandcenter/contracts/api"
	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/pkg/logger"
	"commandcenter/pkg/metrics"
	"commandcenter/pkg/trace"
)

// ErrInvalidKeepStatus keepStatus 只能为空或两个标签状态之一
var ErrInvalidKeepStatus = errors.New("invalid keep status")

// 步骤名，写入 StepError.Step 与指标标签
const (
	StepThread       = "thread"
	StepSender       = "sender"
	StepEmail        = "email"
	StepParticipants = "participants"
	StepInteractions = "interactions"
	StepThreadLinks  = "thread_links"
	StepContacts     = "contacts_update"
	StepArchive      = "fastmail_archive"
	StepDeleteInbox  = "delete_inbox"
	StepUpdateStatus = "update_inbox_status"
	StepSkipArchive  = "skip_archive"
)

// CRMStore 流水线写入的 CRM 表
type CRMStore interface {
	FindThreadByProviderID(ctx context.Context, threadID string) (*model.EmailThread, error)
	CreateThread(ctx context.Context, t *model.EmailThread) (string, error)
	TouchThread(ctx context.Context, emailThreadID string, at time.Time) (bool, error)
	FindContactIDByEmail(ctx context.Context, email string) (string, error)
	ContactsByEmails(ctx context.Context, emails []string) ([]model.ThreadContact, error)
	CreateEmail(ctx context.Context, e *model.EmailRecord) (string, bool, error)
	EnsureParticipant(ctx context.Context, p model.Participant) (bool, error)
	EnsureInteraction(ctx context.Context, i *model.Interaction) (bool, error)
	EnsureContactThread(ctx context.Context, contactID, emailThreadID string) (bool, error)
	AdvanceLastInteraction(ctx context.Context, contactID string, at time.Time) (bool, error)
}

// InboxStore 收件箱清理
type InboxStore interface {
	CleanupItem(ctx context.Context, id string, keep model.Status, evt model.OutboxEvent) error
}

// Archiver 在邮件服务商侧归档
type Archiver interface {
	Archive(ctx context.Context, fastmailID string) error
}

// Request 一次保存归档请求
type Request struct {
	Thread []model.InboxItem
	// Contacts 为 nil 时按线程中出现的地址从 CRM 查询
	Contacts   []model.ThreadContact
	KeepStatus model.Status
}

// StepLog 流水线的一条步骤日志
type StepLog struct {
	Time    time.Time `json:"time"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// StepError 某一步的失败
type StepError struct {
	Step    string `json:"step"`
	InboxID string `json:"inbox_id,omitempty"`
	Error   string `json:"error"`
}

type Result struct {
	Saved   []string    `json:"saved"`
	Failed  []string    `json:"failed"`
	Errors  []StepError `json:"errors,omitempty"`
	Log     []StepLog   `json:"-"`
	Message string      `json:"message"`
}

// Success 至少保存了一封邮件
func (r *Result) Success() bool {
	return len(r.Saved) > 0
}

// Response 转成 /email/save-and-archive 的返回体
func (r *Result) Response() *contractsapi.SaveAndArchiveResponse {
	resp := &contractsapi.SaveAndArchiveResponse{
		Success:  r.Success(),
		Message:  r.Message,
		Saved:    r.Saved,
		Failed:   r.Failed,
		Warnings: len(r.Errors),
	}
	if !resp.Success {
		resp.Error = r.Message
	}
	return resp
}

type Service struct {
	crm      CRMStore
	inbox    InboxStore
	archiver Archiver
	owner    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(crm CRMStore, inbox InboxStore, archiver Archiver, ownerEmail string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		crm:      crm,
		inbox:    inbox,
		archiver: archiver,
		owner:    model.NormalizeEmail(ownerEmail),
		logger:   logger,
		now:      time.Now,
	}
}

// run 单次调用的可变状态
type run struct {
	s        *Service
	ctx      context.Context
	log      *zap.Logger
	result   *Result
	contacts []model.ThreadContact
	index    model.ContactIndex
	keep     model.Status
}

func (r *run) step(step, msg string, data any) {
	r.result.Log = append(r.result.Log, StepLog{Time: r.s.now(), Step: step, Message: msg, Data: data})
	r.log.Debug(msg, zap.String("step", step), zap.Any("data", data))
}

func (r *run) fail(step string, item model.InboxItem, err error) {
	r.result.Errors = append(r.result.Errors, StepError{Step: step, InboxID: item.ID, Error: err.Error()})
	r.result.Log = append(r.result.Log, StepLog{Time: r.s.now(), Step: step, Message: err.Error(), Data: item.ID})
	metrics.IncrementPipelineStepFailure(step)
	r.log.Warn("Pipeline step failed",
		zap.String("step", step),
		zap.String("inbox_id", item.ID),
		zap.Error(err),
	)
}

// SaveAndArchive 按线程顺序逐封保存到 CRM，然后归档并清理收件箱
func (s *Service) SaveAndArchive(ctx context.Context, req Request) (*Result, error) {
	if req.KeepStatus != model.StatusNone && !req.KeepStatus.IsTag() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeepStatus, req.KeepStatus)
	}

	r := &run{
		s:      s,
		ctx:    ctx,
		log:    logger.WithTrace(ctx, s.logger),
		result: &Result{Saved: []string{}, Failed: []string{}},
		keep:   req.KeepStatus,
	}

	contacts := req.Contacts
	if contacts == nil {
		var err error
		contacts, err = s.crm.ContactsByEmails(ctx, threadAddresses(req.Thread))
		if err != nil {
			// 联系人查不到不影响邮件本身入库
			r.fail(StepSender, model.InboxItem{}, err)
		}
	}
	r.contacts = model.FilterThreadContacts(contacts, s.owner)
	r.index = model.NewContactIndex(contacts)
	r.step("START", fmt.Sprintf("Processing %d emails", len(req.Thread)), map[string]any{
		"contacts":    len(r.contacts),
		"keep_status": req.KeepStatus,
	})

	for _, item := range req.Thread {
		if r.processEmail(item) {
			r.result.Saved = append(r.result.Saved, item.ID)
			metrics.IncrementPipelineEmail("saved")
		} else {
			r.result.Failed = append(r.result.Failed, item.ID)
			metrics.IncrementPipelineEmail("failed")
		}
	}

	r.result.Message = SummaryMessage(len(r.result.Saved), len(r.result.Errors), req.KeepStatus)
	r.log.Info("Save and archive finished",
		zap.Int("saved", len(r.result.Saved)),
		zap.Int("failed", len(r.result.Failed)),
		zap.Int("warnings", len(r.result.Errors)),
	)
	return r.result, nil
}

// processEmail 返回该邮件是否已保存并从工作收件箱清理
func (r *run) processEmail(item model.InboxItem) bool {
	ctx := r.ctx
	crmSaved := true

	// 1. 线程
	emailThreadID, err := r.ensureThread(item)
	if err != nil {
		r.fail(StepThread, item, err)
		crmSaved = false
	}

	// 2. 发件人
	sender := item.Sender()
	senderContactID, ok := r.index.Lookup(sender)
	if !ok && sender != "" {
		senderContactID, err = r.s.crm.FindContactIDByEmail(ctx, sender)
		if err != nil {
			r.fail(StepSender, item, err)
		}
	}
	r.step("SENDER", "Sender: "+sender, map[string]any{"contact_id": senderContactID, "in_crm": senderContactID != ""})

	direction := model.DirectionReceived
	if sender == r.s.owner {
		direction = model.DirectionSent
	}

	// 3. 邮件记录
	emailID, created, err := r.s.crm.CreateEmail(ctx, &model.EmailRecord{
		GmailID:          item.FastmailID,
		ThreadID:         item.ThreadID,
		EmailThreadID:    emailThreadID,
		Subject:          item.Subject,
		BodyPlain:        item.BodyText,
		BodyHTML:         item.BodyHTML,
		MessageTimestamp: item.Date,
		Direction:        direction,
		HasAttachments:   item.HasAttachments,
		AttachmentCount:  len(item.Attachments),
		IsRead:           item.IsRead,
		IsStarred:        item.IsStarred,
		SenderContactID:  senderContactID,
		CreatedBy:        model.CreatedBy,
	})
	if err != nil {
		r.fail(StepEmail, item, err)
		crmSaved = false
		emailID = ""
	} else if created {
		r.step("EMAIL_RECORD", "Created email record", map[string]any{"email_id": emailID, "direction": direction})
	} else {
		r.step("EMAIL_RECORD", "Email already exists", map[string]any{"email_id": emailID})
	}

	// 4. 参与人
	if emailID != "" {
		r.ensureParticipants(item, emailID, senderContactID)
	}

	// 5. 互动 / 6. 线程关联
	if emailThreadID != "" {
		r.ensureInteractions(item, emailThreadID, direction)
		r.ensureThreadLinks(item, emailThreadID)
	}

	// 7. 联系人最近互动时间
	r.advanceContacts(item)

	if !crmSaved {
		r.step(StepSkipArchive, "Skipping archive/cleanup due to CRM save failure", map[string]any{"inbox_id": item.ID})
		return false
	}

	// 8. 服务商归档；失败只记警告
	if item.FastmailID != "" {
		if err := r.s.archiver.Archive(ctx, item.FastmailID); err != nil {
			r.fail(StepArchive, item, err)
		} else {
			r.step("FASTMAIL", "Archived in Fastmail", map[string]any{"fastmail_id": item.FastmailID})
		}
	}

	// 9. 清理收件箱
	step := StepDeleteInbox
	if r.keep != model.StatusNone {
		step = StepUpdateStatus
	}
	if err := r.s.inbox.CleanupItem(ctx, item.ID, r.keep, r.archivedEvent(item, emailID, emailThreadID)); err != nil {
		r.fail(step, item, err)
		return false
	}
	if r.keep != model.StatusNone {
		r.step("STATUS_UPDATE", fmt.Sprintf("Updated status to '%s'", r.keep), map[string]any{"inbox_id": item.ID})
	} else {
		r.step("CLEANUP", "Removed from inbox", map[string]any{"inbox_id": item.ID})
	}
	return true
}

func (r *run) ensureThread(item model.InboxItem) (string, error) {
	ctx := r.ctx
	if item.ThreadID == "" {
		return "", errors.New("missing thread_id")
	}
	existing, err := r.s.crm.FindThreadByProviderID(ctx, item.ThreadID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		touched, err := r.s.crm.TouchThread(ctx, existing.EmailThreadID, item.Date)
		if err != nil {
			return "", err
		}
		r.step("THREAD", "Thread exists", map[string]any{"email_thread_id": existing.EmailThreadID, "touched": touched})
		return existing.EmailThreadID, nil
	}

	id, err := r.s.crm.CreateThread(ctx, &model.EmailThread{
		ThreadID:             item.ThreadID,
		Subject:              model.StripSubjectPrefixes(item.Subject),
		LastMessageTimestamp: item.Date,
	})
	if err != nil {
		return "", err
	}
	r.step("THREAD", "Created thread", map[string]any{"email_thread_id": id})
	return id, nil
}

func (r *run) ensureParticipants(item model.InboxItem, emailID, senderContactID string) {
	var participants []model.Participant
	if senderContactID != "" {
		participants = append(participants, model.Participant{EmailID: emailID, ContactID: senderContactID, Type: model.ParticipantSender})
	}
	for _, rcpt := range item.ToRecipients {
		if id, ok := r.index.Lookup(rcpt.Email); ok {
			participants = append(participants, model.Participant{EmailID: emailID, ContactID: id, Type: model.ParticipantTo})
		}
	}
	for _, rcpt := range item.CCRecipients {
		if id, ok := r.index.Lookup(rcpt.Email); ok {
			participants = append(participants, model.Participant{EmailID: emailID, ContactID: id, Type: model.ParticipantCC})
		}
	}

	created := 0
	for _, p := range participants {
		ok, err := r.s.crm.EnsureParticipant(r.ctx, p)
		if err != nil {
			r.fail(StepParticipants, item, err)
			continue
		}
		if ok {
			created++
		}
	}
	r.step("PARTICIPANTS", fmt.Sprintf("Found %d participants in CRM", len(participants)), map[string]any{"created": created})
}

func (r *run) ensureInteractions(item model.InboxItem, emailThreadID string, direction model.Direction) {
	for _, c := range r.contacts {
		in := &model.Interaction{
			ContactID:       c.ContactID,
			Type:            "email",
			Direction:       direction,
			InteractionDate: item.Date,
			EmailThreadID:   emailThreadID,
			Summary:         model.InteractionSummary(item.Subject, item.Snippet),
		}
		created, err := r.s.crm.EnsureInteraction(r.ctx, in)
		if err != nil {
			r.fail(StepInteractions, item, err)
			continue
		}
		msg := "Interaction already exists for contact " + c.Email
		if created {
			msg = "Created interaction for " + c.Email
		}
		r.step("INTERACTION", msg, map[string]any{"interaction_id": in.InteractionID, "direction": direction})
	}
}

func (r *run) ensureThreadLinks(item model.InboxItem, emailThreadID string) {
	for _, c := range r.contacts {
		if _, err := r.s.crm.EnsureContactThread(r.ctx, c.ContactID, emailThreadID); err != nil {
			r.fail(StepThreadLinks, item, err)
		}
	}
	r.step("THREAD_LINKS", "Thread linked to contacts", nil)
}

func (r *run) advanceContacts(item model.InboxItem) {
	for _, c := range r.contacts {
		if _, err := r.s.crm.AdvanceLastInteraction(r.ctx, c.ContactID, item.Date); err != nil {
			r.fail(StepContacts, item, err)
		}
	}
	r.step("CONTACTS_UPDATE", "Updated last_interaction_at for contacts", nil)
}

func (r *run) archivedEvent(item model.InboxItem, emailID, emailThreadID string) model.OutboxEvent {
	routingKey := contractsmq.RoutingKeyItemArchived
	if r.keep != model.StatusNone {
		routingKey = contractsmq.RoutingKeyItemTagged
	}
	return model.OutboxEvent{
		AggregateType: "inbox_item",
		AggregateID:   item.ID,
		RoutingKey:    routingKey,
		Payload: contractsmq.ItemArchivedPayload{
			Envelope: contractsmq.Envelope{
				EventID: uuid.NewString(),
				TraceID: trace.FromContext(r.ctx),
			},
			InboxID:       item.ID,
			FastmailID:    item.FastmailID,
			ThreadID:      item.ThreadID,
			EmailID:       emailID,
			EmailThreadID: emailThreadID,
			KeepStatus:    string(r.keep),
			ArchivedAt:    r.s.now().UTC(),
		},
	}
}

// threadAddresses 线程中出现过的全部地址
func threadAddresses(thread []model.InboxItem) []string {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		addr = model.NormalizeEmail(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, it := range thread {
		add(it.FromEmail)
		for _, rc := range it.ToRecipients {
			add(rc.Email)
		}
		for _, rc := range it.CCRecipients {
			add(rc.Email)
		}
	}
	return out
}

// SummaryMessage 生成结束时的提示文案
func SummaryMessage(saved, warnings int, keep model.Status) string {
	if saved == 0 {
		return "Failed to save - emails not archived"
	}
	if warnings > 0 {
		action := "archived"
		if keep != model.StatusNone {
			action = fmt.Sprintf("moved to '%s'", keep)
		}
		return fmt.Sprintf("Saved & %s %d %s (%d %s)", action, saved, plural(saved, "email"), warnings, plural(warnings, "warning"))
	}
	if keep != model.StatusNone {
		return fmt.Sprintf("Saved & moved to '%s' successfully", keep)
	}
	return "Saved & Archived successfully"
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
