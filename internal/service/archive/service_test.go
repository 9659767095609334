package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/internal/testutil"
)

const owner = "me@example.com"

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *testutil.MemStore, *testutil.FakeProvider) {
	t.Helper()
	store := testutil.NewMemStore()
	provider := &testutil.FakeProvider{}
	svc := NewService(store, store, provider, owner, zaptest.NewLogger(t))
	return svc, store, provider
}

func item(id, from string, at time.Time) model.InboxItem {
	return model.InboxItem{
		ID:         id,
		Type:       model.ItemTypeEmail,
		ThreadID:   "thr-1",
		FastmailID: "fm-" + id,
		Subject:    "Re: Fwd: Quarterly numbers",
		Snippet:    "see attached",
		FromEmail:  from,
		ToRecipients: []model.Recipient{
			{Email: owner},
		},
		Date: at,
	}
}

func TestSaveAndArchive_EndToEnd(t *testing.T) {
	svc, store, provider := newService(t)
	store.AddContact(testutil.Contact{ContactID: "c-alice", FirstName: "Alice", Emails: []string{"alice@acme.com"}})

	thread := []model.InboxItem{
		item("i1", "Alice@Acme.com", t0),
		item("i2", "stranger@nowhere.org", t0.Add(time.Hour)),
	}
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)

	assert.Equal(t, []string{"i1", "i2"}, res.Saved)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "Saved & Archived successfully", res.Message)
	assert.True(t, res.Success())

	threads, emails, participants, interactions, links := store.Count()
	assert.Equal(t, 1, threads)
	assert.Equal(t, 2, emails)
	assert.Equal(t, 1, participants)
	assert.Equal(t, 1, interactions)
	assert.Equal(t, 1, links)

	assert.Equal(t, "Quarterly numbers", store.Threads["thr-1"].Subject)
	assert.Equal(t, t0.Add(time.Hour), store.Threads["thr-1"].LastMessageTimestamp)
	assert.Equal(t, "c-alice", store.Emails["fm-i1"].SenderContactID)
	assert.Equal(t, model.DirectionReceived, store.Emails["fm-i1"].Direction)

	_, ok := store.Item("i1")
	assert.False(t, ok)
	_, ok = store.Item("i2")
	assert.False(t, ok)

	assert.Equal(t, []string{"fm-i1", "fm-i2"}, provider.ArchivedIDs())
	assert.Equal(t, []string{contractsmq.RoutingKeyItemArchived, contractsmq.RoutingKeyItemArchived}, store.RoutingKeys())
}

func TestSaveAndArchive_Idempotent(t *testing.T) {
	svc, store, _ := newService(t)
	store.AddContact(testutil.Contact{ContactID: "c-alice", Emails: []string{"alice@acme.com"}})
	thread := []model.InboxItem{
		item("i1", "alice@acme.com", t0),
		item("i2", owner, t0.Add(time.Minute)),
	}
	thread[1].ToRecipients = []model.Recipient{{Email: "alice@acme.com"}}

	for i := 0; i < 2; i++ {
		store.AddItems(thread...)
		res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
		require.NoError(t, err)
		assert.Len(t, res.Saved, 2)
	}

	threads, emails, participants, interactions, links := store.Count()
	assert.Equal(t, 1, threads)
	assert.Equal(t, 2, emails)
	// alice 作为 i1 的发件人、i2 的收件人
	assert.Equal(t, 2, participants)
	assert.Equal(t, 1, interactions)
	assert.Equal(t, 1, links)
	assert.Equal(t, model.DirectionSent, store.Emails["fm-i2"].Direction)
}

func TestSaveAndArchive_LastInteractionIsMonotonic(t *testing.T) {
	svc, store, _ := newService(t)
	store.AddContact(testutil.Contact{ContactID: "c-alice", Emails: []string{"alice@acme.com"}})

	t1, t2 := t0, t0.Add(48*time.Hour)
	thread := []model.InboxItem{
		item("late", "alice@acme.com", t2),
		item("early", "alice@acme.com", t1),
	}
	store.AddItems(thread...)

	_, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)

	got := store.LastInteraction("c-alice")
	require.NotNil(t, got)
	assert.Equal(t, t2, *got)
	assert.Equal(t, t2, store.Threads["thr-1"].LastMessageTimestamp)
}

func TestSaveAndArchive_PartialFailureContainment(t *testing.T) {
	svc, store, provider := newService(t)
	store.Fail = func(op, arg string) error {
		if op == "create_email" && arg == "fm-i2" {
			return errors.New("insert failed")
		}
		return nil
	}

	thread := []model.InboxItem{
		item("i1", "a@x.com", t0),
		item("i2", "b@x.com", t0.Add(time.Minute)),
		item("i3", "c@x.com", t0.Add(2*time.Minute)),
	}
	thread[1].Status = model.StatusNeedActions
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)

	assert.Equal(t, []string{"i1", "i3"}, res.Saved)
	assert.Equal(t, []string{"i2"}, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepEmail, res.Errors[0].Step)
	assert.Equal(t, "Saved & archived 2 emails (1 warning)", res.Message)

	left, ok := store.Item("i2")
	require.True(t, ok)
	assert.Equal(t, model.StatusNeedActions, left.Status)
	assert.Equal(t, []string{"fm-i1", "fm-i3"}, provider.ArchivedIDs())
}

func TestSaveAndArchive_ThreadFailureSkipsArchive(t *testing.T) {
	svc, store, provider := newService(t)
	store.Fail = func(op, _ string) error {
		if op == "create_thread" {
			return errors.New("threads table locked")
		}
		return nil
	}
	thread := []model.InboxItem{item("i1", "a@x.com", t0)}
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)

	assert.Empty(t, res.Saved)
	assert.Equal(t, []string{"i1"}, res.Failed)
	assert.Equal(t, "Failed to save - emails not archived", res.Message)
	assert.False(t, res.Success())
	assert.Empty(t, provider.ArchivedIDs())

	// 邮件记录照常写入，线程为空
	assert.Equal(t, "", store.Emails["fm-i1"].EmailThreadID)
}

func TestSaveAndArchive_ArchiveFailureIsWarning(t *testing.T) {
	svc, store, provider := newService(t)
	provider.FailArchive = func(string) error { return errors.New("provider down") }
	thread := []model.InboxItem{item("i1", "a@x.com", t0)}
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)

	assert.Equal(t, []string{"i1"}, res.Saved)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepArchive, res.Errors[0].Step)
	_, ok := store.Item("i1")
	assert.False(t, ok)
}

func TestSaveAndArchive_CleanupFailureCountsAsFailed(t *testing.T) {
	svc, store, _ := newService(t)
	store.Fail = func(op, _ string) error {
		if op == "cleanup" {
			return errors.New("delete failed")
		}
		return nil
	}
	thread := []model.InboxItem{item("i1", "a@x.com", t0)}
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread})
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, res.Failed)
	assert.Equal(t, StepDeleteInbox, res.Errors[0].Step)
}

func TestSaveAndArchive_KeepStatus(t *testing.T) {
	svc, store, provider := newService(t)
	thread := []model.InboxItem{item("i1", "a@x.com", t0)}
	store.AddItems(thread...)

	res, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread, KeepStatus: model.StatusWaitingInput})
	require.NoError(t, err)

	assert.Equal(t, "Saved & moved to 'waiting_input' successfully", res.Message)
	kept, ok := store.Item("i1")
	require.True(t, ok)
	assert.Equal(t, model.StatusWaitingInput, kept.Status)
	assert.Equal(t, []string{"fm-i1"}, provider.ArchivedIDs())
	assert.Equal(t, []string{contractsmq.RoutingKeyItemTagged}, store.RoutingKeys())
}

func TestSaveAndArchive_InvalidKeepStatus(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.SaveAndArchive(context.Background(), Request{KeepStatus: model.StatusArchiving})
	assert.ErrorIs(t, err, ErrInvalidKeepStatus)
}

func TestSaveAndArchive_OwnerIsNotAnInteraction(t *testing.T) {
	svc, store, _ := newService(t)
	store.AddContact(testutil.Contact{ContactID: "c-me", Emails: []string{owner}})
	thread := []model.InboxItem{item("i1", "a@x.com", t0)}
	store.AddItems(thread...)

	contacts := []model.ThreadContact{{Email: owner, ContactID: "c-me"}, {Email: "nobody@x.com"}}
	_, err := svc.SaveAndArchive(context.Background(), Request{Thread: thread, Contacts: contacts})
	require.NoError(t, err)

	_, _, participants, interactions, _ := store.Count()
	// 本人作为收件人仍是参与人，但不生成互动
	assert.Equal(t, 1, participants)
	assert.Equal(t, 0, interactions)
	assert.Nil(t, store.LastInteraction("c-me"))
}

func TestSummaryMessage(t *testing.T) {
	tests := []struct {
		saved, warnings int
		keep            model.Status
		want            string
	}{
		{0, 3, model.StatusNone, "Failed to save - emails not archived"},
		{1, 1, model.StatusNone, "Saved & archived 1 email (1 warning)"},
		{3, 2, model.StatusNeedActions, "Saved & moved to 'need_actions' 3 emails (2 warnings)"},
		{2, 0, model.StatusNone, "Saved & Archived successfully"},
		{2, 0, model.StatusNeedActions, "Saved & moved to 'need_actions' successfully"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SummaryMessage(tt.saved, tt.warnings, tt.keep))
	}
}
