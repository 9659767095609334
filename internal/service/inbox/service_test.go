package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/internal/repository"
	"commandcenter/internal/testutil"
)

func newTestService() (*Service, *testutil.MemStore, *testutil.FakeProvider) {
	store := testutil.NewMemStore()
	now := time.Now()
	store.AddItems(
		model.InboxItem{ID: "a", ThreadID: "t1", FastmailID: "fa", Date: now},
		model.InboxItem{ID: "b", ThreadID: "t1", FastmailID: "fb", Date: now.Add(-time.Hour), Status: model.StatusNeedActions},
		model.InboxItem{ID: "w1", Type: model.ItemTypeWhatsApp, ChatID: "chat-9", Date: now},
		model.InboxItem{ID: "w2", Type: model.ItemTypeWhatsApp, ChatID: "chat-9", Date: now},
	)
	provider := &testutil.FakeProvider{}
	return NewService(store, provider, nil), store, provider
}

func TestUpdateStatus_OnlyTags(t *testing.T) {
	svc, store, _ := newTestService()

	n, err := svc.UpdateStatus(context.Background(), []string{"a"}, model.StatusWaitingInput)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	it, _ := store.Item("a")
	assert.Equal(t, model.StatusWaitingInput, it.Status)

	_, err = svc.UpdateStatus(context.Background(), []string{"a"}, model.StatusArchiving)
	assert.ErrorIs(t, err, model.ErrInvalidStatus)

	_, err = svc.UpdateStatus(context.Background(), nil, model.StatusNeedActions)
	assert.ErrorIs(t, err, ErrNoIDs)
}

func TestUpdateChatStatus(t *testing.T) {
	svc, store, _ := newTestService()

	n, err := svc.UpdateChatStatus(context.Background(), "chat-9", model.StatusNeedActions)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	it, _ := store.Item("w2")
	assert.Equal(t, model.StatusNeedActions, it.Status)
}

func TestList_FiltersByStatus(t *testing.T) {
	svc, _, _ := newTestService()

	items, err := svc.List(context.Background(), repository.ListFilter{
		Type:     "",
		Statuses: []model.Status{model.StatusNeedActions},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestDeleteItem_ArchivesThenDeletes(t *testing.T) {
	svc, store, provider := newTestService()

	require.NoError(t, svc.DeleteItem(context.Background(), "a"))
	assert.Equal(t, []string{"fa"}, provider.ArchivedIDs())
	_, ok := store.Item("a")
	assert.False(t, ok)
	assert.Equal(t, []string{contractsmq.RoutingKeyItemDeleted}, store.RoutingKeys())

	err := svc.DeleteItem(context.Background(), "a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteItem_ArchiveFailureStillDeletes(t *testing.T) {
	svc, store, provider := newTestService()
	provider.FailArchive = func(string) error { return errors.New("provider down") }

	require.NoError(t, svc.DeleteItem(context.Background(), "b"))
	_, ok := store.Item("b")
	assert.False(t, ok)
}

func TestArchiveByProviderID(t *testing.T) {
	svc, store, provider := newTestService()

	assert.ErrorIs(t, svc.ArchiveByProviderID(context.Background(), ""), ErrMissingFastmailID)

	require.NoError(t, svc.ArchiveByProviderID(context.Background(), "fb"))
	assert.Equal(t, []string{"fb"}, provider.ArchivedIDs())
	_, ok := store.Item("b")
	assert.False(t, ok)

	// 已归档的邮件再次归档不报错
	require.NoError(t, svc.ArchiveByProviderID(context.Background(), "fb"))
}

func TestArchiveByProviderID_ProviderError(t *testing.T) {
	svc, store, provider := newTestService()
	provider.FailArchive = func(string) error { return errors.New("archive mailbox not found") }

	assert.Error(t, svc.ArchiveByProviderID(context.Background(), "fa"))
	_, ok := store.Item("a")
	assert.True(t, ok)
}

func TestMarkAsRead(t *testing.T) {
	svc, store, provider := newTestService()

	res, err := svc.MarkAsRead(context.Background(), []string{"fa", "fb"}, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Provider.Updated)
	assert.Equal(t, int64(1), res.Inbox)
	assert.Equal(t, []string{"fa", "fb"}, provider.Read)
	it, _ := store.Item("a")
	assert.True(t, it.IsRead)

	_, err = svc.MarkAsRead(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoIDs)
}
