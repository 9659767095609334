package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	contractsmq "commandcenter/contracts/mq"
	"commandcenter/internal/model"
	"commandcenter/internal/testutil"
)

func TestSweepOnce_ResetsOnlyStaleArchiving(t *testing.T) {
	store := testutil.NewMemStore()
	now := time.Now()
	stale := now.Add(-20 * time.Minute)
	fresh := now.Add(-time.Minute)
	store.AddItems(
		model.InboxItem{ID: "stale", Status: model.StatusArchiving, StatusChangedAt: &stale},
		model.InboxItem{ID: "fresh", Status: model.StatusArchiving, StatusChangedAt: &fresh},
		model.InboxItem{ID: "tagged", Status: model.StatusNeedActions, StatusChangedAt: &stale},
	)

	s := New(store, 10*time.Minute, time.Minute, nil)
	s.now = func() time.Time { return now }

	ids, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	it, _ := store.Item("stale")
	assert.Equal(t, model.StatusNone, it.Status)
	it, _ = store.Item("fresh")
	assert.Equal(t, model.StatusArchiving, it.Status)
	it, _ = store.Item("tagged")
	assert.Equal(t, model.StatusNeedActions, it.Status)
	assert.Equal(t, []string{contractsmq.RoutingKeyArchivingExpired}, store.RoutingKeys())

	ids, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweepOnce_RestoresStatusBeforeCheckpoint(t *testing.T) {
	store := testutil.NewMemStore()
	store.AddItems(
		model.InboxItem{ID: "a", Status: model.StatusWaitingInput},
		model.InboxItem{ID: "b"},
	)
	ctx := context.Background()
	_, err := store.SetStatus(ctx, []string{"a", "b"}, model.StatusArchiving)
	require.NoError(t, err)
	// 重复进入 archiving 不覆盖原状态
	_, err = store.SetStatus(ctx, []string{"a"}, model.StatusArchiving)
	require.NoError(t, err)

	s := New(store, 10*time.Minute, time.Minute, nil)
	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	ids, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	it, _ := store.Item("a")
	assert.Equal(t, model.StatusWaitingInput, it.Status)
	it, _ = store.Item("b")
	assert.Equal(t, model.StatusNone, it.Status)
}

func TestStart_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testutil.NewMemStore()
	s := New(store, time.Minute, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}
