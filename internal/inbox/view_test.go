package inbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commandcenter/internal/model"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func item(id, thread string, minutes int) model.InboxItem {
	return model.InboxItem{ID: id, ThreadID: thread, FastmailID: "fm-" + id, Date: base.Add(time.Duration(minutes) * time.Minute)}
}

func sampleView() *View {
	return NewView([]model.InboxItem{
		item("a1", "A", 10),
		item("a2", "A", 50),
		item("b1", "B", 40),
		item("c1", "C", 30),
		item("solo", "", 20),
	})
}

func keys(threads []Thread) []string {
	out := make([]string, 0, len(threads))
	for _, t := range threads {
		out = append(out, t.Key)
	}
	return out
}

func TestThreads_GroupedNewestFirst(t *testing.T) {
	v := sampleView()

	threads := v.Threads()
	assert.Equal(t, []string{"A", "B", "C", "solo"}, keys(threads))
	assert.Equal(t, 2, threads[0].Count)
	assert.Equal(t, "a2", threads[0].Latest.ID)
	assert.Equal(t, []string{"a2", "a1"}, threads[0].IDs())
}

func TestApply_StatusChangedAndRemoved(t *testing.T) {
	v := sampleView()

	v.Apply(StatusChanged{IDs: []string{"a1", "a2"}, Status: model.StatusArchiving})
	assert.Equal(t, StateArchiving, v.State("a1"))
	assert.Equal(t, []string{"B", "C", "solo"}, keys(v.InboxThreads()))
	assert.Len(t, v.Threads(), 4)

	// 一封邮件在归档中，整个线程都视为归档中
	v.Apply(StatusChanged{IDs: []string{"a2"}, Status: model.StatusNone})
	assert.Equal(t, model.StatusArchiving, v.Threads()[0].Status)

	v.Apply(Removed{IDs: []string{"a1", "a2"}})
	assert.Equal(t, StateGone, v.State("a1"))
	assert.Equal(t, StateUnknown, v.State("zzz"))
	assert.Equal(t, []string{"B", "C", "solo"}, keys(v.Threads()))

	// 已删除的条目不会被状态事件复活
	v.Apply(StatusChanged{IDs: []string{"a1"}, Status: model.StatusNeedActions})
	assert.Equal(t, StateGone, v.State("a1"))
}

func TestSelectAt_PositionalNext(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		remove   []string
		want     string
		wantOK   bool
	}{
		{"middle keeps index", "B", []string{"b1"}, "C", true},
		{"last falls back", "solo", []string{"solo"}, "C", true},
		{"first keeps index", "A", []string{"a1", "a2"}, "B", true},
		{"empty list clears", "A", []string{"a1", "a2", "b1", "c1", "solo"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := sampleView()
			require.True(t, v.Select(tt.selected))
			idx := v.SelectedIndex()

			v.Apply(StatusChanged{IDs: tt.remove, Status: model.StatusArchiving})
			got, ok := v.SelectAt(idx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got.Key)
			if !ok {
				_, selected := v.Selected()
				assert.False(t, selected)
			}
		})
	}
}

func TestApply_RemovingSelectedThreadClearsSelection(t *testing.T) {
	v := sampleView()
	require.True(t, v.Select("B"))

	v.Apply(Removed{IDs: []string{"b1"}})
	_, ok := v.Selected()
	assert.False(t, ok)
	assert.Equal(t, -1, v.SelectedIndex())
	assert.False(t, v.Select("B"))
}

func TestPruneSelection(t *testing.T) {
	v := NewView([]model.InboxItem{
		{ID: "1", ThreadID: "T", FromEmail: "spam@junk.io", Date: base},
		{ID: "2", ThreadID: "T", FromEmail: "friend@ok.com", Date: base.Add(time.Minute)},
	})
	require.True(t, v.Select("T"))

	target, err := model.NewSpamTarget(model.SpamKindDomain, "spam@junk.io")
	require.NoError(t, err)
	remaining := v.PruneSelection(func(e model.InboxItem) bool { return !target.Matches(e.FromEmail) })
	assert.Equal(t, []string{"2"}, model.IDs(remaining))
	_, ok := v.Selected()
	assert.True(t, ok)

	remaining = v.PruneSelection(func(model.InboxItem) bool { return false })
	assert.Empty(t, remaining)
	_, ok = v.Selected()
	assert.False(t, ok)
}

func TestReplace_KeepsSelectionWhenThreadSurvives(t *testing.T) {
	v := sampleView()
	require.True(t, v.Select("C"))

	v.Replace([]model.InboxItem{item("c1", "C", 30), item("d1", "D", 60)})
	sel, ok := v.Selected()
	require.True(t, ok)
	assert.Equal(t, "C", sel.Key)

	v.Replace([]model.InboxItem{item("d1", "D", 60)})
	_, ok = v.Selected()
	assert.False(t, ok)
}

func TestView_ConcurrentAccess(t *testing.T) {
	v := sampleView()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				v.Apply(StatusChanged{IDs: []string{"b1"}, Status: model.StatusArchiving})
				v.Apply(StatusChanged{IDs: []string{"b1"}, Status: model.StatusNone})
				return
			}
			_ = v.InboxThreads()
			_ = v.State("b1")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StatePresent, v.State("b1"))
}

func TestInboxThreads_ExcludesTagged(t *testing.T) {
	v := sampleView()
	v.Apply(StatusChanged{IDs: []string{"c1"}, Status: model.StatusWaitingInput})

	assert.Equal(t, []string{"A", "B", "solo"}, keys(v.InboxThreads()))
	assert.Equal(t, StatePresent, v.State("c1"))
	require.True(t, v.Select("C"))
	assert.Equal(t, -1, v.SelectedIndex())
}
