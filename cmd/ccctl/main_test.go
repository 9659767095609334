package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commandcenter/internal/inbox"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/session"
)

type fakeFetcher struct {
	blobs map[string]string
	err   error
}

func (f fakeFetcher) DownloadAttachment(_ context.Context, blobID, name, contentType string) (*jmap.Blob, error) {
	if f.err != nil {
		return nil, f.err
	}
	body := f.blobs[blobID]
	return &jmap.Blob{Body: io.NopCloser(strings.NewReader(body)), ContentType: contentType, Filename: name, Size: int64(len(body))}, nil
}

func pending(names ...string) []model.PendingAttachment {
	var out []model.PendingAttachment
	for _, n := range names {
		out = append(out, model.PendingAttachment{
			Attachment:   model.Attachment{Name: n, Type: "application/pdf", BlobID: "b-" + n},
			EmailSubject: "Invoice",
		})
	}
	return out
}

func TestPromptReviewer_SaveAndDiscard(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	r := &promptReviewer{
		in:      bufio.NewReader(strings.NewReader("x\ns\nd\n")),
		out:     &out,
		fetcher: fakeFetcher{blobs: map[string]string{"b-a.pdf": "AAA"}},
		dir:     dir,
	}

	require.NoError(t, r.Review(context.Background(), pending("a.pdf", "b.pdf")))

	data, err := os.ReadFile(filepath.Join(dir, "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(data))
	_, err = os.Stat(filepath.Join(dir, "b.pdf"))
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, out.String(), "discarded b.pdf")
}

func TestPromptReviewer_AbortAndEOF(t *testing.T) {
	r := &promptReviewer{in: bufio.NewReader(strings.NewReader("a\n")), out: io.Discard, dir: t.TempDir()}
	assert.ErrorIs(t, r.Review(context.Background(), pending("a.pdf")), errAborted)

	r = &promptReviewer{in: bufio.NewReader(strings.NewReader("")), out: io.Discard, dir: t.TempDir()}
	assert.ErrorIs(t, r.Review(context.Background(), pending("a.pdf")), errAborted)
}

func TestPromptReviewer_AcceptAllStopsOnDownloadError(t *testing.T) {
	r := &promptReviewer{
		in:        bufio.NewReader(strings.NewReader("")),
		out:       io.Discard,
		fetcher:   fakeFetcher{err: errors.New("circuit open")},
		dir:       t.TempDir(),
		acceptAll: true,
	}
	err := r.Review(context.Background(), pending("a.pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save a.pdf")
}

func TestSaveAttachment_StripsDirectories(t *testing.T) {
	dir := t.TempDir()
	path, n, err := saveAttachment(context.Background(),
		fakeFetcher{blobs: map[string]string{"b1": "xy"}},
		model.Attachment{Name: "../../etc/passwd", BlobID: "b1"}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), path)
	assert.Equal(t, int64(2), n)
}

func TestSelectThread(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	v := inbox.NewView([]model.InboxItem{
		{ID: "a", ThreadID: "A", Date: t0},
		{ID: "b", ThreadID: "B", Date: t0.Add(time.Hour)},
		{ID: "c", ThreadID: "C", Date: t0.Add(2 * time.Hour), Status: model.StatusNeedActions},
	})

	require.NoError(t, selectThread(v, "1"))
	sel, ok := v.Selected()
	require.True(t, ok)
	assert.Equal(t, "B", sel.Key)

	require.NoError(t, selectThread(v, "A"))
	sel, _ = v.Selected()
	assert.Equal(t, "A", sel.Key)

	assert.Error(t, selectThread(v, "3"))
	assert.Error(t, selectThread(v, "0"))
	assert.Error(t, selectThread(v, "nope"))
}

func TestPrintNotifierAndThreads(t *testing.T) {
	var buf bytes.Buffer
	n := printNotifier{out: &buf}
	n.Notify(session.LevelSuccess, "Saved")
	n.Notify(session.LevelError, "Archive failed: boom")
	n.Notify(session.LevelInfo, "Saved & archived 1 email (1 warning)")
	assert.Equal(t, "[ok] Saved\n[!!] Archive failed: boom\n[--] Saved & archived 1 email (1 warning)\n", buf.String())

	buf.Reset()
	v := inbox.NewView([]model.InboxItem{
		{ID: "a", ThreadID: "A", Subject: "Hello", FromEmail: "alice@acme.com", Date: time.Now()},
	})
	printThreads(&buf, v.InboxThreads())
	assert.Contains(t, buf.String(), "Hello")
	assert.Contains(t, buf.String(), "alice@acme.com")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
