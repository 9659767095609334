package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/handler"
	"commandcenter/internal/model"
	"commandcenter/internal/service/archive"
	authsvc "commandcenter/internal/service/auth"
	inboxsvc "commandcenter/internal/service/inbox"
	"commandcenter/internal/service/spam"
	"commandcenter/internal/testutil"
	pkgauth "commandcenter/pkg/auth"
	"commandcenter/pkg/trace"
	"commandcenter/pkg/util"
)

const (
	owner  = "me@example.com"
	secret = "test-secret"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Lock(_ context.Context, scope, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := scope + ":" + key
	if l.held[k] {
		return nil, util.ErrLocked
	}
	l.held[k] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, k)
	}, nil
}

type fakeReplayer struct{ replayed []int64 }

func (r *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	r.replayed = append(r.replayed, id)
	return nil
}

func (r *fakeReplayer) ReplayFailedEvents(context.Context, int) (int, error) { return 0, nil }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type env struct {
	mem      *testutil.MemStore
	provider *testutil.FakeProvider
	locker   *memLocker
	replayer *fakeReplayer
	router   *Router
	token    string
}

func newEnv(t *testing.T, db Pinger) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := testutil.NewMemStore()
	provider := &testutil.FakeProvider{Blobs: map[string]string{"blob-1": "hello"}}
	locker := &memLocker{held: map[string]bool{}}
	hash, err := pkgauth.HashPassword("pw")
	require.NoError(t, err)

	items := inboxsvc.NewService(mem, provider, nil)
	replayer := &fakeReplayer{}
	h := Handlers{
		Auth:  handler.NewAuthHandler(authsvc.NewService(owner, hash, secret, time.Hour), nil),
		Email: handler.NewEmailHandler(archive.NewService(mem, mem, provider, owner, nil), locker, items, provider, nil),
		Inbox: handler.NewInboxHandler(items, spam.NewService(mem, mem, provider, nil), nil),
		Admin: handler.NewAdminHandler(replayer, nil),
	}
	token, err := pkgauth.GenerateJWT(owner, secret, time.Hour)
	require.NoError(t, err)

	return &env{
		mem:      mem,
		provider: provider,
		locker:   locker,
		replayer: replayer,
		router:   NewRouter(h, secret, owner, db, nil),
		token:    token,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.Engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func thread() []model.InboxItem {
	return []model.InboxItem{
		{ID: "i1", Type: model.ItemTypeEmail, ThreadID: "T", FastmailID: "fm-1", Subject: "Hello", FromEmail: "alice@acme.com", Date: t0},
		{ID: "i2", Type: model.ItemTypeEmail, ThreadID: "T", FastmailID: "fm-2", Subject: "Re: Hello", FromEmail: owner, Date: t0.Add(time.Hour)},
	}
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, fakePinger{})
	e.token = ""

	w := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName()))

	w = e.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newEnv(t, fakePinger{err: errors.New("conn refused")})
	w = down.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")

	w = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newEnv(t, nil)
	e.token = ""
	w := e.do(t, http.MethodGet, "/inbox", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	e.token = "garbage"
	w = e.do(t, http.MethodGet, "/inbox", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin(t *testing.T) {
	e := newEnv(t, nil)
	e.token = ""

	w := e.do(t, http.MethodPost, "/login", contractsapi.LoginRequest{Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[contractsapi.LoginResponse](t, w)
	subject, err := pkgauth.ParseJWT(resp.Token, secret)
	require.NoError(t, err)
	assert.Equal(t, owner, subject)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	w = e.do(t, http.MethodPost, "/login", contractsapi.LoginRequest{Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSaveAndArchive_EndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddContact(testutil.Contact{ContactID: "c-alice", Emails: []string{"alice@acme.com"}})
	e.mem.AddItems(thread()...)

	w := e.do(t, http.MethodPost, "/email/save-and-archive", contractsapi.SaveAndArchiveRequest{ThreadData: thread()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[contractsapi.SaveAndArchiveResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"i1", "i2"}, resp.Saved)
	assert.Empty(t, resp.Failed)
	assert.Zero(t, resp.Warnings)
	assert.Equal(t, "Saved & Archived successfully", resp.Message)

	assert.Equal(t, model.DirectionSent, e.mem.Emails["fm-2"].Direction)
	assert.ElementsMatch(t, []string{"fm-1", "fm-2"}, e.provider.ArchivedIDs())
	_, ok := e.mem.Item("i1")
	assert.False(t, ok)
	// 锁已释放
	assert.Empty(t, e.locker.held)
}

func TestSaveAndArchive_NothingSaved(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddItems(thread()...)
	e.mem.Fail = func(op, _ string) error {
		if op == "find_thread" {
			return errors.New("timeout")
		}
		return nil
	}

	w := e.do(t, http.MethodPost, "/email/save-and-archive", contractsapi.SaveAndArchiveRequest{ThreadData: thread()})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[contractsapi.SaveAndArchiveResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "Failed to save - emails not archived", resp.Error)
	assert.Equal(t, []string{"i1", "i2"}, resp.Failed)
	assert.Equal(t, 2, resp.Warnings)
}

func TestSaveAndArchive_RejectsBadRequests(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/email/save-and-archive", contractsapi.SaveAndArchiveRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing threadData")

	w = e.do(t, http.MethodPost, "/email/save-and-archive", map[string]any{
		"threadData": thread(),
		"keepStatus": "archiving",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.locker.held["save_and_archive:T"] = true
	w = e.do(t, http.MethodPost, "/email/save-and-archive", contractsapi.SaveAndArchiveRequest{ThreadData: thread()})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestArchive(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddItems(thread()...)

	w := e.do(t, http.MethodPost, "/archive", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing fastmailId", decode[contractsapi.Response](t, w).Error)

	w = e.do(t, http.MethodPost, "/archive", contractsapi.ArchiveRequest{FastmailID: "fm-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[contractsapi.Response](t, w).Success)
	_, ok := e.mem.Item("i1")
	assert.False(t, ok)

	e.provider.FailArchive = func(string) error { return errors.New("jmap: server error") }
	w = e.do(t, http.MethodPost, "/archive", contractsapi.ArchiveRequest{FastmailID: "fm-2"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[contractsapi.Response](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "jmap: server error", resp.Error)
}

func TestMarkAsRead(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddItems(thread()...)

	w := e.do(t, http.MethodPost, "/mark-as-read", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing fastmailIds array")

	w = e.do(t, http.MethodPost, "/mark-as-read", contractsapi.MarkAsReadRequest{FastmailIDs: []string{"fm-1"}, InboxIDs: []string{"i1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"updated":{"fastmail":{"updated":1,"failed":0},"supabase":1}}`, w.Body.String())
	it, _ := e.mem.Item("i1")
	assert.True(t, it.IsRead)
}

func TestAttachment(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodGet, "/attachment/blob-1?name=Q1%20report.pdf&type=application/pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, `attachment; filename="Q1 report.pdf"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))

	w = e.do(t, http.MethodGet, "/attachment/blob-1?name=Devis%20%C3%A9t%C3%A9.pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "Devis été.pdf", params["filename"])

	w = e.do(t, http.MethodGet, "/attachment/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboxRoutes(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddItems(thread()...)
	e.mem.AddItems(model.InboxItem{ID: "w1", Type: model.ItemTypeWhatsApp, ChatID: "chat-1", Date: t0})

	w := e.do(t, http.MethodGet, "/inbox?type=email", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.InboxItem](t, w), 2)

	w = e.do(t, http.MethodGet, "/inbox?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/inbox/status", contractsapi.StatusRequest{IDs: []string{"i1", "i2"}, Status: model.StatusArchiving})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decode[contractsapi.StatusResponse](t, w).Updated)
	it, _ := e.mem.Item("i2")
	assert.Equal(t, model.StatusArchiving, it.Status)

	w = e.do(t, http.MethodPost, "/inbox/chat-status", contractsapi.ChatStatusRequest{ChatID: "chat-1", Status: model.StatusArchiving})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/inbox/chat-status", contractsapi.ChatStatusRequest{ChatID: "chat-1", Status: model.StatusNeedActions})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodDelete, "/inbox/i1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"fm-1"}, e.provider.ArchivedIDs())

	w = e.do(t, http.MethodDelete, "/inbox/i1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSpamBlock(t *testing.T) {
	e := newEnv(t, nil)
	e.mem.AddItems(
		model.InboxItem{ID: "s1", FastmailID: "fm-s1", FromEmail: "a@junk.io", Date: t0},
		model.InboxItem{ID: "s2", FastmailID: "fm-s2", FromEmail: "b@junk.io", Date: t0},
		model.InboxItem{ID: "k1", FastmailID: "fm-k1", FromEmail: "friend@ok.com", Date: t0},
	)

	w := e.do(t, http.MethodPost, "/spam/block", contractsapi.BlockRequest{Kind: "ip", FromEmail: "a@junk.io"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/spam/block", contractsapi.BlockRequest{Kind: model.SpamKindDomain, FromEmail: "a@junk.io"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[contractsapi.BlockResponse](t, w)
	assert.Equal(t, []string{"s1", "s2"}, resp.DeletedIDs)
	assert.Equal(t, "Blocked @junk.io - archived & deleted 2 emails", resp.Message)
	assert.Equal(t, 1, resp.Counter)
	_, ok := e.mem.Item("k1")
	assert.True(t, ok)
}

func TestAdminRoutesRequireOwner(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/admin/outbox/replay?id=7", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []int64{7}, e.replayer.replayed)

	client, err := pkgauth.GenerateJWT("sync-script", secret, time.Hour)
	require.NoError(t, err)
	e.token = client

	w = e.do(t, http.MethodPost, "/admin/outbox/replay?id=8", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []int64{7}, e.replayer.replayed)

	// client token 仍可操作收件箱
	w = e.do(t, http.MethodGet, "/inbox", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
