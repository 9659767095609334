package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"commandcenter/pkg/trace"
)

type memStore struct {
	mu     sync.Mutex
	events map[int64]*Event
}

func newMemStore(events ...*Event) *memStore {
	s := &memStore{events: map[int64]*Event{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *memStore) list(status string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) GetPendingEvents(_ context.Context, _ int) ([]*Event, error) {
	return s.list(StatusPending), nil
}

func (s *memStore) GetFailedEvents(_ context.Context, _ int) ([]*Event, error) {
	return s.list(StatusFailed), nil
}

func (s *memStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *memStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	return nil
}

func (s *memStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	e.Status, e.NextRetryAt = NextAttempt(e.RetryCount, maxRetries, time.Now())
	return nil
}

type published struct {
	routingKey string
	traceID    string
	body       string
}

type fakePublisher struct {
	err  error
	sent []published
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if p.err != nil {
		return p.err
	}
	body, _ := json.Marshal(payload)
	p.sent = append(p.sent, published{routingKey: routingKey, traceID: trace.FromContext(ctx), body: string(body)})
	return nil
}

func TestDispatcher_PublishesPendingAndPropagatesTrace(t *testing.T) {
	store := newMemStore(&Event{
		ID:         1,
		RoutingKey: "inbox.item.archived",
		Payload:    json.RawMessage(`{"inbox_id":"a","trace_id":"t-1"}`),
		Status:     StatusPending,
	})
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, zap.NewNop())
	assert.Equal(t, 1, d.ProcessPendingEvents(context.Background()))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "inbox.item.archived", pub.sent[0].routingKey)
	assert.Equal(t, "t-1", pub.sent[0].traceID)
	assert.JSONEq(t, `{"inbox_id":"a","trace_id":"t-1"}`, pub.sent[0].body)
	assert.Equal(t, StatusSent, store.events[1].Status)
}

func TestDispatcher_FailureSchedulesRetryThenFails(t *testing.T) {
	store := newMemStore(&Event{ID: 7, RoutingKey: "inbox.sender.blocked", Payload: json.RawMessage(`{}`), Status: StatusPending})
	pub := &fakePublisher{err: errors.New("broker down")}

	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)
	assert.Equal(t, 0, d.ProcessPendingEvents(context.Background()))
	assert.Equal(t, StatusPending, store.events[7].Status)
	assert.NotNil(t, store.events[7].NextRetryAt)

	d.ProcessPendingEvents(context.Background())
	assert.Equal(t, StatusFailed, store.events[7].Status)
	assert.Equal(t, 2, store.events[7].RetryCount)
}

func TestReplayService_ReplaysFailedEvents(t *testing.T) {
	store := newMemStore(
		&Event{ID: 1, RoutingKey: "inbox.item.archived", Payload: json.RawMessage(`{}`), Status: StatusFailed},
		&Event{ID: 2, RoutingKey: "inbox.item.archived", Payload: json.RawMessage(`{}`), Status: StatusSent},
	)
	pub := &fakePublisher{}

	n, err := NewReplayService(store, pub, zap.NewNop()).ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.events[1].Status)
}

func TestReplayService_UnknownEvent(t *testing.T) {
	err := NewReplayService(newMemStore(), &fakePublisher{}, zap.NewNop()).ReplayEvent(context.Background(), 99)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status, next := NextAttempt(2, 5, now)
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(10*time.Second), *next)

	status, next = NextAttempt(5, 5, now)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}
