package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/hub"
	"github.com/btouchard/courier/internal/notify"
	"github.com/btouchard/courier/internal/presence"
	"github.com/btouchard/courier/internal/store"
)

// mockConn records frames pushed to one connection.
type mockConn struct {
	id string

	mu   sync.Mutex
	msgs []event.Envelope
}

func (c *mockConn) ID() string { return c.id }

func (c *mockConn) Send(msg []byte) bool {
	var env event.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, env)
	return true
}

func (c *mockConn) received() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Envelope(nil), c.msgs...)
}

// mockPersister records fallbacks and fails for configured recipients.
type mockPersister struct {
	failFor  map[event.UserID]bool
	gate     chan struct{}
	inflight atomic.Int32

	mu      sync.Mutex
	records []notify.Fallback
}

func (p *mockPersister) Persist(ctx context.Context, f notify.Fallback) (*store.NotificationRecord, error) {
	if p.gate != nil {
		p.inflight.Add(1)
		<-p.gate
	}
	if p.failFor[f.Recipient] {
		return nil, errors.New("database is locked")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, f)
	return &store.NotificationRecord{UserID: string(f.Recipient), Type: string(f.Kind), Message: f.Message}, nil
}

func (p *mockPersister) recipients() []event.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.UserID
	for _, r := range p.records {
		out = append(out, r.Recipient)
	}
	return out
}

type fixture struct {
	registry  *presence.Registry
	hub       *hub.Hub
	persister *mockPersister
	d         *Dispatcher
	conns     map[event.UserID]*mockConn
}

func newFixture(t *testing.T, online ...event.UserID) *fixture {
	t.Helper()
	f := &fixture{
		registry:  presence.NewRegistry(),
		hub:       hub.New(),
		persister: &mockPersister{},
		conns:     make(map[event.UserID]*mockConn),
	}
	f.d = New(f.registry, f.hub, f.persister)
	for _, id := range online {
		f.connect(id, string(id)+"-conn")
	}
	return f
}

func (f *fixture) connect(id event.UserID, connID string) *mockConn {
	c := &mockConn{id: connID}
	f.hub.Subscribe(hub.Topic(id), c)
	f.registry.Register(id, connID)
	f.conns[id] = c
	return c
}

func taskEvent(kind event.Kind, actor event.UserID, recipients ...event.UserID) event.Event {
	return event.Event{
		Kind:       kind,
		Actor:      actor,
		TaskID:     "t1",
		Message:    `Task "Docs" has been updated`,
		Payload:    json.RawMessage(`{"id":"t1","title":"Docs"}`),
		Recipients: recipients,
	}
}

func TestDispatch_OnlineRecipient_PushedNotPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "u2")

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "u2"))
	require.NoError(t, err)

	assert.Equal(t, []event.UserID{"u2"}, report.Pushed)
	assert.Empty(t, report.Persisted)
	assert.Empty(t, f.persister.recipients())

	msgs := f.conns["u2"].received()
	require.Len(t, msgs, 1)
	assert.Equal(t, event.KindTaskUpdated, msgs[0].Type)
	assert.JSONEq(t, `{"id":"t1","title":"Docs"}`, string(msgs[0].Payload))
}

func TestDispatch_OfflineRecipient_PersistedExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "u2", "u2"))
	require.NoError(t, err)

	assert.Empty(t, report.Pushed)
	assert.Equal(t, []event.UserID{"u2"}, report.Persisted)
	assert.Equal(t, []event.UserID{"u2"}, f.persister.recipients())
}

func TestDispatch_ActorNeverNotified(t *testing.T) {
	t.Parallel()

	for _, kind := range []event.Kind{event.KindTaskAssigned, event.KindTaskUpdated, event.KindTaskDeleted, event.KindCommentAdded} {
		t.Run(string(kind)+"/online", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "u1")

			report, err := f.d.Dispatch(context.Background(), taskEvent(kind, "u1", "u1"))
			require.NoError(t, err)

			assert.Equal(t, []event.UserID{"u1"}, report.Skipped)
			assert.Empty(t, f.conns["u1"].received())
			assert.Empty(t, f.persister.recipients())
		})
		t.Run(string(kind)+"/offline", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			report, err := f.d.Dispatch(context.Background(), taskEvent(kind, "u1", "u1"))
			require.NoError(t, err)

			assert.Equal(t, []event.UserID{"u1"}, report.Skipped)
			assert.Empty(t, f.persister.recipients())
		})
	}
}

func TestDispatch_MixedRecipients_NoCrossContamination(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "on1", "on2")

	report, err := f.d.Dispatch(context.Background(),
		taskEvent(event.KindCommentAdded, "author", "on1", "off1", "on2", "off2"))
	require.NoError(t, err)

	assert.Equal(t, []event.UserID{"on1", "on2"}, report.Pushed)
	assert.Equal(t, []event.UserID{"off1", "off2"}, report.Persisted)
	assert.ElementsMatch(t, []event.UserID{"off1", "off2"}, f.persister.recipients())
	assert.Len(t, f.conns["on1"].received(), 1)
	assert.Len(t, f.conns["on2"].received(), 1)
}

func TestDispatch_TaskAssignedScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "U1")

	task := event.Task{ID: "T1", Title: "Quarterly report", CreatorID: "U1", Assignees: []event.UserID{"U1", "U2"}}
	ev, err := event.TaskAssigned(task, "U1")
	require.NoError(t, err)
	// Recipient set as a careless producer would send it: actor included.
	ev.Recipients = []event.UserID{"U1", "U2"}

	report, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, []event.UserID{"U1"}, report.Skipped)
	assert.Empty(t, f.conns["U1"].received())
	require.Len(t, f.persister.records, 1)
	rec := f.persister.records[0]
	assert.Equal(t, event.UserID("U2"), rec.Recipient)
	assert.Equal(t, "T1", rec.TaskID)
	assert.Contains(t, rec.Message, "Quarterly report")
}

func TestDispatch_MultiDeviceFanout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	phone := f.connect("u2", "phone")
	laptop := f.connect("u2", "laptop")

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "u2"))
	require.NoError(t, err)

	assert.Equal(t, []event.UserID{"u2"}, report.Pushed)
	assert.Len(t, phone.received(), 1)
	assert.Len(t, laptop.received(), 1)
}

func TestDispatch_OnlineButUnreachable_FallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Registered but its topic subscription is already gone.
	f.registry.Register("u2", "closing")

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "u2"))
	require.NoError(t, err)

	assert.Empty(t, report.Pushed)
	assert.Equal(t, []event.UserID{"u2"}, report.Persisted)
}

// fullConn is a connection whose send buffer never has room.
type fullConn struct{ id string }

func (c fullConn) ID() string { return c.id }
func (fullConn) Send(_ []byte) bool { return false }

func TestDispatch_AllBuffersFull_FallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, id := range []string{"phone", "laptop"} {
		f.hub.Subscribe(hub.Topic("u2"), fullConn{id: id})
		f.registry.Register("u2", id)
	}

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "u2"))
	require.NoError(t, err)
	assert.Empty(t, report.Pushed)
	assert.Equal(t, []event.UserID{"u2"}, report.Persisted)
	assert.Equal(t, []event.UserID{"u2"}, f.persister.recipients())

	presenceEv, err := event.PresenceChanged("u1", true, []event.UserID{"u2"})
	require.NoError(t, err)
	report, err = f.d.Dispatch(context.Background(), presenceEv)
	require.NoError(t, err)
	assert.Equal(t, []event.UserID{"u2"}, report.Dropped)
	assert.Len(t, f.persister.recipients(), 1)
}

func TestDispatch_FallbackFailure_IsolatedPerRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "on")
	f.persister.failFor = map[event.UserID]bool{"bad": true}

	report, err := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "bad", "on", "good"))
	require.NoError(t, err, "a single fallback failure must not fail the dispatch")

	assert.Equal(t, []event.UserID{"on"}, report.Pushed)
	assert.Equal(t, []event.UserID{"good"}, report.Persisted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, event.UserID("bad"), report.Failed[0].Recipient)
	assert.Equal(t, event.KindTaskUpdated, report.Failed[0].Kind)
	assert.Contains(t, report.Failed[0].Error(), "database is locked")
}

func TestDispatch_FallbacksRunConcurrently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gate := make(chan struct{})
	f.persister.gate = gate

	done := make(chan Report, 1)
	go func() {
		report, _ := f.d.Dispatch(context.Background(), taskEvent(event.KindTaskUpdated, "u1", "a", "b", "c"))
		done <- report
	}()

	require.Eventually(t, func() bool { return f.persister.inflight.Load() == 3 },
		time.Second, 5*time.Millisecond, "fallback writes were serialized")
	close(gate)

	select {
	case report := <-done:
		assert.Equal(t, []event.UserID{"a", "b", "c"}, report.Persisted)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish")
	}
}

func TestDispatch_PreservesOrderPerRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "u2")

	for _, kind := range []event.Kind{event.KindTaskAssigned, event.KindTaskUpdated, event.KindCommentAdded} {
		_, err := f.d.Dispatch(context.Background(), taskEvent(kind, "u1", "u2"))
		require.NoError(t, err)
	}

	msgs := f.conns["u2"].received()
	require.Len(t, msgs, 3)
	assert.Equal(t, event.KindTaskAssigned, msgs[0].Type)
	assert.Equal(t, event.KindTaskUpdated, msgs[1].Type)
	assert.Equal(t, event.KindCommentAdded, msgs[2].Type)
}

func TestDispatch_PresenceEventNotPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "on")

	ev, err := event.PresenceChanged("u1", false, []event.UserID{"on", "off"})
	require.NoError(t, err)

	report, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, []event.UserID{"on"}, report.Pushed)
	assert.Equal(t, []event.UserID{"off"}, report.Dropped)
	assert.Empty(t, f.persister.recipients())
}

func TestDispatch_InvalidEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.d.Dispatch(context.Background(), event.Event{Kind: "nope", Recipients: []event.UserID{"u2"}})
	require.ErrorIs(t, err, event.ErrInvalidEvent)
	assert.Empty(t, f.persister.recipients())
}

func TestBroadcastPresence_ReachesEveryConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "a", "b")

	f.d.BroadcastPresence("gone", false)

	for _, id := range []event.UserID{"a", "b"} {
		msgs := f.conns[id].received()
		require.Len(t, msgs, 1)
		assert.Equal(t, event.KindPresenceChanged, msgs[0].Type)
		assert.JSONEq(t, `{"user_id":"gone","online":false}`, string(msgs[0].Payload))
	}
	assert.Empty(t, f.persister.recipients())
}

func TestFallbackError_Unwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := &FallbackError{Recipient: "u1", Kind: event.KindTaskUpdated, Err: base}
	assert.ErrorIs(t, err, base)
}
