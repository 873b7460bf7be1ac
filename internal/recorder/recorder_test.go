package recorder_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volpestyle/career-agent-sub001/internal/broker"
	"github.com/Volpestyle/career-agent-sub001/internal/db"
	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/recorder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type notifications struct {
	mu   sync.Mutex
	logs []events.ActionLog
}

func (n *notifications) Notify(l events.ActionLog) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, l)
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.logs)
}

type fixture struct {
	store  *db.DB
	broker *broker.Broker
	notes  *notifications
	rec    *recorder.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())

	b := broker.New(broker.Config{}, discardLogger(), nil)
	notes := &notifications{}
	return &fixture{
		store:  store,
		broker: b,
		notes:  notes,
		rec:    recorder.New(store, b, notes, discardLogger()),
	}
}

func TestRecordLog_PersistsThenPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var live []events.ActionLog
	var storedAtDelivery int
	unsub := f.broker.Subscribe("s1", broker.Handlers{OnLog: func(l events.ActionLog) {
		live = append(live, l)
		// Runs on the publisher's goroutine, so the query sees the store
		// exactly as it was at publish time.
		logs, _ := f.store.GetActionLogs(ctx, "s1")
		storedAtDelivery = len(logs)
	}})
	defer unsub()

	got, err := f.rec.RecordLog(ctx, events.ActionLog{SessionID: "s1", Action: "open search", Type: events.LogNavigate})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, events.StatusSuccess, got.Status)

	require.Len(t, live, 1)
	assert.Equal(t, got, live[0])
	assert.Equal(t, 1, storedAtDelivery)
}

func TestRecordLog_DuplicateNotRepublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var n int
	unsub := f.broker.Subscribe("s1", broker.Handlers{OnLog: func(events.ActionLog) { n++ }})
	defer unsub()

	l := events.ActionLog{ID: "fixed", SessionID: "s1", Action: "scroll", Type: events.LogScroll}
	_, err := f.rec.RecordLog(ctx, l)
	require.NoError(t, err)
	_, err = f.rec.RecordLog(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordLog_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]events.ActionLog{
		"no session": {Action: "x", Type: events.LogAct},
		"no action":  {SessionID: "s1", Action: "  ", Type: events.LogAct},
		"bad type":   {SessionID: "s1", Action: "x", Type: "click"},
		"bad status": {SessionID: "s1", Action: "x", Type: events.LogAct, Status: "done"},
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.rec.RecordLog(ctx, l)
			assert.ErrorIs(t, err, recorder.ErrInvalid)
		})
	}
	logs, _ := f.store.GetActionLogs(ctx, "s1")
	assert.Empty(t, logs)
}

func TestRecordLog_NotifiesOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.RecordLog(ctx, events.ActionLog{SessionID: "s1", Action: "ok", Type: events.LogAct})
	require.NoError(t, err)
	_, err = f.rec.RecordLog(ctx, events.ActionLog{SessionID: "s1", Action: "boom", Type: events.LogError, Status: events.StatusError})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.notes.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "boom", f.notes.logs[0].Action)
}

func TestRecordJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var order []string
	var total int
	unsub := f.broker.Subscribe("s1", broker.Handlers{
		OnJobs:      func([]events.JobResult) { order = append(order, "jobs") },
		OnTotalJobs: func(n int) { order = append(order, "total"); total = n },
	})
	defer unsub()

	jobs := []events.JobResult{{JobID: "j1", Title: "Go dev"}, {JobID: "j2", Title: "SRE"}}
	err := f.rec.RecordJobs(ctx, "u1", "s1", jobs, 30)
	require.ErrorIs(t, err, db.ErrNotFound, "unclaimed session")
	assert.Empty(t, order)

	require.NoError(t, f.rec.ClaimSession(ctx, "s1", "u1", "golang"))
	require.NoError(t, f.rec.RecordJobs(ctx, "u1", "s1", jobs, 1))
	assert.Equal(t, []string{"jobs", "total"}, order)
	assert.Equal(t, 2, total, "total never below the snapshot size")

	batch, err := f.store.GetJobResults(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Len(t, batch.Jobs, 2)
}

func TestClaimSession_Validation(t *testing.T) {
	f := newFixture(t)
	err := f.rec.ClaimSession(context.Background(), "s1", "", "")
	assert.True(t, errors.Is(err, recorder.ErrInvalid))
}
