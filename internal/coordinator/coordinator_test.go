package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/logrouter"
	"github.com/sitekeeper/master/internal/metrics"
)

// fakeSender records every message sent and lets tests fail sends for
// specific nodes.
type fakeSender struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, nodeName string, msg domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.fail[nodeName] {
		return assert.AnError
	}
	return nil
}

// fakeSubscriber is a no-op connectivity source except for tests that push
// events directly onto its channel to simulate the registry's sweeper.
type fakeSubscriber struct {
	ch chan domain.ConnectivityEvent
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan domain.ConnectivityEvent, 16)}
}

func (f *fakeSubscriber) Subscribe() chan domain.ConnectivityEvent  { return f.ch }
func (f *fakeSubscriber) Unsubscribe(chan domain.ConnectivityEvent) {}
func (f *fakeSubscriber) Lookup(string) (domain.AgentState, bool)   { return domain.AgentState{}, false }

// instantFlush satisfies FlushRequester and completes every barrier
// immediately as fully confirmed — coordinator tests assert on the
// NodeAction state machine, not the flush barrier itself (that is exercised
// directly in internal/logrouter).
type instantFlush struct{}

func (instantFlush) RequestLogFlush(context.Context, string, []string) {}
func (instantFlush) WaitForFlush(context.Context, string) logrouter.FlushResult {
	return logrouter.FlushResult{AllConfirmed: true}
}

func newTestCoordinator(sender *fakeSender, readiness, grace time.Duration) (*Coordinator, *fakeSubscriber, *journal.MemoryJournal) {
	sub := newFakeSubscriber()
	j := journal.NewMemoryJournal()
	c := New(Config{
		Registry:          sender,
		Connectivity:      sub,
		Router:            instantFlush{},
		Journal:           j,
		ReadinessTimeout:  readiness,
		CancellationGrace: grace,
	})
	return c, sub, j
}

func TestSubmit_HappyPath(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("a1", 0, "VerifyConfiguration", "VerifyConfiguration", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1", TaskType: "VerifyConfiguration"},
		{TaskID: "t2", NodeName: "n2", TaskType: "VerifyConfiguration"},
	})

	var lastPct int
	ch, err := c.Submit(context.Background(), action, func(pct int, msg string) { lastPct = pct })
	require.NoError(t, err)

	require.NoError(t, c.ReportReadiness("a1", "t1", true, ""))
	require.NoError(t, c.ReportReadiness("a1", "t2", true, ""))

	require.NoError(t, c.ReportProgress("a1", "t1", "InProgress", 50, "working", time.Now(), ""))
	require.NoError(t, c.ReportProgress("a1", "t2", "InProgress", 50, "working", time.Now(), ""))

	require.NoError(t, c.ReportProgress("a1", "t1", "Succeeded", 100, "done", time.Now(), `{"filesChecked":1250,"deviationsFound":0}`))
	require.NoError(t, c.ReportProgress("a1", "t2", "Succeeded", 100, "done", time.Now(), `{"filesChecked":1250,"deviationsFound":0}`))

	select {
	case res := <-ch:
		assert.True(t, res.Success)
		assert.Equal(t, domain.NodeActionSucceeded, res.FinalState.Status)
		assert.Equal(t, 100, res.FinalState.ProgressPct)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, 100, lastPct)
}

func TestSubmit_NodeTasksInFlightGauge(t *testing.T) {
	sender := &fakeSender{}
	sub := newFakeSubscriber()
	j := journal.NewMemoryJournal()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := New(Config{
		Registry:          sender,
		Connectivity:      sub,
		Router:            instantFlush{},
		Journal:           j,
		Metrics:           m,
		ReadinessTimeout:  time.Second,
		CancellationGrace: time.Second,
	})

	action := domain.NewNodeAction("gauge-a1", 0, "VerifyConfiguration", "VerifyConfiguration", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1", TaskType: "VerifyConfiguration"},
		{TaskID: "t2", NodeName: "n2", TaskType: "VerifyConfiguration"},
	})

	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.NodeTasksInFlight) == 2
	}, time.Second, 5*time.Millisecond, "both tasks should be counted in flight once their readiness checks are sent")

	require.NoError(t, c.ReportReadiness("gauge-a1", "t1", true, ""))
	require.NoError(t, c.ReportReadiness("gauge-a1", "t2", true, ""))
	require.NoError(t, c.ReportProgress("gauge-a1", "t1", "Succeeded", 100, "done", time.Now(), ""))
	require.NoError(t, c.ReportProgress("gauge-a1", "t2", "Succeeded", 100, "done", time.Now(), ""))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(m.NodeTasksInFlight))
}

func TestSubmit_DuplicateActionID(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("dup", 0, "X", "X", []*domain.NodeTask{{TaskID: "t1", NodeName: "n1"}})
	_, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), action, nil)
	assert.ErrorIs(t, err, ErrDuplicateActionID)
}

func TestSubmit_EmptyTasksResolvesImmediately(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("empty", 0, "X", "X", nil)
	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.True(t, res.Success)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_ReadinessTimeout(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, 30*time.Millisecond, time.Second)

	action := domain.NewNodeAction("a2", 0, "X", "X", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1"},
		{TaskID: "t2", NodeName: "n2"},
	})
	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	require.NoError(t, c.ReportReadiness("a2", "t1", true, ""))
	require.NoError(t, c.ReportProgress("a2", "t1", "Succeeded", 100, "done", time.Now(), ""))
	// t2 never replies — readiness timeout should fire.

	select {
	case res := <-ch:
		assert.False(t, res.Success)
		assert.Equal(t, domain.NodeActionFailed, res.FinalState.Status)
		t2 := findTask(res.FinalState, "t2")
		require.NotNil(t, t2)
		assert.Equal(t, domain.TaskReadinessCheckTimedOut, t2.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_MixedOutcomes(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("a5", 0, "X", "X", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1"},
		{TaskID: "t2", NodeName: "n2"},
		{TaskID: "t3", NodeName: "n3"},
	})
	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, c.ReportReadiness("a5", id, true, ""))
	}
	require.NoError(t, c.ReportProgress("a5", "t1", "Succeeded", 100, "ok", time.Now(), ""))
	require.NoError(t, c.ReportProgress("a5", "t2", "Failed", 100, "boom", time.Now(), ""))
	require.NoError(t, c.ReportProgress("a5", "t3", "Succeeded", 100, "ok", time.Now(), ""))

	select {
	case res := <-ch:
		assert.False(t, res.Success)
		assert.Equal(t, domain.NodeActionFailed, res.FinalState.Status)
		assert.Equal(t, 100, res.FinalState.ProgressPct)
		assert.Equal(t, "In progress: 0, Succeeded: 2, Failed/Cancelled: 1", res.FinalState.StatusMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_NodeOfflineDuringTask(t *testing.T) {
	sender := &fakeSender{}
	c, sub, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("a3", 0, "TestOrchestration", "TestOrchestration", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1"},
	})
	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	require.NoError(t, c.ReportReadiness("a3", "t1", true, ""))
	require.NoError(t, c.ReportProgress("a3", "t1", "InProgress", 10, "working", time.Now(), ""))

	sub.ch <- domain.ConnectivityEvent{NodeName: "n1", Current: domain.Offline}

	select {
	case res := <-ch:
		assert.False(t, res.Success)
		assert.Equal(t, domain.NodeActionFailed, res.FinalState.Status)
		t1 := findTask(res.FinalState, "t1")
		require.NotNil(t, t1)
		assert.Equal(t, domain.TaskNodeOfflineDuringTask, t1.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_CancellationUnderGrace(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, 30*time.Millisecond)

	action := domain.NewNodeAction("a4", 0, "X", "X", []*domain.NodeTask{
		{TaskID: "t1", NodeName: "n1"},
		{TaskID: "t2", NodeName: "n2"},
		{TaskID: "t3", NodeName: "n3"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Submit(ctx, action, nil)
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, c.ReportReadiness("a4", id, true, ""))
		require.NoError(t, c.ReportProgress("a4", id, "InProgress", 50, "working", time.Now(), ""))
	}

	// n1 and n2 acknowledge cancellation quickly; n3 stays silent until the
	// grace window forces it.
	cancel()
	require.NoError(t, c.ReportProgress("a4", "t1", "Cancelled", 100, "cancelled", time.Now(), ""))
	require.NoError(t, c.ReportProgress("a4", "t2", "Cancelled", 100, "cancelled", time.Now(), ""))

	select {
	case res := <-ch:
		assert.Equal(t, domain.NodeActionCancelled, res.FinalState.Status)
		for _, task := range res.FinalState.Tasks {
			assert.NotEqual(t, domain.TaskSucceeded, task.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_StickyTerminalIgnoresLateEvents(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	action := domain.NewNodeAction("a6", 0, "X", "X", []*domain.NodeTask{{TaskID: "t1", NodeName: "n1"}})
	ch, err := c.Submit(context.Background(), action, nil)
	require.NoError(t, err)

	require.NoError(t, c.ReportReadiness("a6", "t1", true, ""))
	require.NoError(t, c.ReportProgress("a6", "t1", "Succeeded", 100, "done", time.Now(), ""))

	res := <-ch
	require.Equal(t, domain.TaskSucceeded, findTask(res.FinalState, "t1").Status)

	// Once the action has resolved its actor is retired, so a late event for
	// it now reports ErrUnknownAction rather than silently mutating state.
	err = c.ReportProgress("a6", "t1", "InProgress", 10, "late", time.Now(), "")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestSubmitParallel_AllChildrenResolve(t *testing.T) {
	sender := &fakeSender{}
	c, _, _ := newTestCoordinator(sender, time.Second, time.Second)

	a1 := domain.NewNodeAction("p1", 0, "X", "X", []*domain.NodeTask{{TaskID: "t1", NodeName: "n1"}})
	a2 := domain.NewNodeAction("p2", 0, "X", "X", []*domain.NodeTask{{TaskID: "t2", NodeName: "n2"}})

	ch, err := c.SubmitParallel(context.Background(), []*domain.NodeAction{a1, a2}, func(int, string) {})
	require.NoError(t, err)

	require.NoError(t, c.ReportReadiness("p1", "t1", true, ""))
	require.NoError(t, c.ReportReadiness("p2", "t2", true, ""))
	require.NoError(t, c.ReportProgress("p1", "t1", "Succeeded", 100, "done", time.Now(), ""))
	require.NoError(t, c.ReportProgress("p2", "t2", "Succeeded", 100, "done", time.Now(), ""))

	select {
	case results := <-ch:
		require.Len(t, results, 2)
		assert.True(t, results[0].Success)
		assert.True(t, results[1].Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parallel results")
	}
}

func findTask(action *domain.NodeAction, taskID string) *domain.NodeTask {
	for _, t := range action.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}
