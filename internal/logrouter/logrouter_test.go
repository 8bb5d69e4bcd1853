package logrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, nodeName string, _ domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, nodeName)
	if f.fail[nodeName] {
		return assert.AnError
	}
	return nil
}

type fakeActions struct {
	actions map[string]*domain.MasterAction
}

func (f *fakeActions) Lookup(actionID string) (*domain.MasterAction, bool) {
	a, ok := f.actions[actionID]
	return a, ok
}

func TestWaitForFlush_AllConfirm(t *testing.T) {
	j := journal.NewMemoryJournal()
	sender := &fakeSender{}
	r := New(Config{Journal: j, Sender: sender, FlushTimeout: time.Second})

	r.RequestLogFlush(context.Background(), "a1", []string{"n1", "n2"})

	go func() {
		r.ConfirmFlush("a1", "n1")
		r.ConfirmFlush("a1", "n2")
	}()

	result := r.WaitForFlush(context.Background(), "a1")
	assert.True(t, result.AllConfirmed)
	assert.False(t, result.TimedOut)
}

func TestWaitForFlush_Timeout(t *testing.T) {
	j := journal.NewMemoryJournal()
	sender := &fakeSender{}
	r := New(Config{Journal: j, Sender: sender, FlushTimeout: 20 * time.Millisecond})

	r.RequestLogFlush(context.Background(), "a1", []string{"n1", "n2"})
	r.ConfirmFlush("a1", "n1") // n2 never confirms

	result := r.WaitForFlush(context.Background(), "a1")
	assert.False(t, result.AllConfirmed)
	assert.True(t, result.TimedOut)
}

func TestWaitForFlush_NoNodes(t *testing.T) {
	j := journal.NewMemoryJournal()
	sender := &fakeSender{}
	r := New(Config{Journal: j, Sender: sender, FlushTimeout: time.Second})

	r.RequestLogFlush(context.Background(), "a1", nil)

	result := r.WaitForFlush(context.Background(), "a1")
	assert.True(t, result.AllConfirmed)
}

func TestWaitForFlush_UnknownAction(t *testing.T) {
	j := journal.NewMemoryJournal()
	r := New(Config{Journal: j, Sender: &fakeSender{}})

	result := r.WaitForFlush(context.Background(), "ghost")
	assert.True(t, result.AllConfirmed)
}

func TestAppendLog_RoutesToJournalAndAction(t *testing.T) {
	j := journal.NewMemoryJournal()
	action := domain.NewMasterAction("a1", "VerifyConfiguration", nil)
	actions := &fakeActions{actions: map[string]*domain.MasterAction{"a1": action}}
	r := New(Config{Journal: j, Sender: &fakeSender{}, Actions: actions})

	r.AppendLog(context.Background(), domain.AgentLogEntry{
		ActionID:  "a1",
		TaskID:    "t1",
		NodeName:  "n1",
		Level:     domain.LogInformation,
		Message:   "hello",
		Timestamp: time.Now(),
	})

	lines := journalLogLines(t, j)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0].Message)

	recent := action.RecentLogs()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "hello")
}

func journalLogLines(t *testing.T, j *journal.MemoryJournal) []journal.LogLineRecord {
	t.Helper()
	return j.LogLineRecords()
}
