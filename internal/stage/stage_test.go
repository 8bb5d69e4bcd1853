package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
)

type fakeSubmitter struct {
	result domain.NodeActionResult
}

func (f *fakeSubmitter) Submit(_ context.Context, action *domain.NodeAction, progress coordinator.ProgressReporter) (<-chan domain.NodeActionResult, error) {
	ch := make(chan domain.NodeActionResult, 1)
	progress(100, "done")
	res := f.result
	res.ActionID = action.ActionID
	res.FinalState = action
	ch <- res
	close(ch)
	return ch, nil
}

func (f *fakeSubmitter) SubmitParallel(_ context.Context, actions []*domain.NodeAction, progress coordinator.ProgressReporter) (<-chan []domain.NodeActionResult, error) {
	ch := make(chan []domain.NodeActionResult, 1)
	out := make([]domain.NodeActionResult, len(actions))
	for i, a := range actions {
		out[i] = domain.NodeActionResult{ActionID: a.ActionID, Success: true, FinalState: a}
	}
	progress(100, "done")
	ch <- out
	close(ch)
	return ch, nil
}

type fakeOnlineNodes struct{ nodes []string }

func (f fakeOnlineNodes) OnlineNodes() []string { return f.nodes }

func newTestStage(t *testing.T, submitter NodeActionSubmitter) (*Stage, *domain.MasterAction) {
	t.Helper()
	action := domain.NewMasterAction("a1", "VerifyConfiguration", nil)
	j := journal.NewMemoryJournal()
	s := Begin(context.Background(), Config{
		Action:      action,
		Coordinator: submitter,
		OnlineNodes: fakeOnlineNodes{nodes: []string{"n1", "n2"}},
		Journal:     j,
		Progress:    func(int, string) {},
	}, "verify", nil)
	return s, action
}

func TestRunNodeAction_DefaultsToOnlineNodes(t *testing.T) {
	submitter := &fakeSubmitter{result: domain.NodeActionResult{Success: true}}
	s, _ := newTestStage(t, submitter)

	res, err := s.RunNodeAction(context.Background(), "verify-config", "VerifyConfiguration", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.FinalState.Tasks, 2)
}

// blockingSubmitter holds Submit open until release is closed, so a test can
// get a RunNodeAction call into flight and keep it there.
type blockingSubmitter struct {
	entered chan struct{}
	release chan struct{}
	result  domain.NodeActionResult
}

func (f *blockingSubmitter) Submit(_ context.Context, action *domain.NodeAction, progress coordinator.ProgressReporter) (<-chan domain.NodeActionResult, error) {
	close(f.entered)
	<-f.release
	ch := make(chan domain.NodeActionResult, 1)
	progress(100, "done")
	res := f.result
	res.ActionID = action.ActionID
	res.FinalState = action
	ch <- res
	close(ch)
	return ch, nil
}

func (f *blockingSubmitter) SubmitParallel(ctx context.Context, actions []*domain.NodeAction, progress coordinator.ProgressReporter) (<-chan []domain.NodeActionResult, error) {
	panic("unused")
}

func TestRunNodeAction_ConcurrentUseRejected(t *testing.T) {
	submitter := &blockingSubmitter{entered: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestStage(t, submitter)

	done := make(chan struct{})
	go func() {
		s.RunNodeAction(context.Background(), "a", "T", []string{"n1"}, nil)
		close(done)
	}()
	<-submitter.entered // first call is now in flight, holding the guard

	_, err := s.RunNodeAction(context.Background(), "b", "T", []string{"n1"}, nil)
	assert.ErrorIs(t, err, ErrConcurrentStageUse)

	close(submitter.release)
	<-done

	// Once the first call has released the guard, a subsequent call on the
	// same stage succeeds.
	submitter.entered = make(chan struct{})
	submitter.release = make(chan struct{})
	close(submitter.release)
	_, err = s.RunNodeAction(context.Background(), "c", "T", []string{"n1"}, nil)
	assert.NoError(t, err)
}

func TestRelease_WritesStageCompletedOnce(t *testing.T) {
	submitter := &fakeSubmitter{result: domain.NodeActionResult{Success: true}}
	action := domain.NewMasterAction("a1", "VerifyConfiguration", nil)
	j := journal.NewMemoryJournal()
	s := Begin(context.Background(), Config{
		Action:      action,
		Coordinator: submitter,
		OnlineNodes: fakeOnlineNodes{nodes: []string{"n1", "n2"}},
		Journal:     j,
		Progress:    func(int, string) {},
	}, "verify", nil)
	s.SetCustomResult(map[string]int{"filesChecked": 10})

	s.Release(context.Background(), domain.StatusSucceeded)
	s.Release(context.Background(), domain.StatusSucceeded) // idempotent

	records := j.StageCompletedRecords()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusSucceeded, records[0].Status)
}

func TestLog_AppendsToActionBuffer(t *testing.T) {
	submitter := &fakeSubmitter{}
	s, action := newTestStage(t, submitter)

	s.Log(domain.LogWarning, "disk nearly full", nil)

	recent := action.RecentLogs()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "disk nearly full")
}
