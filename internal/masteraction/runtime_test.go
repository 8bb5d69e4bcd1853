package masteraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/stage"
)

// fakeSubmitter resolves every node action as an immediate, full-percent
// success without touching the network, so masteraction tests exercise the
// stage-progress wiring without depending on a live coordinator.
type fakeSubmitter struct{}

func (fakeSubmitter) Submit(_ context.Context, action *domain.NodeAction, progress coordinator.ProgressReporter) (<-chan domain.NodeActionResult, error) {
	ch := make(chan domain.NodeActionResult, 1)
	progress(100, "done")
	ch <- domain.NodeActionResult{ActionID: action.ActionID, Success: true, FinalState: action}
	close(ch)
	return ch, nil
}

func (fakeSubmitter) SubmitParallel(_ context.Context, actions []*domain.NodeAction, progress coordinator.ProgressReporter) (<-chan []domain.NodeActionResult, error) {
	out := make([]domain.NodeActionResult, len(actions))
	for i, a := range actions {
		out[i] = domain.NodeActionResult{ActionID: a.ActionID, Success: true, FinalState: a}
	}
	progress(100, "done")
	ch := make(chan []domain.NodeActionResult, 1)
	ch <- out
	close(ch)
	return ch, nil
}

type fakeOnlineNodes struct{}

func (fakeOnlineNodes) OnlineNodes() []string { return []string{"n1"} }

// twoStageHandler opens two stages, each reporting 0/50/100 local percent,
// then completes — the canonical shape used to verify the §4.6 overall
// progress formula.
type twoStageHandler struct {
	failSecondStage bool
}

func (twoStageHandler) Handles() string { return "TwoStage" }

func (h twoStageHandler) Execute(ctx *Context) error {
	ctx.InitializeProgress(2)

	s1 := ctx.BeginStage("first", nil)
	s1.ReportProgress(0, "starting")
	s1.ReportProgress(50, "halfway")
	s1.ReportProgress(100, "done")
	s1.Release(context.Background(), domain.StatusSucceeded)

	s2 := ctx.BeginStage("second", nil)
	if h.failSecondStage {
		s2.Release(context.Background(), domain.StatusFailed)
		return errors.New("second stage exploded")
	}
	s2.ReportProgress(50, "halfway")
	s2.ReportProgress(100, "done")
	s2.Release(context.Background(), domain.StatusSucceeded)

	ctx.SetCompleted("all stages done")
	return nil
}

type panicHandler struct{}

func (panicHandler) Handles() string { return "Panics" }
func (panicHandler) Execute(ctx *Context) error {
	ctx.InitializeProgress(1)
	panic("boom")
}

type noTerminalHandler struct{}

func (noTerminalHandler) Handles() string { return "NoTerminal" }
func (noTerminalHandler) Execute(ctx *Context) error {
	ctx.InitializeProgress(1)
	return nil
}

type fakeResolver struct {
	handlers map[string]func() Handler
}

func (r fakeResolver) Resolve(operationType string) (Handler, error) {
	f, ok := r.handlers[operationType]
	if !ok {
		return nil, errors.New("no handler")
	}
	return f(), nil
}

func newTestRuntime(handlers map[string]func() Handler) *Runtime {
	return New(Config{
		Resolver:    fakeResolver{handlers: handlers},
		Coordinator: fakeSubmitter{},
		OnlineNodes: fakeOnlineNodes{},
		Journal:     journal.NewMemoryJournal(),
	})
}

func waitTerminal(t *testing.T, action *domain.MasterAction) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if action.Status.IsTerminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("action never reached terminal status, stuck at %s", action.Status)
}

func TestSubmit_TwoStageHappyPath(t *testing.T) {
	rt := newTestRuntime(map[string]func() Handler{
		"TwoStage": func() Handler { return twoStageHandler{} },
	})

	action, err := rt.Submit(context.Background(), "TwoStage", nil)
	require.NoError(t, err)
	waitTerminal(t, action)

	assert.Equal(t, domain.StatusSucceeded, action.Status)
	assert.Equal(t, 100, action.ProgressPercent)
	assert.False(t, action.EndTime.IsZero())
	require.Len(t, action.Stages, 2)
	assert.Equal(t, domain.StatusSucceeded, action.Stages[0].Status)
}

func TestOverallPercent_Formula(t *testing.T) {
	// Stage 1 of 2 at local 50% -> (0/2)*100 + 50/2 = 25.
	assert.Equal(t, 25, overallPercent(0, 2, 50))
	// Stage 2 of 2 at local 0% -> (1/2)*100 + 0/2 = 50.
	assert.Equal(t, 50, overallPercent(1, 2, 0))
	// Stage 2 of 2 at local 100% -> (1/2)*100 + 100/2 = 100.
	assert.Equal(t, 100, overallPercent(1, 2, 100))
	// Single stage clamps identically to local percent.
	assert.Equal(t, 37, overallPercent(0, 1, 37))
}

func TestSubmit_HandlerErrorBecomesFailed(t *testing.T) {
	rt := newTestRuntime(map[string]func() Handler{
		"TwoStage": func() Handler { return twoStageHandler{failSecondStage: true} },
	})

	action, err := rt.Submit(context.Background(), "TwoStage", nil)
	require.NoError(t, err)
	waitTerminal(t, action)

	assert.Equal(t, domain.StatusFailed, action.Status)
	assert.Equal(t, 100, action.ProgressPercent)
}

func TestSubmit_HandlerPanicBecomesFailed(t *testing.T) {
	rt := newTestRuntime(map[string]func() Handler{
		"Panics": func() Handler { return panicHandler{} },
	})

	action, err := rt.Submit(context.Background(), "Panics", nil)
	require.NoError(t, err)
	waitTerminal(t, action)

	assert.Equal(t, domain.StatusFailed, action.Status)
}

func TestSubmit_HandlerReturnsWithoutTerminalBecomesFailed(t *testing.T) {
	rt := newTestRuntime(map[string]func() Handler{
		"NoTerminal": func() Handler { return noTerminalHandler{} },
	})

	action, err := rt.Submit(context.Background(), "NoTerminal", nil)
	require.NoError(t, err)
	waitTerminal(t, action)

	assert.Equal(t, domain.StatusFailed, action.Status)
}

func TestSubmit_UnknownOperationType(t *testing.T) {
	rt := newTestRuntime(nil)

	_, err := rt.Submit(context.Background(), "DoesNotExist", nil)
	assert.Error(t, err)
}

func TestSubmit_CancelResolvesCancelled(t *testing.T) {
	blockCh := make(chan struct{})
	handler := func() Handler { return &blockingHandler{unblock: blockCh} }
	rt := newTestRuntime(map[string]func() Handler{"Blocking": handler})

	action, err := rt.Submit(context.Background(), "Blocking", nil)
	require.NoError(t, err)

	require.True(t, rt.Cancel(action.ID))
	close(blockCh)

	waitTerminal(t, action)
	assert.Equal(t, domain.StatusCancelled, action.Status)
}

type blockingHandler struct {
	unblock <-chan struct{}
}

func (h *blockingHandler) Handles() string { return "Blocking" }
func (h *blockingHandler) Execute(ctx *Context) error {
	ctx.InitializeProgress(1)
	select {
	case <-ctx.Cancelled():
		<-h.unblock
		return errors.New("cancelled")
	case <-h.unblock:
		return nil
	}
}

var _ stage.NodeActionSubmitter = fakeSubmitter{}
