package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
)

// actionActor is the per-NodeAction serialization primitive — a mailbox so
// that readiness/progress/health/cancellation events for a single action
// apply in submission order while different actions run fully in parallel.
// Modeled on a single-writer event loop: one goroutine owns the action's
// mutable state and drains a buffered channel of posted events.
type actionActor struct {
	c        *Coordinator
	action   *domain.NodeAction
	tasks    map[string]*domain.NodeTask
	progress ProgressReporter
	resultCh chan domain.NodeActionResult
	events   chan any
	logger   *zap.Logger
}

func newActionActor(c *Coordinator, action *domain.NodeAction, progress ProgressReporter, resultCh chan domain.NodeActionResult) *actionActor {
	tasks := make(map[string]*domain.NodeTask, len(action.Tasks))
	for _, t := range action.Tasks {
		tasks[t.TaskID] = t
	}
	return &actionActor{
		c:        c,
		action:   action,
		tasks:    tasks,
		progress: progress,
		resultCh: resultCh,
		events:   make(chan any, 64),
		logger: c.logger.With(
			zap.String("action_id", action.ActionID),
			zap.Int("stage_index", action.StageIndex),
		),
	}
}

// post enqueues an ingress event for this action, never blocking the caller
// for longer than filling the mailbox buffer.
func (a *actionActor) post(ev any) {
	a.events <- ev
}

// run is the actor's single-writer event loop. It owns all mutation of
// a.action and its tasks — nothing else touches them concurrently.
func (a *actionActor) run(parentCtx context.Context) {
	a.action.Status = domain.NodeActionRunning
	a.beginReadinessPhase(parentCtx)

	readinessTimer := time.NewTimer(a.c.readinessTimeout)
	defer readinessTimer.Stop()

	var cancelling bool
	var graceTimer *time.Timer
	var graceCh <-chan time.Time

	for {
		select {
		case ev := <-a.events:
			a.apply(ev)
			if a.maybeResolve(parentCtx) {
				return
			}

		case <-readinessTimer.C:
			a.timeoutReadiness()
			if a.maybeResolve(parentCtx) {
				return
			}

		case <-parentCtx.Done():
			if !cancelling {
				cancelling = true
				a.beginCancellation(parentCtx)
				graceTimer = time.NewTimer(a.c.cancellationGrace)
				graceCh = graceTimer.C
			}
			if a.maybeResolve(parentCtx) {
				if graceTimer != nil {
					graceTimer.Stop()
				}
				return
			}

		case <-graceCh:
			a.forceCancelRemaining()
			a.resolve(parentCtx)
			return
		}
	}
}

func (a *actionActor) apply(ev any) {
	switch e := ev.(type) {
	case readinessReportEvent:
		a.handleReadinessReport(e)
	case progressUpdateEvent:
		a.handleProgressUpdate(e)
	case connectivityChangedEvent:
		a.handleConnectivityChanged(e)
	}
}

// beginReadinessPhase sends PrepareForTask to every task's node (spec.md
// §4.4.2). Caller holds exclusive access before the event loop starts.
func (a *actionActor) beginReadinessPhase(ctx context.Context) {
	for _, task := range a.action.Tasks {
		task.Status = domain.TaskReadinessCheckSent
		task.LastUpdate = time.Now().UTC()
		if a.c.metrics != nil {
			a.c.metrics.NodeTasksInFlight.Inc()
		}

		paramsJSON, _ := json.Marshal(task.Payload)
		err := a.c.registry.Send(ctx, task.NodeName, domain.PrepareForTaskMsg{
			ActionID:         a.action.ActionID,
			TaskID:           task.TaskID,
			ExpectedTaskType: task.TaskType,
			PrepParamsJSON:   string(paramsJSON),
		})
		if err != nil {
			a.logger.Warn("readiness check send failed", zap.String("task_id", task.TaskID), zap.Error(err))
			a.terminateTask(task, domain.TaskNotReadyForTask, "send failed: "+err.Error())
		}
	}
}

func (a *actionActor) handleReadinessReport(e readinessReportEvent) {
	task, ok := a.tasks[e.taskID]
	if !ok {
		a.logger.Warn("readiness report for unknown task", zap.String("task_id", e.taskID))
		return
	}
	if task.Status.IsTerminal() {
		return // sticky terminal (spec.md §8 property 4)
	}
	if task.Status != domain.TaskReadinessCheckSent {
		return // already progressed past readiness; idempotent no-op
	}

	if !e.ready {
		a.terminateTask(task, domain.TaskNotReadyForTask, e.reason)
		return
	}

	task.Status = domain.TaskReadyToExecute
	task.LastUpdate = time.Now().UTC()

	paramsJSON, _ := json.Marshal(task.Payload)
	err := a.c.registry.Send(context.Background(), task.NodeName, domain.AssignSlaveTaskMsg{
		ActionID:   a.action.ActionID,
		TaskID:     task.TaskID,
		TaskType:   task.TaskType,
		ParamsJSON: string(paramsJSON),
	})
	if err != nil {
		a.logger.Warn("dispatch send failed", zap.String("task_id", task.TaskID), zap.Error(err))
		a.terminateTask(task, domain.TaskFailed, "dispatch failed: "+err.Error())
		return
	}
	task.Status = domain.TaskDispatched
}

func (a *actionActor) handleProgressUpdate(e progressUpdateEvent) {
	task, ok := a.tasks[e.taskID]
	if !ok {
		a.logger.Warn("progress update for unknown task", zap.String("task_id", e.taskID))
		return
	}
	if task.Status.IsTerminal() {
		return // sticky terminal — later non-terminal updates are dropped
	}

	status, ok := domain.ParseNodeTaskStatus(e.rawStatus)
	if !ok {
		a.logger.Warn("unparseable task status", zap.String("task_id", e.taskID), zap.String("status", e.rawStatus))
		return
	}

	pct := e.percent
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}

	task.Status = status
	task.ProgressPct = pct
	task.StatusMessage = e.message
	task.LastUpdate = e.timestamp

	if status.IsTerminal() {
		task.EndTime = e.timestamp
		if e.resultJSON != "" {
			var result map[string]any
			if err := json.Unmarshal([]byte(e.resultJSON), &result); err != nil {
				a.logger.Warn("failed to deserialize task result",
					zap.String("task_id", e.taskID), zap.Error(err))
			} else {
				task.Result = result
			}
		}
		if a.c.metrics != nil {
			a.c.metrics.NodeTaskTransitions.WithLabelValues(string(status)).Inc()
			a.c.metrics.NodeTasksInFlight.Dec()
		}
		a.journalTaskResult(task)
	}
}

func (a *actionActor) handleConnectivityChanged(e connectivityChangedEvent) {
	if e.current != string(domain.Offline) && e.current != string(domain.Unreachable) {
		return
	}
	for _, task := range a.action.Tasks {
		if task.NodeName != e.nodeName || task.Status.IsTerminal() {
			continue
		}
		a.terminateTask(task, domain.TaskNodeOfflineDuringTask, "node "+e.current)
	}
}

func (a *actionActor) timeoutReadiness() {
	for _, task := range a.action.Tasks {
		if task.Status == domain.TaskReadinessCheckSent {
			a.terminateTask(task, domain.TaskReadinessCheckTimedOut, "readiness timeout exceeded")
			if a.c.metrics != nil {
				a.c.metrics.ReadinessTimeouts.Inc()
			}
		}
	}
}

// beginCancellation implements spec.md §4.4.7 step 1.
func (a *actionActor) beginCancellation(ctx context.Context) {
	if a.c.metrics != nil {
		a.c.metrics.CancellationsRequested.Inc()
	}
	a.action.Status = domain.NodeActionCancelling
	for _, task := range a.action.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = domain.TaskCancelling
		task.LastUpdate = time.Now().UTC()
		if err := a.c.registry.Send(ctx, task.NodeName, domain.CancelTaskMsg{
			ActionID: a.action.ActionID,
			TaskID:   task.TaskID,
			Reason:   "master action cancelled",
		}); err != nil {
			a.logger.Warn("cancel send failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
}

// forceCancelRemaining implements spec.md §4.4.7 step 3: anything still
// non-terminal after the grace window is forced to Cancelled.
func (a *actionActor) forceCancelRemaining() {
	for _, task := range a.action.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		a.terminateTask(task, domain.TaskCancelled, "cancellation grace window elapsed")
	}
	a.action.Status = domain.NodeActionCancelled
}

// terminateTask moves a task into a terminal sub-status, setting its
// end-time and writing the journal record (spec.md §4.4.4).
func (a *actionActor) terminateTask(task *domain.NodeTask, status domain.NodeTaskStatus, message string) {
	task.Status = status
	task.StatusMessage = message
	task.EndTime = time.Now().UTC()
	task.LastUpdate = task.EndTime
	if a.c.metrics != nil {
		a.c.metrics.NodeTaskTransitions.WithLabelValues(string(status)).Inc()
		a.c.metrics.NodeTasksInFlight.Dec()
	}
	a.journalTaskResult(task)
}

func (a *actionActor) journalTaskResult(task *domain.NodeTask) {
	journal.Swallow(func(err error) {
		a.logger.Warn("failed to record node task result", zap.Error(err))
	}, func() error {
		return a.c.journal.RecordNodeTaskResult(context.Background(), journal.NodeTaskResultRecord{
			ActionID:     a.action.ActionID,
			NodeActionID: a.action.ActionID,
			TaskID:       task.TaskID,
			NodeName:     task.NodeName,
			Status:       task.Status,
			Result:       task.Result,
			At:           task.EndTime,
		})
	})
}

// maybeResolve recomputes the aggregate (spec.md §4.4.6) and, if every task
// has reached a terminal sub-status, resolves the action. Returns true if
// the actor should exit its event loop.
func (a *actionActor) maybeResolve(ctx context.Context) bool {
	allTerminal := true
	for _, task := range a.action.Tasks {
		if !task.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}

	a.reportAggregate()

	if !allTerminal {
		return false
	}

	a.resolve(ctx)
	return true
}

// reportAggregate computes and publishes the current mean progress and
// status message, independent of whether the action has converged yet.
func (a *actionActor) reportAggregate() {
	var sum, inProgress, succeeded, failedOrCancelled int
	for _, task := range a.action.Tasks {
		sum += task.ProgressPct
		switch {
		case task.Status == domain.TaskSucceeded:
			succeeded++
		case task.Status == domain.TaskFailed || task.Status == domain.TaskCancelled || task.Status == domain.TaskNodeOfflineDuringTask || task.Status == domain.TaskNotReadyForTask || task.Status == domain.TaskReadinessCheckTimedOut:
			failedOrCancelled++
		default:
			inProgress++
		}
	}
	pct := 0
	if len(a.action.Tasks) > 0 {
		pct = sum / len(a.action.Tasks)
	}
	msg := fmt.Sprintf("In progress: %d, Succeeded: %d, Failed/Cancelled: %d", inProgress, succeeded, failedOrCancelled)

	a.action.ProgressPct = pct
	a.action.StatusMessage = msg
	a.progress(pct, msg)
}

// resolve implements the terminal-verdict rule in spec.md §4.4.6, requests
// the flush barrier, waits on it, and delivers the final result.
func (a *actionActor) resolve(ctx context.Context) {
	anyCancelled := false
	anyNonSucceeded := false
	for _, task := range a.action.Tasks {
		if task.Status == domain.TaskCancelled {
			anyCancelled = true
		}
		if task.Status != domain.TaskSucceeded {
			anyNonSucceeded = true
		}
	}

	switch {
	case anyCancelled:
		a.action.Status = domain.NodeActionCancelled
	case anyNonSucceeded:
		a.action.Status = domain.NodeActionFailed
	default:
		a.action.Status = domain.NodeActionSucceeded
	}
	a.action.EndTime = time.Now().UTC()
	a.action.ProgressPct = 100
	a.progress(100, a.action.StatusMessage)

	if a.c.metrics != nil {
		a.c.metrics.NodeActionDuration.Observe(a.action.EndTime.Sub(a.action.StartTime).Seconds())
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), a.c.readinessTimeout+a.c.cancellationGrace+flushSlack)
	defer cancel()

	nodes := participatingNodes(a.action.Tasks)
	if a.c.router != nil && len(nodes) > 0 {
		a.c.router.RequestLogFlush(flushCtx, a.action.ActionID, nodes)
		result := a.c.router.WaitForFlush(flushCtx, a.action.ActionID)
		if result.TimedOut {
			a.logger.Warn("flush barrier timed out; proceeding to journal-complete", zap.String("action_id", a.action.ActionID))
			if a.c.metrics != nil {
				a.c.metrics.FlushBarrierTimeouts.Inc()
			}
		}
	}

	a.c.retire(a.action)

	a.resultCh <- domain.NodeActionResult{
		ActionID:   a.action.ActionID,
		Success:    a.action.Status == domain.NodeActionSucceeded,
		FinalState: a.action,
	}
	close(a.resultCh)
}

// flushSlack bounds how long resolve() will wait for the flush barrier
// beyond the configured readiness/cancellation windows, as a backstop should
// Config.FlushTimeout be unusually large.
const flushSlack = 40 * time.Second

func participatingNodes(tasks []*domain.NodeTask) []string {
	seen := make(map[string]bool, len(tasks))
	var nodes []string
	for _, t := range tasks {
		if !seen[t.NodeName] {
			seen[t.NodeName] = true
			nodes = append(nodes, t.NodeName)
		}
	}
	sort.Strings(nodes)
	return nodes
}
