// Package stage implements the Stage Context (spec.md §4.5, C5): one scoped
// phase within a MasterAction. A Stage owns the NodeActions it spawns,
// writes the stage-complete journal record on release regardless of how the
// stage body exits, and enforces that only one RunNodeAction* call is in
// flight at a time. Release does not flush agent logs itself; the
// coordinator runs the log-flush barrier before each NodeAction resolves.
package stage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
)

// NodeActionSubmitter is the subset of the coordinator's API a Stage needs.
// coordinator.Coordinator satisfies this. The progress parameter type must
// match coordinator.ProgressReporter exactly for *coordinator.Coordinator to
// satisfy this interface.
type NodeActionSubmitter interface {
	Submit(ctx context.Context, action *domain.NodeAction, progress coordinator.ProgressReporter) (<-chan domain.NodeActionResult, error)
	SubmitParallel(ctx context.Context, actions []*domain.NodeAction, progress coordinator.ProgressReporter) (<-chan []domain.NodeActionResult, error)
}

// OnlineNodeSource supplies the default node set when RunNodeAction is
// called without an explicit node list. registry.Registry satisfies this.
type OnlineNodeSource interface {
	OnlineNodes() []string
}

// ProgressReporter is the stage-scoped progress seam the Master-Action
// Runtime installs to translate stage-local percent into overall percent
// (spec.md §9).
type ProgressReporter func(percent int, message string)

// Stage is a scoped unit of work within a MasterAction (spec.md §4.5).
// Construct one via stage.Begin and always defer a call to Release.
type Stage struct {
	action *domain.MasterAction
	model  *domain.Stage

	coordinator NodeActionSubmitter
	onlineNodes OnlineNodeSource
	journal     journal.Journal
	progress    ProgressReporter
	logger      *zap.Logger

	idSeq int64

	inFlight int32 // 0 or 1, guards RunNodeAction*

	released bool
}

// Config supplies a Stage's collaborators, installed once by the
// Master-Action Runtime for every BeginStage call.
type Config struct {
	Action      *domain.MasterAction
	Coordinator NodeActionSubmitter
	OnlineNodes OnlineNodeSource
	Journal     journal.Journal
	Progress    ProgressReporter
	Logger      *zap.Logger
}

// Begin opens a new Stage: constructs its domain.Stage record, appends it to
// the owning MasterAction, and journals the stage-initiated event.
func Begin(ctx context.Context, cfg Config, name string, input any) *Stage {
	index := len(cfg.Action.Stages)
	model := domain.NewStage(name, index, input)
	cfg.Action.Stages = append(cfg.Action.Stages, model)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int("stage_index", index), zap.String("stage_name", name))

	s := &Stage{
		action:      cfg.Action,
		model:       model,
		coordinator: cfg.Coordinator,
		onlineNodes: cfg.OnlineNodes,
		journal:     cfg.Journal,
		progress:    cfg.Progress,
		logger:      logger,
	}

	journal.Swallow(func(err error) {
		s.logger.Warn("failed to record stage initiated", zap.Error(err))
	}, func() error {
		return s.journal.RecordStageInitiated(ctx, journal.StageInitiatedRecord{
			ActionID:   cfg.Action.ID,
			StageIndex: index,
			StageName:  name,
			Input:      input,
			At:         time.Now().UTC(),
		})
	})

	return s
}

// RunNodeAction builds a NodeAction targeting nodeNames (or every currently
// Online agent when nodeNames is empty), submits it to the coordinator, and
// blocks until it resolves (spec.md §4.5).
func (s *Stage) RunNodeAction(ctx context.Context, actionName, taskType string, nodeNames []string, payloads map[string]map[string]string) (domain.NodeActionResult, error) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return domain.NodeActionResult{}, ErrConcurrentStageUse
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	action := s.buildNodeAction(actionName, taskType, nodeNames, payloads)
	s.model.NodeActions = append(s.model.NodeActions, action)

	ch, err := s.coordinator.Submit(ctx, action, func(pct int, msg string) {
		s.reportStageProgress(pct, msg)
	})
	if err != nil {
		return domain.NodeActionResult{}, fmt.Errorf("stage: submit node action: %w", err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return domain.NodeActionResult{}, ctx.Err()
	}
}

// RunNodeActionsInParallel submits several NodeActions concurrently and
// blocks until every one has resolved (spec.md §4.4.8, §4.5).
func (s *Stage) RunNodeActionsInParallel(ctx context.Context, specs []NodeActionSpec) ([]domain.NodeActionResult, error) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return nil, ErrConcurrentStageUse
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	actions := make([]*domain.NodeAction, 0, len(specs))
	for _, spec := range specs {
		action := s.buildNodeAction(spec.ActionName, spec.TaskType, spec.NodeNames, spec.Payloads)
		s.model.NodeActions = append(s.model.NodeActions, action)
		actions = append(actions, action)
	}

	ch, err := s.coordinator.SubmitParallel(ctx, actions, func(pct int, msg string) {
		s.reportStageProgress(pct, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("stage: submit parallel node actions: %w", err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NodeActionSpec describes one member of a RunNodeActionsInParallel batch.
type NodeActionSpec struct {
	ActionName string
	TaskType   string
	NodeNames  []string
	Payloads   map[string]map[string]string
}

// ReportProgress passes stage-local progress through to the installed
// progress reporter, for stage work that is not a node-action (spec.md
// §4.5).
func (s *Stage) ReportProgress(percent int, message string) {
	s.reportStageProgress(percent, message)
	s.model.ProgressPercent = clampPercent(percent)
}

// Log pushes a line to the MasterAction's bounded log buffer and to the
// journal (spec.md §4.5).
func (s *Stage) Log(level domain.LogLevel, message string, err error) {
	line := fmt.Sprintf("[%s] %s", level, message)
	if err != nil {
		line = fmt.Sprintf("%s: %v", line, err)
	}
	s.action.AppendLog(line)

	journal.Swallow(func(jerr error) {
		s.logger.Warn("failed to record stage log line", zap.Error(jerr))
	}, func() error {
		return s.journal.RecordLogLine(context.Background(), journal.LogLineRecord{
			ActionID:   s.action.ID,
			StageIndex: s.model.Index,
			Level:      level,
			Message:    message,
			At:         time.Now().UTC(),
		})
	})
}

// SetCustomResult attaches the stage's opaque result payload, carried into
// the stage-completed journal record on Release.
func (s *Stage) SetCustomResult(result any) {
	s.model.CustomResult = result
}

// Release records status on the stage model and writes the stage-complete
// journal record; it does not flush agent logs. It is idempotent and must be
// deferred by every caller of Begin regardless of how the stage body exits
// (spec.md §4.5).
func (s *Stage) Release(ctx context.Context, status domain.OverallStatus) {
	if s.released {
		return
	}
	s.released = true
	s.model.Status = status

	journal.Swallow(func(err error) {
		s.logger.Warn("failed to record stage completed", zap.Error(err))
	}, func() error {
		return s.journal.RecordStageCompleted(ctx, journal.StageCompletedRecord{
			ActionID:   s.action.ID,
			StageIndex: s.model.Index,
			StageName:  s.model.Name,
			Result:     s.model.CustomResult,
			Status:     status,
			At:         time.Now().UTC(),
		})
	})
}

// Model returns the underlying domain.Stage record, for the runtime's
// progress-aggregation bookkeeping.
func (s *Stage) Model() *domain.Stage { return s.model }

func (s *Stage) reportStageProgress(percent int, message string) {
	if s.progress != nil {
		s.progress(percent, message)
	}
}

func (s *Stage) buildNodeAction(actionName, taskType string, nodeNames []string, payloads map[string]map[string]string) *domain.NodeAction {
	if len(nodeNames) == 0 && s.onlineNodes != nil {
		nodeNames = s.onlineNodes.OnlineNodes()
	}

	tasks := make([]*domain.NodeTask, 0, len(nodeNames))
	for _, node := range nodeNames {
		tasks = append(tasks, &domain.NodeTask{
			TaskID:     s.nextTaskID(),
			NodeName:   node,
			TaskType:   taskType,
			Payload:    payloads[node],
			Status:     domain.TaskReadinessCheckSent,
			LastUpdate: time.Now().UTC(),
		})
	}

	return domain.NewNodeAction(s.nextActionID(), s.model.Index, actionName, taskType, tasks)
}

func (s *Stage) nextActionID() string {
	return fmt.Sprintf("%s-stage%d-na%d", s.action.ID, s.model.Index, s.nextSeq())
}

func (s *Stage) nextTaskID() string {
	return fmt.Sprintf("%s-stage%d-t%d", s.action.ID, s.model.Index, s.nextSeq())
}

func (s *Stage) nextSeq() int64 {
	return atomic.AddInt64(&s.idSeq, 1)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
