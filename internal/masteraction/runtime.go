package masteraction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/stage"
)

// Config supplies a Runtime's collaborators.
type Config struct {
	Resolver    HandlerResolver
	Coordinator stage.NodeActionSubmitter
	OnlineNodes stage.OnlineNodeSource
	Journal     journal.Journal
	Logger      *zap.Logger
}

// Runtime drives a registered workflow handler through its stages, per
// spec.md §4.6.
type Runtime struct {
	resolver    HandlerResolver
	coordinator stage.NodeActionSubmitter
	onlineNodes stage.OnlineNodeSource
	journal     journal.Journal
	logger      *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	actions map[string]*domain.MasterAction
}

// New constructs a Runtime from its collaborators.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		resolver:    cfg.Resolver,
		coordinator: cfg.Coordinator,
		onlineNodes: cfg.OnlineNodes,
		journal:     cfg.Journal,
		logger:      logger.Named("masteraction"),
		cancels:     make(map[string]context.CancelFunc),
		actions:     make(map[string]*domain.MasterAction),
	}
}

// Lookup resolves actionID to its MasterAction, satisfying
// logrouter.ActionLookup — the router holds only this lookup, never the
// action itself (spec.md §3, §9 "shared-but-not-owned references").
func (r *Runtime) Lookup(actionID string) (*domain.MasterAction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[actionID]
	return action, ok
}

// StageIndexForTask resolves which stage owns taskID within actionID, by
// scanning the action's NodeActions, satisfying logrouter.StageLocator.
func (r *Runtime) StageIndexForTask(actionID, taskID string) (int, bool) {
	r.mu.Lock()
	action, ok := r.actions[actionID]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	for _, s := range action.Stages {
		for _, na := range s.NodeActions {
			for _, t := range na.Tasks {
				if t.TaskID == taskID {
					return s.Index, true
				}
			}
		}
	}
	return 0, false
}

// Submit resolves a workflow handler for operationType, constructs a
// MasterAction under a freshly generated id, and starts the handler running
// in its own goroutine, returning immediately with the MasterAction. The
// returned pointer is mutated in place as the handler progresses through
// stages and reaches a terminal status — callers poll it for status
// (spec.md §4.6, GLOSSARY "Master Action").
func (r *Runtime) Submit(parentCtx context.Context, operationType string, parameters map[string]string) (*domain.MasterAction, error) {
	handler, err := r.resolver.Resolve(operationType)
	if err != nil {
		return nil, fmt.Errorf("masteraction: %w", err)
	}

	actionID := uuid.New().String()
	action := domain.NewMasterAction(actionID, operationType, parameters)
	action.Status = domain.StatusRunning

	runCtx, cancel := context.WithCancel(parentCtx)
	actionLogger := r.logger.With(zap.String("action_id", actionID), zap.String("operation_type", operationType))

	mctx := &Context{
		action:  action,
		logger:  actionLogger,
		done:    runCtx.Done(),
		jrnl:    r.journal,
		rootCtx: runCtx,
		stageFactory: func(ctx context.Context, action *domain.MasterAction, stageIndex, totalStages int, name string, input any) *stage.Stage {
			return stage.Begin(ctx, stage.Config{
				Action:      action,
				Coordinator: r.coordinator,
				OnlineNodes: r.onlineNodes,
				Journal:     r.journal,
				Logger:      actionLogger,
				Progress: func(localPct int, msg string) {
					action.ProgressPercent = overallPercent(stageIndex, totalStages, localPct)
				},
			}, name, input)
		},
	}

	r.mu.Lock()
	r.cancels[actionID] = cancel
	r.actions[actionID] = action
	r.mu.Unlock()

	go func() {
		defer cancel()
		r.runHandler(runCtx, mctx, handler, actionLogger)
		r.mu.Lock()
		delete(r.cancels, actionID)
		r.mu.Unlock()
	}()

	return action, nil
}

// Forget removes a completed action from the runtime's active-action map.
// Callers — typically whatever polls a terminal action for its final result
// — call this once they no longer need Lookup/StageIndexForTask to resolve
// it, so long-running masters don't accumulate unbounded history in memory.
func (r *Runtime) Forget(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, actionID)
}

// Cancel requests cancellation of a running action by closing its context.
// Per spec.md §9, this never directly sets a terminal status — the running
// stage's coordinator interaction observes cancellation and the action
// resolves Cancelled through the normal handler flow.
func (r *Runtime) Cancel(actionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[actionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// runHandler invokes handler.Execute, recovering a panic into SetFailed. A
// returned error becomes SetCancelled when the run context has been
// cancelled and SetFailed otherwise; a handler that returns without reaching
// any terminal setter is forced to SetFailed (spec.md §4.6, §7 "Workflow
// errors").
func (r *Runtime) runHandler(ctx context.Context, mctx *Context, handler Handler, logger *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("workflow handler panicked", zap.Any("panic", p))
			mctx.SetFailed(fmt.Sprintf("internal error: %v", p))
		}
		if !mctx.isTerminated() {
			logger.Warn("workflow handler returned without reaching a terminal status")
			mctx.SetFailed("workflow handler returned without completing")
		}
	}()

	if err := handler.Execute(mctx); err != nil {
		if !mctx.isTerminated() {
			if ctx.Err() != nil {
				mctx.SetCancelled(err.Error())
			} else {
				mctx.SetFailed(err.Error())
			}
		}
		return
	}
}

// ensure Runtime's stage seam always matches coordinator.Coordinator's
// concrete API at compile time.
var _ stage.NodeActionSubmitter = (*coordinator.Coordinator)(nil)
