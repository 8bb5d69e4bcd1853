// Package logrouter implements the Log Router (spec.md §4.3, C3): it
// correlates incoming agent log entries by (action-id, task-id, node),
// routes them to the owning MasterAction's bounded log buffer and to the
// Journal Service, and runs the flush-barrier protocol that a node-action
// waits on before its stage is journaled complete.
package logrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
)

// DefaultFlushTimeout is used when Config.FlushTimeout is zero.
const DefaultFlushTimeout = 30 * time.Second

// Sender delivers an outbound message to a named node. registry.Registry
// satisfies this.
type Sender interface {
	Send(ctx context.Context, nodeName string, msg domain.OutboundMessage) error
}

// ActionLookup resolves an action-id to its MasterAction. The router holds
// only this lookup, never the action itself — spec.md §3 calls this a weak
// reference.
type ActionLookup interface {
	Lookup(actionID string) (*domain.MasterAction, bool)
}

// StageLocator resolves which stage a given task belongs to, so a routed log
// line can be attributed to the right journal sub-stream.
type StageLocator interface {
	StageIndexForTask(actionID, taskID string) (int, bool)
}

// FlushResult is returned by WaitForFlush.
type FlushResult struct {
	AllConfirmed bool
	TimedOut     bool
}

// Config configures a Router.
type Config struct {
	Journal      journal.Journal
	Sender       Sender
	Actions      ActionLookup
	Stages       StageLocator
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

type flushBarrier struct {
	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
	closed  bool
}

// Router is the Log Router (C3).
type Router struct {
	journal      journal.Journal
	sender       Sender
	actions      ActionLookup
	stages       StageLocator
	flushTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	barriers map[string]*flushBarrier
}

// New constructs a Router.
func New(cfg Config) *Router {
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		journal:      cfg.Journal,
		sender:       cfg.Sender,
		actions:      cfg.Actions,
		stages:       cfg.Stages,
		flushTimeout: timeout,
		logger:       logger.Named("logrouter"),
		barriers:     make(map[string]*flushBarrier),
	}
}

// BindActiveActionSource wires the ActionLookup/StageLocator pair after
// construction. The Master-Action Runtime and the Router are mutually
// dependent (the router needs the runtime's active-action map; the
// coordinator the runtime is built on needs the router for flush requests),
// so the router is constructed first with these left nil and bound once the
// runtime exists.
func (r *Router) BindActiveActionSource(actions ActionLookup, stages StageLocator) {
	r.actions = actions
	r.stages = stages
}

// AppendLog correlates one agent-originated log entry and routes it to the
// journal and to the owning MasterAction's bounded log buffer. Never
// returns an error to the caller — journal failures are logged only,
// per spec.md §7.
func (r *Router) AppendLog(ctx context.Context, entry domain.AgentLogEntry) {
	stageIndex := -1
	if r.stages != nil {
		if idx, ok := r.stages.StageIndexForTask(entry.ActionID, entry.TaskID); ok {
			stageIndex = idx
		}
	}

	journal.Swallow(func(err error) {
		r.logger.Warn("failed to record log line", zap.Error(err), zap.String("action_id", entry.ActionID))
	}, func() error {
		return r.journal.RecordLogLine(ctx, journal.LogLineRecord{
			ActionID:   entry.ActionID,
			StageIndex: stageIndex,
			NodeName:   entry.NodeName,
			TaskID:     entry.TaskID,
			Level:      entry.Level,
			Message:    entry.Message,
			At:         entry.Timestamp,
		})
	})

	if r.actions == nil {
		return
	}
	action, ok := r.actions.Lookup(entry.ActionID)
	if !ok {
		r.logger.Warn("log entry for unknown action", zap.String("action_id", entry.ActionID))
		return
	}
	action.AppendLog(fmt.Sprintf("[%s] %s@%s: %s", entry.Level, entry.TaskID, entry.NodeName, entry.Message))
}

// RequestLogFlush starts the flush barrier for actionID and sends
// RequestLogFlush to every node in nodes. Safe to call once per action;
// a second call replaces any barrier still pending.
func (r *Router) RequestLogFlush(ctx context.Context, actionID string, nodes []string) {
	b := &flushBarrier{
		pending: make(map[string]struct{}, len(nodes)),
		done:    make(chan struct{}),
	}
	for _, n := range nodes {
		b.pending[n] = struct{}{}
	}

	r.mu.Lock()
	r.barriers[actionID] = b
	r.mu.Unlock()

	if len(nodes) == 0 {
		b.close()
		return
	}

	for _, node := range nodes {
		if err := r.sender.Send(ctx, node, domain.RequestLogFlushMsg{ActionID: actionID}); err != nil {
			r.logger.Warn("failed to send flush request",
				zap.String("action_id", actionID), zap.String("node", node), zap.Error(err))
		}
	}
}

// ConfirmFlush records that node has confirmed its flush for actionID. If
// it was the last outstanding node, the barrier completes immediately.
func (r *Router) ConfirmFlush(actionID, node string) {
	r.mu.Lock()
	b, ok := r.barriers[actionID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("flush confirmation for unknown action", zap.String("action_id", actionID))
		return
	}

	b.mu.Lock()
	delete(b.pending, node)
	empty := len(b.pending) == 0
	b.mu.Unlock()

	if empty {
		b.close()
	}
}

// WaitForFlush blocks until every node named in the corresponding
// RequestLogFlush call has confirmed, or until the configured flush timeout
// elapses — whichever comes first. A timeout is advisory only: it never
// returns an error, per spec.md §4.3.
func (r *Router) WaitForFlush(ctx context.Context, actionID string) FlushResult {
	r.mu.Lock()
	b, ok := r.barriers[actionID]
	r.mu.Unlock()
	if !ok {
		return FlushResult{AllConfirmed: true}
	}

	defer func() {
		r.mu.Lock()
		delete(r.barriers, actionID)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.flushTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		return FlushResult{AllConfirmed: true}
	case <-timer.C:
		r.logger.Warn("flush barrier timed out", zap.String("action_id", actionID), zap.Duration("timeout", r.flushTimeout))
		return FlushResult{AllConfirmed: false, TimedOut: true}
	case <-ctx.Done():
		return FlushResult{AllConfirmed: false, TimedOut: true}
	}
}

func (b *flushBarrier) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}
