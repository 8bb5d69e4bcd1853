// Package masteraction implements the Master-Action Runtime (spec.md §4.6,
// C6): it resolves a workflow handler, constructs the MasterAction and its
// Context, drives the handler through InitializeProgress/BeginStage calls,
// converts stage-local progress into overall progress, and recovers a
// terminal status from whatever way the handler body exits.
package masteraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/stage"
)

// Handler is the workflow-handler capability set (spec.md §9 Design Notes):
// Handles reports the operation type this handler implements; Execute runs
// the workflow body against a Context.
type Handler interface {
	Handles() string
	Execute(ctx *Context) error
}

// HandlerResolver resolves an operation type to a freshly constructed
// Handler. *workflow.Registry satisfies this without masteraction importing
// the workflow package, avoiding an import cycle between C6 and C7.
type HandlerResolver interface {
	Resolve(operationType string) (Handler, error)
}

// StageFactory opens a new Stage scoped to the given MasterAction, installing
// a progress reporter that converts stage-local percent into overall
// percent. Runtime.Submit installs a closure that calls stage.Begin; tests
// can substitute a fake.
type StageFactory func(ctx context.Context, action *domain.MasterAction, stageIndex, totalStages int, name string, input any) *stage.Stage

// Context is the handle a workflow handler's Execute method receives. It
// carries the MasterAction, a scoped logger, a cancellation channel, the
// journal, and the stage-opening seam (spec.md §4.6 step 3).
type Context struct {
	action *domain.MasterAction
	logger *zap.Logger
	done   <-chan struct{}
	jrnl   journal.Journal

	stageFactory StageFactory
	rootCtx      context.Context

	mu           sync.Mutex
	totalStages  int
	currentStage *stage.Stage
	terminated   bool
}

// Action returns the MasterAction this context drives. Handlers read it for
// the action id and parameters; they must not set Status/EndTime directly —
// only the terminal hooks do that.
func (c *Context) Action() *domain.MasterAction { return c.action }

// Logger returns the scoped logger stamped with (action-id, stage-index,
// stage-name) as the handler progresses through stages.
func (c *Context) Logger() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentStage != nil {
		return c.logger.With(zap.Int("stage_index", c.currentStage.Model().Index), zap.String("stage_name", c.currentStage.Model().Name))
	}
	return c.logger
}

// Cancelled returns the channel that closes when the parent context driving
// this action is cancelled (spec.md §9: cancellation is an explicit channel
// checked at suspension points, never conflated with an error path).
func (c *Context) Cancelled() <-chan struct{} { return c.done }

// InitializeProgress records the total stage count a handler will drive
// through, required before the first BeginStage call so overall-progress
// math (spec.md §4.6) has a denominator.
func (c *Context) InitializeProgress(totalStages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalStages = totalStages
}

// BeginStage opens the n-th stage (0-based internally, 1-indexed in the
// overall-progress formula) and installs a ProgressReporter that converts
// the stage's local percent into the MasterAction's overall percent.
func (c *Context) BeginStage(name string, input any) *stage.Stage {
	c.mu.Lock()
	index := len(c.action.Stages)
	total := c.totalStages
	if total <= 0 {
		total = 1
	}
	c.mu.Unlock()

	s := c.stageFactory(c.rootCtx, c.action, index, total, name, input)

	c.mu.Lock()
	c.currentStage = s
	c.mu.Unlock()

	return s
}

// overallPercent implements the §4.6 formula: ((n-1)/N)*100 + p/N, floored,
// for the n-th stage (1-indexed) of N reporting local percent p.
func overallPercent(stageIndex0 int, totalStages int, localPercent int) int {
	if totalStages <= 0 {
		totalStages = 1
	}
	n := stageIndex0 + 1
	pct := (float64(n-1)/float64(totalStages))*100 + float64(localPercent)/float64(totalStages)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// SetCompleted transitions the action to Succeeded, progress 100, endTime
// now (spec.md §4.6).
func (c *Context) SetCompleted(message string) {
	c.setTerminal(domain.StatusSucceeded, message)
}

// SetFailed transitions the action to Failed, progress 100, endTime now.
func (c *Context) SetFailed(message string) {
	c.setTerminal(domain.StatusFailed, message)
}

// SetCancelled transitions the action to Cancelled, progress 100, endTime
// now.
func (c *Context) SetCancelled(message string) {
	c.setTerminal(domain.StatusCancelled, message)
}

func (c *Context) setTerminal(status domain.OverallStatus, message string) {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()

	if message != "" {
		c.action.AppendLog(fmt.Sprintf("[%s] %s", status, message))
	}
	c.action.SetTerminal(status, time.Now().UTC())

	journal.Swallow(func(err error) {
		c.logger.Warn("failed to record master action terminal log line", zap.Error(err))
	}, func() error {
		return c.jrnl.RecordLogLine(c.rootCtx, journal.LogLineRecord{
			ActionID: c.action.ID,
			Level:    terminalLogLevel(status),
			Message:  message,
			At:       time.Now().UTC(),
		})
	})
}

func (c *Context) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func terminalLogLevel(status domain.OverallStatus) domain.LogLevel {
	switch status {
	case domain.StatusFailed:
		return domain.LogError
	case domain.StatusCancelled:
		return domain.LogWarning
	default:
		return domain.LogInformation
	}
}
