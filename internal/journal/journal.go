// Package journal implements the Journal Service (spec.md §4.2, C2): an
// append-only record of stage-initiated, stage-completed, per-node-task
// result, and per-node log-line events. Journal failures are logged locally
// by callers and never propagated — see internal/stage and
// internal/coordinator, which wrap every call in a swallow helper.
package journal

import (
	"context"
	"time"

	"github.com/sitekeeper/master/internal/domain"
)

// StageInitiatedRecord is emitted when a Stage begins.
type StageInitiatedRecord struct {
	ActionID   string
	StageIndex int
	StageName  string
	Input      any
	At         time.Time
}

// StageCompletedRecord is emitted when a Stage is released, successfully or
// not — disposal always writes this record (spec.md §3 Stage lifecycle).
type StageCompletedRecord struct {
	ActionID   string
	StageIndex int
	StageName  string
	Result     any
	Status     domain.OverallStatus
	At         time.Time
}

// NodeTaskResultRecord is emitted once a NodeTask reaches a terminal
// sub-status (spec.md §4.4.4).
type NodeTaskResultRecord struct {
	ActionID     string
	NodeActionID string
	TaskID       string
	NodeName     string
	Status       domain.NodeTaskStatus
	Result       map[string]any
	At           time.Time
}

// LogLineRecord is one correlated log line routed by the Log Router
// (spec.md §4.3).
type LogLineRecord struct {
	ActionID   string
	StageIndex int
	NodeName   string
	TaskID     string
	Level      domain.LogLevel
	Message    string
	At         time.Time
}

// Journal is the append-only sink every component writes through. Every
// method is expected to be safe to call concurrently and fast enough not to
// become a bottleneck on the hot path. internal/journal/sqlstore does no
// buffering: each call performs its insert synchronously, so the caller
// waits for the database write.
type Journal interface {
	RecordStageInitiated(ctx context.Context, rec StageInitiatedRecord) error
	RecordStageCompleted(ctx context.Context, rec StageCompletedRecord) error
	RecordNodeTaskResult(ctx context.Context, rec NodeTaskResultRecord) error
	RecordLogLine(ctx context.Context, rec LogLineRecord) error
}

// Swallow calls fn and logs — via the supplied logFn — rather than
// propagating any error, per spec.md §7: "Journal errors — logged only;
// never propagated." Components call this instead of invoking a Journal
// method directly so a single call site enforces the policy.
func Swallow(logFn func(err error), fn func() error) {
	if err := fn(); err != nil {
		logFn(err)
	}
}
