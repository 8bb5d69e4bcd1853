// Package domain defines the shared data model for a master action run: the
// MasterAction root, its Stages, the NodeActions a stage spawns, and the
// per-node NodeTasks within each NodeAction. These types are owned
// hierarchically (MasterAction -> Stage -> NodeAction -> NodeTask) and are
// mutated only by the components responsible for their lifecycle — the
// runtime, the stage context, and the coordinator, respectively.
package domain

import "time"

// OverallStatus is the terminal/non-terminal status of a MasterAction.
type OverallStatus string

const (
	StatusPending   OverallStatus = "Pending"
	StatusRunning   OverallStatus = "Running"
	StatusSucceeded OverallStatus = "Succeeded"
	StatusFailed    OverallStatus = "Failed"
	StatusCancelled OverallStatus = "Cancelled"
)

// IsTerminal reports whether the status is one of the three terminal values.
func (s OverallStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// MaxRecentLogLines bounds the MasterAction's in-memory log ring buffer so a
// long-running action cannot exhaust memory. Older entries remain in the
// journal only.
const MaxRecentLogLines = 1000

// MasterAction is the root of a single workflow run.
//
// Invariants enforced by the Master-Action Runtime (C6), never mutated
// directly by any other component:
//   - Status is monotone from a non-terminal value to exactly one terminal
//     value (Succeeded, Failed, Cancelled) and never changes afterward.
//   - ProgressPercent reaches 100 exactly when Status becomes terminal.
//   - EndTime is set if and only if Status is terminal.
type MasterAction struct {
	ID              string
	OperationType   string
	StartTime       time.Time
	EndTime         time.Time
	Status          OverallStatus
	ProgressPercent int
	Parameters      map[string]string
	Result          any
	Stages          []*Stage

	recentLogs *RingBuffer
}

// NewMasterAction constructs a MasterAction in the Pending state with the
// given id, operation type and a read-only snapshot of the parameter map.
func NewMasterAction(id, operationType string, parameters map[string]string) *MasterAction {
	params := make(map[string]string, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	return &MasterAction{
		ID:            id,
		OperationType: operationType,
		StartTime:     time.Now().UTC(),
		Status:        StatusPending,
		Parameters:    params,
		recentLogs:    NewRingBuffer(MaxRecentLogLines),
	}
}

// AppendLog pushes a pre-formatted log line onto the bounded ring buffer
// backing this action's recent-logs poll surface.
func (a *MasterAction) AppendLog(line string) {
	a.recentLogs.Push(line)
}

// RecentLogs returns a snapshot of the bounded recent-log buffer, oldest
// first.
func (a *MasterAction) RecentLogs() []string {
	return a.recentLogs.Snapshot()
}

// SetTerminal transitions the action to a terminal status, clamping progress
// to 100 and stamping EndTime. It is a no-op if the action is already
// terminal, preserving the monotone-termination invariant.
func (a *MasterAction) SetTerminal(status OverallStatus, endTime time.Time) {
	if a.Status.IsTerminal() {
		return
	}
	a.Status = status
	a.ProgressPercent = 100
	a.EndTime = endTime
}
