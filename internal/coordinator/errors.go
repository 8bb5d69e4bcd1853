package coordinator

import "errors"

// ErrDuplicateActionID is returned by Submit when a NodeAction with the same
// ActionID is already active (spec.md §4.4.1).
var ErrDuplicateActionID = errors.New("coordinator: duplicate action id")

// ErrUnknownAction is returned when an ingress event references an action-id
// the coordinator has no active state for — a protocol error per spec.md §7.
var ErrUnknownAction = errors.New("coordinator: unknown action id")

// ErrUnknownTask names the protocol error of an ingress event that references
// a task-id not present in the named action. No coordinator method returns
// it: ReportReadiness and ReportProgress accept any task-id, and the action's
// actor logs and drops events for unknown tasks.
var ErrUnknownTask = errors.New("coordinator: unknown task id")
