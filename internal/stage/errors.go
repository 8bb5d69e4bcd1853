package stage

import "errors"

// ErrConcurrentStageUse is returned by RunNodeAction/RunNodeActionsInParallel
// when another call is already in flight on the same Stage — spec.md §4.5
// allows at most one outstanding call at a time.
var ErrConcurrentStageUse = errors.New("stage: concurrent RunNodeAction use")
