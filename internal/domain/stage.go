package domain

// Stage is a single scoped phase within a MasterAction. It is created when
// the workflow handler calls BeginStage and journaled on both begin and
// complete (see internal/stage and internal/journal).
type Stage struct {
	Name            string
	Index           int // 0-based ordinal within the owning MasterAction
	Status          OverallStatus
	Input           any
	CustomResult    any
	ProgressPercent int
	NodeActions     []*NodeAction
}

// NewStage constructs a Stage at the given ordinal index, in the Running
// state.
func NewStage(name string, index int, input any) *Stage {
	return &Stage{
		Name:   name,
		Index:  index,
		Status: StatusRunning,
		Input:  input,
	}
}
