package workflows

import (
	"context"
	"fmt"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/masteraction"
)

// TestOrchestrationOperationType is the operation type clients submit to run
// a two-stage exercise: a preparation sweep followed by the timed workload
// used in the mid-execution disconnect and cancellation fixtures (spec.md
// §8 S3/S4).
const TestOrchestrationOperationType = "TestOrchestration"

// TestOrchestration drives two sequential stages against the node set
// supplied in its parameters (or every online agent if none is given):
// a short preparation sweep, then the timed workload stage whose
// cancellation and disconnect handling the coordinator is responsible for.
type TestOrchestration struct{}

// NewTestOrchestration constructs a fresh handler instance.
func NewTestOrchestration() masteraction.Handler { return TestOrchestration{} }

// Handles reports the operation type this handler implements.
func (TestOrchestration) Handles() string { return TestOrchestrationOperationType }

// Execute drives the preparation and workload stages.
func (TestOrchestration) Execute(ctx *masteraction.Context) error {
	ctx.InitializeProgress(2)

	nodes := targetNodes(ctx.Action().Parameters)

	prep := ctx.BeginStage("prepare", nodes)
	prepResult, err := prep.RunNodeAction(context.Background(), "prepare-workload", "PrepareWorkload", nodes, nil)
	prep.Release(context.Background(), resultStatus(err, prepResult))
	if err != nil {
		ctx.SetFailed(fmt.Sprintf("preparation dispatch failed: %v", err))
		return nil
	}
	if !prepResult.Success {
		ctx.SetFailed("preparation stage reported failure on one or more nodes")
		return nil
	}

	workload := ctx.BeginStage("run-workload", nodes)
	workloadResult, err := workload.RunNodeAction(context.Background(), "run-workload", "RunWorkload", nodes, nil)
	workload.Release(context.Background(), resultStatus(err, workloadResult))
	if err != nil {
		select {
		case <-ctx.Cancelled():
			ctx.SetCancelled("workload cancelled")
		default:
			ctx.SetFailed(fmt.Sprintf("workload dispatch failed: %v", err))
		}
		return nil
	}

	workload.SetCustomResult(summarizeOutcome(workloadResult.FinalState))

	switch verdict(workloadResult.FinalState) {
	case domain.StatusCancelled:
		ctx.SetCancelled("workload cancelled before completion")
	case domain.StatusSucceeded:
		ctx.SetCompleted("workload completed on all nodes")
	default:
		ctx.SetFailed("one or more nodes failed the workload")
	}
	return nil
}

func targetNodes(parameters map[string]string) []string {
	if parameters == nil {
		return nil
	}
	if csv, ok := parameters["nodes"]; ok && csv != "" {
		return splitCSV(csv)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func resultStatus(err error, result domain.NodeActionResult) domain.OverallStatus {
	if err != nil {
		return domain.StatusFailed
	}
	return verdict(result.FinalState)
}

func verdict(action *domain.NodeAction) domain.OverallStatus {
	if action == nil {
		return domain.StatusFailed
	}
	anyCancelled, anyFailed := false, false
	for _, t := range action.Tasks {
		switch t.Status {
		case domain.TaskCancelled, domain.TaskCancelling:
			anyCancelled = true
		case domain.TaskSucceeded:
		default:
			anyFailed = true
		}
	}
	switch {
	case anyCancelled:
		return domain.StatusCancelled
	case anyFailed:
		return domain.StatusFailed
	default:
		return domain.StatusSucceeded
	}
}

func summarizeOutcome(action *domain.NodeAction) map[string]any {
	if action == nil {
		return nil
	}
	counts := map[string]int{}
	for _, t := range action.Tasks {
		counts[string(t.Status)]++
	}
	return map[string]any{"taskOutcomes": counts}
}
