// Package workflows hosts the concrete workflow handlers registered into the
// Workflow Handler Registry (spec.md §4.7). Each type here implements
// masteraction.Handler and is registered by operation type at startup — see
// cmd/sitekeeper-master/main.go.
package workflows

import (
	"context"
	"fmt"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/masteraction"
)

// VerifyConfigurationOperationType is the operation type clients submit to
// run a single-stage configuration verification sweep across online agents.
const VerifyConfigurationOperationType = "VerifyConfiguration"

// VerifyConfiguration runs a single node-action against every online agent
// and checks that every task reported success (spec.md §8 S1/S2 fixtures are
// built against this operation type).
type VerifyConfiguration struct{}

// NewVerifyConfiguration constructs a fresh handler instance — there is no
// per-invocation state to carry, but the Factory signature requires a
// constructor (spec.md §4.7: "handlers are constructed per invocation").
func NewVerifyConfiguration() masteraction.Handler { return VerifyConfiguration{} }

// Handles reports the operation type this handler implements.
func (VerifyConfiguration) Handles() string { return VerifyConfigurationOperationType }

// Execute drives the single-stage verification sweep.
func (VerifyConfiguration) Execute(ctx *masteraction.Context) error {
	ctx.InitializeProgress(1)

	s := ctx.BeginStage("verify-configuration", ctx.Action().Parameters)
	defer func() { s.Release(context.Background(), terminalStatus(ctx.Action())) }()

	result, err := s.RunNodeAction(context.Background(), "verify-configuration", "VerifyConfiguration", nil, nil)
	if err != nil {
		ctx.SetFailed(fmt.Sprintf("failed to dispatch verification: %v", err))
		return nil
	}

	failed := summarizeFailures(result.FinalState)
	if !result.Success {
		s.SetCustomResult(map[string]any{"failedNodes": failed})
		ctx.SetFailed(fmt.Sprintf("%d node(s) failed configuration verification", len(failed)))
		return nil
	}

	s.SetCustomResult(map[string]any{"nodesVerified": len(result.FinalState.Tasks)})
	ctx.SetCompleted("all nodes passed configuration verification")
	return nil
}

func summarizeFailures(action *domain.NodeAction) []string {
	if action == nil {
		return nil
	}
	var failed []string
	for _, t := range action.Tasks {
		if t.Status != domain.TaskSucceeded {
			failed = append(failed, t.NodeName)
		}
	}
	return failed
}

func terminalStatus(action *domain.MasterAction) domain.OverallStatus {
	if action.Status.IsTerminal() {
		return action.Status
	}
	return domain.StatusRunning
}
