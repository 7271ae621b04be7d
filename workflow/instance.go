package workflow

import (
	"fmt"
	"time"

	"github.com/meridian-ai/conductor/graph"
)

// newInstance creates a fresh Instance record for def, merging def's
// declared variables with any caller-supplied initial values (caller
// values win), mirroring engine.py's execute_workflow: `{**definition.
// variables, **(initial_variables or {})}`.
func newInstance(def *Definition, initialVariables map[string]any, triggeredBy string) *Instance {
	now := time.Now()
	vars := mergeMaps(map[string]any{}, def.Variables)
	vars = mergeMaps(vars, initialVariables)
	return &Instance{
		ID:           fmt.Sprintf("wf_%s_%d", def.ID, now.UnixNano()),
		DefinitionID: def.ID,
		Status:       StatusRunning,
		CurrentStep:  entryStep(def),
		Variables:    vars,
		CreatedAt:    now,
		UpdatedAt:    now,
		TriggeredBy:  triggeredBy,
	}
}

// initialState builds the graph.Engine[State] seed from inst.
func initialState(def *Definition, inst *Instance) State {
	return State{
		WorkflowID:   inst.ID,
		WorkflowName: def.Name,
		Status:       inst.Status,
		CurrentStep:  inst.CurrentStep,
		Variables:    inst.Variables,
	}
}

// applyRunOutcome folds a completed or interrupted engine run back into
// inst. Instance.Variables is a single flat map (the external-facing
// record, matching engine.py's instance.variables), so State's three
// maps are flattened into it via unionView's same variables/step_results/
// human_inputs precedence; only State itself keeps them separate, for
// condition.go's dotted-path resolution order.
func applyRunOutcome(inst *Instance, final State, interrupt *graph.Interrupt, runErr error) {
	inst.Variables = unionView(final)
	inst.History = final.History
	inst.CurrentStep = final.CurrentStep
	inst.UpdatedAt = time.Now()

	switch {
	case runErr != nil:
		inst.Status = StatusFailed
	case interrupt != nil:
		if interrupt.Reason == "human_input_required" {
			inst.Status = StatusWaitingForHuman
		} else {
			inst.Status = StatusWaiting
		}
	default:
		inst.Status = StatusCompleted
		completedAt := inst.UpdatedAt
		inst.CompletedAt = &completedAt
	}
}
