package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-ai/conductor/agentrpc"
	"github.com/meridian-ai/conductor/extract"
	"github.com/meridian-ai/conductor/graph"
)

// Dispatcher holds the external dependencies step handlers need: an
// agent RPC client for Action steps and a structured-data extractor for
// Extract steps. Both are interfaces so tests can swap in mocks without
// a live agent or model behind them.
type Dispatcher struct {
	Agents    agentrpc.Client
	Extractor extract.Extractor
}

// stepOutcome is what every step-type handler produces. compileStep
// (compiler.go) wraps it into a graph.Node[State]: merging Delta,
// recording history, and routing to Next or honoring Interrupt.
type stepOutcome struct {
	Delta     State
	Next      string
	Interrupt *graph.Interrupt
}

type stepHandler func(ctx context.Context, d *Dispatcher, def *Definition, step *Step, st State) (stepOutcome, error)

var stepHandlers = map[StepType]stepHandler{
	StepAction:    handleAction,
	StepCondition: handleCondition,
	StepWait:      handleWait,
	StepParallel:  handleParallel,
	StepHuman:     handleHuman,
	StepSwitch:    handleSwitch,
	StepForEach:   handleForEach,
	StepExtract:   handleExtract,
}

// execStep applies SkipIf and dispatches to the step's handler. It is
// the single entry point both the compiled graph node (compiler.go) and
// the Parallel/For-each handlers (which execute named substeps directly,
// without going through the engine's own routing) call to run a step.
func execStep(ctx context.Context, d *Dispatcher, def *Definition, step *Step, st State) (stepOutcome, error) {
	if step.SkipIf != nil && EvaluateCondition(step.SkipIf, st) {
		return stepOutcome{Next: step.NextStep}, nil
	}
	h, ok := stepHandlers[step.Type]
	if !ok {
		return stepOutcome{}, fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}
	return h(ctx, d, def, step, st)
}

func effectiveRetryPolicy(p *RetryPolicy) RetryPolicy {
	if p == nil {
		return DefaultRetryPolicy
	}
	return p.orDefault()
}

// handleAction dispatches a step to an agent via the Dispatcher's
// agentrpc.Client, retrying on error with linear backoff. Grounded on
// engine.py's _handle_action_step: instruction substitution, a context
// envelope carrying workflow/step identity plus the full variable view,
// and "store under {step_id}_result, also under last_action_result".
func handleAction(ctx context.Context, d *Dispatcher, def *Definition, step *Step, st State) (stepOutcome, error) {
	vars := unionView(st)
	instruction := Substitute(step.Instruction, vars)

	task := agentrpc.Task{
		ID:          fmt.Sprintf("%s_%s", step.ID, step.Agent),
		Instruction: instruction,
		Context: map[string]any{
			"workflow_id":        st.WorkflowID,
			"workflow_name":      st.WorkflowName,
			"step_id":            step.ID,
			"step_name":          step.Name,
			"workflow_variables": vars,
		},
		StateSnapshot: vars,
	}

	policy := effectiveRetryPolicy(step.RetryPolicy)

	var result agentrpc.Result
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		result, lastErr = d.Agents.Dispatch(callCtx, step.Agent, task)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			break
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return stepOutcome{}, ctx.Err()
		case <-time.After(policy.backoff(attempt)):
		}
	}
	if lastErr != nil {
		agentErr := &AgentError{StepID: step.ID, AgentName: step.Agent, Critical: step.Critical, Cause: lastErr}
		if step.Critical {
			return stepOutcome{}, agentErr
		}
		return stepOutcome{
			Delta: State{StepResults: map[string]any{step.ID + "_error": agentErr.Error()}},
			Next:  step.NextStep,
		}, nil
	}

	if result.Status == "interrupted" {
		return stepOutcome{
			Delta: State{
				Status: StatusWaiting,
				StepResults: map[string]any{
					step.ID + "_result": result.FirstArtifactContent(),
				},
			},
			Interrupt: &graph.Interrupt{Reason: "agent_interrupted", Payload: result.Metadata},
		}, nil
	}

	content := result.FirstArtifactContent()
	delta := State{
		StepResults: map[string]any{
			step.ID + "_result":  content,
			"last_action_result": content,
		},
	}

	next := step.NextStep
	if step.OnComplete != nil && step.OnComplete.Condition != nil {
		merged := Reduce(st, delta)
		if EvaluateCondition(step.OnComplete.Condition, merged) {
			next = firstNonEmpty(step.OnComplete.IfTrue, step.NextStep)
		} else {
			next = firstNonEmpty(step.OnComplete.IfFalse, step.NextStep)
		}
	}
	return stepOutcome{Delta: delta, Next: next}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// handleCondition evaluates step.Condition and stores the boolean result
// under "{step_id}_result", routing to TrueNext or FalseNext.
func handleCondition(_ context.Context, _ *Dispatcher, _ *Definition, step *Step, st State) (stepOutcome, error) {
	if step.Condition == nil {
		return stepOutcome{}, fmt.Errorf("%w: condition step %s has no condition", ErrInvalidDefinition, step.ID)
	}
	result := EvaluateCondition(step.Condition, st)
	delta := State{StepResults: map[string]any{step.ID + "_result": result}}
	if result {
		return stepOutcome{Delta: delta, Next: step.TrueNext}, nil
	}
	return stepOutcome{Delta: delta, Next: step.FalseNext}, nil
}

// handleWait suspends the run until a fixed time, or waits for a named
// event, or (when WaitForEvent ends in "_complete" and CompileFields is
// set) compiles named variables into a summary without suspending at
// all. Grounded on engine.py's _handle_wait_step, generalized from its
// sleep-based stand-in into a real Interrupt so the caller can resume
// precisely when the condition is met.
func handleWait(_ context.Context, _ *Dispatcher, _ *Definition, step *Step, st State) (stepOutcome, error) {
	if step.WaitUntil != nil && step.WaitUntil.After(time.Now()) {
		return stepOutcome{
			Delta:     State{Status: StatusWaiting},
			Interrupt: &graph.Interrupt{Reason: "awaiting_time", Payload: *step.WaitUntil},
		}, nil
	}

	if step.WaitForEvent != "" {
		if isCompileEvent(step.WaitForEvent) && len(step.CompileFields) > 0 {
			vars := unionView(st)
			compiled := map[string]any{}
			for _, f := range step.CompileFields {
				if v, ok := vars[f]; ok {
					compiled[f] = v
				}
			}
			summary := step.SummaryTemplate
			if summary == "" {
				summary = "Workflow completed successfully"
			}
			delta := State{Variables: map[string]any{
				"compiled_results": compiled,
				"summary":          summary,
			}}
			return stepOutcome{Delta: delta, Next: step.NextStep}, nil
		}
		return stepOutcome{
			Delta:     State{Status: StatusWaiting},
			Interrupt: &graph.Interrupt{Reason: "awaiting_event", Payload: step.WaitForEvent},
		}, nil
	}

	return stepOutcome{Next: step.NextStep}, nil
}

func isCompileEvent(event string) bool {
	const suffix = "_complete"
	return len(event) > len(suffix) && event[len(event)-len(suffix):] == suffix
}

// handleParallel fans the step's named substeps out across goroutines
// and merges their deltas with Reduce in declaration order, then
// continues to step.NextStep. It cannot delegate to graph.Engine's native
// Route.Many/executeParallel: that path terminates the run immediately
// after the merge (see graph/engine.go), whereas a workflow Parallel
// step is just one more step with a successor. Grounded on engine.py's
// _handle_parallel_step (one task per named substep, gathered, stored
// under "{step_id}_parallel_results").
func handleParallel(ctx context.Context, d *Dispatcher, def *Definition, step *Step, st State) (stepOutcome, error) {
	if len(step.ParallelSteps) == 0 {
		return stepOutcome{Next: step.NextStep}, nil
	}

	type branchResult struct {
		stepID string
		delta  State
		err    error
	}

	results := make([]branchResult, len(step.ParallelSteps))
	var wg sync.WaitGroup
	for i, subID := range step.ParallelSteps {
		subStep, ok := def.Steps[subID]
		if !ok {
			results[i] = branchResult{stepID: subID, err: fmt.Errorf("%w: parallel substep %s", ErrStepRouting, subID)}
			continue
		}
		wg.Add(1)
		go func(i int, subStep *Step) {
			defer wg.Done()
			outcome, err := execStep(ctx, d, def, subStep, st)
			results[i] = branchResult{stepID: subStep.ID, delta: outcome.Delta, err: err}
		}(i, subStep)
	}
	wg.Wait()

	merged := State{}
	collected := map[string]any{}
	for _, r := range results {
		if r.err != nil {
			collected[r.stepID] = map[string]any{"error": r.err.Error()}
			continue
		}
		merged = Reduce(merged, r.delta)
		if v, ok := r.delta.StepResults[r.stepID+"_result"]; ok {
			collected[r.stepID] = v
		}
	}
	merged = Reduce(merged, State{StepResults: map[string]any{step.ID + "_parallel_results": collected}})

	return stepOutcome{Delta: merged, Next: step.NextStep}, nil
}

// handleHuman suspends for human input the first time it runs. Once the
// Manager resumes the run with the collected response present under
// HumanInputs[step.ID], it records that response under
// "{step_id}_approval" and proceeds — no auto-approval, unlike
// engine.py's demo stand-in (a five-second sleep then a synthetic
// "approved by system" record).
func handleHuman(_ context.Context, _ *Dispatcher, _ *Definition, step *Step, st State) (stepOutcome, error) {
	if resp, ok := st.HumanInputs[step.ID]; ok {
		return stepOutcome{
			Delta: State{StepResults: map[string]any{step.ID + "_approval": resp}},
			Next:  step.NextStep,
		}, nil
	}

	payload := map[string]any{"step_id": step.ID, "step_name": step.Name}
	if len(step.ContextFrom) > 0 {
		vars := unionView(st)
		ctxOut := map[string]any{}
		for _, k := range step.ContextFrom {
			if v, ok := resolvePath(vars, k); ok {
				ctxOut[k] = v
			}
		}
		payload["context"] = ctxOut
	}
	return stepOutcome{
		Delta:     State{Status: StatusWaitingForHuman},
		Interrupt: &graph.Interrupt{Reason: "human_input_required", Payload: payload},
	}, nil
}

// handleSwitch evaluates step.SwitchConditions in order and routes to
// the first match's Goto, falling back to DefaultNext then NextStep.
func handleSwitch(_ context.Context, _ *Dispatcher, _ *Definition, step *Step, st State) (stepOutcome, error) {
	for _, c := range step.SwitchConditions {
		if c.Case != nil && EvaluateCondition(c.Case, st) {
			return stepOutcome{Next: c.Goto}, nil
		}
	}
	return stepOutcome{Next: firstNonEmpty(step.DefaultNext, step.NextStep)}, nil
}

// handleForEach resolves step.IterateOver to a slice, then runs
// step.LoopSteps sequentially for each item (up to MaxIterations),
// threading the state accumulated so far from one iteration to the
// next. Grounded on engine.py's _handle_for_each_step, with the same
// "skip to next iteration on a loop-step error" tolerance and the same
// iterator-variable cleanup once the loop ends.
func handleForEach(ctx context.Context, d *Dispatcher, def *Definition, step *Step, st State) (stepOutcome, error) {
	if step.IterateOver == "" || len(step.LoopSteps) == 0 {
		return stepOutcome{Next: step.NextStep}, nil
	}

	vars := unionView(st)
	collection, ok := resolvePath(vars, step.IterateOver)
	items, isSlice := collection.([]any)
	if !ok || !isSlice {
		return stepOutcome{Next: step.NextStep}, nil
	}

	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}

	iterVar := step.IteratorVariable
	if iterVar == "" {
		iterVar = "current_item"
	}

	current := st
	var loopResults []any
	var lastLoopStepID string

	for idx, item := range items {
		current = Reduce(current, State{Variables: map[string]any{
			iterVar:            item,
			iterVar + "_index": idx,
		}})

		for _, loopID := range step.LoopSteps {
			loopStep, ok := def.Steps[loopID]
			if !ok {
				continue
			}
			lastLoopStepID = loopID
			outcome, err := execStep(ctx, d, def, loopStep, current)
			if err != nil {
				break
			}
			current = Reduce(current, outcome.Delta)
		}
		if lastLoopStepID != "" {
			if v, ok := current.StepResults[lastLoopStepID+"_result"]; ok {
				loopResults = append(loopResults, v)
			}
		}
	}

	finalVars := mergeMaps(map[string]any{}, current.Variables)
	delete(finalVars, iterVar)
	delete(finalVars, iterVar+"_index")
	current.Variables = finalVars

	delta := Reduce(State{}, State{
		Variables:   current.Variables,
		StepResults: mergeMaps(map[string]any{step.ID + "_results": loopResults}, current.StepResults),
		HumanInputs: current.HumanInputs,
	})
	// No History is carried here: compileStep records one History entry
	// for the for-each step itself, not one per loop substep.
	delta.History = nil

	return stepOutcome{Delta: delta, Next: step.NextStep}, nil
}

// handleExtract pulls structured data out of a named variable via the
// Dispatcher's Extractor and stores the result under "{step_id}_result".
func handleExtract(ctx context.Context, d *Dispatcher, _ *Definition, step *Step, st State) (stepOutcome, error) {
	vars := unionView(st)
	source, _ := resolvePath(vars, step.ExtractFrom)
	result, err := d.Extractor.Extract(ctx, source, step.ExtractPrompt, step.ExtractSchema)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("extract step %s: %w", step.ID, err)
	}
	delta := State{StepResults: map[string]any{step.ID + "_result": result}}
	return stepOutcome{Delta: delta, Next: step.NextStep}, nil
}
