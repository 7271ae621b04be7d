package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-ai/conductor/graph"
	"github.com/meridian-ai/conductor/graph/emit"
	"github.com/meridian-ai/conductor/graph/store"
)

// terminalStep is the reserved next_step value that ends a run.
const terminalStep = "end"

// Compiler turns a Definition into an executable graph.Engine[State].
// One Compiler can compile many definitions; the Dispatcher it holds is
// shared across all of them.
type Compiler struct {
	Dispatcher *Dispatcher
	Store      store.Store[State]
	Emitter    emit.Emitter
	Options    graph.Options
}

// Compile validates def and builds one graph.Engine[State] node per
// step, wiring routing through each node's own NodeResult.Route rather
// than graph.Engine.Connect edges — a workflow step's successor is a
// runtime decision (condition result, on_complete branch, switch case),
// not a static graph edge. The engine is built with c.Options as given: it
// runs sequentially unless c.Options sets MaxConcurrentNodes > 0, in which
// case RunInterruptible returns an error.
func (c *Compiler) Compile(def *Definition) (*graph.Engine[State], error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	eng := graph.New[State](Reduce, c.Store, c.Emitter, c.Options)

	for id, step := range def.Steps {
		if err := eng.Add(id, compileStep(c.Dispatcher, def, step)); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, id, err)
		}
	}

	if err := eng.StartAt(entryStep(def)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	return eng, nil
}

// entryStep picks the workflow's first node: "start" by convention, else
// the lexicographically smallest step ID. Definition.Steps is a map, so
// "the first declared" step has no stable meaning here without a
// side-channel ordering; picking the smallest ID keeps compilation
// deterministic across repeated calls with the same Definition. See
// DESIGN.md's Open Questions entry for "first declared" for the rationale.
func entryStep(def *Definition) string {
	if _, ok := def.Steps["start"]; ok {
		return "start"
	}
	var smallest string
	for id := range def.Steps {
		if smallest == "" || id < smallest {
			smallest = id
		}
	}
	return smallest
}

// compileStep wraps one Step's handler into a graph.Node[State]: it runs
// execStep, records a History entry on success, sets CurrentStep, and
// translates the handler's stepOutcome into a NodeResult — Goto(next),
// Stop() for "end"/empty, or the handler's own Interrupt.
func compileStep(d *Dispatcher, def *Definition, step *Step) graph.NodeFunc[State] {
	return func(ctx context.Context, st State) graph.NodeResult[State] {
		start := time.Now()
		outcome, err := execStep(ctx, d, def, step, st)
		if err != nil {
			return graph.NodeResult[State]{Err: err}
		}

		delta := outcome.Delta
		delta.CurrentStep = step.ID
		delta.History = append(delta.History, HistoryEntry{
			StepID:     step.ID,
			StepName:   step.Name,
			StepType:   step.Type,
			Timestamp:  start,
			DurationMS: time.Since(start).Milliseconds(),
			Result:     "completed",
			NextStep:   outcome.Next,
		})

		result := graph.NodeResult[State]{Delta: delta, Interrupt: outcome.Interrupt}
		if outcome.Interrupt != nil {
			return result
		}
		if outcome.Next == "" || outcome.Next == terminalStep {
			result.Route = graph.Stop()
		} else {
			result.Route = graph.Goto(outcome.Next)
		}
		return result
	}
}

// validateDefinition checks the structural invariants a workflow
// definition must satisfy: every successor reference names a defined step or "end", no
// step names itself as its own immediate successor, and parallel/loop
// substep lists name defined steps.
func validateDefinition(def *Definition) error {
	if def == nil || len(def.Steps) == 0 {
		return fmt.Errorf("%w: definition has no steps", ErrInvalidDefinition)
	}

	for id, step := range def.Steps {
		if id != step.ID && step.ID != "" {
			return fmt.Errorf("%w: step map key %q does not match step.ID %q", ErrInvalidDefinition, id, step.ID)
		}
		successors := []string{step.NextStep, step.TrueNext, step.FalseNext, step.DefaultNext}
		for _, c := range step.SwitchConditions {
			successors = append(successors, c.Goto)
		}
		for _, s := range successors {
			if s == "" {
				continue
			}
			if s == id {
				return fmt.Errorf("%w: step %q references itself as immediate successor", ErrInvalidDefinition, id)
			}
			if s != terminalStep {
				if _, ok := def.Steps[s]; !ok {
					return fmt.Errorf("%w: step %q references undefined successor %q", ErrInvalidDefinition, id, s)
				}
			}
		}
		for _, sub := range step.ParallelSteps {
			if _, ok := def.Steps[sub]; !ok {
				return fmt.Errorf("%w: step %q references undefined parallel substep %q", ErrInvalidDefinition, id, sub)
			}
		}
		for _, sub := range step.LoopSteps {
			if _, ok := def.Steps[sub]; !ok {
				return fmt.Errorf("%w: step %q references undefined loop substep %q", ErrInvalidDefinition, id, sub)
			}
		}
	}
	return nil
}
