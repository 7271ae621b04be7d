package graph

import "context"

// Interrupt is a first-class suspension signal: a node sets it on its
// NodeResult to pause the workflow (awaiting human input, an external
// event, or a long-running side effect) rather than erroring out. Unlike
// Err, an Interrupt is not a failure — the run's state up to and including
// the interrupting node's delta is checkpointed, and the caller is expected
// to resume the same run later via Engine.Resume.
type Interrupt struct {
	// RunID is the run being suspended.
	RunID string

	// NodeID is the node that raised the interrupt.
	NodeID string

	// StepID is the 0-based step index at which the interrupt occurred,
	// matching the indexing emitNodeStart/emitNodeEnd already use.
	StepID int

	// Reason is a short machine-readable cause ("human_input_required",
	// "awaiting_event", ...).
	Reason string

	// Payload carries whatever context the resumer needs to act (a prompt
	// for human input, the event name being awaited, ...).
	Payload any
}

// RunInterruptible runs the workflow sequentially from its start node,
// exactly as Run does, except that a node whose NodeResult carries a
// non-nil Interrupt suspends execution instead of continuing the frontier:
// its delta is merged and persisted first, so the returned state reflects
// the interrupting node's own work, then (state, interrupt, nil) is
// returned instead of proceeding to routing.
//
// RunInterruptible does not support MaxConcurrentNodes > 0 — interrupts are
// only evaluated on the sequential path, since mid-frontier suspension of a
// concurrent run has no well-defined single resume point. Workflows that
// need an interrupt step should keep the default sequential execution mode.
func (e *Engine[S]) RunInterruptible(ctx context.Context, runID string, initial S) (S, *Interrupt, error) {
	var zero S
	if e == nil {
		return zero, nil, &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	if e.opts.MaxConcurrentNodes > 0 {
		return zero, nil, &EngineError{
			Message: "RunInterruptible requires sequential execution (MaxConcurrentNodes == 0)",
			Code:    "UNSUPPORTED_CONCURRENT_INTERRUPT",
		}
	}
	return e.runSequentialInterruptible(ctx, runID, e.startNode, initial, 0)
}

// Resume continues a run previously suspended by RunInterruptible,
// starting at resumeNode with resumeState already carrying whatever input
// the caller collected while suspended (merged into the state the
// interrupting node last produced). The caller is responsible for tracking
// (runID, resumeNode, resumeState) across the suspension — the workflow
// manager does this via its per-thread pendingInterrupt map.
func (e *Engine[S]) Resume(ctx context.Context, runID string, resumeNode string, resumeState S) (S, *Interrupt, error) {
	var zero S
	if e == nil {
		return zero, nil, &EngineError{Message: "engine is nil", Code: "NIL_ENGINE"}
	}
	e.mu.RLock()
	_, exists := e.nodes[resumeNode]
	e.mu.RUnlock()
	if !exists {
		return zero, nil, &EngineError{Message: "resume node does not exist: " + resumeNode, Code: "NODE_NOT_FOUND"}
	}
	return e.runSequentialInterruptible(ctx, runID, resumeNode, resumeState, 0)
}

// runSequentialInterruptible is Run's sequential loop (node.go/engine.go's
// non-concurrent path) generalized to start at an arbitrary node and to
// treat a node's Interrupt field as a valid suspension rather than an
// error.
func (e *Engine[S]) runSequentialInterruptible(ctx context.Context, runID string, startNode string, initial S, startStep int) (S, *Interrupt, error) {
	var zero S

	if e.reducer == nil {
		return zero, nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return zero, nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	rng := initRNG(runID)
	ctx = context.WithValue(ctx, RNGKey, rng)

	currentState := initial
	currentNode := startNode
	step := startStep

	for {
		step++

		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return zero, nil, &EngineError{Message: "workflow exceeded MaxSteps limit", Code: "MAX_STEPS_EXCEEDED"}
		}

		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		default:
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[currentNode]
		e.mu.RUnlock()
		if !exists {
			return zero, nil, &EngineError{Message: "node not found during execution: " + currentNode, Code: "NODE_NOT_FOUND"}
		}

		e.emitNodeStart(runID, currentNode, step-1)
		result := nodeImpl.Run(ctx, currentState)

		if result.Err != nil {
			e.emitError(runID, currentNode, step-1, result.Err)
			return zero, nil, result.Err
		}

		currentState = e.reducer(currentState, result.Delta)

		if err := e.store.SaveStep(ctx, runID, step, currentNode, currentState); err != nil {
			return zero, nil, &EngineError{Message: "failed to save step: " + err.Error(), Code: "STORE_ERROR"}
		}

		e.emitNodeEnd(runID, currentNode, step-1, result.Delta)

		if result.Interrupt != nil {
			interrupt := result.Interrupt
			interrupt.RunID = runID
			interrupt.NodeID = currentNode
			interrupt.StepID = step - 1
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{
				"interrupted": true,
				"reason":      interrupt.Reason,
			})
			return currentState, interrupt, nil
		}

		if result.Route.Terminal {
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"terminal": true})
			return currentState, nil, nil
		}

		if len(result.Route.Many) > 0 {
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{
				"parallel": true,
				"branches": result.Route.Many,
			})
			parallelState, err := e.executeParallel(ctx, result.Route.Many, currentState)
			if err != nil {
				return zero, nil, err
			}
			return parallelState, nil, nil
		}

		if result.Route.To != "" {
			e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"next_node": result.Route.To})
			currentNode = result.Route.To
			continue
		}

		nextNode := e.evaluateEdges(currentNode, currentState)
		if nextNode == "" {
			return zero, nil, &EngineError{Message: "no valid route from node: " + currentNode, Code: "NO_ROUTE"}
		}
		e.emitRoutingDecision(runID, currentNode, step-1, map[string]interface{}{"next_node": nextNode, "via_edge": true})
		currentNode = nextNode
	}
}
