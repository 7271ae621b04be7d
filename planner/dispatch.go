package planner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/conductor/agentrpc"
)

// Dispatcher drives a Plan to completion by repeatedly dispatching every
// currently ready task to its target agent, concurrently, waiting for that
// wave to finish, and recomputing readiness — since completing one task can
// unblock several siblings at once.
type Dispatcher struct {
	Agents agentrpc.Client
}

// Run dispatches plan's tasks wave by wave until IsTerminal(plan) or no
// further task can become ready (a dependency cycle or an unresolvable
// dependency on a failed/cancelled task), in which case Run returns with the
// plan left in its last-known state rather than looping forever.
func (d *Dispatcher) Run(ctx context.Context, plan *Plan) error {
	var mu sync.Mutex
	for !IsTerminal(plan) {
		mu.Lock()
		ready := ReadyTasks(plan)
		mu.Unlock()
		if len(ready) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, t := range ready {
			t := t
			mu.Lock()
			t.Status = TaskInProgress
			t.UpdatedAt = time.Now()
			mu.Unlock()

			g.Go(func() error {
				d.dispatchOne(gctx, &mu, t)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, mu *sync.Mutex, t *Task) {
	result, err := d.Agents.Dispatch(ctx, t.Agent, agentrpc.Task{
		ID:          t.ID,
		Instruction: t.Description,
	})

	mu.Lock()
	defer mu.Unlock()
	t.UpdatedAt = time.Now()
	if err != nil {
		t.Status = TaskFailed
		t.Err = err.Error()
		return
	}
	if content, ok := result.FirstArtifactContent().(string); ok {
		t.Result = content
	}
	if result.Status == "failed" {
		t.Status = TaskFailed
		if t.Err == "" {
			t.Err = "agent reported failure"
		}
		return
	}
	t.Status = TaskCompleted
}
