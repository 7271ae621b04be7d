// Package planner decomposes a free-text instruction into a DAG of agent
// tasks via an LLM, and tracks that DAG's execution state as tasks complete,
// fail, or become ready.
package planner

import "time"

// TaskStatus is a Task's position in its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskPriority orders ready tasks for dispatch; higher priorities are
// dispatched first when several tasks become ready at once.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

var priorityRank = map[TaskPriority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityMedium: 1,
	PriorityLow:    0,
}

// Task is one DAG node: a human-describable unit of work assigned to a
// named agent, gated on zero or more sibling tasks completing first.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	Agent       string
	DependsOn   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Result      string
	Err         string
}

// Plan is an ordered task DAG produced for one instruction. Tasks is a
// slice, not a map, so CreatePlan/Replan can preserve the LLM's stated
// ordering when two tasks share a priority.
type Plan struct {
	ID          string
	Instruction string
	Tasks       []*Task
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// taskByID finds a task by id, or nil.
func (p *Plan) taskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ReadyTasks returns every pending task whose dependencies are all
// completed, ordered by descending priority (ties keep Plan.Tasks order).
// Callers dispatch the returned tasks concurrently; nothing here mutates
// Plan, so it's safe to call while other tasks are in flight.
func ReadyTasks(plan *Plan) []*Task {
	if plan == nil {
		return nil
	}
	var ready []*Task
	for _, t := range plan.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if dependenciesSatisfied(plan, t) {
			ready = append(ready, t)
		}
	}
	sortByPriorityStable(ready)
	return ready
}

func dependenciesSatisfied(plan *Plan, t *Task) bool {
	for _, depID := range t.DependsOn {
		dep := plan.taskByID(depID)
		if dep == nil || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func sortByPriorityStable(tasks []*Task) {
	// Insertion sort: stable, and the slices here are always small
	// (one plan's worth of ready tasks).
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && priorityRank[tasks[j].Priority] > priorityRank[tasks[j-1].Priority] {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

// IsTerminal reports whether every task in plan has reached a terminal
// status (completed or cancelled). A plan with no tasks is terminal.
func IsTerminal(plan *Plan) bool {
	if plan == nil {
		return true
	}
	for _, t := range plan.Tasks {
		if t.Status != TaskCompleted && t.Status != TaskCancelled {
			return false
		}
	}
	return true
}
