package planner

import "errors"

var (
	// ErrNoTasks is returned by CreatePlan when the LLM's parsed plan (or
	// the single-task fallback) ends up with zero tasks — an instruction
	// that can't be turned into any task is a caller error, not silently
	// dropped work.
	ErrNoTasks = errors.New("planner: plan has no tasks")
	// ErrUnknownTask is returned by Replan when a caller-referenced task
	// id isn't present in the plan being replanned.
	ErrUnknownTask = errors.New("planner: unknown task id")
)
