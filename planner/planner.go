package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ai/conductor/memory"
)

// Generator turns an instruction plus summarized memory context into raw
// model output that CreatePlan/Replan parse as a task list. Kept separate
// from Planner so tests can swap in a canned generator without a live
// model, the same split extract.Extractor draws from extract.LLMExtractor.
type Generator interface {
	GeneratePlan(ctx context.Context, instruction, contextSummary string) (string, error)
}

// Planner creates and revises task DAGs from free-text instructions.
type Planner struct {
	Gen Generator
}

// NewPlanner wires a Planner to gen.
func NewPlanner(gen Generator) *Planner {
	return &Planner{Gen: gen}
}

// generatedTask is the JSON shape the model is instructed to emit. Dependencies
// are expressed as zero-based indices into the emitted task array rather than
// ids, since the model can't predict the uuids CreatePlan assigns afterward.
type generatedTask struct {
	Description string `json:"description"`
	Agent       string `json:"agent"`
	Priority    string `json:"priority"`
	DependsOn   []int  `json:"depends_on"`
}

// CreatePlan decomposes instruction into a Plan. ctxMemories summarizes
// relevant conversational memory the generator should condition on. If the
// generator's output fails to parse as the expected task array, CreatePlan
// falls back to a single-task plan wrapping instruction verbatim rather than
// failing the caller outright.
func (p *Planner) CreatePlan(ctx context.Context, instruction string, ctxMemories []memory.Node) (*Plan, error) {
	now := time.Now()
	raw, err := p.Gen.GeneratePlan(ctx, instruction, summarizeMemories(ctxMemories))
	if err != nil {
		return nil, fmt.Errorf("planner: generate plan: %w", err)
	}

	tasks := parseGeneratedTasks(raw)
	if len(tasks) == 0 {
		tasks = []*Task{fallbackTask(instruction, now)}
	}

	plan := &Plan{
		ID:          "plan_" + uuid.NewString(),
		Instruction: instruction,
		Tasks:       tasks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(plan.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	return plan, nil
}

// Replan regenerates plan's pending tasks in light of modification, keeping
// every task that has already started (in_progress), finished (completed,
// failed), or been cancelled untouched — only pending work is replaced.
func (p *Planner) Replan(ctx context.Context, plan *Plan, modification string) (*Plan, error) {
	if plan == nil {
		return nil, ErrUnknownTask
	}
	now := time.Now()

	var kept []*Task
	var completedDescriptions []string
	for _, t := range plan.Tasks {
		if t.Status == TaskPending {
			continue
		}
		kept = append(kept, t)
		if t.Status == TaskCompleted {
			completedDescriptions = append(completedDescriptions, t.Description)
		}
	}

	instruction := fmt.Sprintf(
		"Original instruction: %s\nModification: %s\nAlready completed: %s",
		plan.Instruction, modification, strings.Join(completedDescriptions, "; "),
	)
	raw, err := p.Gen.GeneratePlan(ctx, instruction, "")
	if err != nil {
		return nil, fmt.Errorf("planner: replan: %w", err)
	}

	newTasks := parseGeneratedTasks(raw)
	if len(newTasks) == 0 {
		newTasks = []*Task{fallbackTask(modification, now)}
	}

	plan.Tasks = append(kept, newTasks...)
	plan.UpdatedAt = now
	return plan, nil
}

func fallbackTask(description string, now time.Time) *Task {
	return &Task{
		ID:          "task_" + uuid.NewString(),
		Description: description,
		Status:      TaskPending,
		Priority:    PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseGeneratedTasks parses raw as a JSON array of generatedTask, assigning
// fresh ids and resolving index-based DependsOn into id-based DependsOn. Any
// parse failure or structurally invalid entry (an out-of-range dependency
// index) returns nil, letting the caller apply its fallback.
func parseGeneratedTasks(raw string) []*Task {
	raw = strings.TrimSpace(raw)
	var generated []generatedTask
	if err := json.Unmarshal([]byte(raw), &generated); err != nil {
		return nil
	}
	if len(generated) == 0 {
		return nil
	}

	now := time.Now()
	tasks := make([]*Task, len(generated))
	ids := make([]string, len(generated))
	for i, g := range generated {
		ids[i] = "task_" + uuid.NewString()
		priority := TaskPriority(g.Priority)
		if _, ok := priorityRank[priority]; !ok {
			priority = PriorityMedium
		}
		tasks[i] = &Task{
			ID:          ids[i],
			Description: g.Description,
			Status:      TaskPending,
			Priority:    priority,
			Agent:       g.Agent,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	for i, g := range generated {
		for _, depIdx := range g.DependsOn {
			if depIdx < 0 || depIdx >= len(ids) || depIdx == i {
				return nil
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, ids[depIdx])
		}
	}
	return tasks
}

// summarizeMemories flattens the memories the caller deems relevant into a
// compact block the generator's prompt can include verbatim.
func summarizeMemories(nodes []memory.Node) string {
	if len(nodes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range nodes {
		if n.Summary == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(n.Summary)
		b.WriteString("\n")
	}
	return b.String()
}
