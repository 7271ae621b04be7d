// Package workflow compiles declarative workflow definitions into executable
// graph.Engine instances and drives them to completion, interrupt, or
// failure.
package workflow

import "time"

// StepType identifies the behavior a Step dispatches to in handlers.go.
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepWait      StepType = "wait"
	StepParallel  StepType = "parallel"
	StepHuman     StepType = "human"
	StepSwitch    StepType = "switch"
	StepForEach   StepType = "for_each"
	StepExtract   StepType = "extract"
)

// InstanceStatus tracks an Instance's position in its state machine:
// pending -> running -> {waiting | waiting_for_human} -> running ->
// completed, with cancelled/failed as alternate terminals from running.
type InstanceStatus string

const (
	StatusPending          InstanceStatus = "pending"
	StatusRunning          InstanceStatus = "running"
	StatusWaiting          InstanceStatus = "waiting"
	StatusWaitingForHuman  InstanceStatus = "waiting_for_human"
	StatusCompleted        InstanceStatus = "completed"
	StatusFailed           InstanceStatus = "failed"
	StatusCancelled        InstanceStatus = "cancelled"
)

// TriggerSpec describes what starts a workflow; kept opaque (arbitrary
// key/value pairs) since routing lives in Manager, not here.
type TriggerSpec map[string]any

// Condition is a tagged variant covering both the legacy operator form and
// a typed form. Only the fields relevant to the active form are set;
// EvaluateCondition (condition.go) dispatches on Type.
type Condition struct {
	// Type selects the typed-condition form (is_empty, is_not_empty,
	// count_greater_than, count_less_than, contains, equals,
	// response_contains, has_error). Empty means the legacy operator form.
	Type string

	// Variable names the `$`-resolved operand for the typed form.
	Variable string

	// Value is the typed form's comparison operand.
	Value any

	// Operator, Left, Right make up the legacy form (equals, not_equals,
	// greater_than, less_than, greater_equal, less_equal, contains,
	// not_contains, exists, not_exists, in, not_in).
	Operator string
	Left     any
	Right    any
}

// SwitchCase is one entry of a Switch step's ordered case list.
type SwitchCase struct {
	Case *Condition
	Goto string
}

// OnComplete routes an Action step's completion based on a condition,
// mirroring engine.py's `on_complete.condition/if_true/if_false`.
type OnComplete struct {
	Condition *Condition
	IfTrue    string
	IfFalse   string
}

// Step is a tagged struct rather than an interface hierarchy (per Design
// Note "Dynamic dispatch across step types"): every step-type's fields are
// inlined here, zero/nil when not applicable to Type, and handlers.go
// dispatches on Type via a lookup table.
type Step struct {
	ID          string
	Type        StepType
	Name        string
	Description string

	// Action
	Agent       string
	Instruction string
	OnComplete  *OnComplete

	// Condition
	Condition *Condition
	TrueNext  string
	FalseNext string

	// Human
	ContextFrom []string

	// Wait
	WaitUntil     *time.Time
	WaitForEvent  string
	CompileFields []string
	SummaryTemplate string

	// Parallel
	ParallelSteps []string

	// Switch
	SwitchConditions []SwitchCase
	DefaultNext      string

	// For-each
	IterateOver      string
	IteratorVariable string
	LoopSteps        []string
	MaxIterations    int

	// Extract
	ExtractFrom   string
	ExtractPrompt string
	ExtractSchema string

	// Common
	SkipIf      *Condition
	NextStep    string
	RetryPolicy *RetryPolicy
	Timeout     time.Duration
	Metadata    map[string]any
	Critical    bool
}

// Definition is a compiled-from record: one workflow template.
type Definition struct {
	ID          string
	Name        string
	Description string
	Trigger     TriggerSpec
	Variables   map[string]any
	Steps       map[string]*Step
}

// HistoryEntry is one append-only record of a completed (or failed) step,
// mirroring engine.py's history dict shape.
type HistoryEntry struct {
	StepID     string
	StepName   string
	StepType   StepType
	Timestamp  time.Time
	DurationMS int64
	Result     string // "completed" or "failed"
	NextStep   string
	Error      string
}

// Instance is a running (or finished) workflow, persisted across
// checkpoints via graph/store.Store[State].
type Instance struct {
	ID               string
	DefinitionID     string
	Status           InstanceStatus
	CurrentStep      string
	Variables        map[string]any
	History          []HistoryEntry
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	ParentInstanceID string
	TriggeredBy      string
}

// State is the graph.Engine[State] state type: the merged-variables view
// threaded through every compiled node. Variables, StepResults, and
// HumanInputs are kept as separate maps (rather than one flat map) because
// condition.go's `$`-path resolution tries them in that order (first match
// wins), and step/human writes must never shadow a
// workflow variable of the same name.
type State struct {
	WorkflowID   string
	WorkflowName string
	Status       InstanceStatus
	CurrentStep  string
	Variables    map[string]any
	StepResults  map[string]any
	HumanInputs  map[string]any
	History      []HistoryEntry
}

// Reduce merges a partial State update into prev. Scalar fields use
// last-write-wins (empty/zero delta values are no-ops); map fields merge
// key-wise; History appends.
func Reduce(prev, delta State) State {
	if delta.WorkflowID != "" {
		prev.WorkflowID = delta.WorkflowID
	}
	if delta.WorkflowName != "" {
		prev.WorkflowName = delta.WorkflowName
	}
	if delta.Status != "" {
		prev.Status = delta.Status
	}
	if delta.CurrentStep != "" {
		prev.CurrentStep = delta.CurrentStep
	}
	prev.Variables = mergeMaps(prev.Variables, delta.Variables)
	prev.StepResults = mergeMaps(prev.StepResults, delta.StepResults)
	prev.HumanInputs = mergeMaps(prev.HumanInputs, delta.HumanInputs)
	if len(delta.History) > 0 {
		prev.History = append(append([]HistoryEntry{}, prev.History...), delta.History...)
	}
	return prev
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
