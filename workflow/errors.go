package workflow

import "errors"

// Sentinel errors for the workflow package's error kinds. Transient/critical
// distinctions for agent failures are carried on *AgentError rather than
// separate sentinels, since only that kind needs a payload.
var (
	ErrInvalidDefinition  = errors.New("workflow: invalid workflow definition")
	ErrStepRouting        = errors.New("workflow: step routing error")
	ErrResourceNotFound   = errors.New("workflow: resource not found")
	ErrSchemaValidation   = errors.New("workflow: schema validation failure")
	ErrUnknownStepType    = errors.New("workflow: unknown step type")
	ErrNoSuchWorkflow     = errors.New("workflow: no such workflow template")
	ErrNoInterruptPending = errors.New("workflow: no interrupted instance for this thread")
)

// AgentError wraps a failure from an Action step's agent dispatch.
// Critical=true means the instance must terminate as failed; Critical=false
// means the engine should record `<step_id>_error` and continue.
type AgentError struct {
	StepID    string
	AgentName string
	Critical  bool
	Cause     error
}

func (e *AgentError) Error() string {
	return "workflow: agent " + e.AgentName + " failed at step " + e.StepID + ": " + e.Cause.Error()
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}
