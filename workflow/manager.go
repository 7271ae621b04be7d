package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/meridian-ai/conductor/graph"
	"github.com/meridian-ai/conductor/graph/model"
)

// Route is one entry of the Manager's deterministic routing table: the
// first Pattern that matches an incoming instruction selects TemplateID.
type Route struct {
	Pattern    *regexp.Regexp
	TemplateID string
}

// LLMRouteSelector falls back to a chat model when no Route matches,
// grounded on main.py's _select_workflow_with_llm: a system message
// listing the available workflow names plus instruction, with "none" as
// the designated no-match sentinel.
type LLMRouteSelector struct {
	Chat model.ChatModel
}

// Select asks the model to pick one of the available template IDs for
// instruction, or "" if none fits.
func (s *LLMRouteSelector) Select(ctx context.Context, instruction string, available []string) (string, error) {
	if s == nil || s.Chat == nil || len(available) == 0 {
		return "", nil
	}
	systemMsg := "You route a user instruction to one of these workflows: " +
		strings.Join(available, ", ") +
		". Respond with exactly one workflow name from that list, or the single word \"none\" if nothing fits."

	out, err := s.Chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: systemMsg},
		{Role: model.RoleUser, Content: instruction},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("workflow: llm route selection failed: %w", err)
	}
	choice := strings.TrimSpace(out.Text)
	if choice == "" || strings.EqualFold(choice, "none") {
		return "", nil
	}
	for _, id := range available {
		if id == choice {
			return id, nil
		}
	}
	return "", nil
}

// pendingInterrupt is what Manager remembers about a suspended run so
// ResumeWorkflow can continue it later: which run, which template, which
// node it suspended at, and the state as of the interrupting node's
// delta. Keyed by the caller's external thread id, mirroring
// workflow_manager.py's `_interrupted_workflows: Dict[thread_id, workflow_name]`.
type pendingInterrupt struct {
	Instance   *Instance
	TemplateID string
	Node       string
	State      State
	Interrupt  *graph.Interrupt
}

// Manager owns every compiled workflow template, routes incoming
// instructions to one of them, and tracks in-flight human/event
// interrupts so a later ResumeWorkflow call can continue the exact
// suspended run. Grounded on workflow_manager.py and router.py.
type Manager struct {
	compiler *Compiler
	logger   *slog.Logger

	mu        sync.RWMutex
	templates map[string]*Definition
	engines   map[string]*graph.Engine[State]
	routes    []Route
	fallback  *LLMRouteSelector

	interruptsMu sync.Mutex
	interrupts   map[string]*pendingInterrupt
}

// NewManager constructs a Manager bound to compiler. logger defaults to
// slog.Default() if nil.
func NewManager(compiler *Compiler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		compiler:   compiler,
		logger:     logger,
		templates:  make(map[string]*Definition),
		engines:    make(map[string]*graph.Engine[State]),
		interrupts: make(map[string]*pendingInterrupt),
	}
}

// RegisterTemplates compiles every definition, logging (not panicking on)
// any compile failure so one broken template doesn't take the rest of
// the fleet down at startup.
func (m *Manager) RegisterTemplates(defs []*Definition) {
	for _, def := range defs {
		if err := m.RegisterTemplate(def); err != nil {
			m.logger.Error("workflow_template_compile_failed",
				"workflow_id", def.ID, "error", err)
		}
	}
}

// RegisterTemplate compiles a single definition and makes it available
// to ExecuteWorkflow/routing. Returns the compile error rather than
// swallowing it, so RegisterTemplates can log with full context and a
// caller registering one template at a time can still handle failure.
func (m *Manager) RegisterTemplate(def *Definition) error {
	eng, err := m.compiler.Compile(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[def.ID] = def
	m.engines[def.ID] = eng
	return nil
}

// AddRoute appends a regex route, evaluated in the order added.
func (m *Manager) AddRoute(pattern *regexp.Regexp, templateID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, Route{Pattern: pattern, TemplateID: templateID})
}

// SetLLMFallback installs the route selector used when no regex route
// matches.
func (m *Manager) SetLLMFallback(s *LLMRouteSelector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = s
}

// SelectTemplate routes instruction to a registered template ID: the
// first matching Route wins; if none match, the LLM fallback (when
// configured) gets a chance; otherwise ErrNoSuchWorkflow.
func (m *Manager) SelectTemplate(ctx context.Context, instruction string) (string, error) {
	m.mu.RLock()
	routes := append([]Route(nil), m.routes...)
	fallback := m.fallback
	available := make([]string, 0, len(m.templates))
	for id := range m.templates {
		available = append(available, id)
	}
	m.mu.RUnlock()

	for _, r := range routes {
		if r.Pattern.MatchString(instruction) {
			return r.TemplateID, nil
		}
	}

	if fallback != nil {
		id, err := fallback.Select(ctx, instruction, available)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	return "", ErrNoSuchWorkflow
}

// ExecuteWorkflow starts templateID as a new Instance for threadID. If
// the run suspends (a Wait/Human step), the Instance is returned with
// its waiting status and the suspension is recorded under threadID for
// a later ResumeWorkflow; if it completes, the Instance reflects its
// final state.
func (m *Manager) ExecuteWorkflow(ctx context.Context, threadID, templateID string, initialVariables map[string]any, triggeredBy string) (*Instance, error) {
	m.mu.RLock()
	def, ok := m.templates[templateID]
	eng := m.engines[templateID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchWorkflow, templateID)
	}

	inst := newInstance(def, initialVariables, triggeredBy)
	m.logger.Info("workflow_started", "workflow_id", inst.ID, "workflow_name", def.Name, "triggered_by", triggeredBy)

	final, interrupt, err := eng.RunInterruptible(ctx, inst.ID, initialState(def, inst))
	applyRunOutcome(inst, final, interrupt, err)

	if err != nil {
		m.logger.Error("workflow_failed", "workflow_id", inst.ID, "error", err)
		return inst, err
	}

	if interrupt != nil {
		m.interruptsMu.Lock()
		m.interrupts[threadID] = &pendingInterrupt{Instance: inst, TemplateID: templateID, Node: interrupt.NodeID, State: final, Interrupt: interrupt}
		m.interruptsMu.Unlock()
		m.logger.Info("workflow_interrupted", "workflow_id", inst.ID, "thread_id", threadID, "reason", interrupt.Reason)
		return inst, nil
	}

	m.logger.Info("workflow_completed", "workflow_id", inst.ID)
	return inst, nil
}

// ResumeWorkflow continues the run suspended under threadID, merging
// input into the state the interrupting node last produced (human
// response, awaited event payload, ...) before resuming. Returns
// ErrNoInterruptPending if nothing is waiting for threadID.
func (m *Manager) ResumeWorkflow(ctx context.Context, threadID string, input map[string]any) (*Instance, error) {
	m.interruptsMu.Lock()
	pending, ok := m.interrupts[threadID]
	if ok {
		delete(m.interrupts, threadID)
	}
	m.interruptsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", ErrNoInterruptPending, threadID)
	}

	m.mu.RLock()
	eng := m.engines[pending.TemplateID]
	m.mu.RUnlock()
	if eng == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchWorkflow, pending.TemplateID)
	}

	resumeState := Reduce(pending.State, resumeDelta(pending.Interrupt, input))
	final, interrupt, err := eng.Resume(ctx, pending.Instance.ID, pending.Node, resumeState)
	applyRunOutcome(pending.Instance, final, interrupt, err)

	if err != nil {
		m.logger.Error("workflow_failed", "workflow_id", pending.Instance.ID, "error", err)
		return pending.Instance, err
	}

	if interrupt != nil {
		m.interruptsMu.Lock()
		m.interrupts[threadID] = &pendingInterrupt{Instance: pending.Instance, TemplateID: pending.TemplateID, Node: interrupt.NodeID, State: final, Interrupt: interrupt}
		m.interruptsMu.Unlock()
		m.logger.Info("workflow_interrupted", "workflow_id", pending.Instance.ID, "thread_id", threadID, "reason", interrupt.Reason)
		return pending.Instance, nil
	}

	m.logger.Info("workflow_completed", "workflow_id", pending.Instance.ID)
	return pending.Instance, nil
}

// resumeDelta routes input into the state field a suspended node will
// consult next: a human_input_required interrupt reads HumanInputs keyed
// by node id (handlers.go's handleHuman); any other interrupt reason
// merges input as workflow variables.
func resumeDelta(interrupt *graph.Interrupt, input map[string]any) State {
	if interrupt != nil && interrupt.Reason == "human_input_required" {
		return State{HumanInputs: map[string]any{interrupt.NodeID: input}}
	}
	return State{Variables: input}
}
