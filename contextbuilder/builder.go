// Package contextbuilder assembles memory-aware prompt context for the
// workflow engine and planner, and forwards memory graph mutations to a
// UI-facing observer channel.
package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/meridian-ai/conductor/memory"
)

// Phase selects which of the three context shapes BuildContextForPhase
// assembles, grounded on memory_context_builder.py's execution/planning/
// replanning variants.
type Phase string

const (
	PhaseExecution  Phase = "execution"
	PhasePlanning   Phase = "planning"
	PhaseReplanning Phase = "replanning"
)

// relevantContextTypes are the node types surfaced as prompt context;
// completed-action history is deliberately excluded (memory_context_
// builder.py filters every context block down to domain_entity,
// conversation_fact, user_selection).
var relevantContextTypes = []memory.ContextType{
	memory.ContextDomainEntity,
	memory.ContextConversationFact,
	memory.ContextUserSelection,
}

// Metadata reports the counts BuildContext folded into its prose, for
// callers that want to log or test composition without re-parsing text.
type Metadata struct {
	RelevantCount int
	ImportantCount int
	ClusterCount   int
	BridgeCount    int
}

// Builder assembles prompt context from a thread's memory graph.
type Builder struct {
	MaxAgeHours  float64
	MinRelevance float64
	MaxResults   int
}

// NewBuilder returns a Builder with memory_context_builder.py's defaults
// (2-hour recency window, 0.3 relevance floor, 10 results).
func NewBuilder() *Builder {
	return &Builder{MaxAgeHours: 2.0, MinRelevance: 0.3, MaxResults: 10}
}

// BuildContext assembles execution-phase memory context for instruction
// against graph.
func (b *Builder) BuildContext(graph *memory.Graph, instruction string) (string, error) {
	text, _, err := b.BuildContextForPhase(graph, instruction, PhaseExecution)
	return text, err
}

// BuildContextForPhase assembles phase-specific memory context: relevant
// memories scored against instruction, PageRank-important memories, and
// cluster-bridging memories, woven together per phase the way
// memory_context_builder.py's three _build_*_context variants do.
func (b *Builder) BuildContextForPhase(graph *memory.Graph, instruction string, phase Phase) (string, Metadata, error) {
	if graph == nil {
		return "", Metadata{}, fmt.Errorf("contextbuilder: nil graph")
	}

	relevant := graph.RetrieveRelevant(instruction, memory.RetrieveOptions{
		ContextFilter: relevantContextTypes,
		MaxAgeHours:   &b.MaxAgeHours,
		MinRelevance:  &b.MinRelevance,
		MaxResults:    b.MaxResults,
	})
	important := filterRelevantTypes(graph.FindImportantMemories(10))
	clusters := graph.FindMemoryClusters()
	bridges := filterRelevantTypes(graph.FindBridgeMemories(3))

	meta := Metadata{
		RelevantCount:  len(relevant),
		ImportantCount: len(important),
		ClusterCount:   len(clusters),
		BridgeCount:    len(bridges),
	}

	var text string
	switch phase {
	case PhasePlanning:
		text = buildPlanningContext(relevant, important, clusters, bridges)
	case PhaseReplanning:
		text = buildReplanningContext(relevant, clusters, bridges)
	default:
		text = buildExecutionContext(relevant, important, clusters, bridges)
	}
	return text, meta, nil
}

func filterRelevantTypes(nodes []*memory.Node) []*memory.Node {
	var out []*memory.Node
	for _, n := range nodes {
		for _, ct := range relevantContextTypes {
			if n.ContextType == ct {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func buildExecutionContext(relevant, important []*memory.Node, clusters [][]*memory.Node, bridges []*memory.Node) string {
	if len(relevant) == 0 {
		return ""
	}
	var b strings.Builder
	seen := make(map[string]bool)

	b.WriteString("\n\nCONVERSATION CONTEXT:")
	for _, n := range capped(relevant, 5) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		b.WriteString("\n- ")
		b.WriteString(n.Summary)
		if n.CurrentRelevance() > 0.7 {
			b.WriteString("\n  Details: ")
			b.WriteString(truncatedContent(n, 200))
		}
	}

	var importantNotSeen []*memory.Node
	for _, n := range important {
		if !seen[n.ID] {
			importantNotSeen = append(importantNotSeen, n)
		}
	}
	if len(importantNotSeen) > 0 {
		b.WriteString("\n\nIMPORTANT CONTEXT (frequently referenced):")
		for _, n := range capped(importantNotSeen, 3) {
			seen[n.ID] = true
			b.WriteString("\n- ")
			b.WriteString(n.Summary)
		}
	}

	var bridgeNotSeen []*memory.Node
	for _, n := range bridges {
		if !seen[n.ID] {
			bridgeNotSeen = append(bridgeNotSeen, n)
		}
	}
	if len(bridgeNotSeen) > 0 && len(clusters) > 1 {
		b.WriteString("\n\nCONNECTING CONTEXT (links different topics):")
		for _, n := range capped(bridgeNotSeen, 2) {
			b.WriteString("\n- ")
			b.WriteString(n.Summary)
		}
	}

	b.WriteString("\n\nGUIDANCE: When user requests are ambiguous, connect them to recent conversation context above - they likely reference items they just discussed.")
	return b.String()
}

func buildPlanningContext(relevant, important []*memory.Node, clusters [][]*memory.Node, bridges []*memory.Node) string {
	if len(relevant) == 0 && len(important) == 0 {
		return ""
	}
	var b strings.Builder
	seen := make(map[string]bool)
	b.WriteString("\n\nRELEVANT CONTEXT:")

	for _, n := range capped(important, 5) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		b.WriteString("\n- ")
		b.WriteString(n.Summary)
	}
	for _, n := range capped(relevant, 5) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		b.WriteString("\n- ")
		b.WriteString(n.Summary)
	}

	if len(clusters) > 1 {
		b.WriteString(fmt.Sprintf("\n\nNOTE: Conversation involves %d distinct topic areas.", len(clusters)))
		if len(bridges) > 0 {
			b.WriteString("\nKey connections between topics:")
			for _, n := range capped(bridges, 2) {
				if !seen[n.ID] {
					b.WriteString("\n- ")
					b.WriteString(n.Summary)
				}
			}
		}
	}
	return b.String()
}

func buildReplanningContext(relevant []*memory.Node, clusters [][]*memory.Node, bridges []*memory.Node) string {
	if len(relevant) == 0 {
		return ""
	}
	var b strings.Builder
	seen := make(map[string]bool)
	b.WriteString("\n\nRECENT CONTEXT:")

	for _, n := range capped(relevant, 7) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		b.WriteString("\n- ")
		b.WriteString(n.Summary)
		if n.CurrentRelevance() > 0.7 {
			b.WriteString("\n  Details: ")
			b.WriteString(truncatedContent(n, 150))
		}
	}

	if len(bridges) > 0 && len(clusters) > 1 {
		b.WriteString("\n\nCRITICAL CONNECTIONS:")
		for _, n := range capped(bridges, 1) {
			if !seen[n.ID] {
				b.WriteString("\n- ")
				b.WriteString(n.Summary)
			}
		}
	}
	return b.String()
}

func capped(nodes []*memory.Node, n int) []*memory.Node {
	if len(nodes) <= n {
		return nodes
	}
	return nodes[:n]
}

func truncatedContent(n *memory.Node, limit int) string {
	s := fmt.Sprintf("%v", n.Content)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
