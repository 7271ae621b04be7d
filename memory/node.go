// Package memory implements the time-decayed, relationship-aware
// conversational memory graph: typed nodes, labelled edges, relevance
// decay, and the indexes and algorithms used to retrieve them.
package memory

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContextType is the lifecycle class of a memory node. It governs decay
// half-life, scope (thread vs. global), and cleanup eligibility.
type ContextType string

const (
	ContextSearchResult    ContextType = "search_result"
	ContextUserSelection   ContextType = "user_selection"
	ContextToolOutput      ContextType = "tool_output"
	ContextDomainEntity    ContextType = "domain_entity"
	ContextCompletedAction ContextType = "completed_action"
	ContextConversationFact ContextType = "conversation_fact"
	ContextTemporaryState  ContextType = "temporary_state"
)

// halfLifeHours returns the decay half-life, in hours, for a context type.
// Unknown types fall back to the completed-action half-life, matching the
// original implementation's default.
func (c ContextType) halfLifeHours() float64 {
	switch c {
	case ContextTemporaryState:
		return 3
	case ContextSearchResult:
		return 6
	case ContextToolOutput:
		return 8
	case ContextCompletedAction:
		return 12
	case ContextConversationFact:
		return 24
	case ContextUserSelection:
		return 36
	case ContextDomainEntity:
		return 48
	default:
		return 12
	}
}

// global scoped against thread-scoped.
func (c ContextType) isGlobal() bool {
	return c == ContextDomainEntity || c == ContextConversationFact
}

// EntityRef identifies a node with an external domain entity. The pair
// (EntityID, EntitySystem) is unique within a scope; storing a node whose
// content carries a colliding EntityRef merges into the existing node
// instead of creating a duplicate.
type EntityRef struct {
	EntityID     string `json:"entity_id"`
	EntityType   string `json:"entity_type"`
	EntitySystem string `json:"entity_system"`
}

// key is the dedup key used by entity indexes: (entity_id, entity_system).
func (r EntityRef) key() string {
	return r.EntityID + "\x00" + r.EntitySystem
}

// Node is a single memory node. Identifiers are unique within a graph;
// (EntityID, EntitySystem) is unique within a user/global scope.
type Node struct {
	ID             string
	Content        map[string]any
	ContextType    ContextType
	CreatedAt      time.Time
	LastAccessedAt time.Time
	BaseRelevance  float64
	Tags           map[string]struct{}
	Summary        string
	Entity         *EntityRef
	Metadata       map[string]any
	AccessCount    int
	UpdateCount    int
}

// NewNode constructs a node with sane defaults (base relevance 1.0, creation
// and last-access timestamps set to now, empty tag/metadata maps).
func NewNode(content map[string]any, contextType ContextType) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:             uuid.NewString(),
		Content:        content,
		ContextType:    contextType,
		CreatedAt:      now,
		LastAccessedAt: now,
		BaseRelevance:  1.0,
		Tags:           make(map[string]struct{}),
		Metadata:       make(map[string]any),
	}
}

// AddTag adds a lower-cased tag. Empty strings are ignored so tags never
// contain the zero value, satisfying the "tags never contain nil" invariant.
func (n *Node) AddTag(tag string) {
	if tag == "" {
		return
	}
	n.Tags[strings.ToLower(tag)] = struct{}{}
}

// HasTag reports whether the node carries the given (already lower-cased)
// tag.
func (n *Node) HasTag(tag string) bool {
	_, ok := n.Tags[tag]
	return ok
}

// TagSet returns the node's tags as a slice, for callers that need to range
// deterministically; order is not guaranteed.
func (n *Node) TagSet() []string {
	out := make([]string, 0, len(n.Tags))
	for t := range n.Tags {
		out = append(out, t)
	}
	return out
}

// Access marks the node as accessed: bumps LastAccessedAt and AccessCount.
// Timestamps are monotonic — Access never moves LastAccessedAt backwards,
// since time.Now() only advances.
func (n *Node) Access() {
	n.LastAccessedAt = time.Now().UTC()
	n.AccessCount++
}

// accessBoostMin and accessBoostMax bound the recent-access component of
// CurrentRelevance.
const (
	accessBoostMin = 0.05
	accessBoostMax = 1.0
)

// CurrentRelevance computes the node's present-day relevance:
//
//	base_relevance * 0.5^(age_hours / half_life(ctx)) + access_boost
//
// where access_boost = 0.3 * 0.5^(hours_since_access/2), clamped to
// [accessBoostMin, accessBoostMax]. This is a pure function of the node and
// wall-clock time — evaluating it never mutates the node, so retrieval
// monotonicity (accessing a node never strictly decreases its relevance)
// is upheld purely by Access() only ever increasing
// LastAccessedAt.
func (n *Node) CurrentRelevance() float64 {
	return n.currentRelevanceAt(time.Now().UTC())
}

func (n *Node) currentRelevanceAt(now time.Time) float64 {
	ageHours := now.Sub(n.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	halfLife := n.ContextType.halfLifeHours()
	decay := n.BaseRelevance * math.Pow(0.5, ageHours/halfLife)

	hoursSinceAccess := now.Sub(n.LastAccessedAt).Hours()
	if hoursSinceAccess < 0 {
		hoursSinceAccess = 0
	}
	boost := 0.3 * math.Pow(0.5, hoursSinceAccess/2)
	if boost < accessBoostMin {
		boost = accessBoostMin
	}
	if boost > accessBoostMax {
		boost = accessBoostMax
	}

	return decay + boost
}

// IsStale reports whether the node's age exceeds maxAgeHours and it carries
// neither the "preserve" tag nor a cleanup-exempt context type.
func (n *Node) IsStale(now time.Time, maxAgeHours float64) bool {
	if n.HasTag("preserve") {
		return false
	}
	if n.ContextType == ContextConversationFact || n.ContextType == ContextDomainEntity {
		return false
	}
	ageHours := now.Sub(n.CreatedAt).Hours()
	return ageHours > maxAgeHours
}
