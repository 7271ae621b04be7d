// Package scoring implements the memory retrieval scoring engine: the
// tag/keyword, semantic, recency, context, graph-distance, base-relevance,
// and spam-penalty components, combined into a single weighted score per
// query type.
//
// Package scoring has no dependency on package memory (and memory imports
// scoring) — NodeView is a flattened projection the caller builds from a
// memory.Node, avoiding an import cycle between the node store and its
// scoring engine.
package scoring

import (
	"strings"
	"time"

	"github.com/meridian-ai/conductor/memory/text"
)

// NodeView is the read-only projection of a memory.Node that the scoring
// engine needs. Callers (memory.Graph) populate it from their own Node type.
type NodeView struct {
	ID               string
	EntityName       string // content["entity_name"], if present
	SearchableText   string // summary + meaningful content fields + tags, lower-cased by caller is not required
	RawContentText   string // stringified content, for keyword-density spam check
	Tags             map[string]struct{}
	CreatedAt        time.Time
	LastAccessedAt   time.Time
	AccessCount      int
	CurrentRelevance float64
	Embedding        []float64 // nil when unavailable
}

// Query carries the analyzed query plus whatever ambient context the
// scoring engine needs beyond the candidate node itself.
type Query struct {
	Text               string
	Tokens             map[string]struct{} // tag/keyword tokens extracted from Text
	ExtractedEntities  []text.EntityHit
	Embedding          []float64
	Type               text.QueryType
	Now                time.Time
	RecentAccessedIDs  map[string]time.Time // node id -> access time, for context + graph scoring
	GraphDistance      func(nodeID string) float64 // precomputed graph-distance score
}

// Weights is one query-type's weight profile for combining score
// components, mirroring the original MEMORY_CONFIG weight profiles.
type Weights struct {
	Keyword  float64
	Semantic float64
	Context  float64
	Graph    float64
	Recency  float64
	Base     float64
}

// DefaultWeights is applied to QueryDefault and any unrecognized query type.
var DefaultWeights = Weights{Keyword: 0.40, Semantic: 0.25, Context: 0.15, Graph: 0.10, Recency: 0.20, Base: 0.15}

// WeightProfiles maps each query type to its weight profile — weights
// depend on query type (documented constants).
var WeightProfiles = map[text.QueryType]Weights{
	text.QueryEntityLookup:    {Keyword: 0.60, Semantic: 0.10, Context: 0.10, Graph: 0.05, Recency: 0.10, Base: 0.05},
	text.QuerySemanticSearch:  {Keyword: 0.20, Semantic: 0.50, Context: 0.10, Graph: 0.05, Recency: 0.10, Base: 0.05},
	text.QueryRecentContext:   {Keyword: 0.20, Semantic: 0.20, Context: 0.25, Graph: 0.15, Recency: 0.40, Base: 0.00},
	text.QueryGraphNavigation: {Keyword: 0.10, Semantic: 0.10, Context: 0.20, Graph: 0.40, Recency: 0.15, Base: 0.05},
}

// WeightsFor returns the weight profile for a query type, falling back to
// DefaultWeights for "default" or any unrecognized type.
func WeightsFor(t text.QueryType) Weights {
	if w, ok := WeightProfiles[t]; ok {
		return w
	}
	return DefaultWeights
}

// Thresholds bundles the configurable floors consulted by the caller after
// scoring (kept out of Score itself so the prune/floor ordering of Design
// Note (b) stays explicit at the call site, in memory.Graph).
type Thresholds struct {
	DefaultMinScore    float64
	SpecificQueryMin   float64 // applied when the query has > 3 tokens
	MinMatchRatio      float64 // "substantive" multi-token miss-ratio penalty threshold
	SpamTagPenalty     float64
	KeywordDensityPenalty float64
	KeywordDensityThreshold float64
	SuspiciousAccessPenalty float64
}

// DefaultThresholds mirrors MEMORY_CONFIG's constants.
var DefaultThresholds = Thresholds{
	DefaultMinScore:         0.3,
	SpecificQueryMin:        0.5,
	MinMatchRatio:           0.5,
	SpamTagPenalty:          0.3,
	KeywordDensityPenalty:   0.2,
	KeywordDensityThreshold: 0.3,
	SuspiciousAccessPenalty: 0.1,
}

var spamTags = map[string]struct{}{
	"spam": {}, "noise": {}, "pollution": {}, "malicious": {}, "hub": {}, "connector": {},
}

// Breakdown exposes every component so callers can log/debug a score.
type Breakdown struct {
	TagScore      float64
	SemanticScore float64
	RecencyBoost  float64
	ContextScore  float64
	GraphScore    float64
	BaseRelevance float64
	SpamPenalty   float64
	Final         float64
}

// Score computes a node's score against q under the given weights and
// thresholds, applying every scoring component in the documented order.
// The floor/prune filtering described in Design Note (b) is NOT
// applied here — Score returns the raw per-node result; the caller applies
// the floor and then the top-score prune across the whole candidate set.
func Score(n NodeView, q Query, w Weights, th Thresholds) Breakdown {
	b := Breakdown{BaseRelevance: n.CurrentRelevance}
	b.TagScore = tagScore(n, q, th)
	b.SemanticScore = semanticScore(n.Embedding, q.Embedding)
	b.RecencyBoost = recencyBoost(n, q)
	b.ContextScore = contextScore(n, q)
	if q.GraphDistance != nil {
		b.GraphScore = q.GraphDistance(n.ID)
	}
	b.SpamPenalty = spamPenalty(n, q, th)

	final := b.TagScore*w.Keyword +
		b.SemanticScore*w.Semantic +
		b.ContextScore*w.Context +
		b.GraphScore*w.Graph +
		b.RecencyBoost*w.Recency +
		b.BaseRelevance*w.Base -
		b.SpamPenalty
	if final < 0 {
		final = 0
	}
	b.Final = final
	return b
}

func tagScore(n NodeView, q Query, th Thresholds) float64 {
	if len(q.Tokens) == 0 && len(q.ExtractedEntities) == 0 {
		return 0
	}
	var score, penalty float64
	entityNameLower := strings.ToLower(n.EntityName)
	nodeText := strings.ToLower(n.SearchableText)

	if len(q.ExtractedEntities) > 0 && entityNameLower != "" {
		matched := false
		for _, e := range q.ExtractedEntities {
			el := strings.ToLower(e.Value)
			if el == entityNameLower {
				score += 3.0
				matched = true
			} else if len(el) > 3 && strings.Contains(entityNameLower, el) {
				score += 1.5
				matched = true
			}
		}
		if !matched {
			penalty += 0.5
		}
	}

	if len(q.Tokens) > 0 {
		var totalMatches, meaningfulMatches int
		for tok := range q.Tokens {
			if len(tok) < 3 {
				continue
			}
			if strings.Contains(nodeText, tok) {
				totalMatches++
				if !text.IsGenericTerm(tok) {
					meaningfulMatches++
					score += 1.0
				} else {
					score += 0.2
				}
			}
		}
		if len(q.Tokens) > 2 {
			ratio := float64(totalMatches) / float64(len(q.Tokens))
			if ratio < th.MinMatchRatio {
				penalty += (1.0 - ratio) * 2.0
			}
		}
		if meaningfulMatches >= 2 {
			score += float64(meaningfulMatches) * 0.5
		}
	}

	result := score - penalty
	if result < 0 {
		result = 0
	}
	return result
}

func semanticScore(nodeEmbedding, queryEmbedding []float64) float64 {
	if nodeEmbedding == nil || queryEmbedding == nil || len(nodeEmbedding) != len(queryEmbedding) {
		return 0
	}
	var dot, normA, normB float64
	for i := range nodeEmbedding {
		dot += nodeEmbedding[i] * queryEmbedding[i]
		normA += nodeEmbedding[i] * nodeEmbedding[i]
		normB += queryEmbedding[i] * queryEmbedding[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	// Newton's method: sufficient precision for cosine similarity, avoids
	// importing math solely for Sqrt in a package that otherwise has no
	// other use for it.
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func recencyBoost(n NodeView, q Query) float64 {
	hoursSinceCreation := q.Now.Sub(n.CreatedAt).Hours()
	var boost float64
	switch {
	case hoursSinceCreation < 0.1:
		boost = 2.0 + (0.1-hoursSinceCreation)*10
	case hoursSinceCreation < 0.5:
		boost = 1.0 + (0.5-hoursSinceCreation)*1.0
	case hoursSinceCreation < 2.0:
		boost = 0.5 + (2.0-hoursSinceCreation)*0.2
	case hoursSinceCreation < 24:
		boost = 0.1 + (24.0-hoursSinceCreation)*0.004
	default:
		boost = 0.1 - (hoursSinceCreation-24)*0.001
		if boost < 0.05 {
			boost = 0.05
		}
	}
	if text.HasPositionalPhrasing(q.Text) {
		boost *= 2.0
	}
	return boost
}

func contextScore(n NodeView, q Query) float64 {
	var score float64
	if accessTime, ok := q.RecentAccessedIDs[n.ID]; ok {
		if q.Now.Sub(accessTime) < 5*time.Minute {
			score += 2.0
		}
	}
	if len(q.ExtractedEntities) > 0 {
		for _, e := range q.ExtractedEntities {
			if _, ok := q.RecentAccessedIDs[e.Value]; ok {
				score += 1.5
				break
			}
		}
	}
	return score
}

func spamPenalty(n NodeView, q Query, th Thresholds) float64 {
	var penalty float64
	for tag := range n.Tags {
		if _, spam := spamTags[tag]; spam {
			penalty += th.SpamTagPenalty
			break
		}
	}
	if q.Text != "" && n.RawContentText != "" {
		density := keywordDensity(n.RawContentText, strings.Fields(strings.ToLower(q.Text)))
		if density > th.KeywordDensityThreshold {
			penalty += th.KeywordDensityPenalty
		}
	}
	hoursSinceCreation := q.Now.Sub(n.CreatedAt).Hours()
	hoursSinceAccess := q.Now.Sub(n.LastAccessedAt).Hours()
	if hoursSinceCreation > 0.1 && hoursSinceAccess < 0.01 {
		penalty += th.SuspiciousAccessPenalty
	}
	return penalty
}

func keywordDensity(text string, keywords []string) float64 {
	lowerText := strings.ToLower(text)
	words := strings.Fields(lowerText)
	if len(words) == 0 {
		return 0
	}
	var count int
	for _, kw := range keywords {
		count += strings.Count(lowerText, kw)
	}
	return float64(count) / float64(len(words))
}

// MinScoreThreshold returns the effective floor for a query: the base
// DefaultMinScore, raised to SpecificQueryMin when the query carries more
// than three tokens, or the caller-supplied override when non-nil.
func MinScoreThreshold(override *float64, queryTokenCount int, th Thresholds) float64 {
	floor := th.DefaultMinScore
	if override != nil {
		floor = *override
	}
	if queryTokenCount > 3 {
		if th.SpecificQueryMin > floor {
			floor = th.SpecificQueryMin
		}
	}
	return floor
}

// Scored pairs a NodeView's id with its Breakdown, for sorting and the
// top-score prune.
type Scored struct {
	NodeID string
	Breakdown
}

// PruneTail implements the top-score/mean-score pruning rule: when
// top_score > 2*mean_score and top_score > 0.5, keep only
// results scoring >= 0.6*top_score. results must already be sorted
// descending by Final score.
func PruneTail(results []Scored) []Scored {
	if len(results) <= 3 {
		return results
	}
	var sum float64
	for _, r := range results {
		sum += r.Final
	}
	mean := sum / float64(len(results))
	top := results[0].Final
	if top > mean*2 && top > 0.5 {
		cutoff := top * 0.6
		out := results[:0:0]
		for _, r := range results {
			if r.Final >= cutoff {
				out = append(out, r)
			}
		}
		return out
	}
	return results
}
