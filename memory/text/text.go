// Package text implements tokenization, entity extraction, and query typing
// for the conversational memory graph's full-text retrieval path.
package text

import (
	"regexp"
	"strings"
)

// MinTokenLength is the shortest token kept by Tokenize; shorter tokens are
// dropped, as are stop words.
const MinTokenLength = 3

// StopWords is the closed stop-word list consulted by Tokenize.
var StopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "it": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "as": {}, "by": {},
	"and": {}, "or": {}, "but": {}, "not": {},
}

// GenericTerms carry lower tag/keyword-score weight in the scoring engine —
// domain-generic nouns and verbs that match too many nodes to be
// discriminative on their own.
var GenericTerms = buildGenericTerms()

func buildGenericTerms() map[string]struct{} {
	words := []string{
		"account", "contact", "opportunity", "lead", "case", "task",
		"issue", "ticket", "record", "object", "data", "item", "entry",
		"created", "updated", "new", "old", "first", "last",
		"campaign", "product", "pricebook", "order", "contract", "asset",
		"solution", "document", "folder", "report", "dashboard",
		"project", "board", "sprint", "epic", "story", "bug", "subtask",
		"component", "version", "release", "workflow", "transition",
		"incident", "problem", "change", "request", "catalog", "knowledge",
		"service", "user", "group", "assignment", "approval", "state",
		"get", "find", "search", "create", "update", "delete", "list",
		"show", "display", "fetch", "retrieve", "add", "modify", "remove",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// IsGenericTerm reports whether term (expected lower-case) is a generic,
// low-discriminative keyword.
func IsGenericTerm(term string) bool {
	_, ok := GenericTerms[strings.ToLower(term)]
	return ok
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits text on Unicode letter/digit boundaries, lower-cases,
// and drops tokens shorter than MinTokenLength or in StopWords. The result
// is a de-duplicated token set.
func Tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if s == "" {
		return out
	}
	for _, tok := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if len(tok) < MinTokenLength {
			continue
		}
		if _, stop := StopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// TokenSlice returns Tokenize's result as a slice, for callers that want a
// slice rather than a set. The order of the tokens is not defined.
func TokenSlice(s string) []string {
	set := Tokenize(s)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// EntityHit is one match produced by ExtractEntities.
type EntityHit struct {
	System string // "jira", "salesforce", "servicenow", "email", "number"
	Value  string
}

// entityPatterns is the fixed entity-identifier pattern set.
var entityPatterns = []struct {
	system  string
	pattern *regexp.Regexp
}{
	{"jira", regexp.MustCompile(`\b[A-Z]+-\d+\b`)},
	{"salesforce", regexp.MustCompile(`\b[a-zA-Z0-9]{15,18}\b`)},
	{"servicenow", regexp.MustCompile(`\b(?:INC|CHG|PRB|TASK|REQ|RITM|KB)\d{7}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"number", regexp.MustCompile(`\b\d{6,}\b`)},
}

// ExtractEntities scans text against the fixed entity-identifier pattern
// set: Jira keys, Salesforce 15/18-char ids, ServiceNow numbers, email
// addresses, and generic >=6-digit numbers.
func ExtractEntities(text string) []EntityHit {
	if text == "" {
		return nil
	}
	var hits []EntityHit
	for _, p := range entityPatterns {
		for _, m := range p.pattern.FindAllString(text, -1) {
			hits = append(hits, EntityHit{System: p.system, Value: m})
		}
	}
	return hits
}

// QueryType determines the scoring-weight profile applied to a query.
type QueryType string

const (
	QueryEntityLookup    QueryType = "entity_lookup"
	QueryRecentContext   QueryType = "recent_context"
	QueryGraphNavigation QueryType = "graph_navigation"
	QuerySemanticSearch  QueryType = "semantic_search"
	QueryDefault         QueryType = "default"
)

var pureUpperDigits = regexp.MustCompile(`^[A-Z0-9\-]+$`)

// ClassifyQuery types a query in a fixed precedence order: entity lookup,
// then recent-context, then graph-navigation, then
// semantic-search (only when embeddings are available and the query has
// more than three tokens), else default.
func ClassifyQuery(queryText string, entities []EntityHit, hasEmbeddings bool) QueryType {
	if queryText == "" {
		return QueryDefault
	}
	if len(entities) > 0 || pureUpperDigits.MatchString(queryText) {
		return QueryEntityLookup
	}
	lowerQ := strings.ToLower(queryText)
	for _, w := range []string{"recent", "latest", "last", "previous", "earlier"} {
		if strings.Contains(lowerQ, w) {
			return QueryRecentContext
		}
	}
	for _, w := range []string{"related", "connected", "linked", "associated"} {
		if strings.Contains(lowerQ, w) {
			return QueryGraphNavigation
		}
	}
	if hasEmbeddings && len(strings.Fields(queryText)) > 3 {
		return QuerySemanticSearch
	}
	return QueryDefault
}

// positionalPhrases are checked by the scoring engine's recency-boost
// multiplier; exposed here since both tokenization and scoring share the
// same query-text analysis surface.
var positionalPhrases = []string{
	"first one", "second one", "third one", "last one", "that one",
	"this one", "first", "second", "third", "next", "previous",
}

// HasPositionalPhrasing reports whether the query text references a
// position in a list ("the first one", "that one", "next", ...).
func HasPositionalPhrasing(queryText string) bool {
	lowerQ := strings.ToLower(queryText)
	for _, p := range positionalPhrases {
		if strings.Contains(lowerQ, p) {
			return true
		}
	}
	return false
}

// IsNonsenseQuery reports whether none of the query's tokens appear in the
// index and the graph holds more than 100 nodes — the short-circuit named
// in Design Note (c). For graphs at or below 100 nodes the
// carve-out applies and this always returns false, letting semantic search
// recover weak matches.
func IsNonsenseQuery(tokens map[string]struct{}, indexHasAny func(token string) bool, nodeCount int) bool {
	if nodeCount <= 100 {
		return false
	}
	if len(tokens) == 0 {
		return false
	}
	for t := range tokens {
		if indexHasAny(t) {
			return false
		}
	}
	return true
}
