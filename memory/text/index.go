package text

// Index is an inverted index mapping tokens to the set of node ids whose
// text contains them, plus the reverse per-node token set so deletions are
// exact (no need to re-tokenize or scan every posting list). Callers are
// responsible for synchronization — the index mutates under its owning
// graph's lock, not its own.
type Index struct {
	postings map[string]map[string]struct{} // token -> node ids
	docs     map[string]map[string]struct{} // node id -> tokens
}

// NewIndex returns an empty inverted index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string]map[string]struct{}),
	}
}

// Add tokenizes text and indexes it under nodeID, replacing any previous
// entry for that id.
func (idx *Index) Add(nodeID, text string) {
	idx.Remove(nodeID)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}
	idx.docs[nodeID] = tokens
	for tok := range tokens {
		set, ok := idx.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			idx.postings[tok] = set
		}
		set[nodeID] = struct{}{}
	}
}

// Remove deletes nodeID from the index, touching only the postings lists
// for the tokens it actually contributed (exact deletion, no scan).
func (idx *Index) Remove(nodeID string) {
	tokens, ok := idx.docs[nodeID]
	if !ok {
		return
	}
	for tok := range tokens {
		set := idx.postings[tok]
		delete(set, nodeID)
		if len(set) == 0 {
			delete(idx.postings, tok)
		}
	}
	delete(idx.docs, nodeID)
}

// HasToken reports whether any document contains the given token — used by
// IsNonsenseQuery.
func (idx *Index) HasToken(token string) bool {
	set, ok := idx.postings[token]
	return ok && len(set) > 0
}

// MatchCount returns how many of the query tokens at least one document
// contains (matched) and how many tokens there are (total), used by the
// scoring engine's match-ratio penalty.
func (idx *Index) MatchCount(tokens map[string]struct{}) (matched int, total int) {
	total = len(tokens)
	for t := range tokens {
		if idx.HasToken(t) {
			matched++
		}
	}
	return matched, total
}

// Search returns the ids of nodes matching at least minMatchRatio of the
// query's tokens (a ratio of 0 returns the union of every token's
// postings). Nodes are not ranked here — ranking is the scoring engine's
// job; this is purely a candidate-set filter.
func (idx *Index) Search(query string, minMatchRatio float64) map[string]struct{} {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return map[string]struct{}{}
	}
	counts := make(map[string]int)
	for tok := range tokens {
		for nodeID := range idx.postings[tok] {
			counts[nodeID]++
		}
	}
	out := make(map[string]struct{})
	for nodeID, c := range counts {
		ratio := float64(c) / float64(len(tokens))
		if ratio >= minMatchRatio {
			out[nodeID] = struct{}{}
		}
	}
	return out
}

// Candidates returns the union of node ids that contain at least one of the
// query's tokens — the superset the scoring engine scores over.
func (idx *Index) Candidates(tokens map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for tok := range tokens {
		for nodeID := range idx.postings[tok] {
			out[nodeID] = struct{}{}
		}
	}
	return out
}
