package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridian-ai/conductor/memory/graphalgo"
	"github.com/meridian-ai/conductor/memory/scoring"
	"github.com/meridian-ai/conductor/memory/text"
)

// ErrNodeNotFound is returned by operations that address a node by id.
var ErrNodeNotFound = errors.New("memory: node not found")

// ErrSelfLoop is returned by AddRelationship when from == to.
var ErrSelfLoop = errors.New("memory: self-loop relationships are not permitted")

// maxRecentAccessed bounds the recent-access ring used by the context and
// graph-distance scoring components to a 20-entry deque.
const maxRecentAccessed = 20

type recentAccess struct {
	nodeID string
	at     time.Time
}

// Graph is one thread's (or user's) conversational memory graph: a flat
// node table, directed labelled adjacency, an entity-identifier dedup index,
// and a full-text inverted index, all guarded by a single lock per §5.
type Graph struct {
	mu sync.RWMutex

	threadID string

	nodes     map[string]*Node
	adjacency map[string][]*Edge // outgoing, keyed by from
	reverse   map[string][]*Edge // incoming, keyed by to

	entityIndex map[string]string // entity id -> node id, per node_manager.py

	index *text.Index

	recentAccessed []recentAccess

	cache graphalgo.MetricsCache

	observers []GraphObserver
}

// GraphObserver receives node/edge mutation events as they happen, for
// UI-facing forwarding (see contextbuilder.Observer). Implementations must
// not block and must not call back into the originating Graph.
type GraphObserver interface {
	OnNodeStored(n *Node)
	OnRelationshipAdded(e *Edge)
}

// Subscribe registers obs to receive this graph's mutation events.
func (g *Graph) Subscribe(obs GraphObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, obs)
}

func (g *Graph) notifyNodeStored(n *Node) {
	for _, obs := range g.observers {
		obs.OnNodeStored(n)
	}
}

func (g *Graph) notifyRelationshipAdded(e *Edge) {
	for _, obs := range g.observers {
		obs.OnRelationshipAdded(e)
	}
}

// NewGraph constructs an empty graph scoped to threadID. cache may be nil,
// in which case graph-algorithm results are recomputed on every call.
func NewGraph(threadID string, cache graphalgo.MetricsCache) *Graph {
	if cache == nil {
		cache = graphalgo.NewCache()
	}
	return &Graph{
		threadID:    threadID,
		nodes:       make(map[string]*Node),
		adjacency:   make(map[string][]*Edge),
		reverse:     make(map[string][]*Edge),
		entityIndex: make(map[string]string),
		index:       text.NewIndex(),
		cache:       cache,
	}
}

// StoreOptions carries store's optional arguments.
type StoreOptions struct {
	Summary    string
	Tags       []string
	RelatesTo  []string
	DependsOn  []string
	Confidence *float64
	Metadata   map[string]any
}

// Store creates a node, or — when content carries an entity identifier
// already present in this graph's scope — merges into the existing node:
// deep-merges content, bumps UpdateCount, and refreshes LastAccessedAt.
func (g *Graph) Store(content map[string]any, contextType ContextType, opts StoreOptions) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := extractEntityRef(content)
	if ref != nil {
		if existingID, ok := g.entityIndex[ref.EntityID]; ok {
			if existing, ok := g.nodes[existingID]; ok {
				deepMerge(existing.Content, content)
				existing.UpdateCount++
				existing.LastAccessedAt = time.Now().UTC()
				if opts.Summary != "" {
					existing.Summary = opts.Summary
				}
				for _, t := range opts.Tags {
					existing.AddTag(t)
				}
				g.index.Add(existing.ID, g.searchableText(existing))
				g.cache.Touch(g.threadID)
				g.notifyNodeStored(existing)
				return existing, nil
			}
		}
	}

	n := NewNode(content, contextType)
	if opts.Confidence != nil {
		n.BaseRelevance = *opts.Confidence
	}
	n.Summary = opts.Summary
	for _, t := range opts.Tags {
		n.AddTag(t)
	}
	n.Entity = ref
	if opts.Metadata != nil {
		n.Metadata = opts.Metadata
	}

	g.nodes[n.ID] = n
	if ref != nil {
		g.entityIndex[ref.EntityID] = n.ID
	}
	g.index.Add(n.ID, g.searchableText(n))

	for _, id := range opts.RelatesTo {
		if _, ok := g.nodes[id]; ok {
			g.notifyRelationshipAdded(g.addRelationshipLocked(n.ID, id, EdgeRelatesTo, 1.0))
		}
	}
	for _, id := range opts.DependsOn {
		if _, ok := g.nodes[id]; ok {
			g.notifyRelationshipAdded(g.addRelationshipLocked(n.ID, id, EdgeDependsOn, 1.0))
		}
	}

	g.cache.Touch(g.threadID)
	g.notifyNodeStored(n)
	return n, nil
}

// AddRelationship adds a directed, labelled edge. Idempotent: a repeated
// call with the same (from, to, label) keeps the larger of the old and new
// strength rather than creating a duplicate edge.
func (g *Graph) AddRelationship(from, to string, label EdgeLabel, strength float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to {
		return ErrSelfLoop
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	e := g.addRelationshipLocked(from, to, label, strength)
	g.cache.Touch(g.threadID)
	g.notifyRelationshipAdded(e)
	return nil
}

func (g *Graph) addRelationshipLocked(from, to string, label EdgeLabel, strength float64) *Edge {
	strength = clampStrength(strength)
	for _, e := range g.adjacency[from] {
		if e.To == to && e.Label == label {
			if strength > e.Strength {
				e.Strength = strength
			}
			return e
		}
	}
	e := &Edge{From: from, To: to, Label: label, Strength: strength, CreatedAt: time.Now().UTC()}
	g.adjacency[from] = append(g.adjacency[from], e)
	g.reverse[to] = append(g.reverse[to], e)
	return e
}

// RetrieveOptions carries retrieve_relevant's optional filters.
type RetrieveOptions struct {
	ContextFilter []ContextType
	MaxAgeHours   *float64
	MinRelevance  *float64
	MaxResults    int
	RequiredTags  []string
	ExcludedTags  []string
	MinScore      *float64
}

// RetrieveRelevant scores and ranks nodes against query, applying the
// entity-id fast path first. Returned nodes are marked
// accessed, feeding future context/graph scoring and relevance decay.
func (g *Graph) RetrieveRelevant(query string, opts RetrieveOptions) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	minRelevance := 0.0
	if opts.MinRelevance != nil {
		minRelevance = *opts.MinRelevance
	}

	if query != "" {
		if nodeID, ok := g.entityIndex[query]; ok {
			if n, ok := g.nodes[nodeID]; ok {
				g.markAccessedLocked(n)
				return []*Node{n}
			}
		}
	}

	tokens := text.Tokenize(query)
	entities := text.ExtractEntities(query)
	queryType := text.ClassifyQuery(query, entities, false)

	candidates := g.candidateSetLocked(query, tokens, opts)

	now := time.Now().UTC()
	q := scoring.Query{
		Text:              query,
		Tokens:            tokens,
		ExtractedEntities: entities,
		Type:              queryType,
		Now:               now,
		RecentAccessedIDs: g.recentAccessMapLocked(),
		GraphDistance: func(nodeID string) float64 {
			return g.graphDistanceScoreLocked(nodeID, now)
		},
	}
	w := scoring.WeightsFor(queryType)
	floor := scoring.MinScoreThreshold(opts.MinScore, len(tokens), scoring.DefaultThresholds)

	scored := make([]scoring.Scored, 0, len(candidates))
	for id := range candidates {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		if n.currentRelevanceAt(now) < minRelevance {
			continue
		}
		if !passesNodeFilters(n, opts) {
			continue
		}
		b := scoring.Score(g.nodeViewLocked(n), q, w, scoring.DefaultThresholds)
		if b.Final < floor {
			continue
		}
		scored = append(scored, scoring.Scored{NodeID: id, Breakdown: b})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Final > scored[j].Final })
	scored = scoring.PruneTail(scored)
	if len(scored) > opts.MaxResults {
		scored = scored[:opts.MaxResults]
	}

	out := make([]*Node, 0, len(scored))
	for _, s := range scored {
		n := g.nodes[s.NodeID]
		g.markAccessedLocked(n)
		out = append(out, n)
	}
	return out
}

func (g *Graph) candidateSetLocked(query string, tokens map[string]struct{}, opts RetrieveOptions) map[string]struct{} {
	var cand map[string]struct{}
	if query != "" {
		if text.IsNonsenseQuery(tokens, g.index.HasToken, len(g.nodes)) {
			return map[string]struct{}{}
		}
		cand = g.index.Search(query, scoring.DefaultThresholds.MinMatchRatio)
		if len(cand) < 5 {
			cand = g.allNodeIDsLocked()
		}
	} else {
		cand = g.allNodeIDsLocked()
	}
	return cand
}

func (g *Graph) allNodeIDsLocked() map[string]struct{} {
	out := make(map[string]struct{}, len(g.nodes))
	for id := range g.nodes {
		out[id] = struct{}{}
	}
	return out
}

func passesNodeFilters(n *Node, opts RetrieveOptions) bool {
	if len(opts.ContextFilter) > 0 {
		match := false
		for _, ct := range opts.ContextFilter {
			if n.ContextType == ct {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if opts.MaxAgeHours != nil {
		if time.Since(n.CreatedAt).Hours() > *opts.MaxAgeHours {
			return false
		}
	}
	for _, t := range opts.RequiredTags {
		if !n.HasTag(t) {
			return false
		}
	}
	for _, t := range opts.ExcludedTags {
		if n.HasTag(t) {
			return false
		}
	}
	return true
}

func (g *Graph) nodeViewLocked(n *Node) scoring.NodeView {
	entityName := ""
	if n.Entity != nil {
		entityName = n.Entity.EntityID
	}
	return scoring.NodeView{
		ID:               n.ID,
		EntityName:       entityName,
		SearchableText:   g.searchableText(n),
		RawContentText:   stringifyContent(n.Content),
		Tags:             n.Tags,
		CreatedAt:        n.CreatedAt,
		LastAccessedAt:   n.LastAccessedAt,
		AccessCount:      n.AccessCount,
		CurrentRelevance: n.currentRelevanceAt(time.Now().UTC()),
	}
}

func (g *Graph) searchableText(n *Node) string {
	text := n.Summary + " " + stringifyContent(n.Content)
	for t := range n.Tags {
		text += " " + t
	}
	return text
}

func (g *Graph) markAccessedLocked(n *Node) {
	n.Access()
	g.recentAccessed = append(g.recentAccessed, recentAccess{nodeID: n.ID, at: n.LastAccessedAt})
	if len(g.recentAccessed) > maxRecentAccessed {
		g.recentAccessed = g.recentAccessed[len(g.recentAccessed)-maxRecentAccessed:]
	}
}

func (g *Graph) recentAccessMapLocked() map[string]time.Time {
	out := make(map[string]time.Time, len(g.recentAccessed))
	for _, ra := range g.recentAccessed {
		n, ok := g.nodes[ra.nodeID]
		if !ok {
			continue
		}
		if prev, ok := out[n.ID]; !ok || ra.at.After(prev) {
			out[n.ID] = ra.at
		}
		if n.Entity != nil {
			if prev, ok := out[n.Entity.EntityID]; !ok || ra.at.After(prev) {
				out[n.Entity.EntityID] = ra.at
			}
		}
	}
	return out
}

// graphDistanceScoreLocked implements the graph-distance score: the sum,
// over recently accessed nodes, of a linearly time-decayed weight (reaching
// zero after 300 seconds) times 1/(1+shortest_path_length) to nodeID along
// the directed relationship graph.
func (g *Graph) graphDistanceScoreLocked(nodeID string, now time.Time) float64 {
	if _, ok := g.nodes[nodeID]; !ok {
		return 0
	}
	var total float64
	for _, ra := range g.recentAccessed {
		if ra.nodeID == nodeID {
			continue
		}
		if _, ok := g.nodes[ra.nodeID]; !ok {
			continue
		}
		timeWeight := 1.0 - now.Sub(ra.at).Seconds()/300
		if timeWeight <= 0 {
			continue
		}
		dist, ok := g.shortestPathLocked(ra.nodeID, nodeID)
		if !ok {
			continue
		}
		total += (1.0 / (1.0 + float64(dist))) * timeWeight
	}
	return total
}

// shortestPathLocked runs an unweighted BFS over the directed adjacency
// (outgoing edges only), matching the original's directed-graph shortest
// path.
func (g *Graph) shortestPathLocked(from, to string) (int, bool) {
	if from == to {
		return 0, true
	}
	visited := map[string]bool{from: true}
	frontier := []string{from}
	dist := 0
	for len(frontier) > 0 {
		dist++
		var next []string
		for _, cur := range frontier {
			for _, e := range g.adjacency[cur] {
				if e.To == to {
					return dist, true
				}
				if !visited[e.To] {
					visited[e.To] = true
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}
	return 0, false
}

// GetRelatedNodes returns nodes reachable from id within maxDistance hops,
// considering both outgoing and incoming edges, optionally filtered to a
// set of labels. maxDistance must be >= 1.
func (g *Graph) GetRelatedNodes(id string, labels []EdgeLabel, maxDistance int) ([]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if maxDistance < 1 {
		maxDistance = 1
	}

	labelSet := make(map[EdgeLabel]struct{}, len(labels))
	for _, l := range labels {
		labelSet[l] = struct{}{}
	}
	labelOK := func(l EdgeLabel) bool {
		if len(labelSet) == 0 {
			return true
		}
		_, ok := labelSet[l]
		return ok
	}

	related := make(map[string]struct{})
	neighborsOf := func(nodeID string) []string {
		var out []string
		for _, e := range g.adjacency[nodeID] {
			if labelOK(e.Label) {
				out = append(out, e.To)
			}
		}
		for _, e := range g.reverse[nodeID] {
			if labelOK(e.Label) {
				out = append(out, e.From)
			}
		}
		return out
	}

	for _, n := range neighborsOf(id) {
		related[n] = struct{}{}
	}

	visited := map[string]struct{}{id: {}}
	currentLevel := make(map[string]struct{}, len(related))
	for n := range related {
		currentLevel[n] = struct{}{}
	}

	for d := 1; d < maxDistance; d++ {
		nextLevel := make(map[string]struct{})
		for cur := range currentLevel {
			if _, seen := visited[cur]; seen {
				continue
			}
			visited[cur] = struct{}{}
			for _, n := range neighborsOf(cur) {
				if _, seen := visited[n]; !seen {
					nextLevel[n] = struct{}{}
				}
			}
		}
		for n := range nextLevel {
			related[n] = struct{}{}
		}
		currentLevel = nextLevel
		if len(currentLevel) == 0 {
			break
		}
	}

	out := make([]*Node, 0, len(related))
	for nodeID := range related {
		if n, ok := g.nodes[nodeID]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *Graph) buildSnapshotLocked() graphalgo.Snapshot {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	var edges [][2]string
	for from, es := range g.adjacency {
		for _, e := range es {
			edges = append(edges, [2]string{from, e.To})
		}
	}
	return graphalgo.NewSnapshot(ids, edges)
}

func (g *Graph) metricsLocked() graphalgo.Metrics {
	if m, ok := g.cache.Get(g.threadID); ok {
		return m
	}
	snap := g.buildSnapshotLocked()
	m := graphalgo.Metrics{
		PageRank:    graphalgo.PageRank(snap, 0.85),
		Betweenness: graphalgo.Betweenness(snap),
		Communities: graphalgo.Communities(snap),
		ComputedAt:  time.Now().UTC(),
	}
	g.cache.Set(g.threadID, m)
	return m
}

// FindImportantMemories returns the topN nodes by PageRank importance.
func (g *Graph) FindImportantMemories(topN int) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	ranks := g.metricsLocked().PageRank
	ids := make([]string, 0, len(ranks))
	for id := range ranks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ranks[ids[i]] > ranks[ids[j]] })
	if topN > 0 && len(ids) > topN {
		ids = ids[:topN]
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// FindMemoryClusters returns the graph's communities, each as a slice of
// nodes.
func (g *Graph) FindMemoryClusters() [][]*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	groups := g.metricsLocked().Communities
	out := make([][]*Node, 0, len(groups))
	for _, ids := range groups {
		cluster := make([]*Node, 0, len(ids))
		for _, id := range ids {
			if n, ok := g.nodes[id]; ok {
				cluster = append(cluster, n)
			}
		}
		out = append(out, cluster)
	}
	return out
}

// FindBridgeMemories returns the topN nodes by betweenness centrality — the
// memories that connect otherwise-separate clusters.
func (g *Graph) FindBridgeMemories(topN int) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	centrality := g.metricsLocked().Betweenness
	ids := make([]string, 0, len(centrality))
	for id := range centrality {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return centrality[ids[i]] > centrality[ids[j]] })
	if topN > 0 && len(ids) > topN {
		ids = ids[:topN]
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// CleanupStaleNodes removes nodes older than maxAgeHours that IsStale
// exempts neither by tag nor context type, cascading to incident edges so
// the adjacency structure never references a deleted node.
func (g *Graph) CleanupStaleNodes(maxAgeHours float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	var stale []string
	for id, n := range g.nodes {
		if n.IsStale(now, maxAgeHours) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		g.removeNodeLocked(id)
	}
	if len(stale) > 0 {
		g.cache.Touch(g.threadID)
	}
	return len(stale)
}

// InsertLoadedNode inserts a node reconstructed from persistent storage
// (memory.Manager's hydration path), bypassing Store's entity-collision
// merge logic since a hydrated node has no "incoming content" to merge.
func (g *Graph) InsertLoadedNode(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = n
	if n.Entity != nil {
		g.entityIndex[n.Entity.EntityID] = n.ID
	}
	g.index.Add(n.ID, g.searchableText(n))
}

// InsertLoadedEdge inserts an edge reconstructed from persistent storage.
func (g *Graph) InsertLoadedEdge(e *Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[e.From]; !ok {
		return
	}
	if _, ok := g.nodes[e.To]; !ok {
		return
	}
	g.adjacency[e.From] = append(g.adjacency[e.From], e)
	g.reverse[e.To] = append(g.reverse[e.To], e)
}

// AllNodes returns every node currently in the graph, for persistence and
// statistics callers. Order is not guaranteed.
func (g *Graph) AllNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// AllEdges returns every edge currently in the graph. Order is not
// guaranteed.
func (g *Graph) AllEdges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Edge
	for _, es := range g.adjacency {
		out = append(out, es...)
	}
	return out
}

// Statistics reports basic graph sizing, mirroring the original
// get_statistics operation.
type Statistics struct {
	NodeCount int
	EdgeCount int
	ByContextType map[string]int
}

// Statistics returns counts used for observability and the cleanup
// scheduler's logging.
func (g *Graph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := Statistics{NodeCount: len(g.nodes), ByContextType: make(map[string]int)}
	for _, n := range g.nodes {
		stats.ByContextType[string(n.ContextType)]++
	}
	for _, es := range g.adjacency {
		stats.EdgeCount += len(es)
	}
	return stats
}

func (g *Graph) removeNodeLocked(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	if n.Entity != nil {
		if cur, ok := g.entityIndex[n.Entity.EntityID]; ok && cur == id {
			delete(g.entityIndex, n.Entity.EntityID)
		}
	}
	for _, e := range g.adjacency[id] {
		g.reverse[e.To] = removeEdge(g.reverse[e.To], e)
	}
	for _, e := range g.reverse[id] {
		g.adjacency[e.From] = removeEdge(g.adjacency[e.From], e)
	}
	delete(g.adjacency, id)
	delete(g.reverse, id)
	g.index.Remove(id)
	delete(g.nodes, id)
}

func removeEdge(edges []*Edge, target *Edge) []*Edge {
	out := edges[:0]
	for _, e := range edges {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

func extractEntityRef(content map[string]any) *EntityRef {
	id := firstStringField(content, "entity_id", "Id", "id", "key", "number")
	if id == "" {
		return nil
	}
	return &EntityRef{
		EntityID:     id,
		EntityType:   stringField(content, "entity_type"),
		EntitySystem: stringField(content, "entity_system"),
	}
}

func firstStringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringField(m, k); v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}

func stringifyContent(content map[string]any) string {
	out := ""
	for k, v := range content {
		out += fmt.Sprintf(" %s:%v", k, v)
	}
	return out
}

// deepMerge writes src's keys into dst, recursing into nested maps so an
// incoming partial entity_data update doesn't clobber sibling fields.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}
