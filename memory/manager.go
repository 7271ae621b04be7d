package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-ai/conductor/memory/graphalgo"
	"github.com/meridian-ai/conductor/memory/storage"
)

// Manager owns one Graph per thread, lazily hydrating a user's durable
// memory on first use and running a background cleanup sweep: per-thread/
// per-user graphs, lazy load, cleanup scheduler. A single mutex guards
// create-or-get only — once a Graph exists, callers operate on it through
// its own lock.
type Manager struct {
	mu sync.Mutex

	graphs   map[string]*Graph // thread id -> graph
	threadUser map[string]string // thread id -> user id, for persistence/cleanup
	hydrated map[string]bool   // user id -> durable store already pulled in

	writer *storage.DualTierWriter
	logger *slog.Logger

	cleanupInterval time.Duration
	maxAgeHours     float64

	stop   chan struct{}
	closed bool
}

// NewManager constructs a Manager backed by writer (hot + optional durable
// store). cleanupInterval <= 0 disables the background sweep.
func NewManager(writer *storage.DualTierWriter, logger *slog.Logger, cleanupInterval time.Duration, maxAgeHours float64) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		graphs:          make(map[string]*Graph),
		threadUser:      make(map[string]string),
		hydrated:        make(map[string]bool),
		writer:          writer,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		maxAgeHours:     maxAgeHours,
		stop:            make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// GetOrCreateGraph returns threadID's graph, creating and — on a user
// scope's first use — hydrating it from the hot store (and, if not yet
// hydrated, the durable store) if it doesn't exist yet.
func (m *Manager) GetOrCreateGraph(ctx context.Context, threadID, userID string) (*Graph, error) {
	m.mu.Lock()
	if g, ok := m.graphs[threadID]; ok {
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	g := NewGraph(threadID, graphalgo.NewCache())
	if err := m.loadFromHotStore(ctx, g, threadID); err != nil {
		return nil, fmt.Errorf("failed to load thread %s from hot store: %w", threadID, err)
	}

	m.mu.Lock()
	needsHydration := userID != "" && !m.hydrated[userID]
	m.mu.Unlock()
	if needsHydration {
		if err := m.hydrateUser(ctx, g, userID, threadID); err != nil {
			m.logger.Warn("memory hydration failed", "user_id", userID, "thread_id", threadID, "error", err)
		}
		m.mu.Lock()
		m.hydrated[userID] = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.graphs[threadID]; ok {
		// Another caller raced us; keep whichever graph won, discard ours.
		return existing, nil
	}
	m.graphs[threadID] = g
	m.threadUser[threadID] = userID
	return g, nil
}

func (m *Manager) loadFromHotStore(ctx context.Context, g *Graph, threadID string) error {
	if m.writer == nil {
		return nil
	}
	nodes, edges, err := m.writer.LoadThread(ctx, threadID)
	if err != nil {
		return err
	}
	for _, row := range nodes {
		g.InsertLoadedNode(rowToNode(row))
	}
	for _, row := range edges {
		g.InsertLoadedEdge(rowToEdge(row))
	}
	return nil
}

func (m *Manager) hydrateUser(ctx context.Context, g *Graph, userID, threadID string) error {
	rows, err := m.writer.HydrateUser(ctx, userID, threadID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		g.InsertLoadedNode(rowToNode(row))
	}
	return nil
}

// StoreNode stores content into threadID's graph and persists the result
// through the dual-tier writer, so a node created through the Manager
// survives a process restart without the caller having to remember to
// persist it separately.
func (m *Manager) StoreNode(ctx context.Context, threadID, userID string, content map[string]any, contextType ContextType, opts StoreOptions) (*Node, error) {
	g, err := m.GetOrCreateGraph(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	n, err := g.Store(content, contextType, opts)
	if err != nil {
		return nil, err
	}
	if m.writer != nil {
		if err := m.writer.WriteNode(ctx, userID, nodeToRow(threadID, userID, n)); err != nil {
			return n, fmt.Errorf("stored in graph but failed to persist: %w", err)
		}
	}
	return n, nil
}

// AddRelationship adds an edge to threadID's graph and persists it to the
// hot store.
func (m *Manager) AddRelationship(ctx context.Context, threadID string, from, to string, label EdgeLabel, strength float64) error {
	m.mu.Lock()
	g, ok := m.graphs[threadID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory: unknown thread %s", threadID)
	}
	if err := g.AddRelationship(from, to, label, strength); err != nil {
		return err
	}
	if m.writer == nil {
		return nil
	}
	return m.writer.WriteEdge(ctx, storage.EdgeRow{
		ThreadID: threadID, From: from, To: to, Label: string(label),
		Strength: strength, CreatedAt: time.Now().UTC(),
	})
}

// cleanupLoop periodically sweeps every tracked graph for stale nodes,
// mirroring the removal both in-process and in the hot store.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanupOnce(context.Background())
		}
	}
}

func (m *Manager) cleanupOnce(ctx context.Context) {
	m.mu.Lock()
	threads := make([]string, 0, len(m.graphs))
	for id := range m.graphs {
		threads = append(threads, id)
	}
	m.mu.Unlock()

	for _, threadID := range threads {
		m.mu.Lock()
		g := m.graphs[threadID]
		m.mu.Unlock()
		if g == nil {
			continue
		}
		removed := g.CleanupStaleNodes(m.maxAgeHours)
		if removed > 0 {
			m.logger.Info("cleaned up stale memory nodes", "thread_id", threadID, "removed", removed)
		}
		if m.writer != nil {
			maxAge := time.Duration(m.maxAgeHours * float64(time.Hour))
			if _, err := m.writer.CleanupStale(ctx, threadID, maxAge); err != nil {
				m.logger.Warn("hot store cleanup failed", "thread_id", threadID, "error", err)
			}
		}
	}
}

// Close stops the cleanup scheduler. It does not close the underlying
// writer/hot store — callers own that lifecycle.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stop)
}

func nodeToRow(threadID, userID string, n *Node) storage.NodeRow {
	content, _ := json.Marshal(n.Content)
	metadata, _ := json.Marshal(n.Metadata)
	row := storage.NodeRow{
		ID:             n.ID,
		ThreadID:       threadID,
		UserID:         userID,
		ContextType:    string(n.ContextType),
		Content:        content,
		Summary:        n.Summary,
		Tags:           n.TagSet(),
		BaseRelevance:  n.BaseRelevance,
		AccessCount:    n.AccessCount,
		UpdateCount:    n.UpdateCount,
		CreatedAt:      n.CreatedAt,
		LastAccessedAt: n.LastAccessedAt,
		Metadata:       metadata,
	}
	if n.Entity != nil {
		row.EntityID = n.Entity.EntityID
		row.EntityType = n.Entity.EntityType
		row.EntitySystem = n.Entity.EntitySystem
	}
	return row
}

func rowToNode(row storage.NodeRow) *Node {
	var content map[string]any
	if len(row.Content) > 0 {
		_ = json.Unmarshal(row.Content, &content)
	}
	if content == nil {
		content = make(map[string]any)
	}
	var metadata map[string]any
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &metadata)
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}

	n := &Node{
		ID:             row.ID,
		Content:        content,
		ContextType:    ContextType(row.ContextType),
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
		BaseRelevance:  row.BaseRelevance,
		Tags:           make(map[string]struct{}),
		Summary:        row.Summary,
		Metadata:       metadata,
		AccessCount:    row.AccessCount,
		UpdateCount:    row.UpdateCount,
	}
	for _, t := range row.Tags {
		n.AddTag(t)
	}
	if row.EntityID != "" {
		n.Entity = &EntityRef{EntityID: row.EntityID, EntityType: row.EntityType, EntitySystem: row.EntitySystem}
	}
	return n
}

func rowToEdge(row storage.EdgeRow) *Edge {
	var metadata map[string]any
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &metadata)
	}
	return &Edge{
		From:      row.From,
		To:        row.To,
		Label:     EdgeLabel(row.Label),
		Strength:  row.Strength,
		CreatedAt: row.CreatedAt,
		Metadata:  metadata,
	}
}
