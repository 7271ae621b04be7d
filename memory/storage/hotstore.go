// Package storage implements the dual-tier persistence of the conversational
// memory graph: a local hot store (SQLite, FTS5) mirroring the in-process
// graph for crash recovery, and a durable remote store (MySQL) holding the
// subset of nodes that should survive across threads and process restarts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// HotStore is the local, single-process persistence layer for one memory
// graph's nodes, edges, and full-text index. It mirrors graph/store.SQLiteStore's
// WAL setup (single-writer connection, busy timeout) but adds an FTS5 virtual
// table kept in sync with memory_nodes via triggers, so a process restart
// rebuilds both the node table and the search index from one file.
type HotStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewHotStore opens (creating if absent) the SQLite file at path and ensures
// the memory_nodes / memory_relationships schema and FTS5 mirror exist.
func NewHotStore(path string) (*HotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hot store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	hs := &HotStore{db: db, path: path}
	if err := hs.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create hot store schema: %w", err)
	}
	return hs, nil
}

func (h *HotStore) createSchema(ctx context.Context) error {
	nodesTable := `
		CREATE TABLE IF NOT EXISTS memory_nodes (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			context_type TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			entity_id TEXT,
			entity_type TEXT,
			entity_system TEXT,
			base_relevance REAL NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			update_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)
	`
	if _, err := h.db.ExecContext(ctx, nodesTable); err != nil {
		return fmt.Errorf("failed to create memory_nodes: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_memory_nodes_thread ON memory_nodes(thread_id)",
		"CREATE INDEX IF NOT EXISTS idx_memory_nodes_user ON memory_nodes(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_memory_nodes_entity ON memory_nodes(entity_id, entity_system)",
	} {
		if _, err := h.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// FTS5 virtual table mirrors the searchable text fields (summary, tags,
	// and stringified content). content='' stores its own copy rather than
	// referencing memory_nodes directly, so deletes/updates are driven
	// entirely by triggers and don't require memory_nodes' rowid to be stable.
	ftsTable := `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_nodes_fts USING fts5(
			id UNINDEXED,
			searchable_text
		)
	`
	if _, err := h.db.ExecContext(ctx, ftsTable); err != nil {
		return fmt.Errorf("failed to create memory_nodes_fts: %w", err)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ai AFTER INSERT ON memory_nodes BEGIN
			INSERT INTO memory_nodes_fts(id, searchable_text)
			VALUES (new.id, new.summary || ' ' || new.tags || ' ' || new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_ad AFTER DELETE ON memory_nodes BEGIN
			DELETE FROM memory_nodes_fts WHERE id = old.id;
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_nodes_au AFTER UPDATE ON memory_nodes BEGIN
			DELETE FROM memory_nodes_fts WHERE id = old.id;
			INSERT INTO memory_nodes_fts(id, searchable_text)
			VALUES (new.id, new.summary || ' ' || new.tags || ' ' || new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := h.db.ExecContext(ctx, t); err != nil {
			return fmt.Errorf("failed to create fts trigger: %w", err)
		}
	}

	edgesTable := `
		CREATE TABLE IF NOT EXISTS memory_relationships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			label TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 1.0,
			created_at TIMESTAMP NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE(thread_id, from_id, to_id, label)
		)
	`
	if _, err := h.db.ExecContext(ctx, edgesTable); err != nil {
		return fmt.Errorf("failed to create memory_relationships: %w", err)
	}
	if _, err := h.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_memory_edges_thread ON memory_relationships(thread_id)"); err != nil {
		return fmt.Errorf("failed to create edge index: %w", err)
	}

	return nil
}

// NodeRow is the flat persistence shape for one memory.Node, independent of
// package memory so storage has no import-cycle risk with it.
type NodeRow struct {
	ID             string
	ThreadID       string
	UserID         string
	ContextType    string
	Content        json.RawMessage
	Summary        string
	Tags           []string
	EntityID       string
	EntityType     string
	EntitySystem   string
	BaseRelevance  float64
	AccessCount    int
	UpdateCount    int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Metadata       json.RawMessage
}

// EdgeRow is the flat persistence shape for one memory.Edge.
type EdgeRow struct {
	ThreadID  string
	From      string
	To        string
	Label     string
	Strength  float64
	CreatedAt time.Time
	Metadata  json.RawMessage
}

// UpsertNode inserts or replaces a node row.
func (h *HotStore) UpsertNode(ctx context.Context, n NodeRow) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	tagsJoined := joinTags(n.Tags)
	query := `
		INSERT INTO memory_nodes (
			id, thread_id, user_id, context_type, content, summary, tags,
			entity_id, entity_type, entity_system, base_relevance,
			access_count, update_count, created_at, last_accessed_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			tags = excluded.tags,
			entity_id = excluded.entity_id,
			entity_type = excluded.entity_type,
			entity_system = excluded.entity_system,
			base_relevance = excluded.base_relevance,
			access_count = excluded.access_count,
			update_count = excluded.update_count,
			last_accessed_at = excluded.last_accessed_at,
			metadata = excluded.metadata
	`
	_, err := h.db.ExecContext(ctx, query,
		n.ID, n.ThreadID, n.UserID, n.ContextType, string(n.Content), n.Summary, tagsJoined,
		nullable(n.EntityID), nullable(n.EntityType), nullable(n.EntitySystem), n.BaseRelevance,
		n.AccessCount, n.UpdateCount, n.CreatedAt, n.LastAccessedAt, string(orEmptyJSON(n.Metadata)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert memory node: %w", err)
	}
	return nil
}

// DeleteNode removes a node (and, via ON DELETE CASCADE semantics enforced in
// application code rather than a foreign key, its edges) from the hot store.
func (h *HotStore) DeleteNode(ctx context.Context, threadID, id string) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	if _, err := h.db.ExecContext(ctx, "DELETE FROM memory_nodes WHERE id = ? AND thread_id = ?", id, threadID); err != nil {
		return fmt.Errorf("failed to delete memory node: %w", err)
	}
	if _, err := h.db.ExecContext(ctx,
		"DELETE FROM memory_relationships WHERE thread_id = ? AND (from_id = ? OR to_id = ?)", threadID, id, id); err != nil {
		return fmt.Errorf("failed to delete dangling edges: %w", err)
	}
	return nil
}

// LoadThread returns every node and edge persisted for threadID, for
// Manager's lazy-hydration path.
func (h *HotStore) LoadThread(ctx context.Context, threadID string) ([]NodeRow, []EdgeRow, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, nil, fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, context_type, content, summary, tags,
			COALESCE(entity_id, ''), COALESCE(entity_type, ''), COALESCE(entity_system, ''),
			base_relevance, access_count, update_count, created_at, last_accessed_at, metadata
		FROM memory_nodes WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load thread nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []NodeRow
	for rows.Next() {
		var n NodeRow
		var tags, content, metadata string
		if err := rows.Scan(&n.ID, &n.ThreadID, &n.UserID, &n.ContextType, &content, &n.Summary, &tags,
			&n.EntityID, &n.EntityType, &n.EntitySystem, &n.BaseRelevance, &n.AccessCount, &n.UpdateCount,
			&n.CreatedAt, &n.LastAccessedAt, &metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to scan memory node: %w", err)
		}
		n.Content = json.RawMessage(content)
		n.Metadata = json.RawMessage(metadata)
		n.Tags = splitTags(tags)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating memory nodes: %w", err)
	}

	edgeRows, err := h.db.QueryContext(ctx, `
		SELECT thread_id, from_id, to_id, label, strength, created_at, metadata
		FROM memory_relationships WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load thread edges: %w", err)
	}
	defer func() { _ = edgeRows.Close() }()

	var edges []EdgeRow
	for edgeRows.Next() {
		var e EdgeRow
		var metadata string
		if err := edgeRows.Scan(&e.ThreadID, &e.From, &e.To, &e.Label, &e.Strength, &e.CreatedAt, &metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to scan memory edge: %w", err)
		}
		e.Metadata = json.RawMessage(metadata)
		edges = append(edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating memory edges: %w", err)
	}

	return nodes, edges, nil
}

// UpsertEdge inserts or strengthens a relationship row. Keeping the maximum
// of the old and new strength on conflict mirrors memory.Graph's
// AddRelationship idempotency rule at the persistence layer.
func (h *HotStore) UpsertEdge(ctx context.Context, e EdgeRow) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	query := `
		INSERT INTO memory_relationships (thread_id, from_id, to_id, label, strength, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, from_id, to_id, label) DO UPDATE SET
			strength = MAX(strength, excluded.strength)
	`
	_, err := h.db.ExecContext(ctx, query, e.ThreadID, e.From, e.To, e.Label, e.Strength, e.CreatedAt, string(orEmptyJSON(e.Metadata)))
	if err != nil {
		return fmt.Errorf("failed to upsert memory edge: %w", err)
	}
	return nil
}

// SearchFTS runs a full-text MATCH query against the FTS5 mirror, returning
// matching node ids. Used as a secondary candidate source alongside the
// in-process inverted index (text.Index) when rehydrating a large thread
// that hasn't built its index yet.
func (h *HotStore) SearchFTS(ctx context.Context, threadID, query string, limit int) ([]string, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT memory_nodes_fts.id FROM memory_nodes_fts
		JOIN memory_nodes ON memory_nodes.id = memory_nodes_fts.id
		WHERE memory_nodes_fts MATCH ? AND memory_nodes.thread_id = ?
		LIMIT ?`, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run fts search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan fts result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CleanupStale deletes nodes older than maxAge whose context_type is not in
// preserveTypes, mirroring memory.Graph.CleanupStaleNodes's preservation
// rule at the persistence layer.
func (h *HotStore) CleanupStale(ctx context.Context, threadID string, maxAge time.Duration, preserveTypes []string) (int64, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, fmt.Errorf("hot store is closed")
	}
	h.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	placeholders := ""
	args := []any{threadID, cutoff}
	for i, t := range preserveTypes {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, t)
	}
	query := "DELETE FROM memory_nodes WHERE thread_id = ? AND last_accessed_at < ?"
	if len(preserveTypes) > 0 {
		query += " AND context_type NOT IN (" + placeholders + ")"
	}
	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stale nodes: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying connection. Safe to call more than once.
func (h *HotStore) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func splitTags(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ' ' {
			if i > start {
				out = append(out, joined[start:i])
			}
			start = i + 1
		}
	}
	return out
}
