package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// DurableStore is the remote, cross-process persistence boundary for
// memory nodes that should outlive a single thread, under a write policy
// where only ContextDomainEntity and ContextConversationFact nodes
// are dual-written here, keyed by user rather than thread so the same
// entity recognized from two different conversations merges into one row.
type DurableStore interface {
	// SaveNode dual-writes or updates a durable node for userID, deduplicating
	// on (entity_id, entity_system, user_id) when the node carries an entity.
	SaveNode(ctx context.Context, userID string, n NodeRow) error
	// LoadUser returns every durable node recorded for userID, for hydrating
	// a freshly created in-process graph before the thread's own history
	// has been replayed.
	LoadUser(ctx context.Context, userID string) ([]NodeRow, error)
	// DeleteNode removes a durable node by id.
	DeleteNode(ctx context.Context, userID, id string) error
	Close() error
}

// MySQLDurableStore implements DurableStore over MySQL/MariaDB, grounded on
// graph/store.MySQLStore's connection-pool and transaction conventions but
// partitioned by user_id and deduplicated on entity identity rather than
// (run_id, step).
type MySQLDurableStore struct {
	db *sql.DB
}

// NewMySQLDurableStore opens dsn and ensures the durable_memory_nodes schema
// exists. The DSN format matches graph/store.NewMySQLStore's.
func NewMySQLDurableStore(dsn string) (*MySQLDurableStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping durable store: %w", err)
	}

	store := &MySQLDurableStore{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create durable store schema: %w", err)
	}
	return store, nil
}

func (m *MySQLDurableStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS durable_memory_nodes (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			origin_thread_id VARCHAR(255) NOT NULL,
			context_type VARCHAR(64) NOT NULL,
			content JSON NOT NULL,
			summary TEXT NOT NULL,
			tags TEXT NOT NULL,
			entity_id VARCHAR(255),
			entity_type VARCHAR(64),
			entity_system VARCHAR(64),
			base_relevance DOUBLE NOT NULL DEFAULT 1.0,
			access_count INT NOT NULL DEFAULT 0,
			update_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL,
			metadata JSON NOT NULL,
			INDEX idx_durable_user (user_id),
			UNIQUE KEY unique_entity_per_user (user_id, entity_id, entity_system)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create durable_memory_nodes: %w", err)
	}
	return nil
}

// SaveNode implements DurableStore. Nodes without an entity fall back to
// their own id as the dedup key component (via entityKeyOrID) so the unique
// constraint never blocks a plain conversation_fact write.
func (m *MySQLDurableStore) SaveNode(ctx context.Context, userID string, n NodeRow) error {
	entityID, entitySystem := n.EntityID, n.EntitySystem
	if entityID == "" {
		entityID = n.ID
		entitySystem = "conductor:node"
	}

	query := `
		INSERT INTO durable_memory_nodes (
			id, user_id, origin_thread_id, context_type, content, summary, tags,
			entity_id, entity_type, entity_system, base_relevance,
			access_count, update_count, created_at, last_accessed_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			content = VALUES(content),
			summary = VALUES(summary),
			tags = VALUES(tags),
			access_count = GREATEST(access_count, VALUES(access_count)),
			update_count = update_count + 1,
			last_accessed_at = VALUES(last_accessed_at),
			metadata = VALUES(metadata)
	`
	_, err := m.db.ExecContext(ctx, query,
		n.ID, userID, n.ThreadID, n.ContextType, string(orEmptyJSON(n.Content)), n.Summary, joinTags(n.Tags),
		nullable(entityID), nullable(n.EntityType), nullable(entitySystem), n.BaseRelevance,
		n.AccessCount, n.UpdateCount, n.CreatedAt, n.LastAccessedAt, string(orEmptyJSON(n.Metadata)),
	)
	if err != nil {
		return fmt.Errorf("failed to save durable node: %w", err)
	}
	return nil
}

// LoadUser implements DurableStore.
func (m *MySQLDurableStore) LoadUser(ctx context.Context, userID string) ([]NodeRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, origin_thread_id, context_type, content, summary, tags,
			COALESCE(entity_id, ''), COALESCE(entity_type, ''), COALESCE(entity_system, ''),
			base_relevance, access_count, update_count, created_at, last_accessed_at, metadata
		FROM durable_memory_nodes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load durable nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		var tags string
		var content, metadata []byte
		if err := rows.Scan(&n.ID, &n.ThreadID, &n.ContextType, &content, &n.Summary, &tags,
			&n.EntityID, &n.EntityType, &n.EntitySystem, &n.BaseRelevance, &n.AccessCount, &n.UpdateCount,
			&n.CreatedAt, &n.LastAccessedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan durable node: %w", err)
		}
		n.UserID = userID
		n.Content = json.RawMessage(content)
		n.Metadata = json.RawMessage(metadata)
		n.Tags = splitTags(tags)
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNode implements DurableStore.
func (m *MySQLDurableStore) DeleteNode(ctx context.Context, userID, id string) error {
	_, err := m.db.ExecContext(ctx, "DELETE FROM durable_memory_nodes WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete durable node: %w", err)
	}
	return nil
}

// Close implements DurableStore.
func (m *MySQLDurableStore) Close() error {
	return m.db.Close()
}
