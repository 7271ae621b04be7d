package storage

import (
	"context"
	"log/slog"
	"time"
)

// persistentContextTypes are the node context types dual-written to the
// durable store; every other type is local-only.
var persistentContextTypes = map[string]bool{
	"domain_entity":     true,
	"conversation_fact": true,
}

// IsPersistentContextType reports whether contextType is dual-written to
// the durable store.
func IsPersistentContextType(contextType string) bool {
	return persistentContextTypes[contextType]
}

// DualTierWriter implements the write, load, and cleanup policies for a
// two-tier memory store on top of a HotStore and an optional DurableStore. A nil
// DurableStore degrades gracefully to hot-store-only operation (the
// `persisted_store_unavailable` error kind: local writes continue, remote
// sync is simply skipped rather than failed).
type DualTierWriter struct {
	hot     *HotStore
	durable DurableStore
	logger  *slog.Logger
}

// NewDualTierWriter builds a writer over hot (required) and durable
// (optional — pass nil to run hot-store-only).
func NewDualTierWriter(hot *HotStore, durable DurableStore, logger *slog.Logger) *DualTierWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualTierWriter{hot: hot, durable: durable, logger: logger}
}

// WriteNode persists n to the hot store synchronously, then — if n's
// context type is persistent and a durable store is configured — dual-writes
// to the durable store asynchronously. A durable-write failure is logged,
// not returned: it never fails the caller's synchronous write.
func (w *DualTierWriter) WriteNode(ctx context.Context, userID string, n NodeRow) error {
	if err := w.hot.UpsertNode(ctx, n); err != nil {
		return err
	}
	if w.durable == nil || !IsPersistentContextType(n.ContextType) {
		return nil
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.durable.SaveNode(bgCtx, userID, n); err != nil {
			w.logger.Warn("durable memory write failed",
				"node_id", n.ID, "user_id", userID, "error", err)
		}
	}()
	return nil
}

// WriteEdge persists an edge to the hot store. Relationships are not
// dual-written — only node types are persistent; edges are reconstructed
// per-thread from the hot store on hydration.
func (w *DualTierWriter) WriteEdge(ctx context.Context, e EdgeRow) error {
	return w.hot.UpsertEdge(ctx, e)
}

// LoadThread returns every node and edge the hot store holds for threadID,
// for Manager's graph-reconstruction path on first use.
func (w *DualTierWriter) LoadThread(ctx context.Context, threadID string) ([]NodeRow, []EdgeRow, error) {
	return w.hot.LoadThread(ctx, threadID)
}

// HydrateUser implements the load policy: on first use of a user scope, pull
// that user's durable nodes into the hot store under threadID and report
// them to the caller so memory.Manager can also insert them into the
// in-process graph. Callers are responsible for tracking the "hydrated"
// marker so this only runs once per user scope.
func (w *DualTierWriter) HydrateUser(ctx context.Context, userID, threadID string) ([]NodeRow, error) {
	if w.durable == nil {
		return nil, nil
	}
	nodes, err := w.durable.LoadUser(ctx, userID)
	if err != nil {
		w.logger.Warn("durable memory hydration failed", "user_id", userID, "error", err)
		return nil, nil
	}
	for i := range nodes {
		nodes[i].ThreadID = threadID
		if err := w.hot.UpsertNode(ctx, nodes[i]); err != nil {
			w.logger.Warn("failed to mirror hydrated node into hot store",
				"node_id", nodes[i].ID, "error", err)
		}
	}
	return nodes, nil
}

// DeleteNode removes a node from the hot store and, for persistent types,
// the durable store.
func (w *DualTierWriter) DeleteNode(ctx context.Context, userID, threadID, id, contextType string) error {
	if err := w.hot.DeleteNode(ctx, threadID, id); err != nil {
		return err
	}
	if w.durable != nil && IsPersistentContextType(contextType) {
		if err := w.durable.DeleteNode(ctx, userID, id); err != nil {
			w.logger.Warn("durable memory delete failed", "node_id", id, "error", err)
		}
	}
	return nil
}

// CleanupStale applies the hot store's retention policy for threadID,
// preserving the context types memory.Node.IsStale also exempts
// (conversation_fact, domain_entity) so cleanup never silently drops a
// persistent-type node out from under a user scope that hasn't hydrated yet.
func (w *DualTierWriter) CleanupStale(ctx context.Context, threadID string, maxAge time.Duration) (int64, error) {
	return w.hot.CleanupStale(ctx, threadID, maxAge, []string{"conversation_fact", "domain_entity"})
}
