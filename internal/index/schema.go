// Package index maintains the optional aggregate index file: one row per
// written envelope mapping its aggregate id to the log position, so one
// aggregate's history can be read by seeking instead of replaying.
package index

// CreateEntriesTableSQL creates the entries table. seq preserves write
// order across routes.
const CreateEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    aggregate_id TEXT NOT NULL,
    route TEXT NOT NULL,
    segment_id INTEGER NOT NULL,
    byte_offset INTEGER NOT NULL,
    timestamp INTEGER NOT NULL
)`

var CreateEntriesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_entries_aggregate ON entries(aggregate_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_segment ON entries(route, segment_id)`,
}

// AllSchemaSQL returns every schema statement in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateEntriesTableSQL}
	return append(stmts, CreateEntriesIndexesSQL...)
}
