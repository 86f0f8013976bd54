package index

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/memlog/pkg/types"
)

// Entry is one indexed envelope.
type Entry struct {
	EventID     string
	AggregateID string
	Position    types.Position
	Timestamp   int64
}

// AggregateIndex is the SQLite-backed aggregate index.
type AggregateIndex struct {
	db     *sql.DB // single writer
	readDB *sql.DB
	path   string
	mu     sync.Mutex

	insertStmt *sql.Stmt
}

// Open opens or creates the index database at path.
func Open(path string) (*AggregateIndex, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := &AggregateIndex{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	idx.readDB = readDB

	idx.insertStmt, err = db.Prepare(`
		INSERT OR IGNORE INTO entries (event_id, aggregate_id, route, segment_id, byte_offset, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("index: failed to prepare insert statement: %w", err)
	}
	return idx, nil
}

func (x *AggregateIndex) initSchema() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, stmt := range AllSchemaSQL() {
		if _, err := x.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Record inserts entries in one transaction. Entries whose event id is
// already indexed are ignored, so replaying a range is harmless.
func (x *AggregateIndex) Record(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, x.insertStmt)
	for _, e := range entries {
		if e.AggregateID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.AggregateID, e.Position.Route,
			int64(e.Position.SegmentID), e.Position.Offset, e.Timestamp,
		); err != nil {
			return fmt.Errorf("index: failed to insert entry %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: failed to commit: %w", err)
	}
	return nil
}

// Lookup returns the entries of one aggregate in write order.
func (x *AggregateIndex) Lookup(ctx context.Context, aggregateID string) ([]Entry, error) {
	rows, err := x.readDB.QueryContext(ctx, `
		SELECT event_id, aggregate_id, route, segment_id, byte_offset, timestamp
		FROM entries WHERE aggregate_id = ? ORDER BY seq`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("index: lookup failed: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var seg int64
		if err := rows.Scan(&e.EventID, &e.AggregateID, &e.Position.Route, &seg, &e.Position.Offset, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("index: failed to scan entry: %w", err)
		}
		e.Position.SegmentID = uint64(seg)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForgetSegment drops the rows pointing into one segment and returns how
// many were removed.
func (x *AggregateIndex) ForgetSegment(ctx context.Context, route string, segmentID uint64) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	res, err := x.db.ExecContext(ctx,
		`DELETE FROM entries WHERE route = ? AND segment_id = ?`, route, int64(segmentID))
	if err != nil {
		return 0, fmt.Errorf("index: failed to forget segment: %w", err)
	}
	return res.RowsAffected()
}

// ForgetRoute drops every row of a route.
func (x *AggregateIndex) ForgetRoute(ctx context.Context, route string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.db.ExecContext(ctx, `DELETE FROM entries WHERE route = ?`, route); err != nil {
		return fmt.Errorf("index: failed to forget route: %w", err)
	}
	return nil
}

// Count returns the number of indexed entries.
func (x *AggregateIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := x.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count failed: %w", err)
	}
	return n, nil
}

// Path returns the database file path.
func (x *AggregateIndex) Path() string {
	return x.path
}

// Close closes both connections.
func (x *AggregateIndex) Close() error {
	if x.insertStmt != nil {
		x.insertStmt.Close()
	}
	if err := x.readDB.Close(); err != nil {
		x.db.Close()
		return err
	}
	return x.db.Close()
}
