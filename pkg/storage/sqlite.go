package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomdb/loom/pkg/schema"
)

// sqliteSchema defines all tables for the SQLite backend. Field maps and
// payloads are stored as JSON text; referential integrity between entities
// and edges is managed at the application level.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS things (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    fields TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_things_type ON things(type);

CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    from_type TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_type TEXT NOT NULL,
    to_id TEXT NOT NULL,
    name TEXT NOT NULL,
    direction TEXT NOT NULL,
    match_mode TEXT NOT NULL,
    cardinality TEXT NOT NULL,
    backref TEXT NOT NULL DEFAULT '',
    similarity REAL NOT NULL DEFAULT 0,
    matched_type TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE (from_id, to_id, name)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);

CREATE TABLE IF NOT EXISTS artifacts (
    thing_type TEXT NOT NULL,
    thing_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    source_hash TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (thing_type, thing_id, kind)
);

CREATE TABLE IF NOT EXISTS actions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    action_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_action ON actions(action_id);
`

// SQLiteStore is the Provider implementation on SQLite via the pure-Go
// modernc.org/sqlite driver, so it builds without cgo.
//
// Use ":memory:" as the path for an in-memory database, e.g. in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if needed bootstraps) a SQLite-backed store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent reads. A no-op on :memory: databases.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) guard(op, typ, id string, requireID bool) error {
	if !ValidTypeName(typ) {
		return NewFault(op, typ, id, ErrInvalidType)
	}
	if id == "" {
		if requireID {
			return NewFault(op, typ, id, ErrInvalidID)
		}
	} else if !ValidID(id) {
		return NewFault(op, typ, id, ErrInvalidID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NewFault(op, typ, id, ErrClosed)
	}
	return nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func scanThing(row interface {
	Scan(dest ...any) error
}) (*Thing, error) {
	var (
		thing     Thing
		fieldsRaw string
		created   int64
		updated   int64
	)
	err := row.Scan(&thing.ID, &thing.Type, &fieldsRaw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsRaw), &thing.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	thing.CreatedAt = time.Unix(0, created)
	thing.UpdatedAt = time.Unix(0, updated)
	return &thing, nil
}

// Get returns the entity or (nil, nil) when missing.
func (s *SQLiteStore) Get(ctx context.Context, typ, id string) (*Thing, error) {
	if err := s.guard("get", typ, id, true); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, fields, created_at, updated_at FROM things WHERE id = ? AND type = ?`,
		id, typ)
	thing, err := scanThing(row)
	if err != nil {
		return nil, NewFault("get", typ, id, err)
	}
	return thing, nil
}

// GetMany returns entities for the given ids in input order, skipping
// missing ones and deduplicating repeated ids. One query.
func (s *SQLiteStore) GetMany(ctx context.Context, typ string, ids []string) ([]*Thing, error) {
	if err := s.guard("getMany", typ, "", false); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, typ)
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, fields, created_at, updated_at FROM things
		 WHERE type = ? AND id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, NewFault("getMany", typ, "", err)
	}
	defer rows.Close()

	byID := make(map[string]*Thing, len(ids))
	for rows.Next() {
		thing, err := scanThing(rows)
		if err != nil {
			return nil, NewFault("getMany", typ, "", err)
		}
		byID[thing.ID] = thing
	}
	if err := rows.Err(); err != nil {
		return nil, NewFault("getMany", typ, "", err)
	}

	seen := make(map[string]bool, len(ids))
	out := make([]*Thing, 0, len(byID))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if thing := byID[id]; thing != nil {
			out = append(out, thing)
		}
	}
	return out, nil
}

func (s *SQLiteStore) queryType(ctx context.Context, op, typ string) ([]*Thing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, fields, created_at, updated_at FROM things
		 WHERE type = ? ORDER BY created_at, id`, typ)
	if err != nil {
		return nil, NewFault(op, typ, "", err)
	}
	defer rows.Close()

	var out []*Thing
	for rows.Next() {
		thing, err := scanThing(rows)
		if err != nil {
			return nil, NewFault(op, typ, "", err)
		}
		out = append(out, thing)
	}
	if err := rows.Err(); err != nil {
		return nil, NewFault(op, typ, "", err)
	}
	return out, nil
}

// List returns entities of a type filtered by opts. The where filter runs
// in Go over the decoded field maps so its equality semantics stay byte for
// byte identical to the other backends.
func (s *SQLiteStore) List(ctx context.Context, typ string, opts *ListOptions) ([]*Thing, error) {
	if err := s.guard("list", typ, "", false); err != nil {
		return nil, err
	}

	all, err := s.queryType(ctx, "list", typ)
	if err != nil {
		return nil, err
	}

	var out []*Thing
	for _, thing := range all {
		if opts != nil && opts.Where != nil && !MatchesWhere(thing.Fields, opts.Where) {
			continue
		}
		out = append(out, thing)
	}

	if opts != nil {
		if opts.Offset > 0 {
			if opts.Offset >= len(out) {
				return nil, nil
			}
			out = out[opts.Offset:]
		}
		if opts.Limit > 0 && opts.Limit < len(out) {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

// Find is List with an equality-only where filter.
func (s *SQLiteStore) Find(ctx context.Context, typ string, where map[string]any) ([]*Thing, error) {
	return s.List(ctx, typ, &ListOptions{Where: where})
}

// Search performs ranked full-text search, same term-frequency scoring as
// the other backends.
func (s *SQLiteStore) Search(ctx context.Context, typ, text string, opts *SearchOptions) ([]*Thing, error) {
	if err := s.guard("search", typ, "", false); err != nil {
		return nil, err
	}

	terms := tokenizeQuery(text)
	if len(terms) == 0 {
		return nil, nil
	}

	all, err := s.queryType(ctx, "search", typ)
	if err != nil {
		return nil, err
	}

	type scored struct {
		thing *Thing
		score int
	}
	var hits []scored
	for _, thing := range all {
		doc := flattenStrings(thing.Fields)
		score := 0
		for _, term := range terms {
			score += strings.Count(doc, term)
		}
		if score > 0 {
			hits = append(hits, scored{thing: thing, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	limit := len(hits)
	if opts != nil && opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	out := make([]*Thing, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, h.thing)
	}
	return out, nil
}

// Create stores a new entity. An empty id generates one.
func (s *SQLiteStore) Create(ctx context.Context, typ, id string, fields map[string]any) (*Thing, error) {
	if err := s.guard("create", typ, id, false); err != nil {
		return nil, err
	}
	if id == "" {
		id = NewID()
	}

	now := time.Now()
	thing := &Thing{
		ID:        id,
		Type:      typ,
		Fields:    make(map[string]any, len(fields)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range fields {
		thing.Fields[k] = v
	}

	data, err := json.Marshal(thing.Fields)
	if err != nil {
		return nil, NewFault("create", typ, id, fmt.Errorf("encoding fields: %w", err))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO things (id, type, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, typ, string(data), now.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, NewFault("create", typ, id, ErrAlreadyExists)
		}
		return nil, NewFault("create", typ, id, err)
	}
	return thing, nil
}

// Update shallow-merges patch into the entity's fields.
func (s *SQLiteStore) Update(ctx context.Context, typ, id string, patch map[string]any) (*Thing, error) {
	if err := s.guard("update", typ, id, true); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewFault("update", typ, id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, fields, created_at, updated_at FROM things WHERE id = ? AND type = ?`,
		id, typ)
	thing, err := scanThing(row)
	if err != nil {
		return nil, NewFault("update", typ, id, err)
	}
	if thing == nil {
		return nil, nil
	}

	for k, v := range patch {
		thing.Fields[k] = v
	}
	thing.UpdatedAt = time.Now()

	data, err := json.Marshal(thing.Fields)
	if err != nil {
		return nil, NewFault("update", typ, id, fmt.Errorf("encoding fields: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE things SET fields = ?, updated_at = ? WHERE id = ?`,
		string(data), thing.UpdatedAt.UnixNano(), id); err != nil {
		return nil, NewFault("update", typ, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, NewFault("update", typ, id, err)
	}
	return thing, nil
}

// Delete removes the entity, its edges and its artifacts in one
// transaction. Returns false when the entity does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, typ, id string) (bool, error) {
	if err := s.guard("delete", typ, id, true); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM things WHERE id = ? AND type = ?`, id, typ)
	if err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM artifacts WHERE thing_type = ? AND thing_id = ?`, typ, id); err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	return true, nil
}

const edgeColumns = `id, from_type, from_id, to_type, to_id, name,
	direction, match_mode, cardinality, backref, similarity, matched_type, created_at`

func scanEdge(row interface {
	Scan(dest ...any) error
}) (*Edge, error) {
	var (
		edge    Edge
		created int64
	)
	err := row.Scan(&edge.ID, &edge.FromType, &edge.FromID, &edge.ToType, &edge.ToID,
		&edge.Name, &edge.Direction, &edge.MatchMode, &edge.Cardinality,
		&edge.Backref, &edge.Similarity, &edge.MatchedType, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	edge.CreatedAt = time.Unix(0, created)
	return &edge, nil
}

// Relate records an edge, reusing any existing record with the same
// (FromID, ToID, Name) identity.
func (s *SQLiteStore) Relate(ctx context.Context, edge *Edge) (*Edge, error) {
	if edge == nil {
		return nil, NewFault("relate", "", "", ErrInvalidData)
	}
	if err := s.guard("relate", edge.FromType, edge.FromID, true); err != nil {
		return nil, err
	}
	if err := s.guard("relate", edge.ToType, edge.ToID, true); err != nil {
		return nil, err
	}
	if !schema.ValidIdent(edge.Name) {
		return nil, NewFault("relate", edge.FromType, edge.FromID, ErrInvalidData)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	defer tx.Rollback()

	existing, err := scanEdge(tx.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE from_id = ? AND to_id = ? AND name = ?`,
		edge.FromID, edge.ToID, edge.Name))
	if err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	if existing != nil {
		return existing, nil
	}

	for _, endpoint := range []struct{ typ, id string }{
		{edge.FromType, edge.FromID},
		{edge.ToType, edge.ToID},
	} {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM things WHERE id = ? AND type = ?`, endpoint.id, endpoint.typ).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, NewFault("relate", endpoint.typ, endpoint.id, ErrInvalidEdge)
		}
		if err != nil {
			return nil, NewFault("relate", endpoint.typ, endpoint.id, err)
		}
	}

	stored := *edge
	if stored.ID == "" {
		stored.ID = NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.FromType, stored.FromID, stored.ToType, stored.ToID, stored.Name,
		string(stored.Direction), string(stored.MatchMode), string(stored.Cardinality),
		stored.Backref, stored.Similarity, stored.MatchedType, stored.CreatedAt.UnixNano()); err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}

	payload, err := json.Marshal(map[string]any{
		"from": stored.FromID, "to": stored.ToID, "name": stored.Name,
		"direction": string(stored.Direction), "matchMode": string(stored.MatchMode),
	})
	if err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO actions (action_id, kind, payload, ts) VALUES (?, ?, ?, ?)`,
		stored.ID, ActionEdge, string(payload), time.Now().UnixNano()); err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	return &stored, nil
}

// Related returns edges touching (typ, id), optionally filtered by name.
func (s *SQLiteStore) Related(ctx context.Context, typ, id, name string) ([]*Edge, error) {
	if err := s.guard("related", typ, id, true); err != nil {
		return nil, err
	}

	query := `SELECT ` + edgeColumns + ` FROM edges WHERE (from_id = ? OR to_id = ?)`
	args := []any{id, id}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewFault("related", typ, id, err)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, NewFault("related", typ, id, err)
		}
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, NewFault("related", typ, id, err)
	}
	return out, nil
}

// Unrelate removes the edge identified by (fromID, toID, name).
func (s *SQLiteStore) Unrelate(ctx context.Context, fromID, toID, name string) (bool, error) {
	if s.isClosed() {
		return false, NewFault("unrelate", "", fromID, ErrClosed)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM edges WHERE from_id = ? AND to_id = ? AND name = ?`,
		fromID, toID, name)
	if err != nil {
		return false, NewFault("unrelate", "", fromID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, NewFault("unrelate", "", fromID, err)
	}
	return affected > 0, nil
}

// PutArtifact creates or replaces an artifact, preserving the original
// creation time on replace.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *Artifact) error {
	if a == nil {
		return NewFault("putArtifact", "", "", ErrInvalidData)
	}
	if err := s.guard("putArtifact", a.ThingType, a.ThingID, true); err != nil {
		return err
	}

	content, err := json.Marshal(a.Content)
	if err != nil {
		return NewFault("putArtifact", a.ThingType, a.ThingID, fmt.Errorf("encoding content: %w", err))
	}
	var metadata []byte
	if a.Metadata != nil {
		metadata, err = json.Marshal(a.Metadata)
		if err != nil {
			return NewFault("putArtifact", a.ThingType, a.ThingID, fmt.Errorf("encoding metadata: %w", err))
		}
	}

	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (thing_type, thing_id, kind, content, metadata, source_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thing_type, thing_id, kind) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			source_hash = excluded.source_hash,
			updated_at = excluded.updated_at`,
		a.ThingType, a.ThingID, a.Kind, string(content), nullableString(metadata),
		a.SourceHash, now, now)
	if err != nil {
		return NewFault("putArtifact", a.ThingType, a.ThingID, err)
	}
	return nil
}

// GetArtifact returns the artifact or (nil, nil) when missing.
func (s *SQLiteStore) GetArtifact(ctx context.Context, typ, id, kind string) (*Artifact, error) {
	if err := s.guard("getArtifact", typ, id, true); err != nil {
		return nil, err
	}

	var (
		art      Artifact
		content  string
		metadata sql.NullString
		created  int64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thing_type, thing_id, kind, content, metadata, source_hash, created_at, updated_at
		FROM artifacts WHERE thing_type = ? AND thing_id = ? AND kind = ?`,
		typ, id, kind).Scan(&art.ThingType, &art.ThingID, &art.Kind, &content,
		&metadata, &art.SourceHash, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewFault("getArtifact", typ, id, err)
	}

	if err := json.Unmarshal([]byte(content), &art.Content); err != nil {
		return nil, NewFault("getArtifact", typ, id, fmt.Errorf("decoding content: %w", err))
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &art.Metadata); err != nil {
			return nil, NewFault("getArtifact", typ, id, fmt.Errorf("decoding metadata: %w", err))
		}
	}
	art.CreatedAt = time.Unix(0, created)
	art.UpdatedAt = time.Unix(0, updated)
	return &art, nil
}

// DeleteArtifact removes an artifact; false when missing.
func (s *SQLiteStore) DeleteArtifact(ctx context.Context, typ, id, kind string) (bool, error) {
	if err := s.guard("deleteArtifact", typ, id, true); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE thing_type = ? AND thing_id = ? AND kind = ?`,
		typ, id, kind)
	if err != nil {
		return false, NewFault("deleteArtifact", typ, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, NewFault("deleteArtifact", typ, id, err)
	}
	return affected > 0, nil
}

// AppendAction appends an entry to the action ledger. The sequence number
// is the AUTOINCREMENT rowid, monotonic for the lifetime of the database.
func (s *SQLiteStore) AppendAction(ctx context.Context, entry *ActionEntry) (uint64, error) {
	if entry == nil || entry.ActionID == "" {
		return 0, NewFault("appendAction", "", "", ErrInvalidData)
	}
	if s.isClosed() {
		return 0, NewFault("appendAction", "", entry.ActionID, ErrClosed)
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return 0, NewFault("appendAction", "", entry.ActionID, fmt.Errorf("encoding payload: %w", err))
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (action_id, kind, payload, ts) VALUES (?, ?, ?, ?)`,
		entry.ActionID, entry.Kind, nullableString(payload), ts.UnixNano())
	if err != nil {
		return 0, NewFault("appendAction", "", entry.ActionID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, NewFault("appendAction", "", entry.ActionID, err)
	}
	return uint64(seq), nil
}

// ActionEntries returns all entries for an action id in append order.
func (s *SQLiteStore) ActionEntries(ctx context.Context, actionID string) ([]*ActionEntry, error) {
	if s.isClosed() {
		return nil, NewFault("actionEntries", "", actionID, ErrClosed)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, action_id, kind, payload, ts FROM actions WHERE action_id = ? ORDER BY seq`,
		actionID)
	if err != nil {
		return nil, NewFault("actionEntries", "", actionID, err)
	}
	defer rows.Close()

	var out []*ActionEntry
	for rows.Next() {
		var (
			entry   ActionEntry
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&entry.Seq, &entry.ActionID, &entry.Kind, &payload, &ts); err != nil {
			return nil, NewFault("actionEntries", "", actionID, err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
				return nil, NewFault("actionEntries", "", actionID, fmt.Errorf("decoding payload: %w", err))
			}
		}
		entry.Timestamp = time.Unix(0, ts)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, NewFault("actionEntries", "", actionID, err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullableString(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
