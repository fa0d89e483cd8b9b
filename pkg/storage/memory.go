package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomdb/loom/pkg/schema"
)

// MemoryStore is the thread-safe reference Provider implementation.
//
// Use cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Development and prototyping
//   - Small datasets that fit in RAM
//
// All lookups that the edge resolver depends on are indexed: entities by
// type, edges by endpoint. Returned values are copies, so callers can
// mutate results without corrupting the store.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	things map[string]*Thing             // id -> thing
	byType map[string]map[string]struct{} // type -> ids

	edges       map[string]*Edge              // edge key -> edge
	edgesByNode map[string]map[string]struct{} // node id -> edge keys

	artifacts map[string]*Artifact // artifact key -> artifact

	ledger   []*ActionEntry
	byAction map[string][]int // action id -> ledger indexes
	seq      uint64
}

// NewMemoryStore creates an empty in-memory store ready for concurrent use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		things:      make(map[string]*Thing),
		byType:      make(map[string]map[string]struct{}),
		edges:       make(map[string]*Edge),
		edgesByNode: make(map[string]map[string]struct{}),
		artifacts:   make(map[string]*Artifact),
		byAction:    make(map[string][]int),
	}
}

func (m *MemoryStore) checkIdent(op, typ, id string) error {
	if !ValidTypeName(typ) {
		return NewFault(op, typ, id, ErrInvalidType)
	}
	if id != "" && !ValidID(id) {
		return NewFault(op, typ, id, ErrInvalidID)
	}
	return nil
}

// Get returns the entity or (nil, nil) when missing.
func (m *MemoryStore) Get(ctx context.Context, typ, id string) (*Thing, error) {
	if err := m.checkIdent("get", typ, id); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, NewFault("get", typ, id, ErrInvalidID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("get", typ, id, ErrClosed)
	}

	thing, ok := m.things[id]
	if !ok || thing.Type != typ {
		return nil, nil
	}
	return thing.Clone(), nil
}

// GetMany returns entities for the given ids in input order, skipping
// missing ones and deduplicating repeated ids.
func (m *MemoryStore) GetMany(ctx context.Context, typ string, ids []string) ([]*Thing, error) {
	if err := m.checkIdent("getMany", typ, ""); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("getMany", typ, "", ErrClosed)
	}

	seen := make(map[string]bool, len(ids))
	out := make([]*Thing, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if thing, ok := m.things[id]; ok && thing.Type == typ {
			out = append(out, thing.Clone())
		}
	}
	return out, nil
}

// List returns entities of a type filtered by opts, ordered by creation
// time (id as tie-break) for deterministic pagination.
func (m *MemoryStore) List(ctx context.Context, typ string, opts *ListOptions) ([]*Thing, error) {
	if err := m.checkIdent("list", typ, ""); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("list", typ, "", ErrClosed)
	}

	var out []*Thing
	for id := range m.byType[typ] {
		thing := m.things[id]
		if opts != nil && opts.Where != nil && !MatchesWhere(thing.Fields, opts.Where) {
			continue
		}
		out = append(out, thing.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

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
func (m *MemoryStore) Find(ctx context.Context, typ string, where map[string]any) ([]*Thing, error) {
	return m.List(ctx, typ, &ListOptions{Where: where})
}

// Search performs ranked full-text search over the string fields of a type.
// Scoring is term-frequency based; ties break toward older entities so
// rankings are stable.
func (m *MemoryStore) Search(ctx context.Context, typ, text string, opts *SearchOptions) ([]*Thing, error) {
	if err := m.checkIdent("search", typ, ""); err != nil {
		return nil, err
	}

	terms := tokenizeQuery(text)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("search", typ, "", ErrClosed)
	}

	type scored struct {
		thing *Thing
		score int
	}
	var hits []scored
	for id := range m.byType[typ] {
		thing := m.things[id]
		doc := flattenStrings(thing.Fields)
		score := 0
		for _, term := range terms {
			score += strings.Count(doc, term)
		}
		if score > 0 {
			hits = append(hits, scored{thing: thing, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if !hits[i].thing.CreatedAt.Equal(hits[j].thing.CreatedAt) {
			return hits[i].thing.CreatedAt.Before(hits[j].thing.CreatedAt)
		}
		return hits[i].thing.ID < hits[j].thing.ID
	})

	limit := len(hits)
	if opts != nil && opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	out := make([]*Thing, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, h.thing.Clone())
	}
	return out, nil
}

// Create stores a new entity. An empty id generates one.
func (m *MemoryStore) Create(ctx context.Context, typ, id string, fields map[string]any) (*Thing, error) {
	if err := m.checkIdent("create", typ, id); err != nil {
		return nil, err
	}
	if id == "" {
		id = NewID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, NewFault("create", typ, id, ErrClosed)
	}
	if _, exists := m.things[id]; exists {
		return nil, NewFault("create", typ, id, ErrAlreadyExists)
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

	m.things[id] = thing
	if m.byType[typ] == nil {
		m.byType[typ] = make(map[string]struct{})
	}
	m.byType[typ][id] = struct{}{}

	return thing.Clone(), nil
}

// Update shallow-merges patch into the entity's fields. Missing entities
// are a (nil, nil) result, consistent with Get.
func (m *MemoryStore) Update(ctx context.Context, typ, id string, patch map[string]any) (*Thing, error) {
	if err := m.checkIdent("update", typ, id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, NewFault("update", typ, id, ErrClosed)
	}

	thing, ok := m.things[id]
	if !ok || thing.Type != typ {
		return nil, nil
	}
	for k, v := range patch {
		thing.Fields[k] = v
	}
	thing.UpdatedAt = time.Now()
	return thing.Clone(), nil
}

// Delete removes the entity and all edges touching it. Returns false when
// the entity does not exist.
func (m *MemoryStore) Delete(ctx context.Context, typ, id string) (bool, error) {
	if err := m.checkIdent("delete", typ, id); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, NewFault("delete", typ, id, ErrClosed)
	}

	thing, ok := m.things[id]
	if !ok || thing.Type != typ {
		return false, nil
	}

	delete(m.things, id)
	delete(m.byType[typ], id)

	for key := range m.edgesByNode[id] {
		edge := m.edges[key]
		if edge == nil {
			continue
		}
		delete(m.edges, key)
		other := edge.FromID
		if other == id {
			other = edge.ToID
		}
		delete(m.edgesByNode[other], key)
	}
	delete(m.edgesByNode, id)

	for key, art := range m.artifacts {
		if art.ThingID == id {
			delete(m.artifacts, key)
		}
	}
	return true, nil
}

// Relate records an edge, reusing any existing record with the same
// (FromID, ToID, Name) identity, which makes resolution idempotent.
func (m *MemoryStore) Relate(ctx context.Context, edge *Edge) (*Edge, error) {
	if edge == nil {
		return nil, NewFault("relate", "", "", ErrInvalidData)
	}
	if err := m.checkIdent("relate", edge.FromType, edge.FromID); err != nil {
		return nil, err
	}
	if err := m.checkIdent("relate", edge.ToType, edge.ToID); err != nil {
		return nil, err
	}
	if !schema.ValidIdent(edge.Name) {
		return nil, NewFault("relate", edge.FromType, edge.FromID, ErrInvalidData)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, NewFault("relate", edge.FromType, edge.FromID, ErrClosed)
	}

	if existing, ok := m.edges[edge.Key()]; ok {
		return cloneEdge(existing), nil
	}

	from, ok := m.things[edge.FromID]
	if !ok || from.Type != edge.FromType {
		return nil, NewFault("relate", edge.FromType, edge.FromID, ErrInvalidEdge)
	}
	to, ok := m.things[edge.ToID]
	if !ok || to.Type != edge.ToType {
		return nil, NewFault("relate", edge.ToType, edge.ToID, ErrInvalidEdge)
	}

	stored := cloneEdge(edge)
	if stored.ID == "" {
		stored.ID = NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	key := stored.Key()
	m.edges[key] = stored
	for _, nodeID := range []string{stored.FromID, stored.ToID} {
		if m.edgesByNode[nodeID] == nil {
			m.edgesByNode[nodeID] = make(map[string]struct{})
		}
		m.edgesByNode[nodeID][key] = struct{}{}
	}

	m.appendLocked(&ActionEntry{
		ActionID: stored.ID,
		Kind:     ActionEdge,
		Payload: map[string]any{
			"from": stored.FromID, "to": stored.ToID, "name": stored.Name,
			"direction": string(stored.Direction), "matchMode": string(stored.MatchMode),
		},
	})

	return cloneEdge(stored), nil
}

// Related returns edges touching (typ, id), optionally filtered by name.
func (m *MemoryStore) Related(ctx context.Context, typ, id, name string) ([]*Edge, error) {
	if err := m.checkIdent("related", typ, id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("related", typ, id, ErrClosed)
	}

	var out []*Edge
	for key := range m.edgesByNode[id] {
		edge := m.edges[key]
		if edge == nil {
			continue
		}
		if name != "" && edge.Name != name {
			continue
		}
		out = append(out, cloneEdge(edge))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Unrelate removes the edge identified by (fromID, toID, name).
func (m *MemoryStore) Unrelate(ctx context.Context, fromID, toID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, NewFault("unrelate", "", fromID, ErrClosed)
	}

	key := fromID + "\x00" + toID + "\x00" + name
	edge, ok := m.edges[key]
	if !ok {
		return false, nil
	}
	delete(m.edges, key)
	delete(m.edgesByNode[edge.FromID], key)
	delete(m.edgesByNode[edge.ToID], key)
	return true, nil
}

// PutArtifact creates or replaces an artifact.
func (m *MemoryStore) PutArtifact(ctx context.Context, a *Artifact) error {
	if a == nil {
		return NewFault("putArtifact", "", "", ErrInvalidData)
	}
	if err := m.checkIdent("putArtifact", a.ThingType, a.ThingID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewFault("putArtifact", a.ThingType, a.ThingID, ErrClosed)
	}

	cp := *a
	now := time.Now()
	if existing, ok := m.artifacts[a.Key()]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.artifacts[a.Key()] = &cp
	return nil
}

// GetArtifact returns the artifact or (nil, nil) when missing.
func (m *MemoryStore) GetArtifact(ctx context.Context, typ, id, kind string) (*Artifact, error) {
	if err := m.checkIdent("getArtifact", typ, id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("getArtifact", typ, id, ErrClosed)
	}

	art, ok := m.artifacts[typ+"/"+id+"/"+kind]
	if !ok {
		return nil, nil
	}
	cp := *art
	return &cp, nil
}

// DeleteArtifact removes an artifact; false when missing.
func (m *MemoryStore) DeleteArtifact(ctx context.Context, typ, id, kind string) (bool, error) {
	if err := m.checkIdent("deleteArtifact", typ, id); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, NewFault("deleteArtifact", typ, id, ErrClosed)
	}

	key := typ + "/" + id + "/" + kind
	if _, ok := m.artifacts[key]; !ok {
		return false, nil
	}
	delete(m.artifacts, key)
	return true, nil
}

// AppendAction appends an entry to the action ledger.
func (m *MemoryStore) AppendAction(ctx context.Context, entry *ActionEntry) (uint64, error) {
	if entry == nil || entry.ActionID == "" {
		return 0, NewFault("appendAction", "", "", ErrInvalidData)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewFault("appendAction", "", entry.ActionID, ErrClosed)
	}
	return m.appendLocked(entry), nil
}

func (m *MemoryStore) appendLocked(entry *ActionEntry) uint64 {
	m.seq++
	cp := *entry
	cp.Seq = m.seq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	m.ledger = append(m.ledger, &cp)
	m.byAction[cp.ActionID] = append(m.byAction[cp.ActionID], len(m.ledger)-1)
	return cp.Seq
}

// ActionEntries returns all entries for an action id in append order.
func (m *MemoryStore) ActionEntries(ctx context.Context, actionID string) ([]*ActionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewFault("actionEntries", "", actionID, ErrClosed)
	}

	idxs := m.byAction[actionID]
	out := make([]*ActionEntry, 0, len(idxs))
	for _, i := range idxs {
		cp := *m.ledger[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Close marks the store closed; all subsequent operations fail with a
// Fault wrapping ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneEdge(e *Edge) *Edge {
	cp := *e
	return &cp
}

// tokenizeQuery lowercases and splits a query into terms.
func tokenizeQuery(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// flattenStrings concatenates the string values of a field map, lowercased,
// for substring scoring.
func flattenStrings(fields map[string]any) string {
	var b strings.Builder
	for _, key := range sortedFieldKeys(fields) {
		switch v := fields[key].(type) {
		case string:
			b.WriteString(strings.ToLower(v))
			b.WriteByte(' ')
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					b.WriteString(strings.ToLower(s))
					b.WriteByte(' ')
				}
			}
		}
	}
	return b.String()
}

func sortedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
