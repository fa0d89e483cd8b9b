package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/loomdb/loom/pkg/schema"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixThing      = byte(0x01) // 0x01 + id -> JSON(Thing)
	prefixTypeIndex  = byte(0x02) // 0x02 + type + 0x00 + id -> empty
	prefixEdge       = byte(0x03) // 0x03 + edgeID -> JSON(Edge)
	prefixEdgeIdent  = byte(0x04) // 0x04 + fromID + 0x00 + toID + 0x00 + name -> edgeID
	prefixNodeEdge   = byte(0x05) // 0x05 + nodeID + 0x00 + edgeID -> empty
	prefixArtifact   = byte(0x06) // 0x06 + type + 0x00 + id + 0x00 + kind -> JSON(Artifact)
	prefixLedger     = byte(0x07) // 0x07 + seq(8B BE) -> JSON(ActionEntry)
	prefixActionSeqs = byte(0x08) // 0x08 + actionID + 0x00 + seq(8B BE) -> empty
)

// BadgerStore is the persistent Provider implementation on BadgerDB.
//
// Features:
//   - ACID transactions for every operation
//   - Secondary indexes: entities by type, edges by identity and by endpoint
//   - Thread-safe concurrent access
//   - Automatic crash recovery
//
// Example:
//
//	store, err := storage.NewBadgerStore("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	thing, err := store.Create(ctx, "Post", "", map[string]any{
//		"title": "Hello",
//	})
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
	seq    atomic.Uint64
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing;
	// data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerStore opens a persistent store with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreInMemory opens an in-memory BadgerDB for tests that need
// persistent-storage semantics without disk I/O.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions opens a store with custom configuration.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Sized for embedded use rather than BadgerDB's server defaults.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{db: db}
	if err := store.loadLastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// loadLastSeq restores the ledger sequence counter after a restart.
func (b *BadgerStore) loadLastSeq() error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()

		// Seek to the last ledger key: prefix 0x07, max sequence.
		seek := make([]byte, 9)
		seek[0] = prefixLedger
		for i := 1; i < 9; i++ {
			seek[i] = 0xFF
		}
		it.Seek(seek)
		if it.Valid() {
			key := it.Item().Key()
			if len(key) == 9 && key[0] == prefixLedger {
				b.seq.Store(binary.BigEndian.Uint64(key[1:]))
			}
		}
		return nil
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func thingKey(id string) []byte {
	return append([]byte{prefixThing}, id...)
}

func typeIndexKey(typ, id string) []byte {
	key := make([]byte, 0, 1+len(typ)+1+len(id))
	key = append(key, prefixTypeIndex)
	key = append(key, typ...)
	key = append(key, 0x00)
	key = append(key, id...)
	return key
}

func typeIndexPrefix(typ string) []byte {
	key := make([]byte, 0, 1+len(typ)+1)
	key = append(key, prefixTypeIndex)
	key = append(key, typ...)
	key = append(key, 0x00)
	return key
}

func edgeKey(edgeID string) []byte {
	return append([]byte{prefixEdge}, edgeID...)
}

func edgeIdentKey(fromID, toID, name string) []byte {
	key := make([]byte, 0, 1+len(fromID)+1+len(toID)+1+len(name))
	key = append(key, prefixEdgeIdent)
	key = append(key, fromID...)
	key = append(key, 0x00)
	key = append(key, toID...)
	key = append(key, 0x00)
	key = append(key, name...)
	return key
}

func nodeEdgeKey(nodeID, edgeID string) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1+len(edgeID))
	key = append(key, prefixNodeEdge)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	key = append(key, edgeID...)
	return key
}

func nodeEdgePrefix(nodeID string) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefixNodeEdge)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

func artifactKey(typ, id, kind string) []byte {
	key := make([]byte, 0, 1+len(typ)+1+len(id)+1+len(kind))
	key = append(key, prefixArtifact)
	key = append(key, typ...)
	key = append(key, 0x00)
	key = append(key, id...)
	key = append(key, 0x00)
	key = append(key, kind...)
	return key
}

func artifactPrefix(typ, id string) []byte {
	key := make([]byte, 0, 1+len(typ)+1+len(id)+1)
	key = append(key, prefixArtifact)
	key = append(key, typ...)
	key = append(key, 0x00)
	key = append(key, id...)
	key = append(key, 0x00)
	return key
}

func ledgerKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixLedger
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func actionSeqKey(actionID string, seq uint64) []byte {
	key := make([]byte, 0, 1+len(actionID)+1+8)
	key = append(key, prefixActionSeqs)
	key = append(key, actionID...)
	key = append(key, 0x00)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func actionSeqPrefix(actionID string) []byte {
	key := make([]byte, 0, 1+len(actionID)+1)
	key = append(key, prefixActionSeqs)
	key = append(key, actionID...)
	key = append(key, 0x00)
	return key
}

// extractSuffix returns the bytes after the last 0x00 separator.
func extractSuffix(key []byte) string {
	for i := len(key) - 1; i >= 1; i-- {
		if key[i] == 0x00 {
			return string(key[i+1:])
		}
	}
	return ""
}

// ============================================================================
// Guard helpers
// ============================================================================

func (b *BadgerStore) guard(op, typ, id string, requireID bool) error {
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return NewFault(op, typ, id, ErrClosed)
	}
	return nil
}

func (b *BadgerStore) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// getThingTxn reads and decodes a thing inside a transaction. Missing keys
// and type mismatches are (nil, nil).
func getThingTxn(txn *badger.Txn, typ, id string) (*Thing, error) {
	item, err := txn.Get(thingKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var thing Thing
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &thing)
	}); err != nil {
		return nil, err
	}
	if thing.Type != typ {
		return nil, nil
	}
	return &thing, nil
}

func putThingTxn(txn *badger.Txn, thing *Thing) error {
	data, err := json.Marshal(thing)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	if err := txn.Set(thingKey(thing.ID), data); err != nil {
		return err
	}
	return txn.Set(typeIndexKey(thing.Type, thing.ID), []byte{})
}

// ============================================================================
// Entity operations
// ============================================================================

// Get returns the entity or (nil, nil) when missing.
func (b *BadgerStore) Get(ctx context.Context, typ, id string) (*Thing, error) {
	if err := b.guard("get", typ, id, true); err != nil {
		return nil, err
	}

	var thing *Thing
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		thing, err = getThingTxn(txn, typ, id)
		return err
	})
	if err != nil {
		return nil, NewFault("get", typ, id, err)
	}
	return thing, nil
}

// GetMany returns entities for the given ids in input order, skipping
// missing ones and deduplicating repeated ids. One transaction, one pass.
func (b *BadgerStore) GetMany(ctx context.Context, typ string, ids []string) ([]*Thing, error) {
	if err := b.guard("getMany", typ, "", false); err != nil {
		return nil, err
	}

	out := make([]*Thing, 0, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			thing, err := getThingTxn(txn, typ, id)
			if err != nil {
				return err
			}
			if thing != nil {
				out = append(out, thing)
			}
		}
		return nil
	})
	if err != nil {
		return nil, NewFault("getMany", typ, "", err)
	}
	return out, nil
}

// listAll scans the type index and decodes every entity of a type.
func (b *BadgerStore) listAll(txn *badger.Txn, typ string) ([]*Thing, error) {
	prefix := typeIndexPrefix(typ)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var out []*Thing
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id := extractSuffix(it.Item().Key())
		thing, err := getThingTxn(txn, typ, id)
		if err != nil {
			return nil, err
		}
		if thing != nil {
			out = append(out, thing)
		}
	}
	return out, nil
}

// List returns entities of a type filtered by opts, ordered by creation
// time (id as tie-break) for deterministic pagination.
func (b *BadgerStore) List(ctx context.Context, typ string, opts *ListOptions) ([]*Thing, error) {
	if err := b.guard("list", typ, "", false); err != nil {
		return nil, err
	}

	var out []*Thing
	err := b.db.View(func(txn *badger.Txn) error {
		all, err := b.listAll(txn, typ)
		if err != nil {
			return err
		}
		for _, thing := range all {
			if opts != nil && opts.Where != nil && !MatchesWhere(thing.Fields, opts.Where) {
				continue
			}
			out = append(out, thing)
		}
		return nil
	})
	if err != nil {
		return nil, NewFault("list", typ, "", err)
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
func (b *BadgerStore) Find(ctx context.Context, typ string, where map[string]any) ([]*Thing, error) {
	return b.List(ctx, typ, &ListOptions{Where: where})
}

// Search performs ranked full-text search over the string fields of a type.
// Same term-frequency scoring as MemoryStore so backends rank identically.
func (b *BadgerStore) Search(ctx context.Context, typ, text string, opts *SearchOptions) ([]*Thing, error) {
	if err := b.guard("search", typ, "", false); err != nil {
		return nil, err
	}

	terms := tokenizeQuery(text)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		thing *Thing
		score int
	}
	var hits []scored
	err := b.db.View(func(txn *badger.Txn) error {
		all, err := b.listAll(txn, typ)
		if err != nil {
			return err
		}
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
		return nil
	})
	if err != nil {
		return nil, NewFault("search", typ, "", err)
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
		out = append(out, h.thing)
	}
	return out, nil
}

// Create stores a new entity. An empty id generates one.
func (b *BadgerStore) Create(ctx context.Context, typ, id string, fields map[string]any) (*Thing, error) {
	if err := b.guard("create", typ, id, false); err != nil {
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

	err := b.db.Update(func(txn *badger.Txn) error {
		// Ids are store-wide unique, so the existence check ignores type.
		_, err := txn.Get(thingKey(id))
		if err == nil {
			return ErrAlreadyExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return putThingTxn(txn, thing)
	})
	if err != nil {
		return nil, NewFault("create", typ, id, err)
	}
	return thing, nil
}

// Update shallow-merges patch into the entity's fields. Missing entities
// are a (nil, nil) result, consistent with Get.
func (b *BadgerStore) Update(ctx context.Context, typ, id string, patch map[string]any) (*Thing, error) {
	if err := b.guard("update", typ, id, true); err != nil {
		return nil, err
	}

	var thing *Thing
	err := b.db.Update(func(txn *badger.Txn) error {
		var err error
		thing, err = getThingTxn(txn, typ, id)
		if err != nil || thing == nil {
			return err
		}
		for k, v := range patch {
			thing.Fields[k] = v
		}
		thing.UpdatedAt = time.Now()
		return putThingTxn(txn, thing)
	})
	if err != nil {
		return nil, NewFault("update", typ, id, err)
	}
	return thing, nil
}

// Delete removes the entity, all edges touching it and its artifacts.
// Returns false when the entity does not exist.
func (b *BadgerStore) Delete(ctx context.Context, typ, id string) (bool, error) {
	if err := b.guard("delete", typ, id, true); err != nil {
		return false, err
	}

	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		thing, err := getThingTxn(txn, typ, id)
		if err != nil || thing == nil {
			return err
		}
		found = true

		if err := txn.Delete(thingKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(typeIndexKey(typ, id)); err != nil {
			return err
		}

		// Cascade edges via the endpoint index.
		edges, err := edgesForNode(txn, id)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if err := deleteEdgeTxn(txn, edge); err != nil {
				return err
			}
		}

		// Cascade artifacts.
		prefix := artifactPrefix(typ, id)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, NewFault("delete", typ, id, err)
	}
	return found, nil
}

// ============================================================================
// Edge operations
// ============================================================================

func getEdgeTxn(txn *badger.Txn, edgeID string) (*Edge, error) {
	item, err := txn.Get(edgeKey(edgeID))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var edge Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return nil, err
	}
	return &edge, nil
}

func edgesForNode(txn *badger.Txn, nodeID string) ([]*Edge, error) {
	prefix := nodeEdgePrefix(nodeID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, extractSuffix(it.Item().Key()))
	}
	it.Close()

	out := make([]*Edge, 0, len(ids))
	for _, edgeID := range ids {
		edge, err := getEdgeTxn(txn, edgeID)
		if err != nil {
			return nil, err
		}
		if edge != nil {
			out = append(out, edge)
		}
	}
	return out, nil
}

func deleteEdgeTxn(txn *badger.Txn, edge *Edge) error {
	if err := txn.Delete(edgeKey(edge.ID)); err != nil {
		return err
	}
	if err := txn.Delete(edgeIdentKey(edge.FromID, edge.ToID, edge.Name)); err != nil {
		return err
	}
	if err := txn.Delete(nodeEdgeKey(edge.FromID, edge.ID)); err != nil {
		return err
	}
	return txn.Delete(nodeEdgeKey(edge.ToID, edge.ID))
}

// Relate records an edge, reusing any existing record with the same
// (FromID, ToID, Name) identity, which makes resolution idempotent.
func (b *BadgerStore) Relate(ctx context.Context, edge *Edge) (*Edge, error) {
	if edge == nil {
		return nil, NewFault("relate", "", "", ErrInvalidData)
	}
	if err := b.guard("relate", edge.FromType, edge.FromID, true); err != nil {
		return nil, err
	}
	if err := b.guard("relate", edge.ToType, edge.ToID, true); err != nil {
		return nil, err
	}
	if !schema.ValidIdent(edge.Name) {
		return nil, NewFault("relate", edge.FromType, edge.FromID, ErrInvalidData)
	}

	stored := *edge
	err := b.db.Update(func(txn *badger.Txn) error {
		identKey := edgeIdentKey(edge.FromID, edge.ToID, edge.Name)
		item, err := txn.Get(identKey)
		if err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			existing, err := getEdgeTxn(txn, existingID)
			if err != nil {
				return err
			}
			if existing != nil {
				stored = *existing
				return nil
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		from, err := getThingTxn(txn, edge.FromType, edge.FromID)
		if err != nil {
			return err
		}
		if from == nil {
			return ErrInvalidEdge
		}
		to, err := getThingTxn(txn, edge.ToType, edge.ToID)
		if err != nil {
			return err
		}
		if to == nil {
			return ErrInvalidEdge
		}

		if stored.ID == "" {
			stored.ID = NewID()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(edgeKey(stored.ID), data); err != nil {
			return err
		}
		if err := txn.Set(identKey, []byte(stored.ID)); err != nil {
			return err
		}
		if err := txn.Set(nodeEdgeKey(stored.FromID, stored.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(nodeEdgeKey(stored.ToID, stored.ID), []byte{}); err != nil {
			return err
		}

		return appendActionTxn(txn, b.seq.Add(1), &ActionEntry{
			ActionID: stored.ID,
			Kind:     ActionEdge,
			Payload: map[string]any{
				"from": stored.FromID, "to": stored.ToID, "name": stored.Name,
				"direction": string(stored.Direction), "matchMode": string(stored.MatchMode),
			},
		})
	})
	if err != nil {
		return nil, NewFault("relate", edge.FromType, edge.FromID, err)
	}
	return &stored, nil
}

// Related returns edges touching (typ, id), optionally filtered by name.
func (b *BadgerStore) Related(ctx context.Context, typ, id, name string) ([]*Edge, error) {
	if err := b.guard("related", typ, id, true); err != nil {
		return nil, err
	}

	var out []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		edges, err := edgesForNode(txn, id)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if name != "" && edge.Name != name {
				continue
			}
			out = append(out, edge)
		}
		return nil
	})
	if err != nil {
		return nil, NewFault("related", typ, id, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Unrelate removes the edge identified by (fromID, toID, name).
func (b *BadgerStore) Unrelate(ctx context.Context, fromID, toID, name string) (bool, error) {
	if b.isClosed() {
		return false, NewFault("unrelate", "", fromID, ErrClosed)
	}

	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeIdentKey(fromID, toID, name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var edgeID string
		if err := item.Value(func(val []byte) error {
			edgeID = string(val)
			return nil
		}); err != nil {
			return err
		}
		edge, err := getEdgeTxn(txn, edgeID)
		if err != nil || edge == nil {
			return err
		}
		found = true
		return deleteEdgeTxn(txn, edge)
	})
	if err != nil {
		return false, NewFault("unrelate", "", fromID, err)
	}
	return found, nil
}

// ============================================================================
// Artifact operations
// ============================================================================

// PutArtifact creates or replaces an artifact, preserving the original
// creation time on replace.
func (b *BadgerStore) PutArtifact(ctx context.Context, a *Artifact) error {
	if a == nil {
		return NewFault("putArtifact", "", "", ErrInvalidData)
	}
	if err := b.guard("putArtifact", a.ThingType, a.ThingID, true); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		cp := *a
		now := time.Now()
		cp.CreatedAt = now
		cp.UpdatedAt = now

		key := artifactKey(a.ThingType, a.ThingID, a.Kind)
		if item, err := txn.Get(key); err == nil {
			var existing Artifact
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			cp.CreatedAt = existing.CreatedAt
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("failed to encode artifact: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return NewFault("putArtifact", a.ThingType, a.ThingID, err)
	}
	return nil
}

// GetArtifact returns the artifact or (nil, nil) when missing.
func (b *BadgerStore) GetArtifact(ctx context.Context, typ, id, kind string) (*Artifact, error) {
	if err := b.guard("getArtifact", typ, id, true); err != nil {
		return nil, err
	}

	var art *Artifact
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(typ, id, kind))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var a Artifact
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			return err
		}
		art = &a
		return nil
	})
	if err != nil {
		return nil, NewFault("getArtifact", typ, id, err)
	}
	return art, nil
}

// DeleteArtifact removes an artifact; false when missing.
func (b *BadgerStore) DeleteArtifact(ctx context.Context, typ, id, kind string) (bool, error) {
	if err := b.guard("deleteArtifact", typ, id, true); err != nil {
		return false, err
	}

	found := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := artifactKey(typ, id, kind)
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, NewFault("deleteArtifact", typ, id, err)
	}
	return found, nil
}

// ============================================================================
// Action ledger
// ============================================================================

func appendActionTxn(txn *badger.Txn, seq uint64, entry *ActionEntry) error {
	cp := *entry
	cp.Seq = seq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	if err := txn.Set(ledgerKey(seq), data); err != nil {
		return err
	}
	return txn.Set(actionSeqKey(cp.ActionID, seq), []byte{})
}

// AppendAction appends an entry to the action ledger.
func (b *BadgerStore) AppendAction(ctx context.Context, entry *ActionEntry) (uint64, error) {
	if entry == nil || entry.ActionID == "" {
		return 0, NewFault("appendAction", "", "", ErrInvalidData)
	}
	if b.isClosed() {
		return 0, NewFault("appendAction", "", entry.ActionID, ErrClosed)
	}

	seq := b.seq.Add(1)
	err := b.db.Update(func(txn *badger.Txn) error {
		return appendActionTxn(txn, seq, entry)
	})
	if err != nil {
		return 0, NewFault("appendAction", "", entry.ActionID, err)
	}
	return seq, nil
}

// ActionEntries returns all entries for an action id in append order. The
// index keys embed the big-endian sequence, so iteration order is append
// order.
func (b *BadgerStore) ActionEntries(ctx context.Context, actionID string) ([]*ActionEntry, error) {
	if b.isClosed() {
		return nil, NewFault("actionEntries", "", actionID, ErrClosed)
	}

	var out []*ActionEntry
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := actionSeqPrefix(actionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var seqs []uint64
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) >= 8 {
				seqs = append(seqs, binary.BigEndian.Uint64(key[len(key)-8:]))
			}
		}
		it.Close()

		for _, seq := range seqs {
			item, err := txn.Get(ledgerKey(seq))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var entry ActionEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, NewFault("actionEntries", "", actionID, err)
	}
	return out, nil
}

// Close flushes and closes the underlying BadgerDB.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}
