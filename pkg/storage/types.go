// Package storage provides the graph store contract and implementations for
// Loom.
//
// The storage layer is a provider interface over a typed graph of entities
// ("Things") and directional edges, plus two side ledgers: content-addressed
// artifacts (e.g. embeddings) and an append-only action log used for edge
// audit and resumable-iteration checkpoints.
//
// Implementations:
//   - MemoryStore: reference in-memory store with type and edge indexes
//   - BadgerStore: persistent store on dgraph-io/badger
//   - SQLiteStore: persistent store on modernc.org/sqlite
//
// Design principles:
//   - Testability through dependency injection: everything upstream consumes
//     the Provider interface, never a concrete store
//   - Thread-safe implementations
//   - Equality-only where filters: nested query objects are opaque values,
//     never interpreted as operators
//   - "not found" is a nil result, never an error; backend faults are a
//     typed *Fault and must never be mistaken for an empty result
//
// Example usage:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	thing, err := store.Create(ctx, "Post", "", map[string]any{
//		"title": "Hello",
//	})
//	if err != nil {
//		return err
//	}
//
//	posts, _ := store.Find(ctx, "Post", map[string]any{"title": "Hello"})
package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/loomdb/loom/pkg/schema"
)

// Common errors.
var (
	ErrClosed      = errors.New("store closed")
	ErrInvalidID   = errors.New("invalid id")
	ErrInvalidType = errors.New("invalid type name")
	ErrInvalidData = errors.New("invalid data")
	// ErrAlreadyExists is returned by Create when an explicit id collides.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidEdge is returned by Relate when an endpoint does not exist.
	ErrInvalidEdge = errors.New("invalid edge: endpoint not found")
)

// Fault is a storage collaborator failure (I/O, corruption, codec). It is
// distinct from "not found": a missing entity is a nil result, a Fault is an
// error that always carries the operation, entity type and id context.
type Fault struct {
	Op   string
	Type string
	ID   string
	Err  error
}

func (f *Fault) Error() string {
	if f.ID != "" {
		return fmt.Sprintf("storage: %s %s/%s: %v", f.Op, f.Type, f.ID, f.Err)
	}
	if f.Type != "" {
		return fmt.Sprintf("storage: %s %s: %v", f.Op, f.Type, f.Err)
	}
	return fmt.Sprintf("storage: %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps a backend error with operation context.
func NewFault(op, typ, id string, err error) *Fault {
	return &Fault{Op: op, Type: typ, ID: id, Err: err}
}

// IsFault reports whether err is (or wraps) a storage Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Reserved field keys carried on stored Things. They are transient markers,
// not schema fields.
const (
	FieldGenerated   = "$generated"   // bool: entity was produced by generation
	FieldGeneratedBy = "$generatedBy" // string: generator identifier
	FieldMatchedType = "$matchedType" // string: concrete type picked for a union
	FieldErrors      = "$errors"      // []any: per-reference failures under onError=skip
)

// Thing is a stored entity instance: a unique id, a schema type and a field
// map. IDs are unique across the whole store, not just within a type.
type Thing struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Field returns a field value or nil.
func (t *Thing) Field(name string) any {
	if t == nil || t.Fields == nil {
		return nil
	}
	return t.Fields[name]
}

// Clone returns a copy with its own field map. One level deep, which is
// enough to protect stores from caller mutation of the map itself.
func (t *Thing) Clone() *Thing {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Fields = make(map[string]any, len(t.Fields))
	for k, v := range t.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// Direction of an edge relative to the foreign key.
type Direction string

const (
	// Forward means the edge's From entity physically stores the reference.
	Forward Direction = "forward"
	// Backward means the edge was declared by the To entity; From/To are
	// inverted relative to the declaring field so lookups stay indexed.
	Backward Direction = "backward"
)

// MatchMode records how a reference was resolved.
type MatchMode string

const (
	Exact MatchMode = "exact"
	Fuzzy MatchMode = "fuzzy"
)

// Cardinality of a relationship, inferred from direction and array-ness.
type Cardinality string

const (
	OneToOne   Cardinality = "one-to-one"
	OneToMany  Cardinality = "one-to-many"
	ManyToOne  Cardinality = "many-to-one"
	ManyToMany Cardinality = "many-to-many"
)

// InferCardinality derives cardinality from direction × array-ness:
// forward-singular = many-to-one, forward-array = many-to-many,
// backward-array = one-to-many, backward-singular = one-to-one.
func InferCardinality(backward, isArray bool) Cardinality {
	switch {
	case !backward && !isArray:
		return ManyToOne
	case !backward && isArray:
		return ManyToMany
	case backward && isArray:
		return OneToMany
	default:
		return OneToOne
	}
}

// Edge is a directional, typed relationship record between two entity
// instances. Edges are append-only, keyed by (FromID, ToID, Name), and
// double as both relationship index and generation audit trail.
//
// Invariant: for a backward edge, From is always the entity that physically
// stores the foreign key and To the entity that declared the back-reference
// field, never the reverse.
type Edge struct {
	ID       string `json:"id"`
	FromType string `json:"from_type"`
	FromID   string `json:"from_id"`
	ToType   string `json:"to_type"`
	ToID     string `json:"to_id"`
	Name     string `json:"name"`

	Direction   Direction   `json:"direction"`
	MatchMode   MatchMode   `json:"match_mode"`
	Cardinality Cardinality `json:"cardinality"`
	Backref     string      `json:"backref,omitempty"`
	Similarity  float64     `json:"similarity,omitempty"`
	MatchedType string      `json:"matched_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identity triple used for edge deduplication.
func (e *Edge) Key() string {
	return e.FromID + "\x00" + e.ToID + "\x00" + e.Name
}

// Artifact is a derived, content-addressed side value attached to an entity
// (most commonly an embedding). SourceHash is the hash of the entity's
// serialized fields at generation time; consumers regenerate the artifact
// when the hash no longer matches.
type Artifact struct {
	ThingType  string         `json:"thing_type"`
	ThingID    string         `json:"thing_id"`
	Kind       string         `json:"kind"`
	Content    any            `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SourceHash string         `json:"source_hash"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the artifact's storage key within its entity.
func (a *Artifact) Key() string {
	return a.ThingType + "/" + a.ThingID + "/" + a.Kind
}

// Action ledger entry kinds.
const (
	ActionCheckpoint = "checkpoint" // resumable-iteration progress
	ActionComplete   = "complete"   // terminal marker for an action
	ActionEdge       = "edge"       // edge creation audit
	ActionGeneration = "generation" // generated-entity audit
)

// ActionEntry is one record in the append-only action/event ledger. Entries
// are totally ordered by Seq within a store.
type ActionEntry struct {
	Seq       uint64         `json:"seq"`
	ActionID  string         `json:"action_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// ListOptions controls List pagination and filtering.
type ListOptions struct {
	// Where is an equality-only filter. Values are compared as opaque
	// values; nested maps are never interpreted as query operators.
	Where  map[string]any
	Limit  int
	Offset int
}

// SearchOptions controls full-text Search.
type SearchOptions struct {
	Limit int
}

// Provider is the storage contract every backend satisfies. All operations
// are context-aware and independently idempotent on retry, except Create
// without an explicit id.
//
// Identifier discipline: every type name and id passed in must satisfy the
// same allow-list as the schema parser (schema.ValidIdent for types; ids may
// additionally contain '-' so UUIDs pass). Inputs outside the allow-list are
// rejected with ErrInvalidType/ErrInvalidID, never sanitized silently.
type Provider interface {
	// Get returns the entity or (nil, nil) when missing.
	Get(ctx context.Context, typ, id string) (*Thing, error)
	// GetMany returns the entities for the given ids in input order,
	// silently skipping missing ones. One batched round-trip.
	GetMany(ctx context.Context, typ string, ids []string) ([]*Thing, error)
	// List returns entities of a type, filtered and paginated.
	List(ctx context.Context, typ string, opts *ListOptions) ([]*Thing, error)
	// Find is List with an equality-only where filter.
	Find(ctx context.Context, typ string, where map[string]any) ([]*Thing, error)
	// Search performs ranked full-text search over a type's fields.
	Search(ctx context.Context, typ, text string, opts *SearchOptions) ([]*Thing, error)
	// Create stores a new entity. Empty id generates one.
	Create(ctx context.Context, typ, id string, fields map[string]any) (*Thing, error)
	// Update shallow-merges patch into the entity's fields.
	Update(ctx context.Context, typ, id string, patch map[string]any) (*Thing, error)
	// Delete removes an entity; returns false (not an error) when missing.
	Delete(ctx context.Context, typ, id string) (bool, error)

	// Relate records an edge, reusing an existing record with the same
	// (FromID, ToID, Name) identity. Both endpoints must exist.
	Relate(ctx context.Context, edge *Edge) (*Edge, error)
	// Related returns the edges touching (typ, id), optionally filtered by
	// edge name (empty name matches all).
	Related(ctx context.Context, typ, id, name string) ([]*Edge, error)
	// Unrelate removes the edge identified by (fromID, toID, name);
	// returns false when no such edge exists.
	Unrelate(ctx context.Context, fromID, toID, name string) (bool, error)

	// PutArtifact creates or replaces an artifact.
	PutArtifact(ctx context.Context, a *Artifact) error
	// GetArtifact returns the artifact or (nil, nil) when missing.
	GetArtifact(ctx context.Context, typ, id, kind string) (*Artifact, error)
	// DeleteArtifact removes an artifact; false when missing.
	DeleteArtifact(ctx context.Context, typ, id, kind string) (bool, error)

	// AppendAction appends an entry to the action ledger, assigning and
	// returning its sequence number.
	AppendAction(ctx context.Context, entry *ActionEntry) (uint64, error)
	// ActionEntries returns all entries for an action id in append order.
	ActionEntries(ctx context.Context, actionID string) ([]*ActionEntry, error)

	Close() error
}

// NewID generates a fresh entity/edge/action id.
func NewID() string { return uuid.NewString() }

// ValidTypeName reports whether a type name satisfies the shared identifier
// allow-list.
func ValidTypeName(typ string) bool { return schema.ValidIdent(typ) }

// ValidID reports whether an id satisfies the allow-list. IDs follow the
// identifier grammar extended with '-' so UUIDs pass.
func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// MatchesWhere applies an equality-only filter to a field map. Values are
// compared structurally; a nested map in the filter must equal the stored
// value as a whole, never unpacked as a comparison operator.
func MatchesWhere(fields map[string]any, where map[string]any) bool {
	for key, want := range where {
		got, ok := fields[key]
		if !ok {
			return false
		}
		if !equalValue(got, want) {
			return false
		}
	}
	return true
}

// equalValue compares two field values, normalizing numeric types so that
// e.g. int(2) from caller code equals float64(2) from a JSON round-trip.
func equalValue(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
