// Package resolve implements the relationship operator semantics: turning
// a reference field value (an id, or a natural-language hint) into a
// concrete edge between two stored entities.
//
// The four operators:
//
//	->  forward exact:  link by id; generate the target if empty
//	~>  forward fuzzy:  ranked search over the target type(s); reuse the
//	                    best hit at/above threshold, generate otherwise
//	<-  backward exact: the child stores the foreign key; the edge is
//	                    recorded child→parent so lookups stay indexed
//	<~  backward fuzzy: like <-, but linked by ranked search; a miss is a
//	                    miss, never a generated fallback
//
// Union fields (A|B|C) search all member types and take the single best
// candidate; ties break toward the first-listed type. Generation always
// targets the first-listed type.
package resolve

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/search"
	"github.com/loomdb/loom/pkg/storage"
)

// DefaultThreshold is the inclusive similarity floor for fuzzy matching
// when a field declares none.
const DefaultThreshold = 0.7

// EntityCreator produces a new entity of a type from a natural-language
// hint. Implemented by the generation engine; the indirection keeps this
// package from depending on it.
type EntityCreator interface {
	CreateEntity(ctx context.Context, typ, hint string, depth int, parent *storage.Thing) (*storage.Thing, error)
}

// Failure describes an unresolvable reference: no match above threshold
// and generation unavailable or failed.
type Failure struct {
	Field string
	Hint  string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("resolve %s (hint %q): %v", f.Field, f.Hint, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Resolution is the outcome of resolving one reference: the linked entity
// and the edge that records the link. A nil Resolution (with nil error)
// means the reference legitimately resolved to nothing: an optional field
// left empty, or a backward-fuzzy miss.
type Resolution struct {
	Thing *storage.Thing
	Edge  *storage.Edge

	Generated   bool
	Similarity  float64
	MatchedType string
}

// Resolver links reference fields through the store and search service,
// delegating new-entity creation to an EntityCreator.
type Resolver struct {
	store    storage.Provider
	search   *search.Service
	schema   *schema.Schema
	creator  EntityCreator
	log      *zap.Logger
	fallback float64
}

// Options configures a Resolver.
type Options struct {
	// Creator handles generation when an exact/fuzzy reference needs a
	// new entity. Nil disables generation: references that would
	// generate fail instead.
	Creator EntityCreator

	// DefaultThreshold overrides the package default for fields without
	// an explicit threshold. Zero keeps DefaultThreshold.
	DefaultThreshold float64

	Logger *zap.Logger
}

// New creates a Resolver.
func New(store storage.Provider, searchSvc *search.Service, sch *schema.Schema, opts *Options) *Resolver {
	r := &Resolver{
		store:    store,
		search:   searchSvc,
		schema:   sch,
		log:      zap.NewNop(),
		fallback: DefaultThreshold,
	}
	if opts != nil {
		r.creator = opts.Creator
		if opts.DefaultThreshold > 0 {
			r.fallback = opts.DefaultThreshold
		}
		if opts.Logger != nil {
			r.log = opts.Logger
		}
	}
	return r
}

// SetCreator injects the entity creator after construction. The
// generation engine needs a resolver and the resolver needs the engine;
// whichever is built second closes the loop here.
func (r *Resolver) SetCreator(c EntityCreator) { r.creator = c }

// Threshold returns the effective similarity floor for a field.
func (r *Resolver) Threshold(field *schema.Field) float64 {
	if field.HasThreshold {
		return field.Threshold
	}
	return r.fallback
}

// ResolveRef resolves one reference field of owner against hint. For
// forward fields, hint may be an existing entity id (linked as-is) or
// descriptive text. depth is the cascade depth of the calling generation,
// 0 for direct resolution.
func (r *Resolver) ResolveRef(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string, depth int) (*Resolution, error) {
	switch field.Kind {
	case schema.ForwardExact:
		return r.forwardExact(ctx, owner, field, hint, depth)
	case schema.ForwardFuzzy:
		return r.forwardFuzzy(ctx, owner, field, hint, depth)
	case schema.BackwardExact:
		return r.backwardExact(ctx, owner, field, hint, depth)
	case schema.BackwardFuzzy:
		return r.backwardFuzzy(ctx, owner, field, hint)
	default:
		return nil, &Failure{Field: field.Name, Hint: hint, Err: fmt.Errorf("field is not a relationship")}
	}
}

// forwardExact links by id, generating a new target when the reference is
// required and empty (or holds no valid id).
func (r *Resolver) forwardExact(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string, depth int) (*Resolution, error) {
	// An existing id of any target type links as-is, no search involved.
	if storage.ValidID(hint) {
		for _, typ := range field.Targets() {
			target, err := r.store.Get(ctx, typ, hint)
			if err != nil {
				return nil, err
			}
			if target != nil {
				return r.link(ctx, owner, field, target, storage.Exact, 0, unionType(field, typ))
			}
		}
	}

	if hint == "" && field.Optional {
		return nil, nil
	}

	target, err := r.generate(ctx, owner, field, hint, depth)
	if err != nil {
		return nil, err
	}
	return r.link(ctx, owner, field, target, storage.Exact, 0, unionType(field, target.Type))
}

// forwardFuzzy reuses the best search hit at/above the field threshold,
// generating a new target otherwise.
func (r *Resolver) forwardFuzzy(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string, depth int) (*Resolution, error) {
	threshold := r.Threshold(field)
	best, err := r.search.TopMatch(ctx, field.Targets(), hint, threshold)
	if err != nil {
		return nil, err
	}
	if best != nil {
		return r.link(ctx, owner, field, best.Thing, storage.Fuzzy, best.Similarity, unionType(field, best.Type))
	}

	if field.Optional {
		return nil, nil
	}

	target, err := r.generate(ctx, owner, field, hint, depth)
	if err != nil {
		return nil, err
	}
	return r.link(ctx, owner, field, target, storage.Fuzzy, 0, unionType(field, target.Type))
}

// backwardExact links an existing child by id, or generates one whose
// foreign-key field points back at owner.
func (r *Resolver) backwardExact(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string, depth int) (*Resolution, error) {
	childType := field.RelatedType
	backref, err := r.backrefField(field)
	if err != nil {
		return nil, err
	}

	if storage.ValidID(hint) {
		child, err := r.store.Get(ctx, childType, hint)
		if err != nil {
			return nil, err
		}
		if child != nil {
			if _, err := r.store.Update(ctx, childType, child.ID, map[string]any{backref.Name: owner.ID}); err != nil {
				return nil, err
			}
			child.Fields[backref.Name] = owner.ID
			return r.linkBackward(ctx, owner, field, child, backref, storage.Exact, 0)
		}
	}

	if hint == "" && field.Optional {
		return nil, nil
	}

	child, err := r.generateChild(ctx, owner, field, backref, hint, depth)
	if err != nil {
		return nil, err
	}
	return r.linkBackward(ctx, owner, field, child, backref, storage.Exact, 0)
}

// backwardFuzzy grounds owner against existing children by ranked search.
// A miss resolves to nothing; backward-fuzzy never generates.
func (r *Resolver) backwardFuzzy(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string) (*Resolution, error) {
	backref, err := r.backrefField(field)
	if err != nil {
		return nil, err
	}

	best, err := r.search.TopMatch(ctx, []string{field.RelatedType}, hint, r.Threshold(field))
	if err != nil {
		return nil, err
	}
	if best == nil {
		r.log.Debug("backward fuzzy miss",
			zap.String("field", field.Name),
			zap.String("hint", hint))
		return nil, nil
	}
	return r.linkBackward(ctx, owner, field, best.Thing, backref, storage.Fuzzy, best.Similarity)
}

// backrefField resolves the child's forward field that stores the foreign
// key: the explicit `.field` backref if declared, otherwise the child's
// first forward field targeting the declaring type.
func (r *Resolver) backrefField(field *schema.Field) (*schema.Field, error) {
	child := r.schema.Entity(field.RelatedType)
	if child == nil {
		return nil, &Failure{Field: field.Name, Err: fmt.Errorf("unknown child type %q", field.RelatedType)}
	}
	if field.Backref != "" {
		f := child.Field(field.Backref)
		if f == nil {
			return nil, &Failure{Field: field.Name, Err: fmt.Errorf("backref %q not found on %q", field.Backref, field.RelatedType)}
		}
		return f, nil
	}

	declaring := r.declaringType(field)
	if f := r.schema.ForwardFieldTo(field.RelatedType, declaring); f != nil {
		return f, nil
	}
	return nil, &Failure{Field: field.Name, Err: fmt.Errorf("no forward field from %q back to %q", field.RelatedType, declaring)}
}

// declaringType finds which entity declares this field. Field values are
// shared per entity, so a linear scan over the schema is fine.
func (r *Resolver) declaringType(field *schema.Field) string {
	for _, name := range r.schema.Names() {
		entity := r.schema.Entity(name)
		if entity.Field(field.Name) == field {
			return name
		}
	}
	return ""
}

func (r *Resolver) generate(ctx context.Context, owner *storage.Thing, field *schema.Field, hint string, depth int) (*storage.Thing, error) {
	if r.creator == nil {
		return nil, &Failure{Field: field.Name, Hint: hint, Err: fmt.Errorf("no match and generation disabled")}
	}
	// Union generation targets the first-listed type.
	typ := field.Targets()[0]
	thing, err := r.creator.CreateEntity(ctx, typ, hint, depth+1, owner)
	if err != nil {
		return nil, &Failure{Field: field.Name, Hint: hint, Err: err}
	}
	return thing, nil
}

func (r *Resolver) generateChild(ctx context.Context, owner *storage.Thing, field *schema.Field, backref *schema.Field, hint string, depth int) (*storage.Thing, error) {
	child, err := r.generate(ctx, owner, field, hint, depth)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Update(ctx, child.Type, child.ID, map[string]any{backref.Name: owner.ID}); err != nil {
		return nil, err
	}
	child.Fields[backref.Name] = owner.ID
	return child, nil
}

// link records a forward edge: owner stores the foreign key.
func (r *Resolver) link(ctx context.Context, owner *storage.Thing, field *schema.Field, target *storage.Thing, mode storage.MatchMode, similarity float64, matchedType string) (*Resolution, error) {
	edge, err := r.store.Relate(ctx, &storage.Edge{
		FromType:    owner.Type,
		FromID:      owner.ID,
		ToType:      target.Type,
		ToID:        target.ID,
		Name:        field.Name,
		Direction:   storage.Forward,
		MatchMode:   mode,
		Cardinality: storage.InferCardinality(false, field.IsArray),
		Similarity:  similarity,
		MatchedType: matchedType,
	})
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Thing:       target,
		Edge:        edge,
		Generated:   isGenerated(target),
		Similarity:  similarity,
		MatchedType: matchedType,
	}, nil
}

// linkBackward records a backward edge. From is always the child (the
// entity physically storing the foreign key), To the declaring parent,
// never the reverse. The edge name is the child's forward field so a
// mirrored ->/<- pair dedups onto one record.
func (r *Resolver) linkBackward(ctx context.Context, owner *storage.Thing, field *schema.Field, child *storage.Thing, backref *schema.Field, mode storage.MatchMode, similarity float64) (*Resolution, error) {
	edge, err := r.store.Relate(ctx, &storage.Edge{
		FromType:    child.Type,
		FromID:      child.ID,
		ToType:      owner.Type,
		ToID:        owner.ID,
		Name:        backref.Name,
		Direction:   storage.Backward,
		MatchMode:   mode,
		Cardinality: storage.InferCardinality(true, field.IsArray),
		Backref:     backref.Name,
		Similarity:  similarity,
	})
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Thing:      child,
		Edge:       edge,
		Generated:  isGenerated(child),
		Similarity: similarity,
	}, nil
}

// Children returns the entities whose foreign-key field points at parent,
// via an indexed equality lookup rather than edge traversal.
func (r *Resolver) Children(ctx context.Context, parent *storage.Thing, field *schema.Field) ([]*storage.Thing, error) {
	backref, err := r.backrefField(field)
	if err != nil {
		return nil, err
	}
	return r.store.Find(ctx, field.RelatedType, map[string]any{backref.Name: parent.ID})
}

func unionType(field *schema.Field, typ string) string {
	if len(field.UnionTypes) > 0 {
		return typ
	}
	return ""
}

func isGenerated(t *storage.Thing) bool {
	generated, _ := t.Field(storage.FieldGenerated).(bool)
	return generated
}
