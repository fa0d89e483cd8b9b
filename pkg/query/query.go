// Package query implements Loom's deferred query pipeline.
//
// A Query records operations (filter, map, sort, pagination) without
// touching the store; a terminal call (Resolve, Things, One, ForEach)
// executes the whole pipeline in one pass. Relationship access inside
// callbacks goes through Item, which records what it is asked for during a
// dry run so the executor can hydrate every related entity in batches: one
// GetMany per forward-referenced type and one List per backward child
// type, no matter how many items the pipeline carries.
//
// Callbacks must be pure with respect to the store: they run twice, once
// recording and once against hydrated data.
//
// Example:
//
//	titles, err := query.New(store, sch, "Post").
//		Filter(func(it *query.Item) bool { return it.Field("draft") != true }).
//		Map(func(it *query.Item) any {
//			return it.Related("blog").Field("title")
//		}).
//		Resolve(ctx)
package query

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/storage"
)

// Item is a pipeline element: one entity plus lazy access to its related
// entities. During the recording pass Related returns empty placeholders
// and notes the field; during execution it serves hydrated entities.
type Item struct {
	Thing *storage.Thing

	exec  *execution
	index int
}

// ID returns the entity id, or "" for a placeholder.
func (it *Item) ID() string {
	if it.Thing == nil {
		return ""
	}
	return it.Thing.ID
}

// Field returns a field value, or nil for a placeholder.
func (it *Item) Field(name string) any {
	if it.Thing == nil {
		return nil
	}
	return it.Thing.Field(name)
}

// Exists reports whether the item holds a real entity. False for the
// placeholder returned when a singular reference is unset.
func (it *Item) Exists() bool { return it.Thing != nil }

// Related returns the single entity behind a singular relationship field.
// An unset reference yields a placeholder item, never nil, so chained
// Field calls stay safe.
func (it *Item) Related(field string) *Item {
	all := it.RelatedAll(field)
	if len(all) == 0 {
		return &Item{}
	}
	return all[0]
}

// RelatedAll returns every entity behind a relationship field. For array
// and backward fields this is the full set; for singular ones at most one.
func (it *Item) RelatedAll(field string) []*Item {
	if it.exec == nil {
		return nil
	}
	if it.exec.recording {
		it.exec.wanted[field] = true
		return nil
	}
	return it.exec.related[it.index][field]
}

// Query is a deferred pipeline over one entity type. Builder methods
// record and return the query; nothing executes until a terminal.
type Query struct {
	store storage.Provider
	sch   *schema.Schema
	log   *zap.Logger

	typ     string
	where   map[string]any
	filters []func(*Item) bool
	mapFn   func(*Item) any
	less    func(a, b *Item) bool
	limit   int
	offset  int

	err error
}

// New starts a pipeline over every entity of typ.
func New(store storage.Provider, sch *schema.Schema, typ string) *Query {
	q := &Query{store: store, sch: sch, log: zap.NewNop(), typ: typ}
	if sch != nil && sch.Entity(typ) == nil {
		q.err = fmt.Errorf("query: unknown entity type %q", typ)
	}
	return q
}

// WithLogger sets the pipeline logger.
func (q *Query) WithLogger(log *zap.Logger) *Query {
	if log != nil {
		q.log = log
	}
	return q
}

// Where narrows the base set with an equality-only filter, evaluated by
// the store.
func (q *Query) Where(where map[string]any) *Query {
	q.where = where
	return q
}

// Filter keeps items for which fn returns true. Filters stack.
func (q *Query) Filter(fn func(*Item) bool) *Query {
	q.filters = append(q.filters, fn)
	return q
}

// Map transforms each item into an arbitrary value, delivered by Resolve.
func (q *Query) Map(fn func(*Item) any) *Query {
	q.mapFn = fn
	return q
}

// Sort orders items with a less function. Applied after filters, before
// pagination.
func (q *Query) Sort(less func(a, b *Item) bool) *Query {
	q.less = less
	return q
}

// SortBy orders items by a field value, ascending. Numeric values compare
// numerically, everything else by string form.
func (q *Query) SortBy(field string) *Query {
	return q.Sort(func(a, b *Item) bool {
		return lessValue(a.Field(field), b.Field(field))
	})
}

// Limit caps the number of items after filtering and sorting.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n items after filtering and sorting.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Resolve executes the pipeline and returns the mapped values, or the
// items' entities when no Map is set.
func (q *Query) Resolve(ctx context.Context) ([]any, error) {
	items, err := q.run(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, it := range items {
		if q.mapFn != nil {
			out[i] = q.mapFn(it)
		} else {
			out[i] = it.Thing
		}
	}
	return out, nil
}

// Things executes the pipeline and returns the surviving entities,
// ignoring any Map.
func (q *Query) Things(ctx context.Context) ([]*storage.Thing, error) {
	items, err := q.run(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Thing, len(items))
	for i, it := range items {
		out[i] = it.Thing
	}
	return out, nil
}

// One executes the pipeline and returns the first surviving entity, or
// (nil, nil) when the pipeline is empty.
func (q *Query) One(ctx context.Context) (*storage.Thing, error) {
	limited := *q
	limited.limit = 1
	things, err := limited.Things(ctx)
	if err != nil {
		return nil, err
	}
	if len(things) == 0 {
		return nil, nil
	}
	return things[0], nil
}

// execution is the per-terminal state shared by all items of a run.
type execution struct {
	recording bool
	wanted    map[string]bool
	related   []map[string][]*Item // by item index, then field name
}

// run executes the shared part of every terminal: fetch, record, hydrate,
// filter, sort, paginate.
func (q *Query) run(ctx context.Context) ([]*Item, error) {
	if q.err != nil {
		return nil, q.err
	}

	things, err := q.store.List(ctx, q.typ, &storage.ListOptions{Where: q.where})
	if err != nil {
		return nil, err
	}

	exec := &execution{
		wanted:  make(map[string]bool),
		related: make([]map[string][]*Item, len(things)),
	}
	items := make([]*Item, len(things))
	for i, thing := range things {
		items[i] = &Item{Thing: thing, exec: exec, index: i}
		exec.related[i] = make(map[string][]*Item)
	}

	// Recording pass: note every relationship field the callbacks touch.
	if len(q.filters) > 0 || q.mapFn != nil {
		exec.recording = true
		for _, it := range items {
			for _, fn := range q.filters {
				fn(it)
			}
			if q.mapFn != nil {
				q.mapFn(it)
			}
		}
		exec.recording = false
	}

	if err := q.hydrate(ctx, exec, items); err != nil {
		return nil, err
	}

	kept := items[:0]
	for _, it := range items {
		ok := true
		for _, fn := range q.filters {
			if !fn(it) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, it)
		}
	}

	if q.less != nil {
		sort.SliceStable(kept, func(i, j int) bool { return q.less(kept[i], kept[j]) })
	}

	if q.offset > 0 {
		if q.offset >= len(kept) {
			kept = kept[len(kept):]
		} else {
			kept = kept[q.offset:]
		}
	}
	if q.limit > 0 && len(kept) > q.limit {
		kept = kept[:q.limit]
	}
	return kept, nil
}

// hydrate fetches every recorded relationship in batches: forward fields
// cost one GetMany per target type, backward fields one List per child
// type, regardless of item count.
func (q *Query) hydrate(ctx context.Context, exec *execution, items []*Item) error {
	if len(exec.wanted) == 0 || len(items) == 0 {
		return nil
	}
	entity := q.sch.Entity(q.typ)

	for _, field := range sortedFields(exec.wanted) {
		f := entity.Field(field)
		if f == nil || !f.Kind.IsRelation() {
			return fmt.Errorf("query: %s has no relationship field %q", q.typ, field)
		}
		var err error
		if f.Kind.Backward() {
			err = q.hydrateBackward(ctx, exec, items, f)
		} else {
			err = q.hydrateForward(ctx, exec, items, f)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *Query) hydrateForward(ctx context.Context, exec *execution, items []*Item, f *schema.Field) error {
	// Collect distinct foreign keys across all items.
	want := make(map[string]bool)
	perItem := make([][]string, len(items))
	for i, it := range items {
		ids := fkIDs(it.Thing.Field(f.Name))
		perItem[i] = ids
		for _, id := range ids {
			want[id] = true
		}
	}
	if len(want) == 0 {
		return nil
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// One GetMany per candidate target type; union members each get one.
	byID := make(map[string]*storage.Thing, len(ids))
	for _, typ := range f.Targets() {
		things, err := q.store.GetMany(ctx, typ, ids)
		if err != nil {
			return err
		}
		for _, thing := range things {
			byID[thing.ID] = thing
		}
	}

	for i := range items {
		for _, id := range perItem[i] {
			if thing, ok := byID[id]; ok {
				exec.related[i][f.Name] = append(exec.related[i][f.Name], &Item{Thing: thing})
			}
		}
	}
	return nil
}

func (q *Query) hydrateBackward(ctx context.Context, exec *execution, items []*Item, f *schema.Field) error {
	backref := f.Backref
	if backref == "" {
		fwd := q.sch.ForwardFieldTo(f.RelatedType, q.typ)
		if fwd == nil {
			return fmt.Errorf("query: no forward field from %q back to %q", f.RelatedType, q.typ)
		}
		backref = fwd.Name
	}

	// One List over the child type; grouping happens in memory.
	children, err := q.store.List(ctx, f.RelatedType, nil)
	if err != nil {
		return err
	}
	byParent := make(map[string][]*Item)
	for _, child := range children {
		for _, parentID := range fkIDs(child.Field(backref)) {
			byParent[parentID] = append(byParent[parentID], &Item{Thing: child})
		}
	}

	for i, it := range items {
		exec.related[i][f.Name] = byParent[it.Thing.ID]
	}
	return nil
}

// fkIDs extracts foreign-key ids from a stored field value: a string, a
// []string or a []any of strings. Anything else holds no ids.
func fkIDs(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedFields(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func lessValue(a, b any) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af < bf
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
