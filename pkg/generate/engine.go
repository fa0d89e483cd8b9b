package generate

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/resolve"
	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/storage"
)

// DefaultMaxDepth bounds reference cascades: a generated entity may itself
// generate references, up to this many levels from the root create.
const DefaultMaxDepth = 3

// Error handling modes for reference resolution.
const (
	// OnErrorFail aborts the create on the first failed reference.
	OnErrorFail = "fail"
	// OnErrorSkip records failed references under $errors and keeps going.
	OnErrorSkip = "skip"
)

// Event phases emitted by the engine.
const (
	PhaseDraft   = "draft"
	PhaseCreate  = "create"
	PhaseResolve = "resolve"
)

// Event is one engine lifecycle notification. Create events fire for every
// persisted entity, cascaded ones included, so listeners can keep derived
// state (search indexes, caches) current.
type Event struct {
	Phase     string
	Type      string
	ID        string // empty during the draft phase
	Field     string // set for per-reference resolve events
	Hint      string
	Generated bool

	// TargetType and TargetID name the linked entity on resolve events.
	TargetType string
	TargetID   string
}

// Options configures an Engine.
type Options struct {
	// Generator fills plain fields and names generated entities. Nil uses
	// the placeholder generator.
	Generator ValueGenerator

	// MaxDepth bounds cascaded generation. Zero uses DefaultMaxDepth;
	// negative disables cascading entirely.
	MaxDepth int

	// CascadeTypes, when non-empty, is the allow-list of entity types that
	// cascaded generation may create. Direct creates are never restricted.
	CascadeTypes []string

	// OnError is OnErrorFail (default) or OnErrorSkip.
	OnError string

	// Events receives lifecycle notifications. Called synchronously.
	Events func(Event)

	Logger *zap.Logger
}

// Engine drives two-phase entity creation: Draft fills fields and collects
// references, Resolve persists and links. It also serves the resolver as
// its EntityCreator, closing the generate-on-miss loop.
type Engine struct {
	store    storage.Provider
	schema   *schema.Schema
	resolver *resolve.Resolver
	gen      ValueGenerator
	log      *zap.Logger

	maxDepth     int
	cascadeTypes map[string]bool
	onError      string
	events       func(Event)
}

// New creates an Engine and registers it as the resolver's entity creator.
func New(store storage.Provider, sch *schema.Schema, resolver *resolve.Resolver, opts *Options) *Engine {
	e := &Engine{
		store:    store,
		schema:   sch,
		resolver: resolver,
		gen:      NewPlaceholder(),
		log:      zap.NewNop(),
		maxDepth: DefaultMaxDepth,
		onError:  OnErrorFail,
	}
	if opts != nil {
		if opts.Generator != nil {
			e.gen = opts.Generator
		}
		if opts.MaxDepth != 0 {
			e.maxDepth = opts.MaxDepth
		}
		if len(opts.CascadeTypes) > 0 {
			e.cascadeTypes = make(map[string]bool, len(opts.CascadeTypes))
			for _, t := range opts.CascadeTypes {
				e.cascadeTypes[t] = true
			}
		}
		if opts.OnError != "" {
			e.onError = opts.OnError
		}
		e.events = opts.Events
		if opts.Logger != nil {
			e.log = opts.Logger
		}
	}
	resolver.SetCreator(e)
	return e
}

// Create runs both phases: draft then resolve.
func (e *Engine) Create(ctx context.Context, typ string, input map[string]any) (*storage.Thing, error) {
	d, err := e.Draft(ctx, typ, input)
	if err != nil {
		return nil, err
	}
	return e.Resolve(ctx, d)
}

// Draft runs phase one only: plain fields are filled (generating prompted
// ones), references are collected unresolved, nothing is persisted.
func (e *Engine) Draft(ctx context.Context, typ string, input map[string]any) (*Draft, error) {
	return e.draft(ctx, typ, input, "", nil, false, nil)
}

// DraftStream is Draft with incremental output: generated text reaches
// onChunk as (field, delta) pairs while the draft builds. Generators that
// do not implement StreamingValueGenerator deliver each value whole.
func (e *Engine) DraftStream(ctx context.Context, typ string, input map[string]any, onChunk func(field, delta string) error) (*Draft, error) {
	return e.draft(ctx, typ, input, "", nil, false, onChunk)
}

func (e *Engine) draft(ctx context.Context, typ string, input map[string]any, hint string, parent *storage.Thing, generated bool, onChunk func(field, delta string) error) (*Draft, error) {
	entity := e.schema.Entity(typ)
	if entity == nil {
		return nil, fmt.Errorf("generate: unknown entity type %q", typ)
	}
	for key := range input {
		if len(key) > 0 && key[0] == '$' {
			continue
		}
		if entity.Field(key) == nil {
			return nil, fmt.Errorf("generate: %s has no field %q", typ, key)
		}
	}

	d := &Draft{
		Type:        typ,
		Fields:      make(map[string]any, len(input)),
		Hint:        hint,
		generated:   generated,
		generatedBy: e.gen.Name(),
	}
	for key, v := range input {
		if len(key) > 0 && key[0] == '$' {
			d.Fields[key] = v
		}
	}

	// Template data: the draft's own fields so far, plus the parent's
	// fields under "parent" for cascaded generation.
	data := make(map[string]any, len(input)+1)
	for k, v := range input {
		data[k] = v
	}
	if parent != nil {
		data["parent"] = parent.Fields
	}

	genCtx, err := e.generationContext(ctx, entity, data)
	if err != nil {
		return nil, err
	}

	for _, name := range entity.FieldOrder {
		field := entity.Fields[name]
		value, ok := input[name]

		if field.Kind.IsRelation() {
			ref, err := e.draftRef(field, value, ok, data)
			if err != nil {
				return nil, err
			}
			if ref != nil {
				d.Refs = append(d.Refs, ref)
			}
			continue
		}

		if ok {
			d.Fields[name] = value
			continue
		}
		if field.Prompt == "" {
			continue
		}
		result, err := e.generateValue(ctx, &Request{
			EntityType:   typ,
			FieldName:    name,
			DataType:     field.DataType,
			Prompt:       resolveTemplate(field.Prompt, data),
			Hint:         hint,
			Instructions: entity.Instructions,
			Context:      genCtx,
		}, onChunk)
		if err != nil {
			return nil, fmt.Errorf("generate %s.%s: %w", typ, name, err)
		}
		d.Fields[name] = result.Value
		data[name] = result.Value
	}

	e.emit(Event{Phase: PhaseDraft, Type: typ, Hint: hint, Generated: generated})
	return d, nil
}

// generateValue routes through the streaming interface when the caller
// wants chunks and the generator supports them. Non-streaming generators
// deliver the finished value as one chunk.
func (e *Engine) generateValue(ctx context.Context, req *Request, onChunk func(field, delta string) error) (*Result, error) {
	if onChunk != nil {
		if sg, ok := e.gen.(StreamingValueGenerator); ok {
			return sg.GenerateStream(ctx, req, func(delta string) error {
				return onChunk(req.FieldName, delta)
			})
		}
	}
	result, err := e.gen.Generate(ctx, req)
	if err != nil || onChunk == nil {
		return result, err
	}
	if text, ok := result.Value.(string); ok {
		if cerr := onChunk(req.FieldName, text); cerr != nil {
			return nil, cerr
		}
	}
	return result, nil
}

// draftRef collects one relationship field into a Ref, or nil when the
// field legitimately contributes nothing to this draft.
func (e *Engine) draftRef(field *schema.Field, value any, present bool, data map[string]any) (*Ref, error) {
	if present {
		hints, err := refHints(field, value)
		if err != nil {
			return nil, err
		}
		for i, h := range hints {
			hints[i] = resolveTemplate(h, data)
		}
		return &Ref{Field: field, Hints: hints}, nil
	}
	if field.Prompt != "" {
		return &Ref{Field: field, Hints: []string{resolveTemplate(field.Prompt, data)}}, nil
	}
	// No input, no prompt: required forward references still resolve (the
	// resolver generates a target); backward and optional ones wait for
	// input from the other side.
	if field.Optional || field.Kind.Backward() {
		return nil, nil
	}
	return &Ref{Field: field, Hints: []string{""}}, nil
}

// generationContext assembles the context map handed to the value
// generator: the draft data plus samples of every $context type.
func (e *Engine) generationContext(ctx context.Context, entity *schema.Entity, data map[string]any) (map[string]any, error) {
	if len(entity.Context) == 0 {
		return data, nil
	}
	out := make(map[string]any, len(data)+len(entity.Context))
	for k, v := range data {
		out[k] = v
	}
	for _, typ := range entity.Context {
		things, err := e.store.List(ctx, typ, &storage.ListOptions{Limit: 10})
		if err != nil {
			return nil, err
		}
		samples := make([]map[string]any, 0, len(things))
		for _, t := range things {
			samples = append(samples, t.Fields)
		}
		out[typ] = samples
	}
	return out, nil
}

// Resolve runs phase two: persist the draft and link every collected
// reference. Forward references write their resolved ids back onto the
// entity; failures follow the engine's OnError mode.
func (e *Engine) Resolve(ctx context.Context, d *Draft) (*storage.Thing, error) {
	// Root the cascade state here so sibling references share one
	// dedup/cycle table.
	_, ctx = cascadeFrom(ctx)
	return e.resolveDraft(ctx, d, 0)
}

func (e *Engine) resolveDraft(ctx context.Context, d *Draft, depth int) (*storage.Thing, error) {
	fields := make(map[string]any, len(d.Fields)+2)
	for k, v := range d.Fields {
		fields[k] = v
	}
	if d.generated {
		fields[storage.FieldGenerated] = true
		fields[storage.FieldGeneratedBy] = d.generatedBy
	}

	thing, err := e.store.Create(ctx, d.Type, "", fields)
	if err != nil {
		return nil, err
	}
	e.emit(Event{Phase: PhaseCreate, Type: d.Type, ID: thing.ID, Hint: d.Hint, Generated: d.generated})

	patch := make(map[string]any)
	var errorList []any
	var errs error

	for _, ref := range d.Refs {
		var ids []any
		for _, hint := range ref.Hints {
			res, rerr := e.resolver.ResolveRef(ctx, thing, ref.Field, hint, depth)
			if rerr != nil {
				if e.onError != OnErrorSkip {
					return nil, rerr
				}
				errorList = append(errorList, map[string]any{
					"field": ref.Field.Name,
					"hint":  hint,
					"error": rerr.Error(),
				})
				errs = multierr.Append(errs, rerr)
				continue
			}
			if res == nil {
				continue
			}
			if !ref.Field.Kind.Backward() {
				ids = append(ids, res.Thing.ID)
			}
			e.emit(Event{
				Phase:      PhaseResolve,
				Type:       d.Type,
				ID:         thing.ID,
				Field:      ref.Field.Name,
				Hint:       hint,
				Generated:  res.Generated,
				TargetType: res.Thing.Type,
				TargetID:   res.Thing.ID,
			})
		}
		if len(ids) == 0 {
			continue
		}
		if ref.Field.IsArray {
			patch[ref.Field.Name] = ids
		} else {
			patch[ref.Field.Name] = ids[0]
		}
	}

	if len(errorList) > 0 {
		patch[storage.FieldErrors] = errorList
		e.log.Warn("references skipped",
			zap.String("type", d.Type),
			zap.String("id", thing.ID),
			zap.Int("count", len(errorList)),
			zap.Error(errs))
	}
	if len(patch) > 0 {
		if thing, err = e.store.Update(ctx, d.Type, thing.ID, patch); err != nil {
			return nil, err
		}
	}

	if d.generated {
		_, err = e.store.AppendAction(ctx, &storage.ActionEntry{
			ActionID: thing.ID,
			Kind:     storage.ActionGeneration,
			Payload: map[string]any{
				"type":         d.Type,
				"id":           thing.ID,
				"generated_by": d.generatedBy,
				"hint":         d.Hint,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return thing, nil
}

// cascadeState tracks one cascade: finished (type, hint) pairs map to their
// entity so duplicate hints reuse one generation, and in-flight pairs trip
// the cycle guard.
type cascadeState struct {
	done     map[string]*storage.Thing
	inflight map[string]bool
}

type cascadeKey struct{}

func cascadeFrom(ctx context.Context) (*cascadeState, context.Context) {
	if s, ok := ctx.Value(cascadeKey{}).(*cascadeState); ok {
		return s, ctx
	}
	s := &cascadeState{
		done:     make(map[string]*storage.Thing),
		inflight: make(map[string]bool),
	}
	return s, context.WithValue(ctx, cascadeKey{}, s)
}

// CreateEntity generates a new entity of typ from hint, on behalf of the
// resolver. Depth, the cascade allow-list, duplicate-hint dedup and cycle
// detection are all enforced here.
func (e *Engine) CreateEntity(ctx context.Context, typ, hint string, depth int, parent *storage.Thing) (*storage.Thing, error) {
	if e.maxDepth < 0 && depth > 0 {
		return nil, fmt.Errorf("generate: cascading disabled")
	}
	if e.maxDepth > 0 && depth > e.maxDepth {
		return nil, fmt.Errorf("generate: depth %d exceeds limit %d", depth, e.maxDepth)
	}
	if e.cascadeTypes != nil && !e.cascadeTypes[typ] {
		return nil, fmt.Errorf("generate: cascade into %q not allowed", typ)
	}

	state, ctx := cascadeFrom(ctx)
	key := typ + "\x00" + hint
	if thing, ok := state.done[key]; ok {
		return thing, nil
	}
	if state.inflight[key] {
		return nil, fmt.Errorf("generate: cycle detected for %s %q", typ, hint)
	}
	state.inflight[key] = true
	defer delete(state.inflight, key)

	d, err := e.draft(ctx, typ, nil, hint, parent, true, nil)
	if err != nil {
		return nil, err
	}
	thing, err := e.resolveDraft(ctx, d, depth)
	if err != nil {
		return nil, err
	}
	state.done[key] = thing

	e.log.Debug("generated entity",
		zap.String("type", typ),
		zap.String("id", thing.ID),
		zap.String("hint", hint),
		zap.Int("depth", depth))
	return thing, nil
}

func (e *Engine) emit(event Event) {
	if e.events != nil {
		e.events(event)
	}
}
