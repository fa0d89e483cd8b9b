// Package loom provides the main API for embedded Loom usage.
//
// A DB ties the whole engine together: a parsed schema, a storage
// provider, the search service, the reference resolver and the generation
// engine, wired from a single Config. Everything downstream consumes
// interfaces, so each collaborator can be swapped through Options for
// tests or custom deployments.
//
// Example Usage:
//
//	db, err := loom.Open(map[string]any{
//		"Blog": map[string]any{
//			"title": "string",
//			"posts": []any{"<-Post"},
//		},
//		"Post": map[string]any{
//			"title": "string",
//			"blog":  "->Blog",
//		},
//	}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	blog, _ := db.Create(ctx, "Blog", map[string]any{"title": "Engineering"})
//	post, _ := db.Create(ctx, "Post", map[string]any{
//		"title": "Hello",
//		"blog":  blog.ID,
//	})
//
//	titles, _ := db.Query("Post").
//		Map(func(it *query.Item) any { return it.Related("blog").Field("title") }).
//		Resolve(ctx)
package loom

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/config"
	"github.com/loomdb/loom/pkg/embed"
	"github.com/loomdb/loom/pkg/generate"
	"github.com/loomdb/loom/pkg/query"
	"github.com/loomdb/loom/pkg/resolve"
	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/search"
	"github.com/loomdb/loom/pkg/storage"
)

// Event kinds delivered to subscribers.
const (
	EventDraft   = "draft"
	EventCreate  = "create"
	EventResolve = "resolve"
	EventUpdate  = "update"
	EventDelete  = "delete"
)

// Event is one database lifecycle notification.
type Event struct {
	Kind string
	Type string
	ID   string

	// Field, TargetType and TargetID describe the linked reference on
	// resolve events.
	Field      string
	TargetType string
	TargetID   string
	Generated  bool
}

// Options overrides individual collaborators when opening a DB. Every nil
// field is built from the Config.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     storage.Provider
	Embedder  embed.Embedder
	Generator generate.ValueGenerator
}

// DB is an opened Loom database.
type DB struct {
	cfg      *config.Config
	log      *zap.Logger
	schema   *schema.Schema
	store    storage.Provider
	embedder embed.Embedder
	search   *search.Service
	resolver *resolve.Resolver
	engine   *generate.Engine

	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// Open parses the schema definition and wires a DB per opts.
func Open(def map[string]any, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	sch, err := schema.Parse(def)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		if log, err = cfg.BuildLogger(); err != nil {
			return nil, err
		}
	}

	db := &DB{
		cfg:    cfg,
		log:    log,
		schema: sch,
		subs:   make(map[int]func(Event)),
	}

	if db.store = opts.Store; db.store == nil {
		if db.store, err = openStore(cfg); err != nil {
			return nil, err
		}
	}
	if db.embedder = opts.Embedder; db.embedder == nil {
		db.embedder = buildEmbedder(&cfg.Embedding)
	}

	db.search = search.NewService(db.store, db.embedder, log)
	db.resolver = resolve.New(db.store, db.search, sch, &resolve.Options{
		DefaultThreshold: cfg.Resolver.Threshold,
		Logger:           log,
	})

	generator := opts.Generator
	if generator == nil {
		generator = buildGenerator(&cfg.Generation, log)
	}
	db.engine = generate.New(db.store, sch, db.resolver, &generate.Options{
		Generator:    generator,
		MaxDepth:     cfg.Generation.MaxDepth,
		CascadeTypes: cfg.Generation.CascadeTypes,
		OnError:      cfg.Generation.OnError,
		Events:       db.onEngineEvent,
		Logger:       log,
	})

	log.Info("loom opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("embedder", db.embedder.Model()),
		zap.Strings("entities", sch.Names()))
	return db, nil
}

func openStore(cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	case config.BackendBadger:
		return storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
	case config.BackendSQLite:
		return storage.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "loom.db"))
	default:
		return nil, fmt.Errorf("loom: unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildEmbedder(cfg *config.EmbeddingConfig) embed.Embedder {
	var embedder embed.Embedder
	switch cfg.Provider {
	case "ollama":
		ec := embed.DefaultOllamaConfig()
		applyEmbedOverrides(ec, cfg)
		embedder = embed.NewOllama(ec)
	case "openai":
		ec := embed.DefaultOpenAIConfig(cfg.APIKey)
		applyEmbedOverrides(ec, cfg)
		embedder = embed.NewOpenAI(ec)
	default:
		embedder = embed.NewHash(cfg.Dimensions)
	}
	if cfg.CacheSize > 0 {
		embedder = embed.NewCachedEmbedder(embedder, cfg.CacheSize)
	}
	return embedder
}

func applyEmbedOverrides(ec *embed.Config, cfg *config.EmbeddingConfig) {
	if cfg.APIURL != "" {
		ec.APIURL = cfg.APIURL
	}
	if cfg.APIKey != "" {
		ec.APIKey = cfg.APIKey
	}
	if cfg.Model != "" {
		ec.Model = cfg.Model
	}
	if cfg.Dimensions > 0 {
		ec.Dimensions = cfg.Dimensions
	}
}

func buildGenerator(cfg *config.GenerationConfig, log *zap.Logger) generate.ValueGenerator {
	if cfg.Provider != "ai" {
		return generate.NewPlaceholder()
	}
	ai := generate.NewAI(generate.AIConfig{
		APIURL:  cfg.APIURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
	if cfg.Fallback {
		return generate.WithFallback(ai, generate.NewPlaceholder(), log)
	}
	return ai
}

// onEngineEvent keeps the search indexes current and republishes engine
// events to subscribers.
func (db *DB) onEngineEvent(ev generate.Event) {
	switch ev.Phase {
	case generate.PhaseDraft:
		db.publish(Event{Kind: EventDraft, Type: ev.Type, Generated: ev.Generated})
	case generate.PhaseCreate:
		db.reindex(ev.Type, ev.ID)
		db.publish(Event{Kind: EventCreate, Type: ev.Type, ID: ev.ID, Generated: ev.Generated})
	case generate.PhaseResolve:
		// Resolution writes foreign keys back onto the owner.
		db.reindex(ev.Type, ev.ID)
		db.publish(Event{
			Kind:       EventResolve,
			Type:       ev.Type,
			ID:         ev.ID,
			Field:      ev.Field,
			TargetType: ev.TargetType,
			TargetID:   ev.TargetID,
			Generated:  ev.Generated,
		})
	}
}

func (db *DB) reindex(typ, id string) {
	thing, err := db.store.Get(context.Background(), typ, id)
	if err != nil || thing == nil {
		return
	}
	db.search.IndexThing(thing)
}

// Subscribe registers an event listener and returns its cancel function.
// Listeners run synchronously on the mutating goroutine.
func (db *DB) Subscribe(fn func(Event)) func() {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.next
	db.next++
	db.subs[id] = fn
	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.subs, id)
	}
}

func (db *DB) publish(ev Event) {
	db.mu.RLock()
	fns := make([]func(Event), 0, len(db.subs))
	for _, fn := range db.subs {
		fns = append(fns, fn)
	}
	db.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Schema returns the parsed schema.
func (db *DB) Schema() *schema.Schema { return db.schema }

// Store exposes the underlying provider for advanced use.
func (db *DB) Store() storage.Provider { return db.store }

// Create generates and persists an entity: plain fields are filled, every
// reference is resolved or generated per the schema.
func (db *DB) Create(ctx context.Context, typ string, fields map[string]any) (*storage.Thing, error) {
	return db.engine.Create(ctx, typ, fields)
}

// Draft runs only the generation phase; nothing is persisted until the
// draft is passed to ResolveDraft.
func (db *DB) Draft(ctx context.Context, typ string, fields map[string]any) (*generate.Draft, error) {
	return db.engine.Draft(ctx, typ, fields)
}

// DraftStream is Draft with incremental output: generated text reaches
// onChunk as (field, delta) pairs while the draft builds.
func (db *DB) DraftStream(ctx context.Context, typ string, fields map[string]any, onChunk func(field, delta string) error) (*generate.Draft, error) {
	return db.engine.DraftStream(ctx, typ, fields, onChunk)
}

// ResolveDraft persists a draft and links its references.
func (db *DB) ResolveDraft(ctx context.Context, d *generate.Draft) (*storage.Thing, error) {
	return db.engine.Resolve(ctx, d)
}

// Get returns an entity or (nil, nil) when missing.
func (db *DB) Get(ctx context.Context, typ, id string) (*storage.Thing, error) {
	return db.store.Get(ctx, typ, id)
}

// Find returns entities matching an equality-only filter.
func (db *DB) Find(ctx context.Context, typ string, where map[string]any) ([]*storage.Thing, error) {
	return db.store.Find(ctx, typ, where)
}

// Update shallow-merges patch into an entity and refreshes its indexes.
func (db *DB) Update(ctx context.Context, typ, id string, patch map[string]any) (*storage.Thing, error) {
	thing, err := db.store.Update(ctx, typ, id, patch)
	if err != nil {
		return nil, err
	}
	db.search.IndexThing(thing)
	db.publish(Event{Kind: EventUpdate, Type: typ, ID: id})
	return thing, nil
}

// Delete removes an entity, its edges and artifacts, and drops it from the
// search indexes. Returns false when the entity was already gone.
func (db *DB) Delete(ctx context.Context, typ, id string) (bool, error) {
	deleted, err := db.store.Delete(ctx, typ, id)
	if err != nil {
		return false, err
	}
	if deleted {
		db.search.RemoveThing(typ, id)
		db.publish(Event{Kind: EventDelete, Type: typ, ID: id})
	}
	return deleted, nil
}

// Link resolves one relationship field of an existing entity against a
// hint (an id or free text) and records the edge.
func (db *DB) Link(ctx context.Context, typ, id, field, hint string) (*resolve.Resolution, error) {
	entity := db.schema.Entity(typ)
	if entity == nil {
		return nil, fmt.Errorf("loom: unknown entity type %q", typ)
	}
	f := entity.Field(field)
	if f == nil || !f.Kind.IsRelation() {
		return nil, fmt.Errorf("loom: %s has no relationship field %q", typ, field)
	}
	thing, err := db.store.Get(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if thing == nil {
		return nil, fmt.Errorf("loom: %s/%s not found", typ, id)
	}
	res, err := db.resolver.ResolveRef(ctx, thing, f, hint, 0)
	if err != nil {
		return nil, err
	}
	if res != nil && !f.Kind.Backward() {
		if _, err := db.Update(ctx, typ, id, map[string]any{field: res.Thing.ID}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Related returns the edges touching an entity, optionally filtered by
// edge name.
func (db *DB) Related(ctx context.Context, typ, id, name string) ([]*storage.Edge, error) {
	return db.store.Related(ctx, typ, id, name)
}

// Query starts a deferred pipeline over an entity type.
func (db *DB) Query(typ string) *query.Query {
	return query.New(db.store, db.schema, typ).WithLogger(db.log)
}

// ForEach iterates every entity of a type with the configured concurrency,
// timeout and retry defaults. Fields set on opts win over the configuration.
func (db *DB) ForEach(ctx context.Context, typ string, fn func(ctx context.Context, it *query.Item) error, opts *query.ForEachOptions) (*query.Summary, error) {
	var merged query.ForEachOptions
	if opts != nil {
		merged = *opts
	}
	if merged.Concurrency == 0 {
		merged.Concurrency = db.cfg.Query.Concurrency
	}
	if merged.Timeout == 0 {
		merged.Timeout = db.cfg.Query.Timeout
	}
	if merged.MaxRetries == 0 {
		merged.MaxRetries = db.cfg.Query.MaxRetries
	}
	return db.Query(typ).ForEach(ctx, fn, &merged)
}

// Search performs hybrid (keyword + semantic) search over one type.
func (db *DB) Search(ctx context.Context, typ, text string, params *search.Params) ([]search.Result, error) {
	return db.search.Hybrid(ctx, typ, text, params)
}

// SearchAll performs hybrid search across every schema type.
func (db *DB) SearchAll(ctx context.Context, text string, params *search.Params) ([]search.Result, error) {
	return db.search.HybridAll(ctx, db.schema.Names(), text, params)
}

// Semantic performs embedding-only search over one type.
func (db *DB) Semantic(ctx context.Context, typ, text string, params *search.Params) ([]search.Result, error) {
	return db.search.Semantic(ctx, typ, text, params)
}

// Stats summarizes store contents by type.
type Stats struct {
	Entities map[string]int
	Total    int
}

// Stats counts entities per schema type.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Entities: make(map[string]int, len(db.schema.Names()))}
	for _, typ := range db.schema.Names() {
		things, err := db.store.List(ctx, typ, nil)
		if err != nil {
			return nil, err
		}
		stats.Entities[typ] = len(things)
		stats.Total += len(things)
	}
	return stats, nil
}

// Close releases the store. Safe to call once.
func (db *DB) Close() error {
	err := db.store.Close()
	// Sync failures on process-shared sinks are routine; the store error
	// is the one that matters.
	_ = db.log.Sync()
	return err
}
