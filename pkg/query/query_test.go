package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/pkg/schema"
	"github.com/loomdb/loom/pkg/storage"
)

// countingStore counts batched reads per type so tests can pin the number
// of round-trips a pipeline costs.
type countingStore struct {
	storage.Provider
	mu      sync.Mutex
	getMany map[string]int
	list    map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{
		Provider: storage.NewMemoryStore(),
		getMany:  make(map[string]int),
		list:     make(map[string]int),
	}
}

func (c *countingStore) GetMany(ctx context.Context, typ string, ids []string) ([]*storage.Thing, error) {
	c.mu.Lock()
	c.getMany[typ]++
	c.mu.Unlock()
	return c.Provider.GetMany(ctx, typ, ids)
}

func (c *countingStore) List(ctx context.Context, typ string, opts *storage.ListOptions) ([]*storage.Thing, error) {
	c.mu.Lock()
	c.list[typ]++
	c.mu.Unlock()
	return c.Provider.List(ctx, typ, opts)
}

func querySchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(map[string]any{
		"Blog": map[string]any{
			"title": "string",
			"posts": []any{"<-Post"},
		},
		"Post": map[string]any{
			"title": "string",
			"words": "number",
			"blog":  "->Blog",
		},
	})
	require.NoError(t, err)
	return s
}

func seedBlogPosts(t *testing.T, store storage.Provider) {
	t.Helper()
	ctx := context.Background()
	for _, b := range []struct{ id, title string }{
		{"b1", "Engineering"},
		{"b2", "Cooking"},
	} {
		_, err := store.Create(ctx, "Blog", b.id, map[string]any{"title": b.title})
		require.NoError(t, err)
	}
	for i, p := range []struct {
		blog  string
		words int
	}{
		{"b1", 900}, {"b1", 300}, {"b2", 500},
	} {
		_, err := store.Create(ctx, "Post", fmt.Sprintf("p%d", i), map[string]any{
			"title": fmt.Sprintf("post %d", i),
			"words": p.words,
			"blog":  p.blog,
		})
		require.NoError(t, err)
	}
}

func TestResolve_MapHydratesForwardInOneBatch(t *testing.T) {
	store := newCountingStore()
	defer store.Close()
	seedBlogPosts(t, store)

	values, err := New(store, querySchema(t), "Post").
		Map(func(it *Item) any {
			return it.Related("blog").Field("title")
		}).
		Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"Engineering", "Engineering", "Cooking"}, values)

	// Three posts, one base List, one GetMany for all their blogs.
	assert.Equal(t, 1, store.list["Post"])
	assert.Equal(t, 1, store.getMany["Blog"])
}

func TestResolve_BackwardHydrationInOneList(t *testing.T) {
	store := newCountingStore()
	defer store.Close()
	seedBlogPosts(t, store)

	values, err := New(store, querySchema(t), "Blog").
		Map(func(it *Item) any {
			return len(it.RelatedAll("posts"))
		}).
		Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{2, 1}, values)

	assert.Equal(t, 1, store.list["Blog"])
	assert.Equal(t, 1, store.list["Post"], "children fetched once, grouped in memory")
	assert.Zero(t, store.getMany["Post"])
}

func TestFilterSortPaginate(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedBlogPosts(t, store)
	ctx := context.Background()

	things, err := New(store, querySchema(t), "Post").
		Filter(func(it *Item) bool {
			words, _ := it.Field("words").(int)
			return words >= 500
		}).
		SortBy("words").
		Things(ctx)
	require.NoError(t, err)
	require.Len(t, things, 2)
	assert.Equal(t, "p2", things[0].ID)
	assert.Equal(t, "p0", things[1].ID)

	// Pagination applies after filter and sort.
	things, err = New(store, querySchema(t), "Post").
		SortBy("words").
		Offset(1).
		Limit(1).
		Things(ctx)
	require.NoError(t, err)
	require.Len(t, things, 1)
	assert.Equal(t, "p2", things[0].ID)

	one, err := New(store, querySchema(t), "Post").
		Where(map[string]any{"blog": "b2"}).
		One(ctx)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "p2", one.ID)

	// Empty pipelines resolve to nothing, not an error.
	one, err = New(store, querySchema(t), "Post").
		Where(map[string]any{"blog": "b9"}).
		One(ctx)
	require.NoError(t, err)
	assert.Nil(t, one)
}

func TestFilterSeesHydratedRelations(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedBlogPosts(t, store)

	things, err := New(store, querySchema(t), "Post").
		Filter(func(it *Item) bool {
			return it.Related("blog").Field("title") == "Cooking"
		}).
		Things(context.Background())
	require.NoError(t, err)
	require.Len(t, things, 1)
	assert.Equal(t, "p2", things[0].ID)
}

func TestRelated_UnsetReferenceIsPlaceholder(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	_, err := store.Create(ctx, "Post", "orphan", map[string]any{"title": "no blog"})
	require.NoError(t, err)

	values, err := New(store, querySchema(t), "Post").
		Map(func(it *Item) any {
			blog := it.Related("blog")
			if !blog.Exists() {
				return "unlinked"
			}
			return blog.Field("title")
		}).
		Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"unlinked"}, values)
}

func TestUnknownTypeAndField(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := New(store, querySchema(t), "Webinar").Things(ctx)
	require.Error(t, err)

	seedBlogPosts(t, store)
	_, err = New(store, querySchema(t), "Post").
		Map(func(it *Item) any { return it.Related("author").Field("name") }).
		Resolve(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "author")
}

func seedNumbered(t *testing.T, store storage.Provider, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Create(context.Background(), "Post", fmt.Sprintf("p%d", i), map[string]any{
			"title": fmt.Sprintf("post %d", i),
			"words": i,
		})
		require.NoError(t, err)
	}
}

func TestForEach_ContinueCollectsFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)

	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			if it.Field("words") == 2 {
				return fmt.Errorf("boom")
			}
			return nil
		},
		nil, // continue is the default
	)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, 2, summary.Errors[0].Index)
	assert.Equal(t, "p2", summary.Errors[0].ID)
}

func TestForEach_StopSkipsRemaining(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)

	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			if it.Field("words") == 1 {
				return fmt.Errorf("boom")
			}
			return nil
		},
		&ForEachOptions{OnError: OnErrorStop},
	)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Skipped)
}

func TestForEach_SkipModeRecordsNoErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)

	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			if it.Field("words") == 2 {
				return fmt.Errorf("boom")
			}
			return nil
		},
		&ForEachOptions{OnError: OnErrorSkip},
	)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Errors)
}

func TestForEach_OnErrorFuncDecidesPerItem(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)

	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			if n, _ := it.Field("words").(int); n%2 == 0 {
				return fmt.Errorf("boom %d", n)
			}
			return nil
		},
		&ForEachOptions{
			OnErrorFunc: func(index int, id string, err error) string {
				if index == 0 {
					return OnErrorSkip
				}
				return OnErrorContinue
			},
		},
	)
	require.NoError(t, err)

	// Items 0, 2, 4 fail; item 0 is skipped by the hook, the rest recorded.
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, 2, summary.Errors[0].Index)
	assert.Equal(t, 4, summary.Errors[1].Index)
}

func TestForEach_Retries(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 1)

	attempts := 0
	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("transient")
			}
			return nil
		},
		&ForEachOptions{
			MaxRetries: 2,
			RetryDelay: func(attempt int) time.Duration { return time.Millisecond },
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)
}

func TestForEach_Concurrency(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 20)

	var mu sync.Mutex
	var current, peak int
	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			return nil
		},
		&ForEachOptions{Concurrency: 4},
	)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Completed)
	assert.LessOrEqual(t, peak, 4)
	assert.Greater(t, peak, 1, "work actually overlaps")
}

func TestForEach_Timeout(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 1)

	summary, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		&ForEachOptions{Timeout: 5 * time.Millisecond},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}

func TestForEach_Cancellation(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)

	ctx, cancel := context.WithCancel(context.Background())
	summary, err := New(store, querySchema(t), "Post").ForEach(ctx,
		func(ctx context.Context, it *Item) error {
			cancel()
			return nil
		},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.GreaterOrEqual(t, summary.Cancelled, 3, "undispatched items are cancelled, not run")
	assert.Equal(t, 5, summary.Completed+summary.Cancelled)
}

func TestForEach_ProgressSnapshots(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 3)

	var snapshots []Progress
	_, err := New(store, querySchema(t), "Post").ForEach(context.Background(),
		func(ctx context.Context, it *Item) error {
			if it.Field("words") == 1 {
				return fmt.Errorf("boom")
			}
			return nil
		},
		&ForEachOptions{OnProgress: func(p Progress) { snapshots = append(snapshots, p) }},
	)
	require.NoError(t, err)

	require.Len(t, snapshots, 3)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 1, last.Failed)
	assert.GreaterOrEqual(t, last.Elapsed, snapshots[0].Elapsed)
}

func TestForEach_PersistAndResume(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 5)
	ctx := context.Background()

	q := New(store, querySchema(t), "Post")
	first, err := q.ForEach(ctx,
		func(ctx context.Context, it *Item) error {
			if it.Field("words") == 3 {
				return fmt.Errorf("interrupted")
			}
			return nil
		},
		&ForEachOptions{Persist: true},
	)
	require.NoError(t, err)
	require.NotEmpty(t, first.ActionID)
	assert.Equal(t, 4, first.Completed)
	assert.Equal(t, 1, first.Failed)

	// Resume under the same action id: checkpointed items are skipped and
	// only the failed one reruns.
	second, err := q.ForEach(ctx,
		func(ctx context.Context, it *Item) error { return nil },
		&ForEachOptions{Persist: true, ActionID: first.ActionID},
	)
	require.NoError(t, err)
	assert.Equal(t, first.ActionID, second.ActionID)
	assert.Equal(t, 4, second.Skipped)
	assert.Equal(t, 1, second.Completed)
	assert.Zero(t, second.Failed)

	// The trail ends with a completion marker.
	entries, err := store.ActionEntries(ctx, first.ActionID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, storage.ActionComplete, entries[len(entries)-1].Kind)
}

func TestForEach_ResumeSurvivesListMutation(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedNumbered(t, store, 3)
	ctx := context.Background()

	q := New(store, querySchema(t), "Post")
	first, err := q.ForEach(ctx,
		func(ctx context.Context, it *Item) error {
			if it.ID() == "p2" {
				return fmt.Errorf("interrupted")
			}
			return nil
		},
		&ForEachOptions{Persist: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Completed)
	assert.Equal(t, 1, first.Failed)

	// An item processed before the interruption disappears; positions of
	// the remaining items shift.
	deleted, err := store.Delete(ctx, "Post", "p0")
	require.NoError(t, err)
	require.True(t, deleted)

	var ran []string
	second, err := q.ForEach(ctx,
		func(ctx context.Context, it *Item) error {
			ran = append(ran, it.ID())
			return nil
		},
		&ForEachOptions{Persist: true, ActionID: first.ActionID},
	)
	require.NoError(t, err)
	assert.Contains(t, ran, "p2", "unprocessed item reruns after resume")
	assert.NotContains(t, ran, "p1", "checkpointed item stays skipped")
	assert.Equal(t, 1, second.Completed)
	assert.Equal(t, 1, second.Skipped)
}
