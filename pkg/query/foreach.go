package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/storage"
)

// ForEach error handling modes.
const (
	// OnErrorContinue (the default) records the failure and keeps iterating.
	OnErrorContinue = "continue"
	// OnErrorSkip counts the item as skipped, without recording an error.
	OnErrorSkip = "skip"
	// OnErrorStop fails fast: remaining items are skipped.
	OnErrorStop = "stop"
)

// ForEachOptions tunes side-effecting iteration.
type ForEachOptions struct {
	// Concurrency is the number of parallel workers, default 1.
	Concurrency int

	// Timeout bounds each item callback (per attempt). Zero means no
	// per-item bound.
	Timeout time.Duration

	// OnError is OnErrorContinue (default), OnErrorSkip or OnErrorStop.
	OnError string

	// OnErrorFunc, when set, decides the mode per failure and overrides
	// OnError. It runs after retries are exhausted.
	OnErrorFunc func(index int, id string, err error) string

	// MaxRetries re-runs a failed callback up to this many extra times.
	MaxRetries int

	// RetryDelay returns the sleep before retry attempt n (1-based).
	// Nil retries immediately.
	RetryDelay func(attempt int) time.Duration

	// OnProgress is called after every finished item.
	OnProgress func(Progress)

	// Persist checkpoints progress in the store's action ledger so an
	// interrupted run can be resumed.
	Persist bool

	// ActionID resumes a persisted run: items checkpointed under this id
	// are skipped. Empty starts a fresh run.
	ActionID string
}

// Progress is a point-in-time snapshot of a running ForEach.
type Progress struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Elapsed   time.Duration
	Rate      float64 // finished items per second
}

// ItemError is one failed item in a ForEach summary.
type ItemError struct {
	Index int
	ID    string
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.ID, e.Err)
}

// Summary reports the outcome of a ForEach run.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int // resumed items, skip-mode failures, items abandoned by OnErrorStop
	Cancelled int
	Errors    []ItemError

	// ActionID identifies the checkpoint trail of a persisted run.
	ActionID string
}

// ForEach executes fn once per pipeline item. Item callbacks see hydrated
// relationships like every other terminal. Item errors never abort the
// whole call: the returned Summary carries them. The error return is
// reserved for pipeline failures (fetch, hydration, checkpointing).
func (q *Query) ForEach(ctx context.Context, fn func(ctx context.Context, it *Item) error, opts *ForEachOptions) (*Summary, error) {
	if opts == nil {
		opts = &ForEachOptions{}
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	items, err := q.run(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(items)}

	// Resume: ids already checkpointed under the action id are done. Ids,
	// not positions, so items inserted or deleted since the interrupted
	// run cannot shift what gets skipped.
	resumed := make(map[string]bool)
	if opts.Persist {
		summary.ActionID = opts.ActionID
		if summary.ActionID == "" {
			summary.ActionID = storage.NewID()
		} else {
			entries, err := q.store.ActionEntries(ctx, summary.ActionID)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				if entry.Kind != storage.ActionCheckpoint {
					continue
				}
				if id, ok := entry.Payload["id"].(string); ok {
					resumed[id] = true
				}
			}
		}
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		done    int
		stopped bool
	)
	sem := make(chan struct{}, concurrency)

	start := time.Now()
	finish := func(update func()) {
		mu.Lock()
		defer mu.Unlock()
		update()
		done++
		if opts.OnProgress != nil {
			elapsed := time.Since(start)
			var rate float64
			if secs := elapsed.Seconds(); secs > 0 {
				rate = float64(done) / secs
			}
			opts.OnProgress(Progress{
				Total:     summary.Total,
				Completed: summary.Completed,
				Failed:    summary.Failed,
				Skipped:   summary.Skipped,
				Cancelled: summary.Cancelled,
				Elapsed:   elapsed,
				Rate:      rate,
			})
		}
	}

dispatch:
	for i, it := range items {
		if resumed[it.ID()] {
			finish(func() { summary.Skipped++ })
			continue
		}

		// Cancellation and stop-mode failures are both checked between
		// dispatches, so in-flight items always finish.
		mu.Lock()
		abandoned := stopped
		mu.Unlock()
		if abandoned {
			finish(func() { summary.Skipped++ })
			continue
		}
		if ctx.Err() != nil {
			finish(func() { summary.Cancelled++ })
			continue
		}
		select {
		case <-ctx.Done():
			finish(func() { summary.Cancelled++ })
			continue dispatch
		case sem <- struct{}{}:
		}

		// A failure may have landed while waiting for a worker slot.
		mu.Lock()
		abandoned = stopped
		mu.Unlock()
		if abandoned {
			<-sem
			finish(func() { summary.Skipped++ })
			continue
		}

		wg.Add(1)
		go func(i int, it *Item) {
			defer wg.Done()
			defer func() { <-sem }()

			err := q.runItem(ctx, fn, it, opts)
			if err == nil {
				if opts.Persist {
					err = q.checkpoint(ctx, summary.ActionID, i, it)
				}
			}
			if err == nil {
				finish(func() { summary.Completed++ })
				return
			}
			mode := opts.OnError
			if opts.OnErrorFunc != nil {
				mode = opts.OnErrorFunc(i, it.ID(), err)
			}
			finish(func() {
				switch mode {
				case OnErrorSkip:
					summary.Skipped++
				case OnErrorStop:
					summary.Failed++
					summary.Errors = append(summary.Errors, ItemError{Index: i, ID: it.ID(), Err: err})
					stopped = true
				default:
					summary.Failed++
					summary.Errors = append(summary.Errors, ItemError{Index: i, ID: it.ID(), Err: err})
				}
			})
			q.log.Warn("foreach item failed",
				zap.String("type", q.typ),
				zap.String("id", it.ID()),
				zap.Int("index", i),
				zap.Error(err))
		}(i, it)
	}
	wg.Wait()

	sort.Slice(summary.Errors, func(i, j int) bool {
		return summary.Errors[i].Index < summary.Errors[j].Index
	})

	if opts.Persist && summary.Failed == 0 && summary.Cancelled == 0 {
		_, err := q.store.AppendAction(ctx, &storage.ActionEntry{
			ActionID: summary.ActionID,
			Kind:     storage.ActionComplete,
			Payload:  map[string]any{"total": summary.Total},
		})
		if err != nil {
			return nil, err
		}
	}
	return summary, nil
}

// runItem runs one callback with per-attempt timeout and retries.
func (q *Query) runItem(ctx context.Context, fn func(ctx context.Context, it *Item) error, it *Item, opts *ForEachOptions) error {
	var err error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if opts.RetryDelay != nil {
				select {
				case <-time.After(opts.RetryDelay(attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			q.log.Debug("retrying item",
				zap.String("id", it.ID()),
				zap.Int("attempt", attempt))
		}

		itemCtx := ctx
		cancel := context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			itemCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		err = fn(itemCtx, it)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (q *Query) checkpoint(ctx context.Context, actionID string, index int, it *Item) error {
	_, err := q.store.AppendAction(ctx, &storage.ActionEntry{
		ActionID: actionID,
		Kind:     storage.ActionCheckpoint,
		Payload:  map[string]any{"index": index, "id": it.ID()},
	})
	return err
}
