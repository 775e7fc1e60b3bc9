// Package replay reconstructs run state and agent conversations from the
// append-only event log. Reconstruction is deterministic: the same log always
// yields the same state, so a run can be rebuilt after a crash or restart
// from nothing but its events.
package replay

import (
	"context"
	"sync"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// defaultHydrationWorkers bounds concurrent blob fetches during LoadAll.
const defaultHydrationWorkers = 8

// Loader reads a run's full event log and hydrates overflowed payloads.
type Loader struct {
	store   store.Store
	workers int
}

// NewLoader returns a Loader. workers <= 0 selects the default bound.
func NewLoader(s store.Store, workers int) *Loader {
	if workers <= 0 {
		workers = defaultHydrationWorkers
	}
	return &Loader{store: s, workers: workers}
}

// LoadAll returns the run's complete event log in sequence order with every
// payload hydrated. Blob fetches run concurrently, bounded by the worker
// count. A sequence gap or a missing blob is fatal: the log can no longer be
// trusted to reproduce the run.
func (l *Loader) LoadAll(ctx context.Context, runID string) ([]*store.Event, error) {
	events, err := l.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	for i, e := range events {
		if e.Seq != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeLogCorrupt,
				"sequence gap in run %s: expected %d, got %d", runID, i+1, e.Seq).WithRun(runID)
		}
	}

	if err := l.hydrate(ctx, runID, events); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadPage returns up to limit hydrated events with seq > afterSeq, for
// serving log pages. limit <= 0 means no bound.
func (l *Loader) LoadPage(ctx context.Context, runID string, afterSeq int64, limit int) ([]*store.Event, error) {
	events, err := l.store.GetEvents(ctx, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if err := l.hydrate(ctx, runID, events); err != nil {
		return nil, err
	}
	return events, nil
}

// hydrate resolves blob-referenced payloads in place, fanning out bounded by
// the worker count.
func (l *Loader) hydrate(ctx context.Context, runID string, events []*store.Event) error {
	var overflowed []*store.Event
	for _, e := range events {
		if e.BlobKey != "" && e.Payload == nil {
			overflowed = append(overflowed, e)
		}
	}
	if len(overflowed) == 0 {
		return nil
	}

	sem := make(chan struct{}, l.workers)
	errs := make([]error, len(overflowed))
	var wg sync.WaitGroup
	for i, e := range overflowed {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, e *store.Event) {
			defer wg.Done()
			defer func() { <-sem }()
			data, err := l.store.GetBlob(ctx, e.BlobKey)
			if err != nil {
				errs[i] = err
				return
			}
			e.Payload = data
		}(i, e)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			e := overflowed[i]
			if schema.CodeOf(err) == schema.ErrCodeBlobMissing {
				return schema.NewErrorf(schema.ErrCodeBlobMissing,
					"event %d of run %s references missing blob %q", e.Seq, runID, e.BlobKey).WithRun(runID)
			}
			return err
		}
	}
	return nil
}
