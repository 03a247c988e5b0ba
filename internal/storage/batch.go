package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchResult contains the outcome of a batch read.
type BatchResult struct {
	Objects map[string][]byte
	Errors  map[string]error
}

// BatchGetter reads many objects with bounded parallelism.
type BatchGetter struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchGetter creates a new batch getter.
// concurrency: maximum number of parallel reads (default 4)
func NewBatchGetter(storage ObjectStorage, concurrency int) *BatchGetter {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchGetter{storage: storage, concurrency: concurrency}
}

// Get reads every path. Per-object failures land in Errors; the call itself
// only fails for an empty storage.
func (b *BatchGetter) Get(ctx context.Context, paths []string) (*BatchResult, error) {
	if b.storage == nil {
		return nil, fmt.Errorf("storage: batch getter has no storage")
	}

	result := &BatchResult{
		Objects: make(map[string][]byte, len(paths)),
		Errors:  make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Objects[path] = data
		}(p)
	}

	wg.Wait()
	return result, nil
}
