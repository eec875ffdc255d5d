package deid

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchConcurrency = 4

type BatchItem struct {
	Record  Record  `json:"record"`
	Request Request `json:"request"`
}

// BatchResult holds the outcome of one item. Exactly one of Result and Err
// is set.
type BatchResult struct {
	Result *Result
	Err    error
}

// AnonymizeBatch runs items concurrently, at most concurrency at a time.
// Items are independent: one failure does not affect the others. Once ctx is
// cancelled no further items start; those report ctx.Err().
func (e *Engine) AnonymizeBatch(ctx context.Context, items []BatchItem, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	results := make([]BatchResult, len(items))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range items {
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			res, err := e.Anonymize(ctx, items[i].Record, items[i].Request)
			results[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
