// Package concurrent provides the small concurrency-control pieces used by
// the execution engine.
package concurrent

import (
	"context"
	"sync"
)

// Limiter bounds how many callers run a section at once. It is used to cap
// in-flight embedding requests independently of script execution.
type Limiter struct {
	max int
	sem chan struct{}
}

// NewLimiter creates a limiter admitting at most max concurrent callers.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = 4
	}
	return &Limiter{max: max, sem: make(chan struct{}, max)}
}

// Max returns the configured concurrency bound.
func (l *Limiter) Max() int { return l.max }

// Do runs fn once a slot is free. Waiting is cancelled by ctx.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
		return fn()
	}
}

// ParallelMap applies fn to every item with bounded concurrency and returns
// the results in input order. The first error wins; remaining work still
// completes before it is returned.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
				results[idx], errs[idx] = fn(val)
			}
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
