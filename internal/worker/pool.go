// Package worker fans per-domain work out to a bounded number of goroutines.
// The liveness monitor uses it to check every domain in one sweep.
package worker

import (
	"context"
	"runtime"
	"sync"
)

// Result pairs a domain's outcome with its position in the input.
type Result[T any] struct {
	Index  int
	Domain string
	Value  T
	Err    error
}

// Pool runs fn over a list of domains with bounded concurrency.
type Pool[T any] struct {
	concurrency int
}

// NewPool creates a pool. If concurrency <= 0, defaults to runtime.NumCPU().
func NewPool[T any](concurrency int) *Pool[T] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[T]{concurrency: concurrency}
}

// Concurrency returns the worker count.
func (p *Pool[T]) Concurrency() int {
	return p.concurrency
}

// Process applies fn to every domain and returns results in input order.
// Per-domain errors are captured in the result. Domains not yet started when
// ctx ends get ctx.Err() without fn being called.
func (p *Pool[T]) Process(ctx context.Context, domains []string, fn func(context.Context, string) (T, error)) []Result[T] {
	if len(domains) == 0 {
		return nil
	}
	workers := min(p.concurrency, len(domains))

	type job struct {
		index  int
		domain string
	}
	jobs := make(chan job, len(domains))
	results := make([]Result[T], len(domains))
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				r := Result[T]{Index: j.index, Domain: j.domain}
				if err := ctx.Err(); err != nil {
					r.Err = err
				} else {
					r.Value, r.Err = fn(ctx, j.domain)
				}
				results[j.index] = r
			}
		}()
	}

	for i, d := range domains {
		jobs <- job{index: i, domain: d}
	}
	close(jobs)
	wg.Wait()

	return results
}
