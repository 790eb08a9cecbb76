// Package executor provides named, bounded worker pools, used for the
// search block's substring fan-out (spec §5, §9 "Fan-out indexing"). Each pool is a structured
// join: submitting callers block until every task they submitted in that
// batch has drained, built on golang.org/x/sync/errgroup rather than a
// polled completion flag.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool is a named, concurrency-bounded task runner.
type Pool struct {
	name  string
	limit int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Pool{}
)

// Named returns the pool registered under name, creating it with the given
// concurrency limit on first use. Subsequent calls with the same name ignore
// limit and return the existing pool, matching the teacher's cached
// named-pool convention.
func Named(name string, limit int) *Pool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[name]; ok {
		return p
	}
	if limit <= 0 {
		limit = 1
	}
	p := &Pool{name: name, limit: limit}
	registry[name] = p
	return p
}

// Name returns the pool's identifier.
func (p *Pool) Name() string { return p.name }

// Run submits tasks to the pool and blocks until every one has completed or
// the context is canceled, returning the first error encountered (if any).
// This is the "wait until all submitted tasks drain" barrier called for by
// §9: a structured join, not a polled flag.
func (p *Pool) Run(ctx context.Context, tasks []func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}
