// Package groutine starts named goroutines. Names are attached as pprof labels so they show up in
// goroutine profiles and stack dumps.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

// Go starts fn in a goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, fn)
}

// Group runs named goroutines and collects the first error.
type Group struct {
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// Go starts fn as a named goroutine tracked by the group.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		if err := fn(ctx); err != nil {
			g.errOnce.Do(func() { g.err = err })
		}
	})
}

// Wait blocks until every goroutine has returned and reports the first non-nil error.
func (g *Group) Wait() error {
	g.wg.Wait()
	return g.err
}
