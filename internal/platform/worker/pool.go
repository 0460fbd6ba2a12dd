// Package worker runs independent sub-tasks of a pipeline pass on a bounded
// number of goroutines. Tasks must not touch the batch linkage caches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of work. A failing task does not stop the others.
type Task func(ctx context.Context) error

// Pool bounds concurrency with an errgroup limit. Wait is the barrier between a
// pass that submits work and the pass that depends on it; the pool can be
// reused after Wait returns.
type Pool struct {
	ctx    context.Context
	size   int
	logger zerolog.Logger

	mu   sync.Mutex
	g    *errgroup.Group
	errs []error

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func New(ctx context.Context, size int, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{ctx: ctx, size: size, logger: logger}
	p.reset()
	return p
}

func (p *Pool) reset() {
	g := new(errgroup.Group)
	g.SetLimit(p.size)
	p.g = g
	p.errs = nil
}

func (p *Pool) Size() int { return p.size }

// Submit queues t, blocking while all workers are busy.
func (p *Pool) Submit(t Task) {
	p.submitted.Add(1)
	p.mu.Lock()
	g := p.g
	p.mu.Unlock()
	g.Go(func() error {
		p.run(t)
		return nil
	})
}

func (p *Pool) run(t Task) {
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.record(fmt.Errorf("worker task panic: %v", r))
			p.logger.Error().Str("stack", string(debug.Stack())).Msgf("worker task panic: %v", r)
		}
	}()
	if err := p.ctx.Err(); err != nil {
		p.record(err)
		return
	}
	if err := t(p.ctx); err != nil {
		p.record(err)
	}
}

func (p *Pool) record(err error) {
	p.failed.Add(1)
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished and returns their errors
// joined. Submitting concurrently with Wait is not supported.
func (p *Pool) Wait() error {
	p.mu.Lock()
	g := p.g
	p.mu.Unlock()
	_ = g.Wait()

	p.mu.Lock()
	err := errors.Join(p.errs...)
	p.reset()
	p.mu.Unlock()
	return err
}

type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

func (p *Pool) Stats() Stats {
	return Stats{Submitted: p.submitted.Load(), Completed: p.completed.Load(), Failed: p.failed.Load()}
}
