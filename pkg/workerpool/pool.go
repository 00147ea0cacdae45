// Package workerpool implements the bounded, order-tolerant worker pools
// that sit on the inter-proxy link's hot path: parallel compression,
// parallel encryption, and the ordered reassembler that recovers
// submission order from whichever worker finishes first.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Result is what one worker produced for one submitted item.
type Result struct {
	Index int
	Data  []byte
	Err   error
}

// Func is the per-item transform a Pool fans out across its workers.
type Func func(data []byte) ([]byte, error)

// Pool runs Func across a bounded number of goroutines. Each Submit call is
// tagged with a monotonically increasing index; Results() delivers them in
// whatever order the workers finish, not submission order — pair with a
// Reassembler to recover it.
type Pool struct {
	fn      Func
	sem     *semaphore.Weighted
	results chan Result

	mu      sync.Mutex
	nextIdx int
	wg      sync.WaitGroup
}

// New builds a Pool with the given worker concurrency bound running fn.
func New(workers int, fn Func) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		fn:      fn,
		sem:     semaphore.NewWeighted(int64(workers)),
		results: make(chan Result, workers*4),
	}
}

// Submit assigns data the next index and runs fn for it asynchronously,
// blocking only until a worker slot is free (or ctx is cancelled).
func (p *Pool) Submit(ctx context.Context, data []byte) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	p.mu.Lock()
	idx := p.nextIdx
	p.nextIdx++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		out, err := p.fn(data)
		var ce *ErrCompress
		if errors.As(err, &ce) {
			ce.Index = idx
		}
		var de *ErrDecrypt
		if errors.As(err, &de) {
			de.Index = idx
		}
		p.results <- Result{Index: idx, Data: out, Err: err}
	}()
	return idx, nil
}

// Results returns the channel of completed work.
func (p *Pool) Results() <-chan Result { return p.results }

// Close waits for all submitted work to finish, then closes Results().
func (p *Pool) Close() {
	p.wg.Wait()
	close(p.results)
}
