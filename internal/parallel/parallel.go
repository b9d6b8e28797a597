// Package parallel runs intra-operator data-parallel loops on a fixed-size
// worker budget.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk is the smallest number of iterations handed to one worker.
const minChunk = 16

// Pool bounds the number of goroutines a loop may use. Iterations must be
// independent of each other.
type Pool struct {
	threads int
}

// New returns a pool of the given size; threads <= 0 uses GOMAXPROCS.
func New(threads int) *Pool {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &Pool{threads: threads}
}

func (p *Pool) Threads() int { return p.threads }

// For calls f(i) for every i in [0, n).
func (p *Pool) For(n int, f func(i int)) {
	p.Range(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			f(i)
		}
	})
}

// Range splits [0, n) into contiguous chunks and calls f(lo, hi) for each.
// Small loops or single-thread pools run inline.
func (p *Pool) Range(n int, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if p == nil || p.threads == 1 || n < 2*minChunk {
		f(0, n)
		return
	}
	chunk := max((n+p.threads-1)/p.threads, minChunk)
	var g errgroup.Group
	g.SetLimit(p.threads)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			f(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// For2 iterates the (a, b) grid, flattening it for chunking.
func (p *Pool) For2(na, nb int, f func(a, b int)) {
	p.For(na*nb, func(k int) {
		f(k/nb, k%nb)
	})
}
