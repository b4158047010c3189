package engine

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const ctxCheckInterval = 1 << 12

// Fallback searches on the CPU. It returns the lowest matching nonce of the
// range so the result does not depend on worker scheduling.
type Fallback struct {
	workers int
}

func NewFallback(workers int) *Fallback {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Fallback{workers: workers}
}

func (f *Fallback) Name() string {
	return "fallback"
}

func (f *Fallback) Workers() int {
	return f.workers
}

func (f *Fallback) Close() error {
	return nil
}

func (f *Fallback) Search(ctx context.Context, unit WorkUnit) (*Result, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	var (
		best   atomic.Uint64
		hashes atomic.Uint64
	)
	best.Store(math.MaxUint64)

	workers := uint64(f.workers)
	if size := unit.Size(); size < workers {
		workers = size
	}
	chunk := unit.Size() / workers

	eg, ctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < workers; i++ {
		from := unit.RangeStart + i*chunk
		to := from + chunk
		if i == workers-1 {
			to = unit.RangeEnd
		}
		eg.Go(func() error {
			h := newHasher(unit.Descriptor)
			var out []byte
			var done uint64
			defer func() { hashes.Add(done) }()
			for nonce := from; nonce < to; nonce++ {
				if done%ctxCheckInterval == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				if nonce > best.Load() {
					return nil
				}
				out = h.hash(nonce, out[:0])
				done++
				if Meets(out, unit.Target) {
					for {
						cur := best.Load()
						if nonce >= cur || best.CompareAndSwap(cur, nonce) {
							return nil
						}
					}
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Hashes: hashes.Load(), Duration: time.Since(started)}
	// RangeEnd is exclusive, so MaxUint64 is never a searched nonce.
	if nonce := best.Load(); nonce != math.MaxUint64 {
		res.Found = true
		res.Nonce = nonce
		res.Hash = Hash(unit.Descriptor, nonce)
	}
	return res, nil
}
