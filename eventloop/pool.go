package eventloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool runs a fixed set of Loops, each on its own goroutine, and hands out
// one per Next call using round-robin selection — the Go equivalent of a
// connection dispatcher spreading work across a small number of reactor
// threads.
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
	wg    sync.WaitGroup
	errMu sync.Mutex
	errs  []error
}

// NewPool creates and starts count Loops (each with opts applied), running
// them on background goroutines. A count of 0 or less defaults to
// runtime.NumCPU(). Any count, given or defaulted, is capped at 6 to match
// a reactor pool's typical sizing.
func NewPool(ctx context.Context, count int, opts ...Option) (*Pool, error) {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	const maxPoolSize = 6
	if count > maxPoolSize {
		count = maxPoolSize
	}

	p := &Pool{loops: make([]*Loop, 0, count)}
	for i := 0; i < count; i++ {
		l, err := New(opts...)
		if err != nil {
			p.Stop()
			return nil, err
		}
		p.loops = append(p.loops, l)
	}

	for _, l := range p.loops {
		l := l
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := l.Run(ctx); err != nil && err != context.Canceled {
				p.errMu.Lock()
				p.errs = append(p.errs, err)
				p.errMu.Unlock()
			}
		}()
	}

	return p, nil
}

// Next returns the next Loop in round-robin order.
func (p *Pool) Next() *Loop {
	n := p.next.Add(1) - 1
	return p.loops[n%uint64(len(p.loops))]
}

// Len returns the number of Loops in the pool.
func (p *Pool) Len() int { return len(p.loops) }

// Stop closes every Loop in the pool and waits for their goroutines to
// return.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		_ = l.Close()
	}
	p.wg.Wait()
}
