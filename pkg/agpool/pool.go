// Package agpool runs per allocation group work on a fixed set of
// goroutines, with a barrier between passes.
package agpool

import (
	"context"
	"runtime"
	"sync"
)

// Work is one unit of a pass, run for a single allocation group.
type Work func(ctx context.Context, agno uint32) error

type unit struct {
	work Work
	agno uint32
}

// Pool is a fixed set of workers consuming a FIFO of units.
type Pool struct {
	ctx     context.Context
	units   chan unit
	pending sync.WaitGroup
	workers sync.WaitGroup

	lock sync.Mutex
	err  error
}

// DefaultWorkers is twice the number of CPUs.
func DefaultWorkers() int {
	return 2 * runtime.NumCPU()
}

// New starts n workers. They exit when Close is called.
func New(ctx context.Context, n int) *Pool {

	if n <= 0 {
		n = DefaultWorkers()
	}

	p := &Pool{
		ctx:   ctx,
		units: make(chan unit, 4*n),
	}

	p.workers.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}

	return p

}

func (p *Pool) failed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.err != nil
}

func (p *Pool) fail(err error) {
	p.lock.Lock()
	if p.err == nil {
		p.err = err
	}
	p.lock.Unlock()
}

func (p *Pool) run() {

	defer p.workers.Done()

	for u := range p.units {

		if !p.failed() {
			err := p.ctx.Err()
			if err == nil {
				err = u.work(p.ctx, u.agno)
			}
			if err != nil {
				p.fail(err)
			}
		}

		p.pending.Done()

	}

}

// Queue adds a unit. Units queued after a failure are skipped until the
// next Wait.
func (p *Pool) Queue(work Work, agno uint32) {
	p.pending.Add(1)
	p.units <- unit{work: work, agno: agno}
}

// QueueAll queues one unit per allocation group.
func (p *Pool) QueueAll(work Work, agcount uint32) {
	for agno := uint32(0); agno < agcount; agno++ {
		p.Queue(work, agno)
	}
}

// Wait blocks until every queued unit has finished and returns the first
// error any of them reported.
func (p *Pool) Wait() error {

	p.pending.Wait()

	p.lock.Lock()
	err := p.err
	p.err = nil
	p.lock.Unlock()

	return err

}

// Run queues work for every allocation group and waits for it.
func (p *Pool) Run(work Work, agcount uint32) error {
	p.QueueAll(work, agcount)
	return p.Wait()
}

// Close stops the workers once the queue is empty.
func (p *Pool) Close() {
	close(p.units)
	p.workers.Wait()
}
