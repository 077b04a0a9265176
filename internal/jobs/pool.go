package jobs

import (
	"sync"
)

// DefaultWorkers bounds concurrent jobs when no option overrides it.
const DefaultWorkers = 3

// pool runs queued tasks on a fixed number of goroutines in FIFO order.
// Submissions never block; excess work waits in the queue.
type pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Job
	closed  bool
	run     func(*Job)
	workers sync.WaitGroup
}

func newPool(size int, run func(*Job)) *pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	p := &pool{run: run}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *pool) enqueue(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return nil
}

func (p *pool) loop() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.run(job)
	}
}

// pending returns how many jobs wait for a worker.
func (p *pool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// close stops dispatch and returns the jobs that never started. Running
// jobs finish on their own.
func (p *pool) close() []*Job {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	return dropped
}

// wait blocks until every worker goroutine has exited.
func (p *pool) wait() {
	p.workers.Wait()
}
