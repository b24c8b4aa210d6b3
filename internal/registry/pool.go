package registry

import (
	"sync"

	"github.com/glimte/hare-go/contracts"
)

const defaultWorkerBacklog = 256

type task struct {
	binding  contracts.Binding
	callback Callback
	msg      contracts.Message
}

// pool runs callbacks on a fixed set of workers. Each channel id is pinned to
// one worker so a binding's deliveries keep their order.
type pool struct {
	mu     sync.RWMutex
	queues []chan task
	wg     sync.WaitGroup
	closed bool
	run    func(task)
}

func newPool(workers, backlog int, run func(task)) *pool {
	if workers < 1 {
		workers = 1
	}
	if backlog < 1 {
		backlog = defaultWorkerBacklog
	}

	p := &pool{
		queues: make([]chan task, workers),
		run:    run,
	}
	for i := range p.queues {
		q := make(chan task, backlog)
		p.queues[i] = q
		p.wg.Add(1)
		go p.work(q)
	}
	return p
}

func (p *pool) work(q <-chan task) {
	defer p.wg.Done()
	for t := range q {
		p.run(t)
	}
}

// submit queues t on the worker owning id. It blocks while that worker's
// backlog is full and reports false once the pool is closed.
func (p *pool) submit(id int, t task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	p.queues[id%len(p.queues)] <- t
	return true
}

// close stops accepting work and waits for queued callbacks to finish
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
