// ============================================================================
// Worker Pool
// ============================================================================
//
// N worker goroutines share one bounded queue of changes.
//
//   ┌─────────┐  Submit   ┌──────────────┐   ┌──────────┐
//   │ poller  │ ────────> │ queue (cap)  │──>│ worker 0 │
//   └─────────┘           │              │──>│ worker 1 │
//                         └──────────────┘   └──────────┘
//
// Lifecycle:
//   1. NewPool(size) - create the queue
//   2. Start(n, run) - launch n workers
//   3. Submit(change) - blocking push, the backpressure point
//   4. Stop() - push one nil sentinel per worker, wait for all to exit
//
// A worker that hits a fatal error exits early. Submit and Stop select on
// the all-exited channel so neither can block forever on a dead pool.
//
// ============================================================================

package monitor

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Pool owns the work queue and the worker goroutines
type Pool struct {
	queue   chan *types.Change
	exited  chan struct{}
	wg      sync.WaitGroup
	workers int
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool creates a pool with a queue of the given capacity
func NewPool(queueSize int) *Pool {
	return &Pool{
		queue:  make(chan *types.Change, queueSize),
		exited: make(chan struct{}),
	}
}

// Start launches workerCount goroutines running run(id, queue)
func (p *Pool) Start(workerCount int, run func(id int, queue <-chan *types.Change)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			run(id, p.queue)
		}(i)
	}
	p.workers = workerCount
	p.started = true

	go func() {
		p.wg.Wait()
		close(p.exited)
	}()
	return nil
}

// Submit pushes a change, blocking while the queue is full
func (p *Pool) Submit(change types.Change) error {
	select {
	case <-p.exited:
		return ErrPoolClosed
	default:
	}

	select {
	case p.queue <- &change:
		return nil
	case <-p.exited:
		return ErrPoolClosed
	}
}

// Stop sends one sentinel per worker and waits for every worker to exit.
// Changes already queued ahead of the sentinels are still handled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		select {
		case p.queue <- nil:
		case <-p.exited:
			return
		}
	}
	<-p.exited
}

// Exited is closed once every worker has returned
func (p *Pool) Exited() <-chan struct{} {
	return p.exited
}

// Pending is the number of queued entries
func (p *Pool) Pending() int {
	return len(p.queue)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}
