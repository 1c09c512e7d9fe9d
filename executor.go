package wsevent

import (
	"sync"

	"github.com/eapache/queue"
)

// Executor runs listener callbacks.
// Callbacks submitted by one Conn must run one at a time in submission order.
type Executor interface {
	Execute(fn func())
}

type callerRuns struct{}

func (callerRuns) Execute(fn func()) {
	fn()
}

// CallerRuns invokes callbacks synchronously on the goroutine that
// fed the bytes, before Feed returns.
var CallerRuns Executor = callerRuns{}

// Pool is a fixed set of worker goroutines shared by many connections.
// Each connection gets its own ordered Executor from the pool.
type Pool struct {
	tasks     chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks:  make(chan func()),
		closed: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) submit(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.closed:
		// Nobody is left to run it.
		fn()
	}
}

// Executor returns an Executor that runs callbacks in order on the pool's
// workers. Use one per connection.
func (p *Pool) Executor() Executor {
	return &strand{
		pool: p,
		q:    queue.New(),
	}
}

// Close stops the workers once they finish their current task.
// Callbacks submitted afterwards run on the submitting goroutine.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

// strand serializes the callbacks of one connection on a shared pool.
// At most one worker drains a strand at a time.
type strand struct {
	pool *Pool

	mu      sync.Mutex
	q       *queue.Queue
	running bool
}

func (s *strand) Execute(fn func()) {
	s.mu.Lock()
	s.q.Add(fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.pool.submit(s.drain)
}

func (s *strand) drain() {
	for {
		s.mu.Lock()
		if s.q.Length() == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.q.Remove().(func())
		s.mu.Unlock()

		fn()
	}
}
