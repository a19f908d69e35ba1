package internal

// WorkerPool runs queued work on up to N goroutines. The coordinator uses
// one to dispatch accounting hooks so a slow subscriber never blocks the
// request handlers that produced the event.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool of size n. The channel buffer is also n:
// once n work items are in flight and n more are queued, Queue blocks,
// applying backpressure to the producer instead of growing memory without
// bound. Derive n from whatever shared resource the work contends on
// (DB connections, downstream rate limits) rather than picking a large
// arbitrary value.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
