package txengine

import "sync"

// processQueue is a FIFO of transaction ids with a parallel
// processing set. It guarantees an id is never queued twice and that
// at most one processing pass runs per id: a single worker goroutine
// drains the queue, so bursts of enqueues coalesce into one drain
// loop instead of recursing.
type processQueue struct {
	mu         sync.Mutex
	ids        []string
	queued     map[string]struct{}
	processing map[string]struct{}

	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	process func(id string)
}

func newProcessQueue(process func(id string)) *processQueue {
	q := &processQueue{
		queued:     make(map[string]struct{}),
		processing: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		process:    process,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue schedules an id for processing. Ids already queued or
// currently processing are ignored.
func (q *processQueue) enqueue(id string) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if _, dup := q.queued[id]; dup {
		q.mu.Unlock()
		return
	}
	if _, busy := q.processing[id]; busy {
		q.mu.Unlock()
		return
	}
	q.queued[id] = struct{}{}
	q.ids = append(q.ids, id)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop: one drain pass per wake-up.
func (q *processQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.drain()
		}
	}
}

func (q *processQueue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.ids) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.ids[0]
		q.ids = q.ids[1:]
		delete(q.queued, id)
		q.processing[id] = struct{}{}
		q.mu.Unlock()

		q.process(id)

		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()
	}
}

// close stops the worker and waits for the in-flight pass to finish.
// Queued ids that have not started are dropped.
func (q *processQueue) close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}
