package device

import "sync"

// taskQueue is a thread-safe FIFO of pending invocations. The lock is only
// held to push or pop; it is never held while a task runs.
//
// signal has a buffer of one so any number of enqueues coalesce into a
// single wake-up for the dispatcher.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]*Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends t. It returns false once the queue is closed.
func (q *taskQueue) Enqueue(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest task without blocking.
func (q *taskQueue) TryDequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns a channel that receives when tasks may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further enqueues and hands back whatever was still queued.
func (q *taskQueue) Close() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.tasks
	q.tasks = nil
	return rest
}
