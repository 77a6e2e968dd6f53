package optimistic

import (
	"context"
	"sync"

	"github.com/agentworkforce/tasksync/internal/todoist"
)

type commandJob struct {
	update  Update
	seq     uint64
	command todoist.Command
	pending *Pending
}

// commandQueue is a bounded FIFO of commands waiting for a worker.
type commandQueue struct {
	ch    chan commandJob
	mu    sync.Mutex
	items map[string]commandJob
}

func newCommandQueue(capacity int) *commandQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &commandQueue{
		ch:    make(chan commandJob, capacity),
		items: make(map[string]commandJob),
	}
}

func (q *commandQueue) TryEnqueue(job commandJob) bool {
	if q == nil || job.command.UUID == "" {
		return false
	}
	// Track before the send so a fast worker cannot forget the job first.
	q.mu.Lock()
	q.items[job.command.UUID] = job
	q.mu.Unlock()
	select {
	case q.ch <- job:
		return true
	default:
		q.forget(job)
		return false
	}
}

func (q *commandQueue) Dequeue(ctx context.Context) (commandJob, bool) {
	if q == nil {
		return commandJob{}, false
	}
	select {
	case job := <-q.ch:
		q.forget(job)
		return job, true
	case <-ctx.Done():
		return commandJob{}, false
	}
}

// drain empties the queue without blocking.
func (q *commandQueue) drain() []commandJob {
	var out []commandJob
	for {
		select {
		case job := <-q.ch:
			q.forget(job)
			out = append(out, job)
		default:
			return out
		}
	}
}

func (q *commandQueue) forget(job commandJob) {
	q.mu.Lock()
	delete(q.items, job.command.UUID)
	q.mu.Unlock()
}

func (q *commandQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *commandQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}
