package fake

import (
	"context"
	"sync"
	"syscall"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// complQueue is a fake completion queue. Entries are delivered strictly
// in enqueue order. After the owning connection disconnects the queue is
// put into drain mode: Poll keeps returning the remaining entries and
// Wait fails with EBADF once the queue is empty, matching the tail of
// flush completions an application sees on a real provider.
type complQueue struct {
	ctx  *Context
	size int

	mu       sync.Mutex
	entries  []verbs.WorkCompletion
	notify   chan struct{}
	done     chan struct{}
	draining bool
	closed   bool
}

func newComplQueue(ctx *Context, size int) *complQueue {
	return &complQueue{
		ctx:    ctx,
		size:   size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *complQueue) push(wc verbs.WorkCompletion) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.entries = append(q.entries, wc)
	q.mu.Unlock()
	q.ping()
}

func (q *complQueue) ping() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// setDraining marks the queue as closing once empty and wakes a blocked
// waiter so it re-polls.
func (q *complQueue) setDraining() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.ping()
}

// Poll implements verbs.CQ.
func (q *complQueue) Poll() (verbs.WorkCompletion, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return verbs.WorkCompletion{}, false, verbs.Errorf("ibv_poll_cq", syscall.EBADF)
	}
	if len(q.entries) == 0 {
		return verbs.WorkCompletion{}, false, nil
	}
	wc := q.entries[0]
	q.entries = q.entries[1:]
	return wc, true, nil
}

// Wait implements verbs.CQ.
func (q *complQueue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return verbs.Errorf("ibv_get_cq_event", syscall.EBADF)
		}
		if len(q.entries) > 0 {
			q.mu.Unlock()
			return nil
		}
		if q.draining {
			q.mu.Unlock()
			return verbs.Errorf("ibv_get_cq_event", syscall.EBADF)
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return verbs.Errorf("ibv_get_cq_event", syscall.EBADF)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy implements verbs.CQ.
func (q *complQueue) Destroy() error {
	if errno, ok := q.ctx.takeFailure("destroy_cq"); ok {
		return verbs.Errorf("ibv_destroy_cq", errno)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return verbs.Errorf("ibv_destroy_cq", syscall.EINVAL)
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.ctx.fabric.dropHandle()
	return nil
}
