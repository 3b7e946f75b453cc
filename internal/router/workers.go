package router

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
)

const (
	fallbackWorkers = 4
	queueDepth      = 64
)

// workerPool serializes tasks per user: every task for one user id lands on
// the same worker, so turns for that user process in arrival order while
// different users run in parallel.
type workerPool struct {
	queues  []chan task
	run     func(ctx context.Context, t task)
	started sync.Once
}

func newWorkerPool(n int, run func(ctx context.Context, t task)) *workerPool {
	if n <= 0 {
		n = fallbackWorkers
	}
	queues := make([]chan task, n)
	for i := range queues {
		queues[i] = make(chan task, queueDepth)
	}
	return &workerPool{queues: queues, run: run}
}

func (p *workerPool) start(ctx context.Context) {
	p.started.Do(func() {
		for i, q := range p.queues {
			go p.worker(ctx, i, q)
		}
	})
}

func (p *workerPool) worker(ctx context.Context, id int, q chan task) {
	for {
		select {
		case t := <-q:
			p.runSafely(ctx, id, t)
		case <-ctx.Done():
			return
		}
	}
}

// runSafely keeps one panicking turn from taking the worker down with it.
func (p *workerPool) runSafely(ctx context.Context, id int, t task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] worker %d: panic processing user %s: %v", id, t.userID, rec)
		}
	}()
	p.run(ctx, t)
}

// queueIndex maps a user id to its worker queue. The modulo runs on uint32
// so the index stays in range on 32-bit platforms too.
func queueIndex(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

// enqueue routes the task to its user's queue without blocking the webhook
// ack path. It reports false when the queue is full; the caller still owes
// the user a reply.
func (p *workerPool) enqueue(t task) bool {
	select {
	case p.queues[queueIndex(t.userID, len(p.queues))] <- t:
		return true
	default:
		return false
	}
}
