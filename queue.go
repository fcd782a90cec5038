package main

import (
	"context"
	"sync"
)

// CommandQueue is an unbounded FIFO of viewer commands with a single
// blocking consumer. Enqueue never blocks. The queue lives for the whole
// process and survives source session boundaries; producers are expected to
// check that a source is active before enqueueing.
type CommandQueue struct {
	mu    sync.Mutex
	items []Command

	// signal carries at most one pending wake-up for the consumer.
	signal chan struct{}
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a command without blocking.
func (q *CommandQueue) Enqueue(cmd Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a command is available or ctx is done. It is meant
// to be called by a single consumer.
func (q *CommandQueue) Dequeue(ctx context.Context) (Command, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return cmd, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Command{}, ctx.Err()
		}
	}
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
