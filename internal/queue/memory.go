package queue

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 1024

// Memory is an in-process queue for single-node deployments and tests.
type Memory struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{
		ch:   make(chan Message, capacity),
		done: make(chan struct{}),
	}
}

func (q *Memory) Enqueue(ctx context.Context, msg Message) error {
	if _, err := msg.encode(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	// Drain buffered messages even after Close.
	select {
	case msg := <-q.ch:
		return &memoryDelivery{q: q, msg: msg}, nil
	default:
	}
	select {
	case msg := <-q.ch:
		return &memoryDelivery{q: q, msg: msg}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops intake. Messages already buffered still drain through Dequeue.
func (q *Memory) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

type memoryDelivery struct {
	q    *Memory
	msg  Message
	done bool
	mu   sync.Mutex
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	return nil
}

// Nak requeues the message with an incremented attempt counter.
func (d *memoryDelivery) Nak() error {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return nil
	}
	d.done = true
	d.mu.Unlock()

	msg := d.msg
	msg.Attempt++
	return d.q.Enqueue(context.Background(), msg)
}

var _ Queue = (*Memory)(nil)
