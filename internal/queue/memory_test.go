package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackzampolin/narrator/internal/jobs"
)

func TestMemoryEnqueueDequeueOrder(t *testing.T) {
	q := NewMemory(8)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, Message{JobID: id, Type: jobs.JobTypeTextToAudio}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if d.Message().JobID != want {
			t.Fatalf("got %s, want %s", d.Message().JobID, want)
		}
		if err := d.Ack(); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestMemoryRejectsEmptyJobID(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()
	if err := q.Enqueue(context.Background(), Message{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
}

func TestMemoryNakRedelivers(t *testing.T) {
	q := NewMemory(8)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Message{JobID: "retry-me", Type: jobs.JobTypeTextToAudio}); err != nil {
		t.Fatal(err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	d2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d2.Message().JobID != "retry-me" || d2.Message().Attempt != 1 {
		t.Fatalf("unexpected redelivery %+v", d2.Message())
	}
	// Nak after Ack is a no-op: the message must not come back again.
	if err := d2.Ack(); err != nil {
		t.Fatal(err)
	}
	if err := d2.Nak(); err != nil {
		t.Fatal(err)
	}
	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestMemoryDequeueRespectsContext(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Dequeue did not return promptly on context expiry")
	}
}

func TestMemoryCloseDrainsBuffered(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Message{JobID: "last-one", Type: jobs.JobTypeTextToAudio}); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(ctx, Message{JobID: "too-late", Type: jobs.JobTypeTextToAudio}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("buffered message lost on close: %v", err)
	}
	if d.Message().JobID != "last-one" {
		t.Fatalf("unexpected message %+v", d.Message())
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
