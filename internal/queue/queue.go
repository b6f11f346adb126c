// Package queue is the dispatch boundary between job creation and job
// execution. Delivery is at least once: consumers must tolerate seeing the
// same job id twice, and Nak returns a message for redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/narrator/internal/jobs"
)

var ErrClosed = errors.New("queue closed")

// Message is one unit of work: the id of a job to run. Payload stays in the
// job row; the queue only carries the pointer.
type Message struct {
	JobID   string       `json:"job_id"`
	Type    jobs.JobType `json:"type"`
	Attempt int          `json:"attempt,omitempty"`
}

func (m Message) encode() ([]byte, error) {
	if m.JobID == "" {
		return nil, errors.New("message has no job id")
	}
	return json.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	if m.JobID == "" {
		return Message{}, errors.New("queue message has no job id")
	}
	return m, nil
}

// Delivery is one dequeued message. Exactly one of Ack or Nak must be called:
// Ack removes the message, Nak schedules redelivery.
type Delivery interface {
	Message() Message
	Ack() error
	Nak() error
}

// Queue is the transport. Dequeue blocks until a message arrives, the
// context ends, or the queue closes.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
