// Package dispatch routes translation jobs to workers.
//
// The API publishes a Task to one of two priority queues; workers consume
// both. Delivery is at least once, so handlers must tolerate seeing the
// same job twice.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Queue names.
const (
	QueueHigh    = "high_priority"
	QueueDefault = "default"
)

// Queues lists every queue a worker consumes, highest priority first.
var Queues = []string{QueueHigh, QueueDefault}

// DefaultThreshold is the lowest priority routed to QueueHigh.
const DefaultThreshold = 5

// ErrMalformedTask is returned for a task body that cannot be processed.
var ErrMalformedTask = errors.New("malformed task")

// QueueFor picks the queue for a job priority.
func QueueFor(priority, threshold int) string {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if priority >= threshold {
		return QueueHigh
	}
	return QueueDefault
}

// Task is the message a worker receives. The job payload itself stays in
// the store; the task only names it.
type Task struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Queue    string `json:"queue"`
}

// NewTask builds a routed task.
func NewTask(jobID string, priority, threshold int) Task {
	return Task{JobID: jobID, Priority: priority, Queue: QueueFor(priority, threshold)}
}

// Encode serializes t as JSON.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a task body.
func DecodeTask(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if strings.TrimSpace(t.JobID) == "" {
		return Task{}, fmt.Errorf("%w: missing job_id", ErrMalformedTask)
	}
	if t.Queue == "" {
		t.Queue = QueueFor(t.Priority, DefaultThreshold)
	}
	return t, nil
}

// Handler processes one task. A returned error means "try again later".
type Handler func(ctx context.Context, t Task) error

// Dispatcher hands tasks to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// ---------------------------------------------------------------------------
// Inline dispatcher
// ---------------------------------------------------------------------------

// Inline runs tasks in-process on their own goroutines, bounded by
// Concurrency. It is used when no broker is configured.
type Inline struct {
	ctx     context.Context
	handler Handler
	sem     chan struct{}
	wg      sync.WaitGroup

	OnError func(format string, args ...any)
}

// NewInline returns a dispatcher whose tasks run under ctx, not under the
// context of the Dispatch call.
func NewInline(ctx context.Context, concurrency int, h Handler) *Inline {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Inline{ctx: ctx, handler: h, sem: make(chan struct{}, concurrency)}
}

// Dispatch starts t in the background.
func (d *Inline) Dispatch(_ context.Context, t Task) error {
	if t.JobID == "" {
		return fmt.Errorf("%w: missing job_id", ErrMalformedTask)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()
		if err := d.handler(d.ctx, t); err != nil && d.OnError != nil {
			d.OnError("task %s failed: %v", t.JobID, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched task has returned.
func (d *Inline) Wait() {
	d.wg.Wait()
}
