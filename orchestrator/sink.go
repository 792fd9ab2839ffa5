package orchestrator

import "sync"

// Phase is the lifecycle state of a job. PhaseStarted only appears on
// batch-scoped retry notices.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseSegmenting  Phase = "segmenting"
	PhaseStarted     Phase = "started"
	PhaseTranslating Phase = "translating"
	PhaseAssembling  Phase = "assembling"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseTerminated  Phase = "terminated"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTerminated:
		return true
	}
	return false
}

// JobLevel is the BatchIndex of progress events that concern the whole job.
const JobLevel = -1

// Progress is a status update. Events with BatchIndex >= 0 are scoped to
// one batch (a permanent batch failure) and do not describe the job phase.
type Progress struct {
	Percent    int    `json:"progress"`
	Phase      Phase  `json:"status_type"`
	Message    string `json:"message"`
	BatchIndex int    `json:"-"`
}

// PartialResult is one translated batch published before the job ends.
type PartialResult struct {
	BatchIndex int
	Text       string
	Completed  int
	Total      int
}

// EventKind tells which payload an Event carries.
type EventKind int

const (
	KindProgress EventKind = iota
	KindPartial
)

// Event is what the orchestrator emits. Partial events may arrive out of
// index order; consumers store them by BatchIndex.
type Event struct {
	JobID    string
	Kind     EventKind
	Progress Progress
	Partial  PartialResult
}

// Sink receives job events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Async sink
// ---------------------------------------------------------------------------

// AsyncSink delivers events to a blocking sink on its own goroutine. Emit
// never blocks on the downstream sink and delivery order is preserved.
type AsyncSink struct {
	next Sink

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewAsyncSink starts the delivery goroutine. Call Close to drain it.
func NewAsyncSink(next Sink) *AsyncSink {
	a := &AsyncSink{
		next: next,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Emit queues e. Events emitted after Close are dropped.
func (a *AsyncSink) Emit(e Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, e)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *AsyncSink) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		pending := a.queue
		a.queue = nil
		closed := a.closed
		a.mu.Unlock()

		for _, e := range pending {
			a.next.Emit(e)
		}
		if len(pending) > 0 {
			continue
		}
		if closed {
			return
		}
		<-a.wake
	}
}

// Close delivers everything already queued and stops the goroutine.
func (a *AsyncSink) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		select {
		case a.wake <- struct{}{}:
		default:
		}
	})
	<-a.done
}
