// Package eventlog implements the append-only, sequence-numbered event
// stream that drives tracing and any observer UI. Appends are O(1); reads
// are snapshots taken under a read lock, or a subscription channel.
//
// The shape (a mutex-guarded listener map plus an Emit entry point) is
// grounded on the workflow state-machine's event dispatch; this package
// adds the sequence counter, the fixed event-kind taxonomy, and
// non-blocking observer delivery the tracing subsystem needs.
package eventlog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags an Event. The ~22 kinds fall into six categories: workflow
// lifecycle, task lifecycle, provider interactions, context, MCP, and
// agent.
type Kind string

const (
	// Workflow lifecycle.
	WorkflowStarted   Kind = "WorkflowStarted"
	WorkflowCompleted Kind = "WorkflowCompleted"
	WorkflowFailed    Kind = "WorkflowFailed"
	WorkflowAborted   Kind = "WorkflowAborted"
	WorkflowPaused    Kind = "WorkflowPaused"
	WorkflowResumed   Kind = "WorkflowResumed"

	// Task lifecycle.
	TaskScheduled Kind = "TaskScheduled"
	TaskStarted   Kind = "TaskStarted"
	TaskCompleted Kind = "TaskCompleted"
	TaskFailed    Kind = "TaskFailed"
	TaskSkipped   Kind = "TaskSkipped"

	// Provider interactions.
	ProviderCalled     Kind = "ProviderCalled"
	ProviderResponded  Kind = "ProviderResponded"
	TemplateResolved   Kind = "TemplateResolved"

	// Context.
	ContextAssembled Kind = "ContextAssembled"

	// MCP.
	McpInvoke            Kind = "McpInvoke"
	McpResponse          Kind = "McpResponse"
	McpConnected         Kind = "McpConnected"
	McpError             Kind = "McpError"
	McpConnectionFailed  Kind = "McpConnectionFailed"

	// Agent.
	AgentStart   Kind = "AgentStart"
	AgentTurn    Kind = "AgentTurn"
	AgentComplete Kind = "AgentComplete"
	AgentSpawned Kind = "AgentSpawned"

	// Observability of the log itself: emitted in place of a dropped event
	// when a slow observer would otherwise stall the producer.
	ObserverDropped Kind = "ObserverDropped"
)

// Event is one append-only record.
type Event struct {
	Seq         uint64         `json:"seq"`
	TimestampMs int64          `json:"timestamp_ms"`
	Kind        Kind           `json:"kind"`
	TaskID      string         `json:"task_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// subscriberBuffer is the channel depth for Subscribe. A large buffer makes
// a slow observer unlikely to trigger the drop path without making it
// unbounded (which could hide a genuinely stuck consumer).
const subscriberBuffer = 4096

// Log is the append-only event stream for one workflow run. Safe for
// concurrent use: Append may be called from any number of goroutines.
type Log struct {
	seq        atomic.Uint64
	lastMs     atomic.Int64
	mu         sync.RWMutex
	all        []Event
	subs       map[int]chan Event
	nextSubID  int
	keepHistory bool
}

// New creates an empty Log. When keepHistory is true, every appended event
// is retained in memory (needed for a trace writer that serializes at the
// end of the run); streaming-only consumers can disable it.
func New(keepHistory bool) *Log {
	return &Log{subs: make(map[int]chan Event), keepHistory: keepHistory}
}

// Append records an event: assigns the next sequence number and a
// monotonic-non-decreasing timestamp, then publishes to every subscriber.
func (l *Log) Append(kind Kind, taskID string, data map[string]any) Event {
	seq := l.seq.Add(1)

	now := time.Now().UnixMilli()
	for {
		prev := l.lastMs.Load()
		if now < prev {
			now = prev
		}
		if l.lastMs.CompareAndSwap(prev, now) {
			break
		}
	}

	event := Event{Seq: seq, TimestampMs: now, Kind: kind, TaskID: taskID, Data: data}

	l.mu.Lock()
	if l.keepHistory {
		l.all = append(l.all, event)
	}
	subs := make([]chan Event, 0, len(l.subs))
	for _, ch := range l.subs {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	for _, ch := range subs {
		// The last buffer slot is kept for the drop notice, so a consumer
		// that falls behind finds an ObserverDropped in its channel.
		if len(ch) >= cap(ch)-1 {
			l.recordDrop(ch)
			continue
		}
		select {
		case ch <- event:
		default:
			// Slow observer: drop rather than stall the producer, and
			// record that the drop happened so replay knows about the gap.
			l.recordDrop(ch)
		}
	}

	return event
}

func (l *Log) recordDrop(ch chan Event) {
	drop := Event{
		Seq:         l.seq.Add(1),
		TimestampMs: time.Now().UnixMilli(),
		Kind:        ObserverDropped,
	}
	select {
	case ch <- drop:
	default:
	}
}

// Subscribe returns a channel that receives every event appended from this
// point forward, in sequence order, plus an unsubscribe function. The
// channel is buffered; a consumer that falls behind the buffer size
// observes gaps via ObserverDropped rather than blocking the producer.
func (l *Log) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = ch
	l.mu.Unlock()

	unsubscribe := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// All returns a snapshot of every retained event, in sequence order. Only
// meaningful when the Log was created with keepHistory true.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.all))
	copy(out, l.all)
	return out
}
