package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/nikaeng/nika/pkg/observability"
)

// SpanMirror subscribes to a Log and mirrors task and agent lifecycle
// events as OpenTelemetry spans, so a trace viewer can consume a Nika run
// as an OTel trace in addition to the line-delimited JSON trace format.
//
// Task/agent identity (the Event.TaskID field) is the correlation key: a
// TaskStarted opens a span, and the matching TaskCompleted/TaskFailed
// closes it. Events with no open span (e.g. a mirror attached mid-run) are
// ignored rather than panicking.
type SpanMirror struct {
	tracer observability.Tracer

	mu    sync.Mutex
	spans map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span observability.SpanHandle
}

// NewSpanMirror creates a mirror that opens spans against the given
// provider's "nika.runner" instrumentation scope.
func NewSpanMirror(provider observability.TracerProvider) *SpanMirror {
	return &SpanMirror{
		tracer: provider.Tracer("nika.runner"),
		spans:  make(map[string]openSpan),
	}
}

// Attach subscribes to log and mirrors events until the returned stop
// function is called.
func (m *SpanMirror) Attach(log *Log) (stop func()) {
	ch, unsubscribe := log.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			m.handle(ev)
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

func (m *SpanMirror) handle(ev Event) {
	switch ev.Kind {
	case TaskStarted:
		m.open(context.Background(), "task:"+ev.TaskID, ev)
	case TaskCompleted:
		m.close(ev.TaskID, nil, ev)
	case TaskFailed:
		m.close(ev.TaskID, errorFromData(ev.Data), ev)
	case AgentStart:
		m.open(context.Background(), "agent:"+ev.TaskID, ev)
	case AgentComplete:
		m.close(agentKey(ev.TaskID), nil, ev)
	case AgentTurn:
		if s, ok := m.get(agentKey(ev.TaskID)); ok {
			s.span.AddEvent("agent_turn", ev.Data)
		}
	}
}

func agentKey(taskID string) string { return "agent#" + taskID }

func (m *SpanMirror) open(ctx context.Context, spanName string, ev Event) {
	key := spanName
	if ev.Kind == AgentStart {
		key = agentKey(ev.TaskID)
	} else {
		key = ev.TaskID
	}

	spanCtx, handle := m.tracer.Start(ctx, spanName, observability.WithAttributes(map[string]any{
		"nika.task_id": ev.TaskID,
		"nika.seq":     int64(ev.Seq),
	}))

	m.mu.Lock()
	m.spans[key] = openSpan{ctx: spanCtx, span: handle}
	m.mu.Unlock()
}

func (m *SpanMirror) get(key string) (openSpan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spans[key]
	return s, ok
}

func (m *SpanMirror) close(key string, err error, ev Event) {
	m.mu.Lock()
	s, ok := m.spans[key]
	if ok {
		delete(m.spans, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(observability.StatusCodeError, err.Error())
	} else {
		s.span.SetStatus(observability.StatusCodeOK, "")
	}
	s.span.End()
}

func errorFromData(data map[string]any) error {
	if data == nil {
		return fmt.Errorf("task failed")
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("task failed")
}
