package eventlog_test

import (
	"testing"

	"github.com/nikaeng/nika/internal/eventlog"
)

func TestAppend_MonotonicSeq(t *testing.T) {
	l := eventlog.New(true)
	e1 := l.Append(eventlog.WorkflowStarted, "", nil)
	e2 := l.Append(eventlog.TaskStarted, "a", nil)
	if e2.Seq <= e1.Seq {
		t.Fatalf("seq not monotonic: %d then %d", e1.Seq, e2.Seq)
	}
}

func TestAll_RetainsHistoryInOrder(t *testing.T) {
	l := eventlog.New(true)
	l.Append(eventlog.WorkflowStarted, "", nil)
	l.Append(eventlog.TaskStarted, "a", nil)
	l.Append(eventlog.TaskCompleted, "a", nil)

	all := l.All()
	if len(all) != 3 {
		t.Fatalf("All() len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("All() not in seq order at %d", i)
		}
	}
}

func TestSubscribe_ReceivesAppendedEvents(t *testing.T) {
	l := eventlog.New(false)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	l.Append(eventlog.WorkflowStarted, "", nil)

	select {
	case e := <-ch:
		if e.Kind != eventlog.WorkflowStarted {
			t.Fatalf("Kind = %v, want WorkflowStarted", e.Kind)
		}
	default:
		t.Fatal("expected an event on the subscription channel")
	}
}

func TestSubscribe_SlowConsumerGetsDropNotice(t *testing.T) {
	l := eventlog.New(false)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	// Fill the channel past capacity without draining it.
	for i := 0; i < 5000; i++ {
		l.Append(eventlog.TaskStarted, "a", nil)
	}

	sawDrop := false
	for n := len(ch); n > 0; n-- {
		e := <-ch
		if e.Kind == eventlog.ObserverDropped {
			sawDrop = true
			break
		}
	}
	if !sawDrop {
		t.Fatal("expected at least one ObserverDropped event once the buffer overflowed")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	l := eventlog.New(false)
	ch, unsubscribe := l.Subscribe()
	unsubscribe()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
