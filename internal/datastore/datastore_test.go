package datastore_test

import (
	"testing"

	"github.com/nikaeng/nika/internal/datastore"
)

func TestPut_FreezesFirstWrite(t *testing.T) {
	s := datastore.New()
	s.Put(datastore.TaskResult{TaskID: "a", Success: true, Output: "first"})
	s.Put(datastore.TaskResult{TaskID: "a", Success: true, Output: "second"})

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("expected task a to be recorded")
	}
	if got.Output != "first" {
		t.Fatalf("Output = %v, want %q (second Put must be a no-op)", got.Output, "first")
	}
}

func TestDoneSet(t *testing.T) {
	s := datastore.New()
	s.Put(datastore.TaskResult{TaskID: "a", Success: true})

	done := s.DoneSet()
	if !done["a"] || done["b"] {
		t.Fatalf("DoneSet = %v, want only a", done)
	}
}

func TestDone(t *testing.T) {
	s := datastore.New()
	if s.Done("a") {
		t.Fatal("Done should be false before any Put")
	}
	s.Put(datastore.TaskResult{TaskID: "a"})
	if !s.Done("a") {
		t.Fatal("Done should be true after Put")
	}
}

func TestLen(t *testing.T) {
	s := datastore.New()
	s.Put(datastore.TaskResult{TaskID: "a"})
	s.Put(datastore.TaskResult{TaskID: "b"})
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}
