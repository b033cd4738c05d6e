// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace records a workflow run's Event Log as an NDJSON file on
// disk and maintains a sqlite index so "nika trace list" doesn't have to
// re-scan every trace file to show a summary.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nikaeng/nika/internal/eventlog"
)

// Header is the first NDJSON record in a trace file.
type Header struct {
	SchemaVersion string `json:"schema_version"`
	TraceID       string `json:"trace_id"`
	Workflow      string `json:"workflow"`
	StartedAt     int64  `json:"started_at_ms"`
}

const schemaVersion = "nika/trace@1"

// Writer subscribes to an eventlog.Log and streams every event to an NDJSON
// file as it's appended, so a crash mid-run still leaves a usable partial
// trace. Close finalizes the file and records it in the Index.
type Writer struct {
	id       string
	workflow string
	path     string

	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	events <-chan eventlog.Event
	unsub  func()
	done   chan struct{}
	index  *Index
}

// NewWriter creates the trace file under dir (named "<trace-id>.ndjson")
// and begins streaming events from log in the background. dir is created
// if it doesn't exist.
func NewWriter(dir, workflow string, log *eventlog.Log, index *Index) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(dir, id+".ndjson")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace file: %w", err)
	}

	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	header := Header{SchemaVersion: schemaVersion, TraceID: id, Workflow: workflow, StartedAt: time.Now().UnixMilli()}
	if err := enc.Encode(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing trace header: %w", err)
	}

	events, unsub := log.Subscribe()
	w := &Writer{
		id: id, workflow: workflow, path: path,
		file: f, buf: buf, enc: enc,
		events: events, unsub: unsub,
		done: make(chan struct{}), index: index,
	}
	go w.run()
	return w, nil
}

// ID returns the trace's generation id.
func (w *Writer) ID() string { return w.id }

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.events {
		_ = w.enc.Encode(ev)
		_ = w.buf.Flush()
	}
}

// Close stops streaming, flushes and closes the file, and records the
// trace in the index (if one was provided). It must be called exactly
// once, after the run that produced log has finished.
func (w *Writer) Close(status string) error {
	w.unsub()
	<-w.done

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flushing trace file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}

	if w.index != nil {
		return w.index.Record(Summary{
			ID:        w.id,
			Workflow:  w.workflow,
			Path:      w.path,
			Status:    status,
			StartedAt: time.Now(),
		})
	}
	return nil
}
