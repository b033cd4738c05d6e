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

package trace

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Summary is one row of the trace index: enough to list and locate a trace
// without opening its NDJSON file.
type Summary struct {
	ID        string
	Workflow  string
	Path      string
	Status    string
	StartedAt time.Time
}

// Index is a small sqlite-backed catalog of recorded traces, so "trace
// list" is a single query instead of a directory scan plus N file opens.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the sqlite index file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (idx *Index) Close() error { return idx.db.Close() }

// Record upserts one trace summary into the index.
func (idx *Index) Record(s Summary) error {
	_, err := idx.db.Exec(
		`INSERT INTO traces (id, workflow, path, status, started_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		s.ID, s.Workflow, s.Path, s.Status, s.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording trace summary: %w", err)
	}
	return nil
}

// List returns every recorded trace, most recent first.
func (idx *Index) List() ([]Summary, error) {
	rows, err := idx.db.Query(`SELECT id, workflow, path, status, started_at FROM traces ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var startedAtMs int64
		if err := rows.Scan(&s.ID, &s.Workflow, &s.Path, &s.Status, &startedAtMs); err != nil {
			return nil, fmt.Errorf("scanning trace row: %w", err)
		}
		s.StartedAt = time.UnixMilli(startedAtMs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns the recorded summary for id.
func (idx *Index) Get(id string) (Summary, error) {
	var s Summary
	var startedAtMs int64
	err := idx.db.QueryRow(`SELECT id, workflow, path, status, started_at FROM traces WHERE id = ?`, id).
		Scan(&s.ID, &s.Workflow, &s.Path, &s.Status, &startedAtMs)
	if err != nil {
		return Summary{}, fmt.Errorf("looking up trace %q: %w", id, err)
	}
	s.StartedAt = time.UnixMilli(startedAtMs)
	return s, nil
}
