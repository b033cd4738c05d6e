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
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nikaeng/nika/internal/eventlog"
)

// Read loads a trace file's header and events in full. Traces are
// expected to be small enough (one workflow run) that loading the whole
// file is simpler than streaming it for "trace show".
func Read(path string) (Header, []eventlog.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header Header
	var events []eventlog.Event
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &header); err != nil {
				return Header{}, nil, fmt.Errorf("parsing trace header: %w", err)
			}
			first = false
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return header, events, fmt.Errorf("parsing trace event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return header, events, fmt.Errorf("reading trace file: %w", err)
	}
	return header, events, nil
}
