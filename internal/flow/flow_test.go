package flow_test

import (
	"strings"
	"testing"

	"github.com/nikaeng/nika/internal/flow"
)

const diamondYAML = `
schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "start"
  - id: b
    infer: "middle b"
    use:
      prev: a
  - id: c
    infer: "middle c"
    use:
      prev: a
  - id: d
    infer: "end"
    use:
      left: { task: b, path: text }
      right: c
flows:
  - source: a
    target: [b, c]
  - source: [b, c]
    target: d
`

func TestParse_Diamond(t *testing.T) {
	wf, err := flow.Parse([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(wf.Tasks) != 4 {
		t.Fatalf("len(Tasks) = %d, want 4", len(wf.Tasks))
	}

	edges := wf.Edges()
	if len(edges) != 4 {
		t.Fatalf("len(Edges()) = %d, want 4 (cartesian expansion)", len(edges))
	}

	g, err := wf.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	final := g.FinalTasks()
	if len(final) != 1 || final[0] != "d" {
		t.Fatalf("FinalTasks = %v, want [d]", final)
	}
}

func TestParse_UnknownSchemaVersion(t *testing.T) {
	_, err := flow.Parse([]byte(`schema: "nika/workflow@9.9"
tasks: []
`))
	if err == nil || !strings.Contains(err.Error(), "NIKA-003") {
		t.Fatalf("err = %v, want NIKA-003", err)
	}
}

func TestParse_DuplicateTaskID(t *testing.T) {
	_, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "x"
  - id: a
    infer: "y"
`))
	if err == nil || !strings.Contains(err.Error(), "NIKA-021") {
		t.Fatalf("err = %v, want NIKA-021", err)
	}
}

func TestParse_FlowReferencesUnknownTask(t *testing.T) {
	_, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "x"
flows:
  - source: a
    target: missing
`))
	if err == nil {
		t.Fatal("expected error for flow referencing unknown task")
	}
}

func TestParse_CycleRejected(t *testing.T) {
	wf, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "x"
  - id: b
    infer: "y"
  - id: c
    infer: "z"
flows:
  - source: a
    target: b
  - source: b
    target: c
  - source: c
    target: a
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = wf.Graph()
	if err == nil || !strings.Contains(err.Error(), "NIKA-025") {
		t.Fatalf("Graph err = %v, want NIKA-025", err)
	}
}

func TestParse_ExactlyOneVerbEnforced(t *testing.T) {
	_, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "x"
    exec: "y"
`))
	if err == nil {
		t.Fatal("expected error when a task declares two verb blocks")
	}

	_, err = flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
`))
	if err == nil {
		t.Fatal("expected error when a task declares no verb block")
	}
}

func TestParse_InvokeRequiresExactlyOneOfToolOrResource(t *testing.T) {
	_, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    invoke:
      server: s
`))
	if err == nil {
		t.Fatal("expected error when invoke sets neither tool nor resource")
	}

	_, err = flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    invoke:
      server: s
      tool: t
      resource: r
`))
	if err == nil {
		t.Fatal("expected error when invoke sets both tool and resource")
	}
}

func TestParse_AgentDefaultMaxTurns(t *testing.T) {
	wf, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    agent:
      prompt: "do it"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Tasks[0].Agent.MaxTurns != 10 {
		t.Fatalf("MaxTurns = %d, want 10", wf.Tasks[0].Agent.MaxTurns)
	}
}

func TestParse_AgentExplicitZeroMaxTurnsPreserved(t *testing.T) {
	wf, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    agent:
      prompt: "do it"
      max_turns: 0
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Tasks[0].Agent.MaxTurns != 0 {
		t.Fatalf("MaxTurns = %d, want 0 (explicit zero must not be defaulted)", wf.Tasks[0].Agent.MaxTurns)
	}
}

func TestParse_FetchDefaultsToGET(t *testing.T) {
	wf, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    fetch: "https://example.com"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Tasks[0].Fetch.Method != "GET" {
		t.Fatalf("Method = %q, want GET", wf.Tasks[0].Fetch.Method)
	}
}

func TestParse_MultiSourceMultiTargetExpansion(t *testing.T) {
	wf, err := flow.Parse([]byte(`schema: "nika/workflow@0.7"
tasks:
  - id: a
    infer: "x"
  - id: b
    infer: "y"
  - id: c
    infer: "z"
  - id: d
    infer: "w"
flows:
  - source: [a, b]
    target: [c, d]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(wf.Edges()) != 4 {
		t.Fatalf("len(Edges()) = %d, want 4", len(wf.Edges()))
	}
}
