// Package flow parses a workflow YAML document into the Workflow data model
// and builds the flow graph and per-task bindings from it. Task identity
// and shape follow the spec's schema section directly; the "exactly one
// verb block" and flow-edge expansion rules are enforced here so that a
// syntactically valid document is always semantically complete enough to
// hand to the Runner.
package flow

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/graph"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// supportedSchemas enumerates the recognized schema_version strings, kept
// as a set literal rather than a numeric range so an unrecognized version
// fails closed.
var supportedSchemas = map[string]bool{
	"nika/workflow@0.1": true, "nika/workflow@0.2": true, "nika/workflow@0.3": true,
	"nika/workflow@0.4": true, "nika/workflow@0.5": true, "nika/workflow@0.6": true,
	"nika/workflow@0.7": true,
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Verb tags which action block a task carries.
type Verb string

const (
	VerbInfer  Verb = "infer"
	VerbExec   Verb = "exec"
	VerbFetch  Verb = "fetch"
	VerbInvoke Verb = "invoke"
	VerbAgent  Verb = "agent"
)

// InferAction is the infer verb's fields.
type InferAction struct {
	Prompt            string
	Provider          string
	Model             string
	MaxTokens         int
	Temperature       float64
	ExtendedThinking  bool
}

// ExecAction is the exec verb's fields.
type ExecAction struct {
	Command string
	Env     map[string]string
	Cwd     string
}

// FetchAction is the fetch verb's fields.
type FetchAction struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout int

	// FailOnNon2xx, when true, fails the task for a non-2xx response
	// instead of the default of succeeding with the status captured.
	FailOnNon2xx bool
}

// InvokeAction is the invoke verb's fields. Exactly one of Tool/Resource is set.
type InvokeAction struct {
	Server   string
	Tool     string
	Params   map[string]any
	Resource string
}

// AgentAction is the agent verb's fields.
type AgentAction struct {
	Prompt           string
	Provider         string
	Model            string
	MCP              []string
	MaxTurns         int
	StopConditions   []string
	ExtendedThinking bool
	DepthLimit       int
}

// ForEach is the parallel-iteration modifier.
type ForEach struct {
	Items       string
	As          string
	Concurrency int
	FailFast    bool
	// Filter is an optional expr-lang (github.com/expr-lang/expr) boolean
	// expression evaluated per item (bound as "item") before fan-out;
	// items for which it evaluates false are skipped. Empty means no filter.
	Filter string
}

// Task is one node in the flow graph.
type Task struct {
	ID        string
	Verb      Verb
	Infer     *InferAction
	Exec      *ExecAction
	Fetch     *FetchAction
	Invoke    *InvokeAction
	Agent     *AgentAction
	Use       []binding.Use
	Output    string
	ForEach   *ForEach
	TimeoutMs int
	Retries   int
}

// McpServerConfig is one entry under the top-level mcp: mapping.
type McpServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// CacheTTL, when positive, memoizes this server's CallTool responses
	// for identical (tool, arguments) pairs for that long. Zero disables
	// caching, appropriate for tools with side effects.
	CacheTTL time.Duration
}

// FlowEdge is a raw (possibly multi-source/multi-target) edge declaration.
type FlowEdge struct {
	Source []string
	Target []string
}

// Workflow is the parsed, validated document. Immutable after Parse
// returns.
type Workflow struct {
	SchemaVersion  string
	DefaultProvider string
	DefaultModel   string
	MCPServers     map[string]McpServerConfig
	Tasks          []Task
	Flows          []FlowEdge
}

// Parse parses and validates raw YAML bytes into a Workflow, checking the
// schema version, task-id uniqueness/shape, exactly-one-verb-per-task, and
// flow-edge references. It does not build the Flow Graph (call Graph for
// that) so callers that only need the parsed document (e.g. for
// validate_refs) aren't forced to pay for cycle detection.
func Parse(raw []byte) (*Workflow, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeSchemaMissingField,
			Field:   "yaml",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}

	if !supportedSchemas[doc.Schema] {
		return nil, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeSchemaUnknownVersion,
			Field:   "schema",
			Message: fmt.Sprintf("unrecognized schema version %q", doc.Schema),
		}
	}

	wf := &Workflow{
		SchemaVersion:   doc.Schema,
		DefaultProvider: doc.Provider,
		MCPServers:      make(map[string]McpServerConfig, len(doc.MCP)),
	}

	for name, server := range doc.MCP {
		var cacheTTL time.Duration
		if server.CacheTTL != "" {
			d, err := time.ParseDuration(server.CacheTTL)
			if err != nil {
				return nil, &nikaerrors.ValidationError{
					Code:    nikaerrors.CodeValidation,
					Field:   fmt.Sprintf("mcp.%s.cache_ttl", name),
					Message: fmt.Sprintf("invalid duration %q: %v", server.CacheTTL, err),
				}
			}
			cacheTTL = d
		}
		wf.MCPServers[name] = McpServerConfig{
			Name: name, Command: server.Command, Args: server.Args,
			Env: server.Env, Cwd: server.Cwd, CacheTTL: cacheTTL,
		}
	}

	seen := make(map[string]bool, len(doc.Tasks))
	for i, rt := range doc.Tasks {
		if rt.ID == "" || !taskIDPattern.MatchString(rt.ID) {
			return nil, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeSchemaMissingField,
				Field:   fmt.Sprintf("tasks[%d].id", i),
				Message: fmt.Sprintf("task id %q must be non-empty ASCII word characters, -, or _", rt.ID),
			}
		}
		if seen[rt.ID] {
			return nil, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeFlowDuplicateID,
				Field:   "tasks.id",
				Message: fmt.Sprintf("duplicate task id %q", rt.ID),
			}
		}
		seen[rt.ID] = true

		task, err := toTask(rt)
		if err != nil {
			return nil, err
		}
		wf.Tasks = append(wf.Tasks, task)
	}

	for i, rf := range doc.Flows {
		edge, err := toFlowEdge(rf, seen, i)
		if err != nil {
			return nil, err
		}
		wf.Flows = append(wf.Flows, edge)
	}

	return wf, nil
}

// TaskIDs returns the declared task ids in declaration order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Edges expands every FlowEdge's source/target lists into the cartesian
// product of individual graph edges.
func (w *Workflow) Edges() []graph.Edge {
	var edges []graph.Edge
	for _, f := range w.Flows {
		for _, s := range f.Source {
			for _, t := range f.Target {
				edges = append(edges, graph.Edge{Source: s, Target: t})
			}
		}
	}
	return edges
}

// Graph builds and validates (cycle-checks) the Flow Graph for this workflow.
func (w *Workflow) Graph() (*graph.Graph, error) {
	g, err := graph.New(w.TaskIDs(), w.Edges())
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// TaskByID returns the task with the given id, or false if absent.
func (w *Workflow) TaskByID(id string) (Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

func toFlowEdge(rf rawFlow, known map[string]bool, index int) (FlowEdge, error) {
	source := rf.Source.list()
	target := rf.Target.list()
	for _, id := range append(append([]string{}, source...), target...) {
		if !known[id] {
			return FlowEdge{}, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeFlowUnknownBinding,
				Field:   fmt.Sprintf("flows[%d]", index),
				Message: fmt.Sprintf("flow references unknown task %q", id),
			}
		}
	}
	return FlowEdge{Source: source, Target: target}, nil
}
