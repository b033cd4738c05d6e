package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nikaeng/nika/internal/binding"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// rawDocument mirrors the top-level YAML shape described in the schema
// section: schema/provider/mcp/tasks/flows.
type rawDocument struct {
	Schema   string                  `yaml:"schema"`
	Provider string                  `yaml:"provider"`
	MCP      map[string]rawMcpServer `yaml:"mcp"`
	Tasks    []rawTask               `yaml:"tasks"`
	Flows    []rawFlow               `yaml:"flows"`
}

type rawMcpServer struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Cwd      string            `yaml:"cwd"`
	CacheTTL string            `yaml:"cache_ttl"`
}

type rawTask struct {
	ID      string         `yaml:"id"`
	Infer   yaml.Node      `yaml:"infer"`
	Exec    yaml.Node      `yaml:"exec"`
	Fetch   yaml.Node      `yaml:"fetch"`
	Invoke  *rawInvoke     `yaml:"invoke"`
	Agent   *rawAgent      `yaml:"agent"`
	Use     map[string]any `yaml:"use"`
	Output  string         `yaml:"output"`
	ForEach *rawForEach    `yaml:"for_each"`
	Timeout int            `yaml:"timeout_ms"`
	Retries int            `yaml:"retries"`
}

type rawInfer struct {
	Prompt           string  `yaml:"prompt"`
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	ExtendedThinking bool    `yaml:"extended_thinking"`
}

type rawExec struct {
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
}

type rawFetch struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	Body         string            `yaml:"body"`
	Timeout      int               `yaml:"timeout"`
	FailOnNon2xx bool              `yaml:"fail_on_non_2xx"`
}

type rawInvoke struct {
	Server   string         `yaml:"server"`
	Tool     string         `yaml:"tool"`
	Params   map[string]any `yaml:"params"`
	Resource string         `yaml:"resource"`
}

type rawAgent struct {
	Prompt   string   `yaml:"prompt"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	MCP      []string `yaml:"mcp"`
	// MaxTurns is a pointer so toTask can tell "key omitted" (apply
	// defaultMaxTurns) apart from "max_turns: 0" (an explicit zero-turn
	// budget, which must be preserved as-is).
	MaxTurns         *int     `yaml:"max_turns"`
	StopConditions   []string `yaml:"stop_conditions"`
	ExtendedThinking bool     `yaml:"extended_thinking"`
	DepthLimit       int      `yaml:"depth_limit"`
}

type rawForEach struct {
	Items       string `yaml:"items"`
	As          string `yaml:"as"`
	Concurrency int    `yaml:"concurrency"`
	FailFast    bool   `yaml:"fail_fast"`
	Filter      string `yaml:"filter"`
}

// rawFlow's source/target accept either a bare string or a list; stringOrList
// captures both shapes via yaml.Node and normalizes on decode.
type rawFlow struct {
	Source stringOrList `yaml:"source"`
	Target stringOrList `yaml:"target"`
}

type stringOrList struct {
	values []string
}

func (s *stringOrList) list() []string { return s.values }

func (s *stringOrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.values = []string{v}
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.values = v
	default:
		return fmt.Errorf("expected a string or list of strings")
	}
	return nil
}

const defaultMaxTurns = 10

// nodeSet reports whether a yaml.Node was actually populated by the
// decoder, as opposed to being the zero value because the key was absent.
func nodeSet(node *yaml.Node) bool { return node.Kind != 0 }

// toTask converts a decoded rawTask into a Task, enforcing exactly one verb
// block and desugaring the string-valued verb shortcut forms (e.g.
// `infer: "prompt text"`).
func toTask(rt rawTask) (Task, error) {
	task := Task{
		ID:        rt.ID,
		Output:    rt.Output,
		TimeoutMs: rt.Timeout,
		Retries:   rt.Retries,
	}
	if rt.Output == "" {
		task.Output = rt.ID
	}

	verbsSet := 0

	if nodeSet(&rt.Infer) {
		verbsSet++
		task.Verb = VerbInfer
		infer, err := decodeInfer(&rt.Infer)
		if err != nil {
			return Task{}, fmt.Errorf("task %q: infer: %w", rt.ID, err)
		}
		task.Infer = infer
	}
	if nodeSet(&rt.Exec) {
		verbsSet++
		task.Verb = VerbExec
		exec, err := decodeExec(&rt.Exec)
		if err != nil {
			return Task{}, fmt.Errorf("task %q: exec: %w", rt.ID, err)
		}
		task.Exec = exec
	}
	if nodeSet(&rt.Fetch) {
		verbsSet++
		task.Verb = VerbFetch
		fetch, err := decodeFetch(&rt.Fetch)
		if err != nil {
			return Task{}, fmt.Errorf("task %q: fetch: %w", rt.ID, err)
		}
		task.Fetch = fetch
	}
	if rt.Invoke != nil {
		verbsSet++
		task.Verb = VerbInvoke
		if (rt.Invoke.Tool == "") == (rt.Invoke.Resource == "") {
			return Task{}, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeSchemaMissingField,
				Field:   fmt.Sprintf("tasks[%s].invoke", rt.ID),
				Message: "invoke must set exactly one of tool or resource",
			}
		}
		task.Invoke = &InvokeAction{
			Server: rt.Invoke.Server, Tool: rt.Invoke.Tool,
			Params: rt.Invoke.Params, Resource: rt.Invoke.Resource,
		}
	}
	if rt.Agent != nil {
		verbsSet++
		task.Verb = VerbAgent
		maxTurns := defaultMaxTurns
		if rt.Agent.MaxTurns != nil {
			maxTurns = *rt.Agent.MaxTurns
		}
		task.Agent = &AgentAction{
			Prompt: rt.Agent.Prompt, Provider: rt.Agent.Provider, Model: rt.Agent.Model,
			MCP: rt.Agent.MCP, MaxTurns: maxTurns, StopConditions: rt.Agent.StopConditions,
			ExtendedThinking: rt.Agent.ExtendedThinking, DepthLimit: rt.Agent.DepthLimit,
		}
	}

	if verbsSet != 1 {
		return Task{}, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeSchemaMissingField,
			Field:   fmt.Sprintf("tasks[%s]", rt.ID),
			Message: fmt.Sprintf("task must declare exactly one verb block, found %d", verbsSet),
		}
	}

	uses, err := toUses(rt.Use)
	if err != nil {
		return Task{}, fmt.Errorf("task %q: %w", rt.ID, err)
	}
	task.Use = uses

	if rt.ForEach != nil {
		task.ForEach = &ForEach{
			Items: rt.ForEach.Items, As: rt.ForEach.As,
			Concurrency: rt.ForEach.Concurrency, FailFast: rt.ForEach.FailFast,
			Filter: rt.ForEach.Filter,
		}
	}

	return task, nil
}

func decodeInfer(node *yaml.Node) (*InferAction, error) {
	if node.Kind == yaml.ScalarNode {
		var prompt string
		if err := node.Decode(&prompt); err != nil {
			return nil, err
		}
		return &InferAction{Prompt: prompt}, nil
	}
	var r rawInfer
	if err := node.Decode(&r); err != nil {
		return nil, err
	}
	return &InferAction{
		Prompt: r.Prompt, Provider: r.Provider, Model: r.Model,
		MaxTokens: r.MaxTokens, Temperature: r.Temperature, ExtendedThinking: r.ExtendedThinking,
	}, nil
}

func decodeExec(node *yaml.Node) (*ExecAction, error) {
	if node.Kind == yaml.ScalarNode {
		var command string
		if err := node.Decode(&command); err != nil {
			return nil, err
		}
		return &ExecAction{Command: command}, nil
	}
	var r rawExec
	if err := node.Decode(&r); err != nil {
		return nil, err
	}
	return &ExecAction{Command: r.Command, Env: r.Env, Cwd: r.Cwd}, nil
}

func decodeFetch(node *yaml.Node) (*FetchAction, error) {
	if node.Kind == yaml.ScalarNode {
		var url string
		if err := node.Decode(&url); err != nil {
			return nil, err
		}
		return &FetchAction{URL: url, Method: "GET"}, nil
	}
	var r rawFetch
	if err := node.Decode(&r); err != nil {
		return nil, err
	}
	if r.Method == "" {
		r.Method = "GET"
	}
	return &FetchAction{
		URL: r.URL, Method: r.Method, Headers: r.Headers, Body: r.Body, Timeout: r.Timeout,
		FailOnNon2xx: r.FailOnNon2xx,
	}, nil
}

// toUses converts the raw `use:` mapping into binding.Use declarations. A
// value is either a bare string (task-id reference), an object with
// task/path/mode, or any other literal.
func toUses(raw map[string]any) ([]binding.Use, error) {
	uses := make([]binding.Use, 0, len(raw))
	for alias, v := range raw {
		switch x := v.(type) {
		case string:
			uses = append(uses, binding.Use{Alias: alias, Task: x, Mode: binding.Eager})
		case map[string]any:
			u := binding.Use{Alias: alias, Mode: binding.Eager}
			if task, ok := x["task"].(string); ok {
				u.Task = task
			}
			if path, ok := x["path"].(string); ok {
				u.Path = path
			}
			if mode, ok := x["mode"].(string); ok && mode == string(binding.Lazy) {
				u.Mode = binding.Lazy
			}
			if u.Task == "" {
				u.Literal = v
			}
			uses = append(uses, u)
		default:
			uses = append(uses, binding.Use{Alias: alias, Literal: v, Mode: binding.Eager})
		}
	}
	return uses, nil
}
