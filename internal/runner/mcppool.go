package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/mcp"
)

const (
	mcpConnectRetries = 3
	mcpConnectWait    = 100 * time.Millisecond
)

// MCPPool get-or-initializes one MCP client per server name declared in the
// workflow's mcp: mapping, caching each connection for the run's lifetime.
// A server that fails to start is retried a bounded number of times before
// the Invoke verb that needed it fails.
type MCPPool struct {
	configs map[string]flow.McpServerConfig

	mu      sync.Mutex
	clients map[string]*mcp.Client
}

// NewMCPPool builds a pool over the workflow's declared MCP servers. No
// connections are opened until a server is first requested.
func NewMCPPool(configs map[string]flow.McpServerConfig) *MCPPool {
	return &MCPPool{configs: configs, clients: make(map[string]*mcp.Client)}
}

// Get returns the cached client for name, starting it on first use. The
// return type is mcp.ClientProvider, the teacher's dependency-injection seam
// over a raw *mcp.Client, so callers (the Agent/Invoke verbs) depend on the
// interface rather than the concrete subprocess-backed client.
func (p *MCPPool) Get(ctx context.Context, name string) (mcp.ClientProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[name]; ok {
		return c, nil
	}

	cfg, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not declared in this workflow", name)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	var client *mcp.Client
	var err error
	for attempt := 0; attempt <= mcpConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(mcpConnectWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		client, err = mcp.NewClient(ctx, mcp.ClientConfig{
			ServerName: name,
			Command:    cfg.Command,
			Args:       cfg.Args,
			Env:        env,
			CacheTTL:   cfg.CacheTTL,
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("starting mcp server %q: %w", name, err)
	}

	p.clients[name] = client
	return client, nil
}

// CloseAll shuts down every client this pool started.
func (p *MCPPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		_ = c.Close()
	}
}
