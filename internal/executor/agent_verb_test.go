package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/mcp"
)

var errUnreachable = errors.New("server unreachable")

func TestSystemPromptFor_MentionsTaskID(t *testing.T) {
	got := systemPromptFor(flow.Task{ID: "summarize"})
	if !contains(got, "summarize") {
		t.Errorf("systemPromptFor() = %q, want it to mention the task id", got)
	}
}

func TestFormatContent_JoinsTextItemsAndDescribesBinary(t *testing.T) {
	items := []mcp.ContentItem{
		{Type: "text", Text: "first"},
		{Type: "image", MimeType: "image/png", Data: "abcd"},
		{Type: "text", Text: "second"},
	}
	got := formatContent(items)
	want := "first\n[image/png content, 4 bytes]\nsecond"
	if got != want {
		t.Errorf("formatContent() = %q, want %q", got, want)
	}
}

func TestMCPToolCatalog_CallUnknownServer(t *testing.T) {
	cat := &mcpToolCatalog{
		clients:   map[string]mcp.ClientProvider{},
		qualified: map[string]struct{ server, tool string }{"search": {server: "ghost", tool: "search"}},
	}
	_, _, err := cat.Call(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected an error calling a tool whose server was never connected")
	}
}

func TestMCPToolCatalog_CallUnknownTool(t *testing.T) {
	cat := &mcpToolCatalog{clients: map[string]mcp.ClientProvider{}, qualified: map[string]struct{ server, tool string }{}}
	_, _, err := cat.Call(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("expected an error calling an unqualified, unknown tool name")
	}
}

func TestNewMCPToolCatalog_WrapsGetError(t *testing.T) {
	_, err := newMCPToolCatalog(context.Background(), fakeFailingMCPClients{}, []string{"search"})
	if err == nil {
		t.Fatal("expected an error when the MCP client cannot be obtained")
	}
}

type fakeFailingMCPClients struct{}

func (fakeFailingMCPClients) Get(ctx context.Context, name string) (mcp.ClientProvider, error) {
	return nil, errUnreachable
}
