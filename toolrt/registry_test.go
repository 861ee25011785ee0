package toolrt

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fluxchat/flux/chat"
)

type fakeMCPClient struct {
	result  *mcp.CallToolResult
	callErr error
	lastReq mcp.CallToolRequest
}

func (c *fakeMCPClient) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (c *fakeMCPClient) CallTool(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.lastReq = request
	return c.result, c.callErr
}

func (c *fakeMCPClient) Close() error { return nil }

func newTestRegistry(t *testing.T, client mcpClient) *Registry {
	t.Helper()
	grants, err := LoadGrants(filepath.Join(t.TempDir(), "tool_grants.json"))
	require.NoError(t, err)
	return &Registry{
		servers: map[string]*serverConn{"fs": {name: "fs", client: client}},
		grants:  grants,
		logger:  slog.Default(),
	}
}

func TestCallToolExtractsText(t *testing.T) {
	client := &fakeMCPClient{result: &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "line one"},
			mcp.TextContent{Type: "text", Text: "line two"},
		},
	}}
	r := newTestRegistry(t, client)

	content, err := r.CallTool(context.Background(), "fs", "read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	require.Equal(t, "line one\nline two", content)
	require.Equal(t, "read_file", client.lastReq.Params.Name)
}

func TestCallToolErrorResult(t *testing.T) {
	client := &fakeMCPClient{result: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "no such file"}},
	}}
	r := newTestRegistry(t, client)

	content, err := r.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	require.Equal(t, "no such file", content)
}

func TestCallToolTransportError(t *testing.T) {
	client := &fakeMCPClient{callErr: errors.New("pipe closed")}
	r := newTestRegistry(t, client)

	_, err := r.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
}

func TestCallToolUnknownServer(t *testing.T) {
	r := newTestRegistry(t, &fakeMCPClient{})

	_, err := r.CallTool(context.Background(), "ghost", "read_file", nil)
	require.Error(t, err)
}

func TestHasPermissionReadAlwaysAllowed(t *testing.T) {
	r := newTestRegistry(t, &fakeMCPClient{})

	require.True(t, r.HasPermission("fs", chat.PermissionRead))
	require.False(t, r.HasPermission("fs", chat.PermissionWrite))

	require.NoError(t, r.GrantPermission("fs", chat.PermissionWrite, false))
	require.True(t, r.HasPermission("fs", chat.PermissionWrite))
}

func TestIsServerRunning(t *testing.T) {
	r := newTestRegistry(t, &fakeMCPClient{})
	require.True(t, r.IsServerRunning("fs"))
	require.False(t, r.IsServerRunning("ghost"))
}

func TestPermissionFor(t *testing.T) {
	srv := ServerConfig{
		Permissions:       map[string]string{"read_file": "read", "write_file": "write"},
		DefaultPermission: "execute",
	}
	require.Equal(t, chat.PermissionRead, permissionFor(srv, "read_file"))
	require.Equal(t, chat.PermissionWrite, permissionFor(srv, "write_file"))
	require.Equal(t, chat.PermissionExecute, permissionFor(srv, "run_command"))

	require.Equal(t, chat.PermissionExecute, permissionFor(ServerConfig{}, "anything"))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"servers": [
			{"name": "fs", "transport": "stdio", "command": "mcp-fs", "args": ["--root", "/tmp"]},
			{"name": "web", "transport": "http", "url": "http://localhost:9090/mcp"}
		]
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	require.Equal(t, "fs", cfg.Servers[0].Name)
	require.Equal(t, []string{"--root", "/tmp"}, cfg.Servers[0].Args)
	require.Equal(t, "http://localhost:9090/mcp", cfg.Servers[1].URL)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
