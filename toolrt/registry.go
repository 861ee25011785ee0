// Package toolrt bridges MCP servers into the tool runtime: discovery,
// execution and durable permission grants.
package toolrt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"

	"github.com/fluxchat/flux/chat"
)

// mcpCallTimeout is the per-call timeout for MCP tool execution.
const mcpCallTimeout = 30 * time.Second

// ServerConfig describes one MCP server to connect.
type ServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // stdio or http
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`

	// Permissions maps tool names to read/write/execute. Tools not
	// listed get DefaultPermission, which itself defaults to execute.
	Permissions       map[string]string `json:"permissions,omitempty"`
	DefaultPermission string            `json:"defaultPermission,omitempty"`
}

// Config is the on-disk tool runtime configuration.
type Config struct {
	Servers []ServerConfig `json:"servers"`
}

// LoadConfig reads the MCP server configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tool config %s", path)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tool config %s", path)
	}
	return cfg, nil
}

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type serverConn struct {
	name   string
	client mcpClient
}

// Registry implements chat.ToolRuntime and the provider tool catalog over
// a set of MCP server connections.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
	tools   []chat.ToolSpec
	grants  *Grants
	logger  *slog.Logger
}

// NewRegistry connects the configured servers, discovers their tools and
// loads the grants file. Individual server failures are skipped; only a
// total failure is an error.
func NewRegistry(ctx context.Context, cfg *Config, grantsPath string) (*Registry, error) {
	grants, err := LoadGrants(grantsPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		servers: map[string]*serverConn{},
		grants:  grants,
		logger:  slog.Default().With("component", "toolrt"),
	}

	failures := []string{}
	for _, srv := range cfg.Servers {
		conn, err := r.connectServer(ctx, srv)
		if err != nil {
			r.logger.Warn("mcp server connection failed, skipping", "server", srv.Name, "error", err)
			failures = append(failures, srv.Name)
			continue
		}
		r.servers[srv.Name] = conn
		r.discoverTools(ctx, conn, srv)
	}
	if len(cfg.Servers) > 0 && len(failures) == len(cfg.Servers) {
		return nil, errors.Errorf("all mcp servers failed: %s", strings.Join(failures, ", "))
	}
	return r, nil
}

func (r *Registry) connectServer(ctx context.Context, srv ServerConfig) (*serverConn, error) {
	var c mcpClient
	var err error

	switch srv.Transport {
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, errors.Wrap(err, "create stdio client")
		}
	case "http":
		t, tErr := transport.NewStreamableHTTP(srv.URL)
		if tErr != nil {
			return nil, errors.Wrap(tErr, "create http transport")
		}
		httpClient := mcpclient.NewClient(t)
		if err = httpClient.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "start http client")
		}
		c = httpClient
	default:
		return nil, errors.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "flux", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err = ic.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, errors.Wrap(err, "initialize")
		}
	}

	r.logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	return &serverConn{name: srv.Name, client: c}, nil
}

func (r *Registry) discoverTools(ctx context.Context, conn *serverConn, srv ServerConfig) {
	result, err := conn.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		r.logger.Warn("mcp tool discovery failed", "server", conn.name, "error", err)
		return
	}
	for _, t := range result.Tools {
		r.tools = append(r.tools, chat.ToolSpec{
			ServerName:  conn.name,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaMap(t.InputSchema),
			Permission:  permissionFor(srv, t.Name),
		})
	}
	r.logger.Info("mcp tools discovered", "server", conn.name, "count", len(result.Tools))
}

// ListTools returns the discovered tool specs.
func (r *Registry) ListTools() []chat.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools
}

// CallTool executes a tool on its server. A tool-reported error comes
// back as a non-nil error alongside the content.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName string, params map[string]any) (string, error) {
	r.mu.RLock()
	conn := r.servers[serverName]
	r.mu.RUnlock()
	if conn == nil {
		return "", errors.Errorf("unknown mcp server %q", serverName)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = params

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := conn.client.CallTool(callCtx, callReq)
	if err != nil {
		return "", errors.Wrapf(err, "mcp call %s.%s", serverName, toolName)
	}
	content := extractContent(result)
	if result.IsError {
		return content, errors.Errorf("tool %s.%s failed", serverName, toolName)
	}
	return content, nil
}

func (r *Registry) IsServerRunning(serverName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers[serverName] != nil
}

func (r *Registry) HasPermission(serverName string, permission chat.PermissionType) bool {
	if permission == chat.PermissionRead {
		return true
	}
	return r.grants.Has(serverName, permission)
}

func (r *Registry) GrantPermission(serverName string, permission chat.PermissionType, remember bool) error {
	return r.grants.Grant(serverName, permission, remember)
}

// Close shuts down all server connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.servers {
		if err := conn.client.Close(); err != nil {
			r.logger.Warn("mcp server close error", "server", name, "error", err)
		}
	}
}

func permissionFor(srv ServerConfig, toolName string) chat.PermissionType {
	if p, ok := srv.Permissions[toolName]; ok {
		return chat.PermissionType(p)
	}
	if srv.DefaultPermission != "" {
		return chat.PermissionType(srv.DefaultPermission)
	}
	return chat.PermissionExecute
}

func schemaMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// extractContent converts MCP result content to a string.
func extractContent(result *mcp.CallToolResult) string {
	parts := []string{}
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
