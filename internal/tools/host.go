// Package tools connects the agent engine to MCP tool servers.
//
// It speaks stdio or streamable-HTTP transports using the official MCP
// Go SDK (github.com/modelcontextprotocol/go-sdk), keeps a
// concurrent-safe registry of discovered tools, and adapts them to the
// [agent.ToolHost] seam.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/korahq/kora/pkg/provider/llm"
)

// ServerConfig describes one MCP server to connect to. Command selects
// the stdio transport; URL selects streamable HTTP. Exactly one must be
// set.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
}

// toolEntry holds a registered tool and the server session owning it.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string
}

// Host manages connections to MCP servers and exposes their tools to the
// agent engine. The zero value is not usable; create instances with
// [New].
//
// All methods are safe for concurrent use.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is reused across all server connections; the SDK allows a
	// single Client to manage multiple sessions.
	client *mcpsdk.Client
}

// New creates a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "kora-tools", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  client,
	}
}

// Connect establishes a session to the server described by cfg and
// imports its tool catalogue. A server registered under the same name is
// closed and replaced.
func (h *Host) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "":
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: server %q needs either a command or a url", cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Definitions implements [agent.ToolHost]. Tools are returned sorted by
// name so prompts stay stable across calls.
func (h *Host) Definitions() []llm.ToolDefinition {
	h.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call implements [agent.ToolHost]. It routes the invocation to the
// owning server session and concatenates the textual content of the
// result. A tool-reported error surfaces as a Go error.
func (h *Host) Call(ctx context.Context, name, argsJSON string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = h.servers[entry.serverName]
	}
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tools: tool %q not found", name)
	}
	if session == nil {
		return "", fmt.Errorf("tools: server %q not connected for tool %q", entry.serverName, name)
	}

	var args map[string]any
	if argsJSON != "" && argsJSON != "{}" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("tools: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tools: call to tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("tools: tool %q reported an error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server sessions. After Close the Host must not be
// used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts a tool's input schema to the plain map form the
// LLM providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
