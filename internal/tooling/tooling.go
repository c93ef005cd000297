// Package tooling gives the Chat Orchestrator a single, explicitly declared
// tool it may offer the LLM: a web search for short factual queries.
//
// Earlier designs let any MCP server contribute tools discovered by duck
// typing the server's tool listing at connect time. That made the available
// surface implicit and hard to reason about from the character's prompt.
// This package replaces it with one named, explicitly-schema'd tool backed by
// a single MCP server connection, following the same session-and-cache
// pattern used by mature MCP clients in the ecosystem.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cheshiremew/lumina/pkg/types"
)

// WebSearchToolName is the tool name advertised to the LLM and expected on
// the configured MCP server.
const WebSearchToolName = "web_search"

// WebSearchDefinition is the explicit manifest entry for the web_search tool
// contract: a short query in, a list of ranked results out.
var WebSearchDefinition = types.ToolDefinition{
	Name:        WebSearchToolName,
	Description: "Search the web for a short factual query and return ranked results with titles, URLs, and snippets.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return.",
				"default":     5,
			},
		},
		"required": []string{"query"},
	},
	Idempotent: true,
}

// WebSearchResult is a single ranked hit returned by the web_search tool.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ServerConfig describes how to connect to the MCP server that implements
// the web_search tool.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name string

	// Command launches a stdio MCP server. Mutually exclusive with URL.
	Command string

	// Args are passed to Command when it is set (stdio transport).
	Args []string

	// URL connects to a Streamable HTTP MCP server. Mutually exclusive with Command.
	URL string
}

// Manifest is the connection to the single configured MCP server and caches
// its session so repeated calls avoid reconnecting.
//
// Safe for concurrent use.
type Manifest struct {
	cfg ServerConfig

	mu      sync.Mutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession

	logger *slog.Logger
}

// NewManifest constructs a Manifest for cfg. The connection is established
// lazily on first use.
func NewManifest(cfg ServerConfig, logger *slog.Logger) *Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manifest{cfg: cfg, logger: logger}
}

// Definitions returns the tool definitions this manifest exposes to the LLM.
func (m *Manifest) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{WebSearchDefinition}
}

func (m *Manifest) ensureSession(ctx context.Context) (*mcpsdk.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return m.session, nil
	}

	transport, err := m.transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("tooling: build transport for %q: %w", m.cfg.Name, err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "lumina", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("tooling: connect to %q: %w", m.cfg.Name, err)
	}

	m.client = client
	m.session = session
	m.logger.Info("tooling: mcp server connected", "server", m.cfg.Name)
	return session, nil
}

func (m *Manifest) transport(ctx context.Context) (mcpsdk.Transport, error) {
	switch {
	case m.cfg.Command != "":
		cmd := exec.CommandContext(ctx, m.cfg.Command, m.cfg.Args...)
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case m.cfg.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: m.cfg.URL}, nil
	default:
		return nil, fmt.Errorf("tooling: server %q has neither Command nor URL configured", m.cfg.Name)
	}
}

// WebSearch calls the web_search tool with query, capped to maxResults.
func (m *Manifest) WebSearch(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error) {
	session, err := m.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	if maxResults <= 0 {
		maxResults = 5
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: WebSearchToolName,
		Arguments: map[string]any{
			"query":       query,
			"max_results": maxResults,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tooling: call %s: %w", WebSearchToolName, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("tooling: %s returned an application error: %s", WebSearchToolName, contentText(res))
	}

	var results []WebSearchResult
	if err := json.Unmarshal([]byte(contentText(res)), &results); err != nil {
		return nil, fmt.Errorf("tooling: decode %s response: %w", WebSearchToolName, err)
	}
	return results, nil
}

// Close releases the underlying MCP session, if one was established.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	m.client = nil
	return err
}

func contentText(res *mcpsdk.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
