package mcptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// queryToolNames are the tool names Query will route a prompt through, in
// order of preference.
var queryToolNames = []string{"query", "chat", "ask", "process"}

// legacyAnswerKeys are checked in order in a legacy /query response body.
var legacyAnswerKeys = []string{"reply", "response", "result"}

// Query sends a free-form prompt for callers that do not speak the tool
// protocol. On an MCP session that advertises a query-like tool the prompt is
// routed through tools/call; otherwise it is POSTed to the legacy /query
// contract.
func (c *Client) Query(ctx context.Context, prompt string) (string, error) {
	c.mu.RLock()
	closed, kind := c.closed, c.kind
	tools := c.tools
	c.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	if kind == SessionMCP {
		if name, ok := pickQueryTool(tools); ok {
			res, err := c.CallTool(ctx, name, map[string]any{"prompt": prompt})
			if err != nil {
				return "", err
			}
			text := TextOf(res)
			if res.IsError {
				return "", fmt.Errorf("mcptransport: tool %s failed: %s", name, text)
			}
			return text, nil
		}
	}
	return c.legacyQuery(ctx, prompt)
}

func pickQueryTool(tools []*mcp.Tool) (string, bool) {
	available := make(map[string]bool, len(tools))
	for _, tool := range tools {
		available[tool.Name] = true
	}
	for _, name := range queryToolNames {
		if available[name] {
			return name, true
		}
	}
	return "", false
}

func (c *Client) legacyQuery(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("mcptransport: marshal query: %w", err)
	}
	target := joinEndpoint(c.baseURL, "/query")

	c.callMu.Lock()
	defer c.callMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("mcptransport: create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mcptransport: POST %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("mcptransport: read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mcptransport: query on %s: %w", c.baseURL, httpStatusError(resp.StatusCode, body))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("mcptransport: decode query response: %w", err)
	}
	for _, key := range legacyAnswerKeys {
		value, ok := doc[key]
		if !ok {
			continue
		}
		if s, ok := value.(string); ok {
			return s, nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("mcptransport: encode %q answer: %w", key, err)
		}
		return string(encoded), nil
	}
	return "", fmt.Errorf("mcptransport: query response from %s has none of %v", c.baseURL, legacyAnswerKeys)
}

// TextOf joins the text blocks of a tool result. Non-text blocks are shown as
// bracketed markers.
func TextOf(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, block := range res.Content {
		switch b := block.(type) {
		case *mcp.TextContent:
			parts = append(parts, b.Text)
		case *mcp.ImageContent:
			parts = append(parts, "[image]")
		case *mcp.AudioContent:
			parts = append(parts, "[audio]")
		case *mcp.EmbeddedResource, *mcp.ResourceLink:
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", b))
		}
	}
	return strings.Join(parts, "\n")
}
