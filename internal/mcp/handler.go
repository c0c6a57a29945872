package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/enactai/enact/internal/service"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required, non-blank string argument.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return strings.TrimSpace(val), nil
}

// requireInt extracts a required positive integer argument.
func requireInt(request mcp.CallToolRequest, key string) (int, error) {
	val, err := request.RequireInt(key)
	if err != nil {
		return 0, fmt.Errorf("missing required parameter %q", key)
	}
	if val <= 0 {
		return 0, fmt.Errorf("parameter %q must be positive", key)
	}
	return val, nil
}

// optionalString extracts an optional string argument from the tool request.
func optionalString(request mcp.CallToolRequest, key string) string {
	return strings.TrimSpace(request.GetString(key, ""))
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the LLM so it can self-correct; they do NOT terminate the MCP
// session.
func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

type deniedBody struct {
	Error        string `json:"error"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

// deniedResult renders an authorization denial as a structured tool error.
func deniedResult(dec service.Decision) *mcp.CallToolResult {
	body := deniedBody{
		Error:        "access denied",
		Reason:       string(dec.Reason),
		Message:      dec.Message,
		RetryAfterMs: dec.RetryAfter.Milliseconds(),
	}
	if body.Reason == "invalid_token" {
		body.Hint = "Pass your API token in the \"token\" argument of every tool call."
	}
	b, _ := json.Marshal(body)
	return mcp.NewToolResultError(string(b))
}

// resultText returns the text of the first text content block.
func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// field extracts a top-level key from a JSON object, or null.
func field(raw json.RawMessage, key string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return json.RawMessage("null")
	}
	if v, ok := obj[key]; ok {
		return v
	}
	return json.RawMessage("null")
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func source(kind, identifier string) string {
	switch kind {
	case "congress":
		return "Source: Library of Congress (congress.gov) - " + identifier
	case "govinfo":
		return "Source: Government Publishing Office (govinfo.gov) - " + identifier
	default:
		return "Source: EnactAI Analysis - " + identifier
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:  boolPtr(true),
		OpenWorldHint: boolPtr(true),
	}
}
