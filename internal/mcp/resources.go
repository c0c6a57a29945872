package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/enactai/enact/internal/model"
)

const toolsResourceURI = "enact://tools"

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			toolsResourceURI,
			"Tool Access Tiers",
			mcp.WithResourceDescription(
				"Every tool with the minimum token tier needed to call it. "+
					"Tiers are ordered read_only < standard < admin.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleToolsResource,
	)
}

type toolTier struct {
	Tool string     `json:"tool"`
	Tier model.Tier `json:"tier"`
}

func (s *MCPServer) handleToolsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	policy := s.auth.Policy()
	items := make([]toolTier, 0, len(s.tools))
	for _, name := range s.tools {
		items = append(items, toolTier{Tool: name, Tier: policy.Required(name)})
	}

	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool tiers: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      toolsResourceURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
