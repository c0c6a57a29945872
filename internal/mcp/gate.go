package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/enactai/enact/internal/service"
)

// toolFunc is a tool body. It runs only after the call's token has been
// authorized; dec describes the caller.
type toolFunc func(ctx context.Context, request mcp.CallToolRequest, dec service.Decision) (*mcp.CallToolResult, error)

// gate wraps fn with authorization and usage recording. A denied call
// never reaches fn. An allowed call is recorded once, with its outcome,
// after fn returns.
func (s *MCPServer) gate(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller := callerAddress(ctx)
		dec, err := s.auth.Authorize(ctx, service.Request{
			Token:         request.GetString("token", ""),
			Tool:          name,
			CallerAddress: caller,
		})
		if err != nil {
			s.logger.Warn("authorization error", "tool", name, "error", err)
		}
		if !dec.Allow {
			return deniedResult(dec), nil
		}

		start := time.Now()
		result, err := fn(ctx, request, dec)
		took := time.Since(start)

		outcome := service.Outcome{
			TokenID:       dec.TokenID,
			Tool:          name,
			CallerAddress: caller,
			Success:       err == nil && (result == nil || !result.IsError),
			ResponseTime:  took,
		}
		switch {
		case err != nil:
			outcome.ErrorMessage = err.Error()
		case result != nil && result.IsError:
			outcome.ErrorMessage = resultText(result)
		}
		// The caller may already be gone; the record still belongs in the log.
		if rerr := s.auth.RecordOutcome(context.WithoutCancel(ctx), outcome); rerr != nil {
			s.logger.Error("failed to record tool outcome", "tool", name, "token_id", dec.TokenID, "error", rerr)
		}
		return result, err
	}
}
