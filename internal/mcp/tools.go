package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/upstream"
)

// newTool builds a tool definition with the token argument every tool
// takes.
func (s *MCPServer) newTool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	tier := s.auth.Policy().Required(name)
	base := []mcp.ToolOption{
		mcp.WithDescription(fmt.Sprintf("%s\n\nRequires a %s token.", description, tier)),
		mcp.WithToolAnnotation(readOnlyAnnotation()),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Your EnactAI API token. Pass it on every call."),
		),
	}
	return mcp.NewTool(name, append(base, opts...)...)
}

func (s *MCPServer) addTool(srv *server.MCPServer, tool mcp.Tool, fn toolFunc) {
	srv.AddTool(tool, s.gate(tool.Name, fn))
	s.tools = append(s.tools, tool.Name)
}

// registerTools registers every tool on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Session and reference tools -----

	s.addTool(srv, s.newTool("authenticate",
		"Validate your API token and see which tools it can call. Tokens are not "+
			"remembered between calls; include the token in every tool call."),
		s.handleAuthenticate)

	s.addTool(srv, s.newTool("get_congress_overview",
		"Overview of the structure and powers of the U.S. Congress."),
		s.handleCongressOverview)

	s.addTool(srv, s.newTool("get_legislative_process",
		"Step-by-step explanation of how a bill becomes law, with key terms."),
		s.handleLegislativeProcess)

	// ----- congress.gov tools -----

	s.addTool(srv, s.newTool("search_bills",
		"Search recent bills in a Congress by title keyword.",
		mcp.WithString("query", mcp.Description("Keyword to match in bill titles")),
		mcp.WithNumber("congress", mcp.Description("Congress number (default: current)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, max 250)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip for pagination")),
	), s.handleSearchBills)

	s.addTool(srv, s.newTool("get_bill",
		"Detailed information about a specific bill.",
		mcp.WithNumber("congress", mcp.Required(), mcp.Description("Congress number, e.g. 118")),
		mcp.WithString("bill_type", mcp.Required(),
			mcp.Description("Bill type"),
			mcp.Enum("hr", "s", "hjres", "sjres", "hconres", "sconres", "hres", "sres"),
		),
		mcp.WithNumber("bill_number", mcp.Required(), mcp.Description("Bill number")),
	), s.handleGetBill)

	s.addTool(srv, s.newTool("get_member",
		"Information about a member of Congress.",
		mcp.WithString("bioguide_id", mcp.Required(), mcp.Description("Bioguide ID, e.g. P000197")),
	), s.handleGetMember)

	s.addTool(srv, s.newTool("get_committee",
		"Information about a congressional committee.",
		mcp.WithString("chamber", mcp.Required(), mcp.Enum("house", "senate", "joint")),
		mcp.WithString("committee_code", mcp.Required(), mcp.Description("Committee system code, e.g. hsag00")),
	), s.handleGetCommittee)

	s.addTool(srv, s.newTool("search_amendments",
		"List amendments offered in a Congress.",
		mcp.WithNumber("congress", mcp.Description("Congress number (default: current)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, max 250)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip for pagination")),
	), s.handleSearchAmendments)

	s.addTool(srv, s.newTool("get_current_congress",
		"Number, dates and sessions of the sitting Congress."),
		s.handleCurrentCongress)

	s.addTool(srv, s.newTool("get_votes",
		"House roll call votes for a Congress and session.",
		mcp.WithNumber("congress", mcp.Description("Congress number (default: current)")),
		mcp.WithNumber("session", mcp.Description("Session, 1 or 2 (default 1)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, max 250)")),
	), s.handleGetVotes)

	// ----- govinfo tools -----

	s.addTool(srv, s.newTool("search_govinfo",
		"Full-text search of GPO publications (bills, reports, the Federal Register).",
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("page_size", mcp.Description("Results per page (default 10, max 100)")),
	), s.handleSearchGovInfo)

	// ----- administration -----

	s.addTool(srv, s.newTool("token_usage",
		"Usage statistics for a token over a trailing window.",
		mcp.WithString("token_id", mcp.Description("Token to report on (default: the calling token)")),
		mcp.WithNumber("hours", mcp.Description("Window in hours (default 24, max 2160)")),
	), s.handleTokenUsage)
}

// =========================================================================
// Tool handlers
// =========================================================================

func (s *MCPServer) handleAuthenticate(ctx context.Context, _ mcp.CallToolRequest, dec service.Decision) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"status":          "authenticated",
		"token_id":        dec.TokenID,
		"tier":            dec.Tier,
		"remaining":       dec.Remaining,
		"available_tools": s.auth.Policy().Accessible(dec.Tier),
		"message":         "Token validated. Include this token in every subsequent tool call.",
	}
	if s.lifecycle != nil {
		if tok, err := s.lifecycle.Get(ctx, dec.TokenID); err == nil {
			out["name"] = tok.Name
			if tok.ExpiresAt != nil {
				out["expires_at"] = tok.ExpiresAt
			}
		}
	}
	return successJSON(out)
}

func (s *MCPServer) handleCongressOverview(ctx context.Context, _ mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	current := s.currentCongress(ctx)
	start := 1789 + 2*(current-1)
	return successJSON(map[string]any{
		"overview": map[string]any{
			"title":       "United States Congress Overview",
			"description": "The legislative branch of the U.S. federal government",
			"structure": map[string]any{
				"senate": map[string]any{
					"members":           100,
					"term":              "6 years",
					"per_state":         2,
					"minimum_age":       30,
					"presiding_officer": "Vice President",
				},
				"house": map[string]any{
					"members":           435,
					"term":              "2 years",
					"distribution":      "Based on population",
					"minimum_age":       25,
					"presiding_officer": "Speaker of the House",
				},
			},
			"powers": []string{
				"Make laws",
				"Declare war",
				"Approve treaties (Senate)",
				"Confirm appointments (Senate)",
				"Impeachment (House initiates, Senate tries)",
				"Override presidential vetoes",
				"Control federal budget",
			},
			"current_congress":  current,
			"session_period":    fmt.Sprintf("%d-%d", start, start+1),
			"previous_congress": current - 1,
			"previous_period":   fmt.Sprintf("%d-%d", start-2, start-1),
		},
		"source": source("calculation", "Congressional Structure Analysis"),
	})
}

type processStep struct {
	Step        int    `json:"step"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var legislativeSteps = []processStep{
	{1, "Introduction", "A member of Congress introduces a bill"},
	{2, "Committee Review", "Bill is referred to committee for study and hearings"},
	{3, "Committee Action", "Committee may amend, approve, or table the bill"},
	{4, "Floor Action", "Full chamber debates and votes on the bill"},
	{5, "Other Chamber", "Bill goes to other chamber, repeats process"},
	{6, "Conference Committee", "Resolves differences between House and Senate versions"},
	{7, "Final Approval", "Both chambers vote on identical version"},
	{8, "Presidential Action", "President signs, vetoes, or allows to become law"},
}

func (s *MCPServer) handleLegislativeProcess(_ context.Context, _ mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	return successJSON(map[string]any{
		"process": map[string]any{
			"title": "How a Bill Becomes a Law",
			"steps": legislativeSteps,
			"key_terms": map[string]string{
				"filibuster": "Senate procedure to delay or block a vote",
				"cloture":    "Procedure to end a filibuster (requires 60 votes)",
				"markup":     "Committee process of amending a bill",
				"quorum":     "Minimum members required to conduct business",
				"rider":      "Amendment unrelated to bill's main purpose",
			},
		},
		"source": source("calculation", "Legislative Process Education"),
	})
}

func (s *MCPServer) handleSearchBills(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	congress := optionalInt(request, "congress", 0)
	if congress <= 0 {
		congress = s.currentCongress(ctx)
	}
	limit := clamp(optionalInt(request, "limit", 20), 1, 250)
	query := optionalString(request, "query")

	raw, err := s.data.Bills(ctx, congress, limit, optionalInt(request, "offset", 0))
	if err != nil {
		return upstreamError(err)
	}

	var bills []map[string]any
	if err := json.Unmarshal(field(raw, "bills"), &bills); err != nil {
		return toolError("Unexpected response from congress.gov: %v", err)
	}
	if query != "" {
		needle := strings.ToLower(query)
		matched := bills[:0]
		for _, b := range bills {
			if title, _ := b["title"].(string); strings.Contains(strings.ToLower(title), needle) {
				matched = append(matched, b)
			}
		}
		bills = matched
	}
	if bills == nil {
		bills = []map[string]any{}
	}

	return successJSON(map[string]any{
		"results": bills,
		"count":   len(bills),
		"source":  source("congress", fmt.Sprintf("Congress %d Bills", congress)),
	})
}

func (s *MCPServer) handleGetBill(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	congress, err := requireInt(request, "congress")
	if err != nil {
		return toolError("%v", err)
	}
	billType, err := requireString(request, "bill_type")
	if err != nil {
		return toolError("%v", err)
	}
	number, err := requireInt(request, "bill_number")
	if err != nil {
		return toolError("%v", err)
	}

	raw, err := s.data.Bill(ctx, congress, billType, number)
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"bill":   field(raw, "bill"),
		"source": source("congress", fmt.Sprintf("%s %d (%s Congress)", strings.ToUpper(billType), number, ordinal(congress))),
	})
}

func (s *MCPServer) handleGetMember(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	id, err := requireString(request, "bioguide_id")
	if err != nil {
		return toolError("%v", err)
	}
	raw, err := s.data.Member(ctx, id)
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"member": field(raw, "member"),
		"source": source("congress", "Member "+strings.ToUpper(id)),
	})
}

func (s *MCPServer) handleGetCommittee(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	chamber, err := requireString(request, "chamber")
	if err != nil {
		return toolError("%v", err)
	}
	code, err := requireString(request, "committee_code")
	if err != nil {
		return toolError("%v", err)
	}
	raw, err := s.data.Committee(ctx, chamber, code)
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"committee": field(raw, "committee"),
		"source":    source("congress", "Committee "+strings.ToLower(code)),
	})
}

func (s *MCPServer) handleSearchAmendments(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	congress := optionalInt(request, "congress", 0)
	if congress <= 0 {
		congress = s.currentCongress(ctx)
	}
	limit := clamp(optionalInt(request, "limit", 20), 1, 250)

	raw, err := s.data.Amendments(ctx, congress, limit, optionalInt(request, "offset", 0))
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"amendments": field(raw, "amendments"),
		"pagination": field(raw, "pagination"),
		"source":     source("congress", fmt.Sprintf("Congress %d Amendments", congress)),
	})
}

func (s *MCPServer) handleCurrentCongress(ctx context.Context, _ mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	current := s.currentCongress(ctx)
	start := 1789 + 2*(current-1)
	info := map[string]any{
		"number":     current,
		"name":       ordinal(current) + " Congress",
		"start_year": start,
		"end_year":   start + 1,
	}
	if s.data != nil {
		if raw, err := s.data.CongressInfo(ctx, current); err == nil {
			var body struct {
				Congress struct {
					Name      string          `json:"name"`
					StartYear json.RawMessage `json:"startYear"`
					EndYear   json.RawMessage `json:"endYear"`
					Sessions  json.RawMessage `json:"sessions"`
				} `json:"congress"`
			}
			if json.Unmarshal(raw, &body) == nil {
				if body.Congress.Name != "" {
					info["name"] = body.Congress.Name
				}
				if len(body.Congress.Sessions) > 0 {
					info["sessions"] = body.Congress.Sessions
				}
			}
		} else {
			s.logger.Debug("congress details unavailable", "congress", current, "error", err)
		}
	}
	return successJSON(map[string]any{
		"current_congress": info,
		"note":             "Each Congress runs for two years; a new Congress convenes every odd-numbered year.",
		"source":           source("congress", fmt.Sprintf("Congress %d Information", current)),
	})
}

func (s *MCPServer) handleGetVotes(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("Congressional data is not configured on this server.")
	}
	congress := optionalInt(request, "congress", 0)
	if congress <= 0 {
		congress = s.currentCongress(ctx)
	}
	session := optionalInt(request, "session", 1)
	if session != 1 && session != 2 {
		return toolError("session must be 1 or 2")
	}
	limit := clamp(optionalInt(request, "limit", 20), 1, 250)

	raw, err := s.data.HouseVotes(ctx, congress, session, limit)
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"votes":  field(raw, "houseRollCallVotes"),
		"source": source("congress", fmt.Sprintf("House Roll Call Votes, Congress %d Session %d", congress, session)),
	})
}

func (s *MCPServer) handleSearchGovInfo(ctx context.Context, request mcp.CallToolRequest, _ service.Decision) (*mcp.CallToolResult, error) {
	if s.data == nil {
		return toolError("GovInfo data is not configured on this server.")
	}
	query, err := requireString(request, "query")
	if err != nil {
		return toolError("%v", err)
	}
	pageSize := clamp(optionalInt(request, "page_size", 10), 1, 100)

	raw, err := s.data.GovInfoSearch(ctx, query, pageSize)
	if err != nil {
		return upstreamError(err)
	}
	return successJSON(map[string]any{
		"count":   field(raw, "count"),
		"results": field(raw, "results"),
		"source":  source("govinfo", "Search: "+query),
	})
}

func (s *MCPServer) handleTokenUsage(ctx context.Context, request mcp.CallToolRequest, dec service.Decision) (*mcp.CallToolResult, error) {
	if s.lifecycle == nil {
		return toolError("Usage statistics are not available on this server.")
	}
	id := optionalString(request, "token_id")
	if id == "" {
		id = dec.TokenID
	}
	hours := clamp(optionalInt(request, "hours", 24), 1, 2160)

	stats, err := s.lifecycle.Stats(ctx, id, time.Duration(hours)*time.Hour)
	if errors.Is(err, service.ErrNotFound) {
		return toolError("Token %q not found.", id)
	}
	if err != nil {
		return toolError("Failed to load usage: %v", err)
	}
	return successJSON(map[string]any{
		"hours": hours,
		"stats": stats,
	})
}

// currentCongress never fails; lookups fall back to a fixed number.
func (s *MCPServer) currentCongress(ctx context.Context) int {
	if s.data == nil {
		return upstream.FallbackCongress
	}
	n, err := s.data.CurrentCongress(ctx)
	if err != nil || n <= 0 {
		return upstream.FallbackCongress
	}
	return n
}

func upstreamError(err error) (*mcp.CallToolResult, error) {
	var apiErr *upstream.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == 404:
		return toolError("Not found at %s.", apiErr.URL)
	case errors.As(err, &apiErr):
		return toolError("The data source returned HTTP %d. Try again later.", apiErr.Status)
	case errors.Is(err, upstream.ErrNotConfigured):
		return toolError("This data source is not configured on this server.")
	default:
		return toolError("Failed to reach the data source: %v", err)
	}
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
