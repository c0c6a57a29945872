package model

import "time"

// UsageRecord is one immutable entry in the usage log. TokenID is empty for
// attempts that presented an unknown or malformed secret.
type UsageRecord struct {
	ID             string    `json:"id"`
	TokenID        string    `json:"token_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ToolName       string    `json:"tool_name"`
	Success        bool      `json:"success"`
	Reason         string    `json:"reason"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CallerAddress  string    `json:"caller_address,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
}

// UsageStats summarizes a token's usage over a trailing window.
type UsageStats struct {
	TokenID           string           `json:"token_id"`
	Since             time.Time        `json:"since"`
	TotalRequests     int64            `json:"total_requests"`
	Successful        int64            `json:"successful"`
	Failed            int64            `json:"failed"`
	Denied            int64            `json:"denied"`
	ErrorRate         float64          `json:"error_rate"`
	AvgResponseTimeMs float64          `json:"avg_response_time_ms"`
	UniqueCallers     int64            `json:"unique_callers"`
	Tools             []ToolCount      `json:"tools"`
	DenialReasons     map[string]int64 `json:"denial_reasons"`
}

// ToolCount is a per-tool request count.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int64  `json:"count"`
}

// UsageSummary is one row of the cross-token usage report.
type UsageSummary struct {
	TokenID       string `json:"token_id"`
	TotalRequests int64  `json:"total_requests"`
	Failed        int64  `json:"failed"`
	Denied        int64  `json:"denied"`
}
