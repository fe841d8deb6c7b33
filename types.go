package insureops

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return strconv.Itoa(e.Status) + ": " + e.Message
}

// newAPIError builds an APIError from a response body. The backend reports
// failures as {"detail": "..."}, {"error": "..."} or {"message": "..."}.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}

	var raw struct {
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	if json.Unmarshal(body, &raw) == nil {
		e.Code = raw.Code
		for _, candidate := range []json.RawMessage{raw.Detail, raw.Error} {
			var s string
			if len(candidate) > 0 && json.Unmarshal(candidate, &s) == nil && s != "" {
				e.Message = s
				break
			}
		}
		if e.Message == "" {
			e.Message = raw.Message
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Metrics
// ============================================================================

type OverviewMetrics struct {
	TotalTraces  int     `json:"totalTraces"`
	AvgLatency   float64 `json:"avgLatency"`
	TotalCost    float64 `json:"totalCost"`
	ActiveAlerts int     `json:"activeAlerts"`
	SuccessRate  float64 `json:"successRate"`
}

// ============================================================================
// Traces
// ============================================================================

// Trace is one recorded agent decision.
type Trace struct {
	ID              string          `json:"id"`
	AgentType       string          `json:"agent_type"`
	Decision        string          `json:"decision,omitempty"`
	Confidence      float64         `json:"confidence,omitempty"`
	TotalLatencyMs  float64         `json:"total_latency_ms,omitempty"`
	TotalCostUSD    float64         `json:"total_cost_usd,omitempty"`
	TotalTokens     int             `json:"total_tokens,omitempty"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	OutputData      json.RawMessage `json:"output_data,omitempty"`
	Reasoning       string          `json:"reasoning,omitempty"`
	GuardrailChecks json.RawMessage `json:"guardrail_checks,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
}

type Pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	TotalItems int `json:"totalItems"`
}

type TraceList struct {
	Traces     []Trace    `json:"traces"`
	Pagination Pagination `json:"pagination"`
}

// TraceListOptions filters Traces.List. Zero fields are omitted.
type TraceListOptions struct {
	Page      int
	Limit     int
	AgentType string
	Decision  string
}

func (o *TraceListOptions) query() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.AgentType != "" {
		q.Set("agent_type", o.AgentType)
	}
	if o.Decision != "" {
		q.Set("decision", o.Decision)
	}
	return q
}

// ============================================================================
// Alerts
// ============================================================================

type Alert struct {
	ID           string          `json:"id"`
	RuleName     string          `json:"rule_name,omitempty"`
	AlertType    string          `json:"alert_type,omitempty"`
	AgentType    string          `json:"agent_type,omitempty"`
	Message      string          `json:"message,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Severity     string          `json:"severity"`
	Status       string          `json:"status,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    string          `json:"created_at,omitempty"`
}

// alertList accepts both {"alerts": [...]} and a bare array.
type alertList struct {
	items []Alert
}

func (l *alertList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &l.items)
	}
	var wrapped struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	l.items = wrapped.Alerts
	return nil
}

func (l *alertList) alerts() []Alert {
	if l.items == nil {
		return []Alert{}
	}
	return l.items
}

// ============================================================================
// Agents
// ============================================================================

type AgentStatus struct {
	Status      string  `json:"status"`
	TotalTraces int     `json:"totalTraces,omitempty"`
	SuccessRate float64 `json:"success,omitempty"`
	AvgLatency  float64 `json:"avgLatency,omitempty"`
	AvgCost     float64 `json:"avgCost,omitempty"`
}

// ============================================================================
// Auth
// ============================================================================

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
