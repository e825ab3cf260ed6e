// Package llm provides the provider-agnostic language model gateway:
// ordered failover across providers, per-model cost accounting, input and
// output guardrails, and circuit breaking per provider.
package llm

import (
	"context"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	// TenantID attributes usage; it never reaches the provider.
	TenantID string `json:"-"`
}

// Response is a completed request.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Provider is one backing model service. Complete must classify failures
// with the errs taxonomy: RateLimit and Upstream trigger gateway failover,
// anything else stops it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream sends chunks to fn as they arrive. Used by the gateway's
	// primary-only streaming path.
	Stream(ctx context.Context, req Request, fn func(chunk string) error) error
}

// ModelPrice is USD per 1000 tokens, split by direction.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PriceTable maps model names to prices. Unknown models cost zero.
type PriceTable map[string]ModelPrice

// DefaultPrices covers the models the platform routinely routes to.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"claude-sonnet":     {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku":      {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"llama-3-70b-local": {InputPer1K: 0, OutputPer1K: 0},
	}
}

// Cost computes the USD cost of a response under the table.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// Usage accumulates per-process gateway counters. One mutex, touched only on
// update, per the platform's shared-state rules.
type Usage struct {
	mu            sync.Mutex
	totalRequests int64
	totalTokens   int64
	totalCostUSD  float64
	perModel      map[string]*ModelUsage
}

// ModelUsage is the per-model breakdown.
type ModelUsage struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// NewUsage creates a zeroed Usage.
func NewUsage() *Usage {
	return &Usage{perModel: make(map[string]*ModelUsage)}
}

// RecordAttempt counts a request attempt before its outcome is known, so
// cancelled calls still show up in total_requests.
func (u *Usage) RecordAttempt() {
	u.mu.Lock()
	u.totalRequests++
	u.mu.Unlock()
}

// RecordCompletion accrues tokens and cost for a successful response.
func (u *Usage) RecordCompletion(model string, tokens int, costUSD float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.totalTokens += int64(tokens)
	u.totalCostUSD += costUSD

	m, ok := u.perModel[model]
	if !ok {
		m = &ModelUsage{}
		u.perModel[model] = m
	}
	m.Requests++
	m.Tokens += int64(tokens)
	m.CostUSD += costUSD
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalRequests int64                  `json:"total_requests"`
	TotalTokens   int64                  `json:"total_tokens"`
	TotalCostUSD  float64                `json:"total_cost_usd"`
	PerModel      map[string]ModelUsage  `json:"per_model"`
}

// Snapshot returns a copy of the current counters.
func (u *Usage) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := Snapshot{
		TotalRequests: u.totalRequests,
		TotalTokens:   u.totalTokens,
		TotalCostUSD:  u.totalCostUSD,
		PerModel:      make(map[string]ModelUsage, len(u.perModel)),
	}
	for model, m := range u.perModel {
		s.PerModel[model] = *m
	}
	return s
}
