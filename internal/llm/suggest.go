package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aegis-health/aegis/internal/normalize"
	"github.com/aegis-health/aegis/internal/platform/errs"
)

// MappingSuggester implements normalize.Suggester on top of the Gateway.
// The model is asked for a single JSON object; anything else is treated as
// an upstream fault so the normalization cascade degrades gracefully.
type MappingSuggester struct {
	gateway *Gateway
	model   string
}

// NewMappingSuggester creates a MappingSuggester bound to one model.
func NewMappingSuggester(gateway *Gateway, model string) *MappingSuggester {
	return &MappingSuggester{gateway: gateway, model: model}
}

const suggestSystemPrompt = `You are a clinical terminology mapping assistant.
Given a local code and description from a source system, propose the best
matching standard code. Respond with exactly one JSON object and nothing else:
{"standard_code": "...", "standard_system": "...", "standard_description": "...", "confidence": 0.0, "reasoning": "..."}
confidence is your own estimate between 0 and 1. If no reasonable match
exists, use an empty standard_code and confidence 0.`

// SuggestMapping implements normalize.Suggester.
func (s *MappingSuggester) SuggestMapping(ctx context.Context, req normalize.SuggestRequest) (*normalize.Suggestion, error) {
	var b strings.Builder
	b.WriteString("Local code: " + req.LocalCode + "\n")
	b.WriteString("Local description: " + req.LocalDesc + "\n")
	b.WriteString("Source system: " + req.SourceSystem + "\n")
	if len(req.Systems) > 0 {
		b.WriteString("Candidate standard systems: " + strings.Join(req.Systems, ", ") + "\n")
	}

	resp, err := s.gateway.Complete(ctx, Request{
		Model: s.model,
		Messages: []Message{
			{Role: RoleSystem, Content: suggestSystemPrompt},
			{Role: RoleUser, Content: b.String()},
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var out normalize.Suggestion
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &out); err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "llm suggest: unparseable model output")
	}
	if out.StdCode == "" {
		return nil, nil
	}
	return &out, nil
}

// extractJSON strips markdown fences and surrounding prose, keeping the
// first top-level object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
