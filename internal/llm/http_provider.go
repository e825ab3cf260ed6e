package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// HTTPProvider talks to any chat-completions-compatible endpoint (OpenAI,
// Azure OpenAI, vLLM, Ollama's compatibility layer). Error classification
// follows HTTP status: 429 is RateLimit, 5xx is Upstream, anything else 4xx
// is Validation.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates an HTTPProvider. baseURL is the API root without
// the /chat/completions suffix.
func NewHTTPProvider(name, baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		Delta        Message `json:"delta"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "llm %s: marshal request", p.name)
	}

	httpResp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := p.classifyStatus(httpResp); err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "llm %s: decode response", p.name)
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.New(errs.Upstream, "llm %s: empty choices", p.name)
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// Stream implements Provider over server-sent events.
func (p *HTTPProvider) Stream(ctx context.Context, req Request, fn func(chunk string) error) error {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "llm %s: marshal request", p.name)
	}

	httpResp, err := p.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if err := p.classifyStatus(httpResp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.Upstream, err, "llm %s: stream read", p.name)
	}
	return nil
}

func (p *HTTPProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "llm %s: build request", p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, err, "llm %s: request cancelled", p.name)
		}
		return nil, errs.Wrap(errs.Upstream, err, "llm %s: request failed", p.name)
	}
	return httpResp, nil
}

func (p *HTTPProvider) classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp.Body)
		return errs.New(errs.RateLimit, "llm %s: rate limited", p.name)
	case resp.StatusCode >= 500:
		drain(resp.Body)
		return errs.New(errs.Upstream, "llm %s: status %d", p.name, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errs.New(errs.Validation, "llm %s: status %d: %s", p.name, resp.StatusCode, fmt.Sprintf("%.200s", msg))
	}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
