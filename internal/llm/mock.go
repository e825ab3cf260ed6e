package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// MockProvider is a deterministic in-process Provider. It backs tests, local
// development, and the platform's mock mode; it is a complete implementation,
// not a stub.
type MockProvider struct {
	name string

	mu sync.Mutex
	// Script entries are consumed in order; when exhausted, Complete echoes
	// the last user message.
	script []mockTurn
	calls  int
}

type mockTurn struct {
	text string
	err  error
}

// NewMockProvider creates a MockProvider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Respond queues a canned response.
func (m *MockProvider) Respond(text string) *MockProvider {
	m.mu.Lock()
	m.script = append(m.script, mockTurn{text: text})
	m.mu.Unlock()
	return m
}

// Fail queues an error of the given kind.
func (m *MockProvider) Fail(kind errs.Kind, reason string) *MockProvider {
	m.mu.Lock()
	m.script = append(m.script, mockTurn{err: errs.New(kind, "%s", reason)})
	m.mu.Unlock()
	return m
}

// Calls reports how many Complete calls the provider served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Timeout, err, "mock provider %s", m.name)
	}

	m.mu.Lock()
	m.calls++
	var turn mockTurn
	if len(m.script) > 0 {
		turn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}

	text := turn.text
	if text == "" {
		text = fmt.Sprintf("mock: %s", lastUserMessage(req))
	}
	return &Response{
		Text:         text,
		Model:        req.Model,
		InputTokens:  estimateTokens(req),
		OutputTokens: len(strings.Fields(text)),
		FinishReason: "stop",
	}, nil
}

// Stream implements Provider by chunking the Complete text on word
// boundaries.
func (m *MockProvider) Stream(ctx context.Context, req Request, fn func(chunk string) error) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(resp.Text) {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.Timeout, err, "mock provider %s stream", m.name)
		}
		if err := fn(word + " "); err != nil {
			return err
		}
	}
	return nil
}

func lastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func estimateTokens(req Request) int {
	n := 0
	for _, m := range req.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
