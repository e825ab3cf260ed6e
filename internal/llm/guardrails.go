package llm

import (
	"strings"

	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/redact"
)

// Guardrail directions.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Disclaimer is appended to model output that makes clinical statements
// without one.
const Disclaimer = "This information is not a substitute for professional medical advice, diagnosis, or treatment."

// defaultProhibited blocks requests that ask the model to act outside the
// platform's clinical-support charter.
var defaultProhibited = []string{
	"ignore previous instructions",
	"disregard your guidelines",
	"prescribe without",
	"fake a diagnosis",
	"falsify",
}

// Guardrails screens prompts before they leave the process and model output
// before it reaches the caller.
type Guardrails struct {
	redactor   *redact.Redactor
	prohibited []string
	blockPII   bool
}

// NewGuardrails creates the default guardrail set. redactor may not be nil.
func NewGuardrails(redactor *redact.Redactor, blockPII bool) *Guardrails {
	return &Guardrails{
		redactor:   redactor,
		prohibited: defaultProhibited,
		blockPII:   blockPII,
	}
}

// CheckInput screens the request. PII in prompts is blocked outright when
// blockPII is set, otherwise redacted in place. Prohibited phrasing always
// blocks.
func (g *Guardrails) CheckInput(req *Request) error {
	for i := range req.Messages {
		msg := &req.Messages[i]
		lower := strings.ToLower(msg.Content)
		for _, phrase := range g.prohibited {
			if strings.Contains(lower, phrase) {
				return errs.New(errs.PolicyDeny, "llm guardrail: prohibited content in %s message", msg.Role)
			}
		}

		cleaned := g.redactor.Redact(msg.Content, "[REDACTED]")
		if cleaned != msg.Content {
			if g.blockPII {
				return errs.New(errs.PolicyDeny, "llm guardrail: PII detected in %s message", msg.Role)
			}
			msg.Content = cleaned
		}
	}
	return nil
}

// CheckOutput post-processes a response: output-direction PII redaction and
// a medical disclaimer on clinical language.
func (g *Guardrails) CheckOutput(resp *Response) error {
	resp.Text = g.redactor.Redact(resp.Text, "[REDACTED]")

	if needsDisclaimer(resp.Text) && !strings.Contains(resp.Text, Disclaimer) {
		resp.Text = resp.Text + "\n\n" + Disclaimer
	}
	return nil
}

// needsDisclaimer is a cheap heuristic for clinical statements.
func needsDisclaimer(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"diagnos", "treatment", "medication", "dosage", "prognosis", "symptom"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
