// Package normalize resolves local source-system codes to standard
// terminology concepts. Resolution cascades from the expert-verified mapping
// knowledge base, through exact terminology matching, to an optional LLM
// suggester whose answers are validated against the terminology service.
package normalize

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/terminology"
)

// Mapping methods, strongest first.
const (
	MethodExpertVerified = "expert_verified"
	MethodExact          = "exact"
	MethodLLM            = "llm"
)

// llmUnverifiedCeiling caps the confidence of an LLM suggestion whose code
// the terminology service does not recognize.
const llmUnverifiedCeiling = 0.25

// CodeMapping is the outcome of normalizing one local code.
type CodeMapping struct {
	SourceSystem   string  `json:"source_system"`
	LocalCode      string  `json:"local_code"`
	LocalDesc      string  `json:"local_desc,omitempty"`
	StdCode        string  `json:"std_code"`
	StdSystem      string  `json:"std_system"`
	StdDesc        string  `json:"std_desc"`
	Method         string  `json:"method"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
	ReviewRequired bool    `json:"review_required,omitempty"`
}

// SuggestRequest is the input to the fuzzy-matching stage.
type SuggestRequest struct {
	SourceSystem string
	LocalCode    string
	LocalDesc    string
	Systems      []string // candidate standard system URIs
}

// Suggestion is a fuzzy-match candidate produced by a Suggester.
type Suggestion struct {
	StdCode    string  `json:"standard_code"`
	StdSystem  string  `json:"standard_system"`
	StdDesc    string  `json:"standard_description"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Suggester proposes standard codes for local codes that defeat exact
// matching. The LLM gateway provides the production implementation.
type Suggester interface {
	SuggestMapping(ctx context.Context, req SuggestRequest) (*Suggestion, error)
}

// Engine runs the normalization cascade.
type Engine struct {
	kb      terminology.MappingRepository
	term    *terminology.Service
	suggest Suggester
	auditor *audit.Service
	log     zerolog.Logger
}

// NewEngine creates an Engine. suggest may be nil; the cascade then ends at
// exact matching.
func NewEngine(kb terminology.MappingRepository, term *terminology.Service, suggest Suggester, auditor *audit.Service, log zerolog.Logger) *Engine {
	return &Engine{kb: kb, term: term, suggest: suggest, auditor: auditor, log: log}
}

// Normalize resolves (sourceSystem, localCode, localDesc). A nil mapping with
// a nil error means no stage produced an answer; the caller keeps the local
// code and marks the record for review.
func (e *Engine) Normalize(ctx context.Context, sourceSystem, localCode, localDesc string) (*CodeMapping, error) {
	if localCode == "" {
		return nil, errs.New(errs.Validation, "normalize: local code is empty")
	}

	// Stage 1: knowledge base.
	if m, err := e.kb.Get(ctx, sourceSystem, localCode); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "normalize: kb lookup")
	} else if m != nil {
		return &CodeMapping{
			SourceSystem: sourceSystem,
			LocalCode:    localCode,
			LocalDesc:    localDesc,
			StdCode:      m.StdCode,
			StdSystem:    m.StdSystem,
			StdDesc:      m.StdDesc,
			Method:       MethodExpertVerified,
			Confidence:   1.0,
		}, nil
	}

	// Stage 2: exact terminology match.
	if c, uri, err := e.term.FindExact(ctx, localCode, localDesc); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "normalize: exact match")
	} else if c != nil {
		return &CodeMapping{
			SourceSystem: sourceSystem,
			LocalCode:    localCode,
			LocalDesc:    localDesc,
			StdCode:      c.Code,
			StdSystem:    uri,
			StdDesc:      c.Display,
			Method:       MethodExact,
			Confidence:   0.95,
		}, nil
	}

	// Stage 3: LLM fuzzy match.
	if e.suggest == nil {
		return nil, nil
	}
	sugg, err := e.suggest.SuggestMapping(ctx, SuggestRequest{
		SourceSystem: sourceSystem,
		LocalCode:    localCode,
		LocalDesc:    localDesc,
		Systems:      e.term.Systems(),
	})
	if err != nil {
		e.log.Warn().Err(err).Str("local_code", localCode).Msg("normalize: suggester failed, falling through")
		return nil, nil
	}
	if sugg == nil || sugg.StdCode == "" {
		return nil, nil
	}

	mapping := &CodeMapping{
		SourceSystem: sourceSystem,
		LocalCode:    localCode,
		LocalDesc:    localDesc,
		StdCode:      sugg.StdCode,
		StdSystem:    sugg.StdSystem,
		StdDesc:      sugg.StdDesc,
		Method:       MethodLLM,
		Confidence:   clamp01(sugg.Confidence),
		Reasoning:    sugg.Reasoning,
	}

	known, err := e.term.ValidateCode(ctx, sugg.StdSystem, sugg.StdCode)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "normalize: validate suggestion")
	}
	if !known {
		// Suggested code is not in the terminology. Keep the suggestion for a
		// human reviewer but never let it pass as trustworthy.
		mapping.ReviewRequired = true
		if mapping.Confidence > llmUnverifiedCeiling {
			mapping.Confidence = llmUnverifiedCeiling
		}
		e.log.Info().
			Str("local_code", localCode).
			Str("suggested", sugg.StdCode).
			Msg("normalize: llm suggestion failed terminology validation, flagged for review")
	}
	return mapping, nil
}

// Verify records an expert-confirmed mapping. The KB entry gets confidence
// 1.0 regardless of how the candidate was produced, and the verification is
// an audit event in its own right.
func (e *Engine) Verify(ctx context.Context, m terminology.VerifiedMapping, verifiedBy, tenantID string) error {
	if m.SourceSystem == "" || m.LocalCode == "" || m.StdCode == "" {
		return errs.New(errs.Validation, "normalize: verification requires source_system, local_code and std_code")
	}
	known, err := e.term.ValidateCode(ctx, m.StdSystem, m.StdCode)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "normalize: verify")
	}
	if !known {
		return errs.New(errs.Validation, "normalize: std code %q not present in %s", m.StdCode, m.StdSystem)
	}

	m.Confidence = 1.0
	m.VerifiedBy = verifiedBy
	m.VerifiedAt = time.Now().UTC()
	if err := e.kb.Put(ctx, &m); err != nil {
		return errs.Wrap(errs.Internal, err, "normalize: kb put")
	}

	if e.auditor != nil {
		if err := e.auditor.Log(ctx, &audit.Entry{
			Category: audit.CategoryModify,
			Action:   "mapping.verify",
			ActorID:  verifiedBy,
			TenantID: tenantID,
			Outcome:  "success",
			Metadata: map[string]string{
				"source_system": m.SourceSystem,
				"local_code":    m.LocalCode,
				"std_code":      m.StdCode,
				"std_system":    m.StdSystem,
			},
		}); err != nil {
			return errs.Wrap(errs.Internal, err, "normalize: audit verification")
		}
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
