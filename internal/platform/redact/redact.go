// Package redact removes protected health information from free text before
// it reaches log sinks or exports. Detection is regexp-based with an optional
// NER engine; overlapping matches are resolved by keeping the longest.
package redact

import (
	"io"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultReplacement is substituted for each detected span.
const DefaultReplacement = "[REDACTED]"

// Pattern pairs a PHI category with its compiled expression.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

var defaultPatterns = []Pattern{
	{Name: "ssn", Re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Name: "phone", Re: regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{Name: "email", Re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{Name: "mrn", Re: regexp.MustCompile(`\bMRN[:# ]?\s*[A-Za-z0-9\-]{4,}\b`)},
	{Name: "date", Re: regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)},
}

// NEREngine detects named entities that the regexp set misses. Implementations
// return byte offsets of spans to redact.
type NEREngine interface {
	Detect(text string) []Span
}

// Span is a half-open [Start, End) byte range within the scanned text.
type Span struct {
	Start int
	End   int
	Name  string
}

// Redactor applies the pattern set and optional NER engine to text.
type Redactor struct {
	patterns []Pattern
	ner      NEREngine
}

// New creates a Redactor with the default pattern set.
func New() *Redactor {
	return &Redactor{patterns: defaultPatterns}
}

// WithNER attaches an NER engine to the redactor.
func (r *Redactor) WithNER(ner NEREngine) *Redactor {
	r.ner = ner
	return r
}

// WithPattern appends a custom pattern.
func (r *Redactor) WithPattern(name string, re *regexp.Regexp) *Redactor {
	r.patterns = append(r.patterns, Pattern{Name: name, Re: re})
	return r
}

// Redact replaces every detected PHI span in text with replacement.
// An empty replacement selects DefaultReplacement.
func (r *Redactor) Redact(text, replacement string) string {
	if replacement == "" {
		replacement = DefaultReplacement
	}

	var spans []Span
	for _, p := range r.patterns {
		for _, loc := range p.Re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Name: p.Name})
		}
	}
	if r.ner != nil {
		spans = append(spans, r.ner.Detect(text)...)
	}
	if len(spans) == 0 {
		return text
	}

	spans = resolveOverlaps(spans)

	out := make([]byte, 0, len(text))
	last := 0
	for _, s := range spans {
		if s.Start < last {
			continue
		}
		out = append(out, text[last:s.Start]...)
		out = append(out, replacement...)
		last = s.End
	}
	out = append(out, text[last:]...)
	return string(out)
}

// resolveOverlaps sorts spans and keeps the longest span among overlapping
// candidates, then returns the surviving spans in ascending order.
func resolveOverlaps(spans []Span) []Span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End-spans[i].Start > spans[j].End-spans[j].Start
	})

	kept := spans[:0]
	for _, s := range spans {
		if len(kept) == 0 {
			kept = append(kept, s)
			continue
		}
		last := &kept[len(kept)-1]
		if s.Start >= last.End {
			kept = append(kept, s)
			continue
		}
		// Overlap: keep the longer of the two.
		if s.End-s.Start > last.End-last.Start {
			*last = s
		}
	}
	return kept
}

// Writer wraps a log sink and redacts every line written through it. Hooking
// at the writer level covers messages and field values alike, so a stray MRN
// in a structured field never reaches the sink.
type Writer struct {
	redactor *Redactor
	next     io.Writer
}

// NewWriter wraps next with PHI redaction using r.
func NewWriter(r *Redactor, next io.Writer) *Writer {
	return &Writer{redactor: r, next: next}
}

// Write implements io.Writer. The reported length is len(p) so zerolog does
// not treat redaction shrinkage as a short write.
func (w *Writer) Write(p []byte) (int, error) {
	clean := w.redactor.Redact(string(p), "")
	if _, err := w.next.Write([]byte(clean)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Logger builds a zerolog.Logger whose output passes through the redactor.
func Logger(r *Redactor, sink io.Writer) zerolog.Logger {
	return zerolog.New(NewWriter(r, sink)).With().Timestamp().Logger()
}

// Clean is a convenience wrapper for one-off redaction with defaults.
func Clean(text string) string {
	return New().Redact(text, "")
}
