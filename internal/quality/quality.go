// Package quality scores ingested vertices against per-label rule sets.
// An ERROR failure makes the record invalid; WARNING and INFO failures
// travel with the record as notes.
package quality

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/aegis-health/aegis/internal/entity"
)

// Severity of a rule failure.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Category groups rules by the quality dimension they measure.
type Category string

const (
	CategoryCompleteness Category = "completeness"
	CategoryConformance  Category = "conformance"
	CategoryConsistency  Category = "consistency"
	CategoryAccuracy     Category = "accuracy"
)

// Result is the outcome of one rule applied to one record.
type Result struct {
	RuleID   string   `json:"rule_id"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Field    string   `json:"field"`
	Expected string   `json:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Rule evaluates one quality check against a vertex's properties.
type Rule struct {
	ID       string
	Category Category
	Severity Severity
	Field    string
	Check    func(v entity.Vertex) Result
}

// Report aggregates the rule results for a single record.
type Report struct {
	Results []Result `json:"results"`
}

// Valid reports whether the record passed every ERROR-severity rule.
func (r Report) Valid() bool {
	for _, res := range r.Results {
		if !res.Passed && res.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Notes returns the non-fatal failures that should travel with the record.
func (r Report) Notes() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed && res.Severity != SeverityError {
			out = append(out, res)
		}
	}
	return out
}

// Failures returns every failed result regardless of severity.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// propString renders a property value for comparison and reporting.
func propString(v entity.Vertex, field string) (string, bool) {
	raw, ok := v.Props[field]
	if !ok || raw == nil {
		return "", false
	}
	switch t := raw.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// Required fails when the field is absent or empty.
func Required(field string, severity Severity) Rule {
	id := "required." + field
	return Rule{ID: id, Category: CategoryCompleteness, Severity: severity, Field: field,
		Check: func(v entity.Vertex) Result {
			res := Result{RuleID: id, Category: CategoryCompleteness, Severity: severity, Field: field, Passed: true}
			if _, ok := propString(v, field); !ok {
				res.Passed = false
				res.Expected = "non-empty value"
				res.Message = fmt.Sprintf("%s is required", field)
			}
			return res
		}}
}

var isoDateRe = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?)?)?$`)

// ISODate fails when the field is present but not an ISO 8601 date or
// timestamp. Absent fields pass; pair with Required when presence matters.
func ISODate(field string, severity Severity) Rule {
	id := "iso_date." + field
	return Rule{ID: id, Category: CategoryConformance, Severity: severity, Field: field,
		Check: func(v entity.Vertex) Result {
			res := Result{RuleID: id, Category: CategoryConformance, Severity: severity, Field: field, Passed: true}
			s, ok := propString(v, field)
			if !ok {
				return res
			}
			if !isoDateRe.MatchString(s) {
				res.Passed = false
				res.Expected = "ISO 8601 date"
				res.Actual = s
				res.Message = fmt.Sprintf("%s is not an ISO date", field)
			}
			return res
		}}
}

// InEnum fails when the field is present but outside the allowed values.
func InEnum(field string, severity Severity, allowed ...string) Rule {
	id := "enum." + field
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return Rule{ID: id, Category: CategoryConformance, Severity: severity, Field: field,
		Check: func(v entity.Vertex) Result {
			res := Result{RuleID: id, Category: CategoryConformance, Severity: severity, Field: field, Passed: true}
			s, ok := propString(v, field)
			if !ok {
				return res
			}
			if !set[s] {
				res.Passed = false
				res.Expected = fmt.Sprintf("one of %v", allowed)
				res.Actual = s
				res.Message = fmt.Sprintf("%s has unexpected value %q", field, s)
			}
			return res
		}}
}

// Range fails when a numeric field falls outside [min, max].
func Range(field string, severity Severity, min, max float64) Rule {
	id := "range." + field
	return Rule{ID: id, Category: CategoryAccuracy, Severity: severity, Field: field,
		Check: func(v entity.Vertex) Result {
			res := Result{RuleID: id, Category: CategoryAccuracy, Severity: severity, Field: field, Passed: true}
			raw, ok := v.Props[field]
			if !ok {
				return res
			}
			num, ok := raw.(float64)
			if !ok {
				res.Passed = false
				res.Expected = "numeric value"
				res.Actual = fmt.Sprintf("%v", raw)
				res.Message = fmt.Sprintf("%s is not numeric", field)
				return res
			}
			if num < min || num > max {
				res.Passed = false
				res.Expected = fmt.Sprintf("[%g, %g]", min, max)
				res.Actual = strconv.FormatFloat(num, 'f', -1, 64)
				res.Message = fmt.Sprintf("%s out of plausible range", field)
			}
			return res
		}}
}

// CrossField runs an arbitrary consistency predicate over the whole vertex.
func CrossField(id string, severity Severity, message string, ok func(v entity.Vertex) bool) Rule {
	return Rule{ID: id, Category: CategoryConsistency, Severity: severity,
		Check: func(v entity.Vertex) Result {
			res := Result{RuleID: id, Category: CategoryConsistency, Severity: severity, Passed: true}
			if !ok(v) {
				res.Passed = false
				res.Message = message
			}
			return res
		}}
}

// Validator holds per-label rule sets. Labels with no rules pass by default.
type Validator struct {
	rules map[string][]Rule
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{rules: make(map[string][]Rule)}
}

// AddRules appends rules for a vertex label.
func (val *Validator) AddRules(label string, rules ...Rule) {
	val.rules[label] = append(val.rules[label], rules...)
}

// Validate runs the label's rules against the vertex.
func (val *Validator) Validate(v entity.Vertex) Report {
	var rep Report
	for _, rule := range val.rules[v.Label] {
		rep.Results = append(rep.Results, rule.Check(v))
	}
	return rep
}

// DefaultValidator returns the built-in clinical rule set.
func DefaultValidator() *Validator {
	val := NewValidator()

	val.AddRules(entity.LabelPatient,
		Required("mrn", SeverityError),
		ISODate("birth_date", SeverityError),
		InEnum("gender", SeverityWarning, "male", "female", "other", "unknown", "m", "f"),
	)
	val.AddRules(entity.LabelEncounter,
		InEnum("class", SeverityWarning, "inpatient", "outpatient", "emergency"),
		ISODate("period_start", SeverityError),
		ISODate("period_end", SeverityError),
		CrossField("encounter.period_order", SeverityError,
			"period_end precedes period_start",
			func(v entity.Vertex) bool {
				start, okS := propString(v, "period_start")
				end, okE := propString(v, "period_end")
				if !okS || !okE {
					return true
				}
				return start <= end
			}),
	)
	val.AddRules(entity.LabelCondition,
		Required("code", SeverityError),
		ISODate("onset_ts", SeverityWarning),
	)
	val.AddRules(entity.LabelObservation,
		Required("code", SeverityError),
		ISODate("effective_ts", SeverityWarning),
	)
	val.AddRules(entity.LabelMedication,
		Required("code", SeverityError),
	)
	val.AddRules(entity.LabelClaim,
		Range("billed", SeverityError, 0, 10_000_000),
	)

	// Vital-sign plausibility applies to observations via a consistency rule
	// keyed on the LOINC code.
	val.AddRules(entity.LabelObservation,
		CrossField("observation.vital_range", SeverityError,
			"vital sign outside physiologic range",
			func(v entity.Vertex) bool {
				code, _ := propString(v, "code")
				num, ok := v.Props["value_num"].(float64)
				if !ok {
					return true
				}
				switch code {
				case "8867-4": // heart rate
					return num >= 0 && num <= 300
				case "59408-5": // spo2
					return num >= 0 && num <= 100
				case "9279-1": // respiratory rate
					return num >= 0 && num <= 80
				case "8310-5": // body temperature (C)
					return num >= 25 && num <= 45
				default:
					return true
				}
			}),
	)
	return val
}
