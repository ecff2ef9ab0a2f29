package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Validation rule identifiers.
const (
	RuleContentPresence   = "content_presence"
	RuleRequiredSection   = "required_section"
	RuleDocumentStructure = "document_structure"
	RuleContentLength     = "content_length"
)

// Penalties in hundredths of a point.
const (
	penaltyPresence  = 50
	penaltySection   = 10
	penaltyStructure = 10
	penaltyLength    = 20
	passThreshold    = 80
	maxPassFailures  = 2
)

// Failure is one broken validation rule.
type Failure struct {
	Rule    string
	Section string
}

func (f Failure) String() string {
	if f.Rule == RuleRequiredSection {
		return f.Rule + ":" + f.Section
	}
	return f.Rule
}

// ParseFailure reverses Failure.String.
func ParseFailure(s string) Failure {
	rule, section, found := strings.Cut(s, ":")
	if found {
		return Failure{Rule: rule, Section: section}
	}
	return Failure{Rule: s}
}

// Result is the outcome of validating one artifact.
type Result struct {
	Score    float64
	Failures []Failure
	Passed   bool
}

// FailureStrings renders the failures in order.
func (r Result) FailureStrings() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.String()
	}
	return out
}

// Evaluate scores content against the structural rules of its format and
// the task's constraints. It is a pure function of its inputs.
func Evaluate(content string, format Format, constraints []string) Result {
	points := 100
	var failures []Failure

	if strings.TrimSpace(content) == "" {
		points -= penaltyPresence
		failures = append(failures, Failure{Rule: RuleContentPresence})
	}

	if required := format.RequiredSections(constraints); len(required) > 0 {
		headings := format.Headings(content)
		for _, section := range required {
			if !hasSection(headings, section) {
				points -= penaltySection
				failures = append(failures, Failure{Rule: RuleRequiredSection, Section: section})
			}
		}
	}

	if !format.StructureOK(content) {
		points -= penaltyStructure
		failures = append(failures, Failure{Rule: RuleDocumentStructure})
	}

	if utf8.RuneCountInString(content) < minContentLength {
		points -= penaltyLength
		failures = append(failures, Failure{Rule: RuleContentLength})
	}

	if points < 0 {
		points = 0
	}
	return Result{
		Score:    float64(points) / 100,
		Failures: failures,
		Passed:   points >= passThreshold && len(failures) <= maxPassFailures,
	}
}

func hasSection(headings []Heading, section string) bool {
	want := strings.ToLower(section)
	for _, h := range headings {
		if strings.Contains(strings.ToLower(h.Text), want) {
			return true
		}
	}
	return false
}
