package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, file string, constraints ...string) string {
	t.Helper()
	content, err := TemplateGenerator{}.Generate(context.Background(), GenerateRequest{
		Objective:    "Ship the quarterly report",
		Role:         "Data Analyst",
		FilePath:     file,
		Deliverables: []string{file, "appendix.md"},
		Constraints:  constraints,
		Format:       FormatFor(file),
	})
	require.NoError(t, err)
	return content
}

func TestTemplatePassesForEveryConstraintSet(t *testing.T) {
	sets := [][]string{
		nil,
		{ConstraintAuditReady},
		{ConstraintComplianceCheck},
		{ConstraintAuditReady, ConstraintComplianceCheck},
	}
	for _, file := range []string{"report.md", "notes.txt"} {
		for _, constraints := range sets {
			content := render(t, file, constraints...)
			res := Evaluate(content, FormatFor(file), constraints)
			assert.True(t, res.Passed, "%s %v: %v", file, constraints, res.FailureStrings())
			assert.Equal(t, 1.0, res.Score)
		}
	}
}

func TestTemplateAddsConstraintSections(t *testing.T) {
	content := render(t, "docs/rollout_plan.md", ConstraintAuditReady, ConstraintComplianceCheck)
	assert.True(t, strings.HasPrefix(content, "# Rollout Plan\n"))
	assert.Contains(t, content, "## Audit Information")
	assert.Contains(t, content, "## Compliance Information")
	assert.Contains(t, content, "Data Analyst")
	assert.Contains(t, content, "- docs/rollout_plan.md (this document)")
}

func TestEvaluateEmptyMarkdown(t *testing.T) {
	res := Evaluate("", FormatFor("a.md"), []string{ConstraintAuditReady})
	assert.False(t, res.Passed)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, []string{
		"content_presence",
		"required_section:Overview",
		"required_section:Objective",
		"required_section:Deliverables",
		"required_section:Assumptions",
		"required_section:Security",
		"required_section:Audit Information",
		"document_structure",
		"content_length",
	}, res.FailureStrings())
}

func TestEvaluateFailureCountGate(t *testing.T) {
	content := render(t, "report.md")
	content = strings.Replace(content, "## Assumptions", "## Premises", 1)
	content = strings.Replace(content, "## Objective", "## Goal", 1)
	content = strings.Replace(content, "## Overview", "## Summary", 1)

	res := Evaluate(content, FormatFor("report.md"), nil)
	assert.InDelta(t, 0.7, res.Score, 1e-9)
	assert.False(t, res.Passed)

	two := strings.Replace(render(t, "report.md"), "## Assumptions", "## Premises", 1)
	two = strings.Replace(two, "## Objective", "## Goal", 1)
	res = Evaluate(two, FormatFor("report.md"), nil)
	assert.InDelta(t, 0.8, res.Score, 1e-9)
	assert.True(t, res.Passed)
}

func TestEvaluateIgnoresHeadingsInCodeFences(t *testing.T) {
	content := render(t, "report.md")
	content = strings.Replace(content, "## Assumptions", "```\n## Assumptions\n```", 1)
	res := Evaluate(content, FormatFor("report.md"), nil)
	assert.Equal(t, []string{"required_section:Assumptions"}, res.FailureStrings())
}

func TestEvaluateSectionMatchIsCaseInsensitive(t *testing.T) {
	content := strings.ToLower(render(t, "report.md"))
	res := Evaluate(content, FormatFor("report.md"), nil)
	assert.True(t, res.Passed, res.FailureStrings())
}

func TestEvaluateTextFormat(t *testing.T) {
	res := Evaluate("Plain text deliverable, far under five hundred characters.", FormatFor("notes.txt"), []string{ConstraintAuditReady})
	assert.Equal(t, []string{RuleDocumentStructure, RuleContentLength}, res.FailureStrings())
	assert.InDelta(t, 0.7, res.Score, 1e-9)
	assert.False(t, res.Passed)

	res = Evaluate("# Notes\n\nShort.", FormatFor("notes.txt"), []string{ConstraintAuditReady})
	assert.Equal(t, []string{RuleContentLength}, res.FailureStrings(), "text needs no sections")
	assert.True(t, res.Passed)
}

func TestTextTemplateStartsWithTitle(t *testing.T) {
	content := render(t, "docs/release_notes.txt")
	assert.True(t, strings.HasPrefix(content, "# Release Notes\n"))
}

func TestRuleRepairerFixesTextDeliverable(t *testing.T) {
	f := FormatFor("docs/release_notes.txt")
	content := "Plain text deliverable."
	before := Evaluate(content, f, nil)
	rep, err := RuleRepairer{}.Repair(context.Background(), RepairRequest{
		Content: content, FilePath: "docs/release_notes.txt", Format: f, Failures: before.Failures,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rep.Content, "# Release Notes\n\nPlain text deliverable."))
	assert.Empty(t, Evaluate(rep.Content, f, nil).Failures)
}

func TestEvaluateCountsRunes(t *testing.T) {
	content := "# T\n" + strings.Repeat("é", 496)
	res := Evaluate(content, FormatFor("x.txt"), nil)
	assert.Empty(t, res.Failures)

	res = Evaluate("# T\n"+strings.Repeat("é", 495), FormatFor("x.txt"), nil)
	assert.Equal(t, []string{RuleContentLength}, res.FailureStrings())
}

func TestParseFailureRoundTrip(t *testing.T) {
	for _, s := range []string{"content_presence", "required_section:Audit Information", "document_structure"} {
		assert.Equal(t, s, ParseFailure(s).String())
	}
}

func TestInsertSectionAfterLastLevelTwoSection(t *testing.T) {
	f := FormatFor("a.md")
	content := "# A\n\n## Overview\n\nText.\n\n## Objective\n\nGoal.\n\n# Appendix\n\nRaw.\n"
	out := f.InsertSection(content, "Assumptions")

	objective := strings.Index(out, "## Objective")
	assumptions := strings.Index(out, "## Assumptions")
	appendix := strings.Index(out, "# Appendix")
	require.True(t, objective >= 0 && assumptions >= 0 && appendix >= 0)
	assert.Less(t, objective, assumptions)
	assert.Less(t, assumptions, appendix)
	assert.Contains(t, out, "Goal.\n\n## Assumptions\n\n")
}

func TestInsertSectionWithoutLevelTwoHeadings(t *testing.T) {
	out := FormatFor("a.md").InsertSection("# A\n\nBody.", "Security")
	assert.Equal(t, "# A\n\nBody.\n\n## Security Considerations\n\n"+cannedSections["Security"]+"\n", out)
}

func TestEnsureTitle(t *testing.T) {
	f := FormatFor("a.md")
	assert.Equal(t, "# Overview\n\n## Overview\nx", f.EnsureTitle("## Overview\nx", "Overview"))
	assert.Equal(t, "# Document\n\nplain text", f.EnsureTitle("plain text", "Document"))
	assert.Equal(t, "# Done\n", f.EnsureTitle("# Done\n", "Other"))
	assert.Equal(t, "# Notes\n", FormatFor("a.txt").EnsureTitle("", "Notes"))
}

func TestTitleFor(t *testing.T) {
	md := FormatFor("a.md")
	assert.Equal(t, "Overview", TitleFor(md, "text\n## Overview\n", "a.md"))
	assert.Equal(t, "Document", TitleFor(md, "just some text", "a.md"))
	assert.Equal(t, "Release Notes", TitleFor(FormatFor("release_notes.txt"), "plain", "release_notes.txt"))
}

func TestRuleRepairerTitlesHeadinglessDocument(t *testing.T) {
	f := FormatFor("a.md")
	content := "just some text"
	before := Evaluate(content, f, nil)
	rep, err := RuleRepairer{}.Repair(context.Background(), RepairRequest{
		Content: content, FilePath: "a.md", Format: f, Failures: before.Failures,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rep.Content, "# Document\n\njust some text"), rep.Content)
	assert.Empty(t, Evaluate(rep.Content, f, nil).Failures)
}

func TestPadSatisfiesLengthRule(t *testing.T) {
	for _, file := range []string{"a.md", "a.txt"} {
		f := FormatFor(file)
		out := f.Pad("")
		res := Evaluate(out, f, nil)
		assert.NotContains(t, res.FailureStrings(), RuleContentLength, file)
	}
}

func TestRuleRepairerOrder(t *testing.T) {
	req := RepairRequest{
		Content:  "## Overview\n\nText.",
		FilePath: "a.md",
		Format:   FormatFor("a.md"),
		Failures: []Failure{
			{Rule: RuleRequiredSection, Section: "Objective"},
			{Rule: RuleDocumentStructure},
			{Rule: RuleContentLength},
		},
	}
	rep, err := RuleRepairer{}.Repair(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"required_section:Objective", RuleDocumentStructure, RuleContentLength}, rep.Addressed)
	assert.True(t, strings.HasPrefix(rep.Content, "# Overview\n\n## Overview"))
	assert.Less(t, strings.Index(rep.Content, "## Objective"), strings.Index(rep.Content, "## Additional Details"))
}

func TestRuleRepairerRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RuleRepairer{}.Repair(ctx, RepairRequest{Format: FormatFor("a.md")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFormatByKindFallsBackToExtension(t *testing.T) {
	assert.Equal(t, FormatText, FormatByKind(FormatText, "a.md").Kind())
	assert.Equal(t, FormatMarkdown, FormatByKind("", "a.markdown").Kind())
	assert.Equal(t, FormatText, FormatByKind("", "a.rst").Kind())
}
