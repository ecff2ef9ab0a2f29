package pipeline

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Format is a deliverable format variant. It owns how the default generator
// renders content, which sections the validator requires, and the primitives
// the repairer uses. A deliverable's format is chosen once from its file name.
type Format interface {
	Kind() string
	Render(req GenerateRequest) string
	RequiredSections(constraints []string) []string
	Headings(content string) []Heading
	StructureOK(content string) bool
	InsertSection(content, section string) string
	EnsureTitle(content, title string) string
	Pad(content string) string
}

const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Policy tags that add required sections.
const (
	ConstraintAuditReady       = "audit-ready"
	ConstraintComplianceCheck  = "compliance-check"
	sectionAuditInformation    = "Audit Information"
	sectionComplianceInfo      = "Compliance Information"
	sectionAdditionalDetails   = "Additional Details"
	defaultDocumentTitle       = "Document"
	minContentLength           = 500
	securitySection            = "Security"
	securitySectionHeadingText = "Security Considerations"
)

var baseSections = []string{"Overview", "Objective", "Deliverables", "Assumptions", securitySection}

var cannedSections = map[string]string{
	"Overview":     "This section summarizes the purpose of the document, the audience it serves, and how the remaining sections relate to the stated objective.",
	"Objective":    "The objective is restated here so reviewers can judge the deliverable against the goal it was produced for.",
	"Deliverables": "The files produced for this objective are listed here together with the role each one plays in the overall outcome.",
	"Assumptions": "The content assumes the stated objective is complete and current, that the listed deliverables are the full scope of work, " +
		"and that reviewers have access to the target repository.",
	securitySection: "No credentials, secrets, or personal data are included in this document. Any operational change it describes " +
		"must pass the standard access-control and change-management review before it is applied.",
	sectionAuditInformation: "Every action taken while producing this document is recorded in the task audit trail with a timestamp, " +
		"the acting stage, and the outcome, so the document can be traced end to end.",
	sectionComplianceInfo: "The content has been checked against the structural policy attached to the task. Exceptions, if any, " +
		"are listed in the audit trail and must be acknowledged by the reviewer before approval.",
}

var paddingText = "This section supplements the document with context that reviewers commonly request. " +
	"It describes how the content was produced, how it was checked, and what a reader should do when something looks wrong. " +
	"The content was generated from the task objective and then checked against a fixed set of structural rules: " +
	"required sections, a top-level title, and a minimum length. Where a rule was not met, a targeted repair was applied and the " +
	"result was checked again. Each version of the document is kept, so earlier renderings can be compared with this one. " +
	"Questions about scope should be raised against the objective, while questions about structure should reference the rule " +
	"that was reported in the audit trail."

// sectionTitle maps a required section name to the heading text inserted for it.
func sectionTitle(section string) string {
	if section == securitySection {
		return securitySectionHeadingText
	}
	return section
}

func sectionBody(section string) string {
	if body, ok := cannedSections[section]; ok {
		return body
	}
	return fmt.Sprintf("This section covers %s for the deliverable.", strings.ToLower(section))
}

// FormatFor selects the format variant from the deliverable's extension.
func FormatFor(filePath string) Format {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".md", ".markdown":
		return markdownFormat{}
	default:
		return textFormat{}
	}
}

// FormatByKind returns the variant recorded on an artifact, falling back to
// the file extension for unknown kinds.
func FormatByKind(kind, filePath string) Format {
	switch kind {
	case FormatMarkdown:
		return markdownFormat{}
	case FormatText:
		return textFormat{}
	default:
		return FormatFor(filePath)
	}
}

// Heading is one parsed section heading.
type Heading struct {
	Level int
	Text  string
	Line  int
}

type markdownFormat struct{}

func (markdownFormat) Kind() string { return FormatMarkdown }

func (markdownFormat) RequiredSections(constraints []string) []string {
	out := append([]string(nil), baseSections...)
	if hasTag(constraints, ConstraintAuditReady) {
		out = append(out, sectionAuditInformation)
	}
	if hasTag(constraints, ConstraintComplianceCheck) {
		out = append(out, sectionComplianceInfo)
	}
	return out
}

func (markdownFormat) Render(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", documentTitle(req.FilePath))

	overview := fmt.Sprintf("This document is part of the work produced for the objective stated below. "+
		"It records what is delivered in %s, the assumptions made while producing it, and the security posture "+
		"expected of anyone acting on it.", req.FilePath)
	if req.Role != "" {
		overview += fmt.Sprintf(" It is written from the perspective of the %s role.", req.Role)
	}
	writeSection(&b, "Overview", overview)
	writeSection(&b, "Objective", req.Objective)

	var list strings.Builder
	deliverables := req.Deliverables
	if len(deliverables) == 0 {
		deliverables = []string{req.FilePath}
	}
	for i, d := range deliverables {
		if i > 0 {
			list.WriteString("\n")
		}
		if d == req.FilePath {
			fmt.Fprintf(&list, "- %s (this document)", d)
		} else {
			fmt.Fprintf(&list, "- %s", d)
		}
	}
	writeSection(&b, "Deliverables", list.String())
	writeSection(&b, "Assumptions", cannedSections["Assumptions"])
	writeSection(&b, securitySectionHeadingText, cannedSections[securitySection])
	if hasTag(req.Constraints, ConstraintAuditReady) {
		writeSection(&b, sectionAuditInformation, cannedSections[sectionAuditInformation])
	}
	if hasTag(req.Constraints, ConstraintComplianceCheck) {
		writeSection(&b, sectionComplianceInfo, cannedSections[sectionComplianceInfo])
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeSection(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, strings.TrimSpace(body))
}

// Headings parses ATX headings, skipping fenced code blocks.
func (markdownFormat) Headings(content string) []Heading {
	var out []Heading
	inFence := false
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if level, text, ok := parseHeading(line); ok {
			out = append(out, Heading{Level: level, Text: text, Line: i})
		}
	}
	return out
}

func parseHeading(line string) (int, string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return 0, "", false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	rest := trimmed[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}
	text := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), "#"))
	return level, text, true
}

func (markdownFormat) StructureOK(content string) bool { return startsWithTitle(content) }

// InsertSection places the section at the end of the last level-2 section,
// ahead of any level-1 heading that follows it, or at the end of the document.
func (f markdownFormat) InsertSection(content, section string) string {
	block := fmt.Sprintf("## %s\n\n%s", sectionTitle(section), sectionBody(section))
	lines := strings.Split(content, "\n")
	last := -1
	for _, h := range f.Headings(content) {
		if h.Level == 2 {
			last = h.Line
		}
	}
	if last < 0 {
		return appendBlock(content, block)
	}
	end := len(lines)
	for _, h := range f.Headings(content) {
		if h.Line > last && h.Level == 1 {
			end = h.Line
			break
		}
	}
	if end == len(lines) {
		return appendBlock(content, block)
	}
	before := strings.TrimRight(strings.Join(lines[:end], "\n"), "\n")
	after := strings.Join(lines[end:], "\n")
	return before + "\n\n" + block + "\n\n" + after
}

func (markdownFormat) EnsureTitle(content, title string) string {
	return prependTitle(content, title)
}

func (markdownFormat) Pad(content string) string {
	return appendBlock(content, fmt.Sprintf("## %s\n\n%s", sectionAdditionalDetails, paddingText))
}

type textFormat struct{}

func (textFormat) Kind() string { return FormatText }

func (textFormat) RequiredSections([]string) []string { return nil }

func (textFormat) Render(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", documentTitle(req.FilePath))
	fmt.Fprintf(&b, "Objective: %s\n\n", req.Objective)
	if req.Role != "" {
		fmt.Fprintf(&b, "Prepared for the %s role.\n\n", req.Role)
	}
	b.WriteString(cannedSections["Overview"] + "\n\n")
	b.WriteString(cannedSections["Assumptions"] + "\n\n")
	b.WriteString(cannedSections[securitySection] + "\n")
	if hasTag(req.Constraints, ConstraintAuditReady) {
		b.WriteString("\n" + cannedSections[sectionAuditInformation] + "\n")
	}
	if hasTag(req.Constraints, ConstraintComplianceCheck) {
		b.WriteString("\n" + cannedSections[sectionComplianceInfo] + "\n")
	}
	return b.String()
}

func (textFormat) Headings(string) []Heading { return nil }

func (textFormat) StructureOK(content string) bool { return startsWithTitle(content) }

func (textFormat) InsertSection(content, section string) string {
	return appendBlock(content, strings.ToUpper(sectionTitle(section))+"\n"+sectionBody(section))
}

func (textFormat) EnsureTitle(content, title string) string {
	return prependTitle(content, title)
}

func (textFormat) Pad(content string) string {
	return appendBlock(content, strings.ToUpper(sectionAdditionalDetails)+"\n"+paddingText)
}

// startsWithTitle reports whether the first non-blank line is a level-1 heading.
func startsWithTitle(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		level, _, ok := parseHeading(line)
		return ok && level == 1
	}
	return false
}

func prependTitle(content, title string) string {
	if startsWithTitle(content) {
		return content
	}
	body := strings.TrimLeft(content, "\r\n")
	if strings.TrimSpace(body) == "" {
		return "# " + title + "\n"
	}
	return "# " + title + "\n\n" + body
}

// TitleFor picks the text of a repaired document's title: the first heading
// already in content, else the file name for plain text, else "Document".
func TitleFor(f Format, content, filePath string) string {
	for _, h := range f.Headings(content) {
		if h.Text != "" {
			return h.Text
		}
	}
	if f.Kind() == FormatText {
		return documentTitle(filePath)
	}
	return defaultDocumentTitle
}

func appendBlock(content, block string) string {
	trimmed := strings.TrimRight(content, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return block + "\n"
	}
	return trimmed + "\n\n" + block + "\n"
}

// documentTitle turns "docs/rollout_plan.md" into "Rollout Plan".
func documentTitle(filePath string) string {
	base := path.Base(filePath)
	base = strings.TrimSuffix(base, path.Ext(base))
	words := strings.FieldsFunc(base, func(r rune) bool { return r == '-' || r == '_' || r == '.' || r == ' ' })
	if len(words) == 0 {
		return defaultDocumentTitle
	}
	return cases.Title(language.English).String(strings.Join(words, " "))
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
