package pipeline

import (
	"context"
)

// GenerateRequest carries what a content transform needs to render one deliverable.
type GenerateRequest struct {
	TaskID       string
	Objective    string
	Role         string
	FilePath     string
	Deliverables []string
	Constraints  []string
	Format       Format
}

// Generator produces the first rendering of a deliverable. Implementations
// may be slow; they are never called while a store write is pending.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// TemplateGenerator renders deterministic content from the format's template.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return req.Format.Render(req), nil
}

// RepairRequest carries a failed artifact and the rules it broke.
type RepairRequest struct {
	Content     string
	FilePath    string
	Format      Format
	Failures    []Failure
	Constraints []string
}

// Repair is the repaired text and the rules the repair addressed.
type Repair struct {
	Content   string
	Addressed []string
}

// Repairer rewrites content that failed validation.
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest) (Repair, error)
}

// RepairerFunc adapts a function to Repairer.
type RepairerFunc func(ctx context.Context, req RepairRequest) (Repair, error)

func (f RepairerFunc) Repair(ctx context.Context, req RepairRequest) (Repair, error) {
	return f(ctx, req)
}

// RuleRepairer applies targeted repairs in a fixed order: missing sections,
// then the document title, then length padding.
type RuleRepairer struct{}

func (RuleRepairer) Repair(ctx context.Context, req RepairRequest) (Repair, error) {
	if err := ctx.Err(); err != nil {
		return Repair{}, err
	}
	content := req.Content
	title := TitleFor(req.Format, req.Content, req.FilePath)
	var addressed []string

	for _, f := range req.Failures {
		if f.Rule == RuleRequiredSection && f.Section != "" {
			content = req.Format.InsertSection(content, f.Section)
			addressed = append(addressed, f.String())
		}
	}
	if containsRule(req.Failures, RuleDocumentStructure) {
		content = req.Format.EnsureTitle(content, title)
		addressed = append(addressed, RuleDocumentStructure)
	}
	if containsRule(req.Failures, RuleContentLength) {
		content = req.Format.Pad(content)
		addressed = append(addressed, RuleContentLength)
	}
	if containsRule(req.Failures, RuleContentPresence) && content != req.Content {
		addressed = append(addressed, RuleContentPresence)
	}
	return Repair{Content: content, Addressed: addressed}, nil
}

func containsRule(failures []Failure, rule string) bool {
	for _, f := range failures {
		if f.Rule == rule {
			return true
		}
	}
	return false
}
