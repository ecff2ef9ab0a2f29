package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

var headingPool = []string{"# Title", "## Overview", "## Objective", "## Deliverables", "## Assumptions",
	"## Security Considerations", "## Audit Information", "## Compliance Information", "### Notes", "plain line"}

func genDocument() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(headingPool)-1)).Map(func(idx []int) string {
		lines := make([]string, 0, len(idx))
		for _, i := range idx {
			lines = append(lines, headingPool[i], strings.Repeat("body ", i*7))
		}
		return strings.Join(lines, "\n")
	})
}

var constraintPool = []string{ConstraintAuditReady, ConstraintComplianceCheck, "internal"}

func genConstraints() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(constraintPool)-1)).Map(func(idx []int) []string {
		out := make([]string, 0, len(idx))
		for _, i := range idx {
			out = append(out, constraintPool[i])
		}
		return out
	})
}

func TestValidationIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same content and constraints give the same result", prop.ForAll(
		func(doc string, constraints []string, markdown bool) bool {
			file := "notes.txt"
			if markdown {
				file = "notes.md"
			}
			a := Evaluate(doc, FormatFor(file), constraints)
			b := Evaluate(doc, FormatFor(file), constraints)
			if a.Score != b.Score || a.Passed != b.Passed {
				return false
			}
			return strings.Join(a.FailureStrings(), ",") == strings.Join(b.FailureStrings(), ",")
		},
		genDocument(),
		genConstraints(),
		gen.Bool(),
	))

	properties.Property("score stays within [0,1] and pass implies the thresholds", prop.ForAll(
		func(doc string, constraints []string) bool {
			r := Evaluate(doc, FormatFor("doc.md"), constraints)
			if r.Score < 0 || r.Score > 1 {
				return false
			}
			return !r.Passed || (r.Score >= 0.8 && len(r.Failures) <= 2)
		},
		genDocument(),
		genConstraints(),
	))

	properties.Property("rule repair fixes everything it is told about", prop.ForAll(
		func(doc string, constraints []string) bool {
			f := FormatFor("doc.md")
			before := Evaluate(doc, f, constraints)
			rep, err := RuleRepairer{}.Repair(context.Background(), RepairRequest{
				Content: doc, Format: f, Failures: before.Failures, Constraints: constraints,
			})
			if err != nil {
				return false
			}
			after := Evaluate(rep.Content, f, constraints)
			for _, fl := range after.Failures {
				if fl.Rule != RuleContentPresence {
					return false
				}
			}
			return after.Score >= before.Score
		},
		genDocument(),
		genConstraints(),
	))

	properties.TestingRun(t)
}

// failingThen generates empty content and repairs to a passing document
// only once the given number of repairs have been made.
func failingThen(repairsBeforeFix int) []Option {
	calls := 0
	return []Option{
		WithGenerator(GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
			return "", nil
		})),
		WithRepairer(RepairerFunc(func(ctx context.Context, req RepairRequest) (Repair, error) {
			calls++
			if calls <= repairsBeforeFix {
				return Repair{Content: req.Content}, nil
			}
			content, err := TemplateGenerator{}.Generate(ctx, GenerateRequest{FilePath: req.FilePath, Objective: "X", Format: req.Format})
			return Repair{Content: content, Addressed: []string{"rewrite"}}, err
		})),
	}
}

func TestVersionsAndAttemptsStayBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("artifact versions are contiguous and attempts never exceed the cap", prop.ForAll(
		func(repairsBeforeFix int, files int) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			p := New(st, nil, vcs.NewLocal(t.TempDir()),
				append(failingThen(repairsBeforeFix), WithLogger(telemetry.Discard()))...)

			deliverables := []string{"a.md", "b.md", "c.md"}[:files]
			task, err := p.Create(ctx, CreateTaskRequest{Objective: "X", Deliverables: deliverables, RepoTarget: "r"})
			if err != nil {
				return false
			}
			if task, err = p.Advance(ctx, task.ID); err != nil {
				return false
			}
			if task.Attempts > models.MaxAttempts {
				return false
			}
			if task.Status == models.StatusBlocked && task.Attempts != models.MaxAttempts {
				return false
			}
			artifacts, err := st.ListArtifacts(ctx, task.ID)
			if err != nil {
				return false
			}
			next := make(map[string]int)
			for i := len(artifacts) - 1; i >= 0; i-- {
				a := artifacts[i]
				next[a.FilePath]++
				if a.Version != next[a.FilePath] {
					return false
				}
			}
			return len(next) == files
		},
		gen.IntRange(0, 4),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}

func TestAuditLogOnlyGrows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("stage invocations in any order only append audit entries", prop.ForAll(
		func(order []int, failing bool) bool {
			ctx := context.Background()
			opts := []Option{WithLogger(telemetry.Discard())}
			if failing {
				opts = append(opts, alwaysFailing()...)
			}
			st := store.NewMemoryStore()
			p := New(st, nil, vcs.NewLocal(t.TempDir()), opts...)
			task, err := p.Create(ctx, CreateTaskRequest{Objective: "X", Deliverables: []string{"a.md"}, RepoTarget: "r"})
			if err != nil {
				return false
			}
			prev := task
			stages := p.Stages()
			for _, i := range order {
				if err := stages[i].Process(ctx, task.ID); err != nil {
					return false
				}
				next, err := st.GetTask(ctx, task.ID)
				if err != nil {
					return false
				}
				if len(next.AuditLog) < len(prev.AuditLog) || next.Version < prev.Version {
					return false
				}
				if models.CheckAuditExtends(prev.AuditLog, next.AuditLog) != nil {
					return false
				}
				prev = next
			}
			return prev.Attempts <= models.MaxAttempts
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
