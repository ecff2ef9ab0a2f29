// Package pipeline turns task objectives into validated, published
// deliverables through four independently triggered stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workforce-pipeline/internal/events"
	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

const (
	// DefaultClaimTTL is how long an in-progress subtask may sit untouched
	// before another run takes it over.
	DefaultClaimTTL = 15 * time.Minute

	maxAdvanceRounds = 16
)

// Pipeline owns the stages of one pipeline instance and the bus wiring them.
type Pipeline struct {
	store     store.Store
	bus       *events.Bus
	logger    *slog.Logger
	Writer    *Writer
	Validator *Validator
	Fixer     *Fixer
	Publisher *Publisher
}

type options struct {
	generator  Generator
	repairer   Repairer
	logger     *slog.Logger
	baseBranch string
	claimTTL   time.Duration
	now        func() time.Time
}

// Option customizes a Pipeline.
type Option func(*options)

// WithGenerator replaces the template generator.
func WithGenerator(g Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithRepairer replaces the rule-directed repairer.
func WithRepairer(r Repairer) Option {
	return func(o *options) { o.repairer = r }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBaseBranch sets the branch pull requests target.
func WithBaseBranch(b string) Option {
	return func(o *options) { o.baseBranch = b }
}

// WithClaimTTL sets when an abandoned claim may be taken over. Zero disables takeover.
func WithClaimTTL(d time.Duration) Option {
	return func(o *options) { o.claimTTL = d }
}

// WithClock overrides the time source used for claims and artifacts.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a pipeline over st. A nil bus gets a fresh private one.
func New(st store.Store, bus *events.Bus, repo vcs.Repository, opts ...Option) *Pipeline {
	o := options{
		generator:  TemplateGenerator{},
		repairer:   RuleRepairer{},
		logger:     slog.Default(),
		baseBranch: "main",
		claimTTL:   DefaultClaimTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(events.WithLogger(o.logger))
	}
	base := func(name string) stage {
		return stage{name: name, store: st, bus: bus, logger: o.logger, claimTTL: o.claimTTL, now: o.now}
	}
	return &Pipeline{
		store:     st,
		bus:       bus,
		logger:    o.logger,
		Writer:    &Writer{stage: base("writer"), generator: o.generator},
		Validator: &Validator{stage: base("validator")},
		Fixer:     &Fixer{stage: base("fixer"), repairer: o.repairer},
		Publisher: &Publisher{stage: base("publisher"), repo: repo, baseBranch: o.baseBranch},
	}
}

// Bus returns the pipeline's event bus.
func (p *Pipeline) Bus() *events.Bus { return p.bus }

// Stages lists the stages in pipeline order.
func (p *Pipeline) Stages() []Stage {
	return []Stage{p.Writer, p.Validator, p.Fixer, p.Publisher}
}

// Start subscribes the stages to the events that give them work and returns
// a func that removes every subscription.
func (p *Pipeline) Start() (stop func()) {
	routes := []struct {
		event string
		stage Stage
	}{
		{models.EventSubtaskCompleted, p.Validator},
		{models.EventArtifactFixed, p.Validator},
		{models.EventValidationFailed, p.Fixer},
		{models.EventValidationPassed, p.Publisher},
	}
	var unsubs []func()
	for _, r := range routes {
		unsubs = append(unsubs, p.bus.Subscribe(r.event, p.react(r.stage)))
	}
	for _, name := range models.Events {
		unsubs = append(unsubs, p.bus.Subscribe(name, func(_ context.Context, ev events.Event) {
			telemetry.EventsEmitted.WithLabelValues(ev.Name).Inc()
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *Pipeline) react(s Stage) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		if err := s.Process(ctx, ev.TaskID); err != nil {
			p.logger.Error("stage failed on event", "stage", s.Name(), "event", ev.Name, "task_id", ev.TaskID, "error", err)
		}
	}
}

// Submit stores a new task and runs the writer, which drives the rest of the
// pipeline through the bus once Start has been called.
func (p *Pipeline) Submit(ctx context.Context, req CreateTaskRequest) (models.Task, error) {
	t, err := p.Create(ctx, req)
	if err != nil {
		return models.Task{}, err
	}
	if err := p.Writer.Process(ctx, t.ID); err != nil {
		return t, err
	}
	return p.store.GetTask(ctx, t.ID)
}

// Create validates and stores a new pending task.
func (p *Pipeline) Create(ctx context.Context, req CreateTaskRequest) (models.Task, error) {
	t, err := NewTask(req)
	if err != nil {
		return models.Task{}, err
	}
	if err := p.store.SaveTask(ctx, &t); err != nil {
		return models.Task{}, fmt.Errorf("store task: %w", err)
	}
	telemetry.TasksCreated.Inc()
	p.logger.Info("task created", "task_id", t.ID, "deliverables", t.Deliverables, "constraints", t.Constraints)
	return t, nil
}

// Advance is the polling path. The writer runs once, validation and repair
// repeat until a round leaves the task unchanged, and publication runs once
// on the result. Failed generations and publications are left for the next
// call rather than retried in a loop.
func (p *Pipeline) Advance(ctx context.Context, taskID string) (models.Task, error) {
	if err := p.Writer.Process(ctx, taskID); err != nil {
		return models.Task{}, fmt.Errorf("%s: %w", p.Writer.Name(), err)
	}
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	settled := false
	for round := 0; round < maxAdvanceRounds && !settled; round++ {
		before := t.Version
		for _, s := range []Stage{p.Validator, p.Fixer} {
			if err := s.Process(ctx, taskID); err != nil {
				return t, fmt.Errorf("%s: %w", s.Name(), err)
			}
		}
		if t, err = p.store.GetTask(ctx, taskID); err != nil {
			return models.Task{}, err
		}
		settled = t.Version == before
	}
	if !settled {
		p.logger.Warn("task still changing after advance limit", "task_id", taskID, "rounds", maxAdvanceRounds)
	}
	if err := p.Publisher.Process(ctx, taskID); err != nil {
		return t, fmt.Errorf("%s: %w", p.Publisher.Name(), err)
	}
	return p.store.GetTask(ctx, taskID)
}

// Review records an external reviewer's decision on a task in review.
func (p *Pipeline) Review(ctx context.Context, taskID string, req ReviewRequest) (models.Task, error) {
	var notInReview error
	s := p.Publisher.stage
	s.name = "reviewer"
	t, err := s.update(ctx, taskID, func(t *models.Task) error {
		if err := applyReview(t, req); err != nil {
			notInReview = err
			return errNoWork
		}
		return nil
	})
	if errors.Is(err, errNoWork) {
		return t, notInReview
	}
	if err != nil {
		return models.Task{}, err
	}
	p.logger.Info("review recorded", "task_id", taskID, "approved", req.Approved, "reviewer", req.Reviewer)
	return t, nil
}
