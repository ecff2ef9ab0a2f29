package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/pipeline"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

type runOptions struct {
	req        pipeline.CreateTaskRequest
	outDir     string
	baseBranch string
}

func newRunCmd(logLevel *string) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task through every stage on the in-memory store",
		Long: "run creates a task, drives it through generation, validation, repair and\n" +
			"publication to a local repository under --out, and prints the final task as JSON.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := telemetry.NewLoggerTo(cmd.ErrOrStderr(), *logLevel, "text")
			st := store.NewMemoryStore()
			pl := pipeline.New(st, nil, vcs.NewLocal(opts.outDir),
				pipeline.WithLogger(logger),
				pipeline.WithBaseBranch(opts.baseBranch),
			)
			stop := pl.Start()
			defer stop()

			ctx := cmd.Context()
			task, err := pl.Submit(ctx, opts.req)
			if err != nil {
				return err
			}
			if task, err = pl.Advance(ctx, task.ID); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(task); err != nil {
				return err
			}
			if task.Status == models.StatusBlocked {
				return fmt.Errorf("task %s blocked after %d fix attempts", task.ID, task.Attempts)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.req.Objective, "objective", "", "what the deliverables should accomplish")
	f.StringVar(&opts.req.Role, "role", "", "role the writer assumes")
	f.StringSliceVar(&opts.req.Deliverables, "deliverable", nil, "deliverable file path (repeatable)")
	f.StringSliceVar(&opts.req.Constraints, "constraint", nil, "constraint tag (repeatable)")
	f.StringVar(&opts.req.RepoTarget, "repo", "local/workforce", "repository to publish into")
	f.StringVar(&opts.req.RepoPath, "path", "", "directory inside the repository")
	f.StringVar(&opts.outDir, "out", "./published", "directory backing the local repository")
	f.StringVar(&opts.baseBranch, "base", "main", "base branch for pull requests")
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}
