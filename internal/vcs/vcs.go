// Package vcs defines the version-control collaborator used to publish
// validated deliverables, with filesystem and S3 implementations.
package vcs

import (
	"context"
	"errors"
	"fmt"

	"workforce-pipeline/internal/config"
)

// ErrUnknownBranch is returned when an operation names a branch that was never created.
var ErrUnknownBranch = errors.New("unknown branch")

// PullRequest describes a change request from Head into Base.
type PullRequest struct {
	Head  string `json:"head"`
	Base  string `json:"base"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Repository is the contract the publication stage drives. Every call is
// idempotent for a fixed branch: CreateBranch resets an existing branch,
// Push force-updates and CreatePR returns the existing request for a head.
type Repository interface {
	Checkout(ctx context.Context, repo, branch string) error
	CreateBranch(ctx context.Context, repo, name, base string) error
	WriteFile(ctx context.Context, repo, branch, path, content string) error
	Commit(ctx context.Context, repo, branch, message string) (string, error)
	Push(ctx context.Context, repo, branch string) error
	CreatePR(ctx context.Context, repo string, pr PullRequest) (string, error)
}

// New builds the repository selected by cfg.PublishBackend.
func New(ctx context.Context, cfg config.Config) (Repository, error) {
	switch cfg.PublishBackend {
	case "", "local":
		return NewLocal(cfg.PublishDir), nil
	case "s3":
		return NewS3FromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown publish backend %q", cfg.PublishBackend)
	}
}
