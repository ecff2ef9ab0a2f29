package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalRepository publishes branches as directory trees under a root
// directory: <root>/<repo>/branches/<branch>/... with pull requests recorded
// as JSON files in <root>/<repo>/pulls.
type LocalRepository struct {
	root  string
	stage *staging
}

// NewLocal returns a repository rooted at dir.
func NewLocal(dir string) *LocalRepository {
	return &LocalRepository{root: dir, stage: newStaging()}
}

func (r *LocalRepository) repoDir(repo string) (string, error) {
	clean, err := cleanPath(repo)
	if err != nil {
		return "", fmt.Errorf("invalid repository %q", repo)
	}
	return filepath.Join(r.root, filepath.FromSlash(clean)), nil
}

// Checkout makes sure the repository directory exists.
func (r *LocalRepository) Checkout(ctx context.Context, repo, branch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := r.repoDir(repo)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

func (r *LocalRepository) CreateBranch(ctx context.Context, repo, name, base string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.stage.reset(repo, name, base)
	return nil
}

func (r *LocalRepository) WriteFile(ctx context.Context, repo, branch, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.stage.write(repo, branch, path, content)
}

func (r *LocalRepository) Commit(ctx context.Context, repo, branch, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.stage.commit(repo, branch, message)
}

// Push replaces the branch directory with the committed tree.
func (r *LocalRepository) Push(ctx context.Context, repo, branch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := r.stage.snapshot(repo, branch)
	if err != nil {
		return err
	}
	dir, err := r.repoDir(repo)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, "branches", slug(branch))
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("reset branch dir: %w", err)
	}
	for _, p := range sortedKeys(snap.files) {
		full := filepath.Join(target, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dirs: %w", err)
		}
		if err := os.WriteFile(full, []byte(snap.files[p]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	head := fmt.Sprintf("%s %s\n", snap.commit, snap.message)
	if err := os.WriteFile(filepath.Join(target, ".commit"), []byte(head), 0o644); err != nil {
		return fmt.Errorf("write commit marker: %w", err)
	}
	return nil
}

// CreatePR records a pull request for pr.Head, returning the existing one if present.
func (r *LocalRepository) CreatePR(ctx context.Context, repo string, pr PullRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := r.repoDir(repo)
	if err != nil {
		return "", err
	}
	pulls := filepath.Join(dir, "pulls")
	file := filepath.Join(pulls, slug(pr.Head)+".json")
	ref := fmt.Sprintf("%s/pulls/%s", repo, slug(pr.Head))

	if _, err := os.Stat(file); err == nil {
		return ref, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat pull request: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "branches", slug(pr.Head))); err != nil {
		return "", fmt.Errorf("head %s not pushed: %w", pr.Head, err)
	}
	if err := os.MkdirAll(pulls, 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	body, err := json.MarshalIndent(pr, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(file, body, 0o644); err != nil {
		return "", fmt.Errorf("write pull request: %w", err)
	}
	return ref, nil
}
