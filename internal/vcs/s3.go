package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"workforce-pipeline/internal/config"
)

// S3Repository publishes branches as object trees in a bucket:
// <prefix>/<repo>/branches/<branch>/... and <prefix>/<repo>/pulls/<branch>.json.
type S3Repository struct {
	client *s3.Client
	bucket string
	prefix string
	stage  *staging
}

// NewS3 wraps an existing client.
func NewS3(client *s3.Client, bucket, prefix string) *S3Repository {
	return &S3Repository{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		stage:  newStaging(),
	}
}

// NewS3FromConfig loads AWS credentials from the environment and honours a
// custom endpoint for S3-compatible stores.
func NewS3FromConfig(ctx context.Context, cfg config.Config) (*S3Repository, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required for the s3 publish backend")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return NewS3(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func (r *S3Repository) key(repo string, parts ...string) string {
	elems := append([]string{r.prefix, repo}, parts...)
	return strings.TrimPrefix(path.Join(elems...), "/")
}

// Checkout only validates the repository name; objects need no working copy.
func (r *S3Repository) Checkout(ctx context.Context, repo, branch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cleanPath(repo); err != nil {
		return fmt.Errorf("invalid repository %q", repo)
	}
	return nil
}

func (r *S3Repository) CreateBranch(ctx context.Context, repo, name, base string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.stage.reset(repo, name, base)
	return nil
}

func (r *S3Repository) WriteFile(ctx context.Context, repo, branch, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.stage.write(repo, branch, path, content)
}

func (r *S3Repository) Commit(ctx context.Context, repo, branch, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.stage.commit(repo, branch, message)
}

// Push uploads every committed file, overwriting what the branch held before.
func (r *S3Repository) Push(ctx context.Context, repo, branch string) error {
	snap, err := r.stage.snapshot(repo, branch)
	if err != nil {
		return err
	}
	for _, p := range sortedKeys(snap.files) {
		key := r.key(repo, "branches", slug(branch), p)
		if err := r.put(ctx, key, []byte(snap.files[p]), contentType(p)); err != nil {
			return err
		}
	}
	marker := fmt.Sprintf("%s %s\n", snap.commit, snap.message)
	return r.put(ctx, r.key(repo, "branches", slug(branch), ".commit"), []byte(marker), "text/plain")
}

// CreatePR writes the request under a key derived from the head branch, so
// repeated calls land on the same object and return the same reference.
func (r *S3Repository) CreatePR(ctx context.Context, repo string, pr PullRequest) (string, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return "", err
	}
	key := r.key(repo, "pulls", slug(pr.Head)+".json")
	if err := r.put(ctx, key, body, "application/json"); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", r.bucket, key), nil
}

func (r *S3Repository) put(ctx context.Context, key string, body []byte, ct string) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(ct),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(path.Ext(file)) {
	case ".md", ".markdown":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
