// Package cipipeline runs a task's command through the remote CI provider:
// it publishes a generated pipeline definition to a dedicated branch of the
// CI project and drives the resulting pipeline through the provider's API.
package cipipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/pkg/types"
)

// DefaultPollInterval is the spacing between pipeline status polls.
const DefaultPollInterval = 32768 * time.Millisecond

// definitionFile is the pipeline definition the provider picks up.
const definitionFile = ".gitlab-ci.yml"

// Config configures the adapter.
type Config struct {
	// BaseURL is the provider's API base, e.g. "https://gitlab.example.com".
	BaseURL string
	// Token authenticates API calls and the definition push.
	Token string
	// ProjectID is the CI project pipelines run in.
	ProjectID int
	// RemoteURL is the git URL the definition branch is pushed to.
	RemoteURL string
	// BranchPrefix prefixes the per-target definition branch name.
	BranchPrefix string
	// PollInterval overrides DefaultPollInterval; used by tests.
	PollInterval time.Duration
}

// Adapter creates and reattaches remote pipelines.
type Adapter struct {
	client *gitlab.Client
	cfg    Config
	logger *zap.Logger
}

// New creates an Adapter against the configured provider.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	client, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline client: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "gorkon-ci"
	}
	return &Adapter{client: client, cfg: cfg, logger: logger}, nil
}

// Start returns a handle over the task's remote pipeline. A task that
// already carries a pipeline ref is a reconciled task whose pipeline exists;
// that is the expected case after a restart, and the handle reattaches to it
// instead of pushing and creating a duplicate.
func (a *Adapter) Start(ctx context.Context, task *types.Task) (*Handle, error) {
	if task.Pipeline != nil {
		a.logger.Info("reattaching to existing pipeline",
			zap.Int("pipeline_id", task.Pipeline.ID),
			zap.String("web_url", task.Pipeline.WebURL),
		)
		return a.handle(*task.Pipeline), nil
	}

	branch := a.definitionBranch(task)
	if err := a.publishDefinition(ctx, task, branch); err != nil {
		return nil, err
	}

	pipeline, _, err := a.client.Pipelines.CreatePipeline(a.cfg.ProjectID,
		&gitlab.CreatePipelineOptions{Ref: gitlab.Ptr(branch)},
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline for %s: %w", branch, err)
	}

	ref := types.PipelineRef{
		ID:        pipeline.ID,
		ProjectID: pipeline.ProjectID,
		WebURL:    pipeline.WebURL,
	}
	a.logger.Info("created pipeline",
		zap.Int("pipeline_id", ref.ID),
		zap.String("branch", branch),
		zap.String("web_url", ref.WebURL),
	)
	return a.handle(ref), nil
}

func (a *Adapter) handle(ref types.PipelineRef) *Handle {
	return &Handle{
		client: a.client,
		ref:    ref,
		poll:   a.cfg.PollInterval,
		logger: a.logger,
	}
}

// definitionBranch names the branch the definition is committed to: the
// fixed prefix plus the task's logical target.
func (a *Adapter) definitionBranch(task *types.Task) string {
	if task.PR > 0 {
		return fmt.Sprintf("%s/%d", a.cfg.BranchPrefix, task.PR)
	}
	return fmt.Sprintf("%s/%s", a.cfg.BranchPrefix, task.PrepareBranch.Branch)
}

// publishDefinition writes the rendered definition into the prepared
// checkout, commits it on its own branch, and force-pushes that branch with
// the ci.skip push option so the push itself does not trigger the provider's
// default pipeline; the pipeline is created explicitly afterwards.
func (a *Adapter) publishDefinition(ctx context.Context, task *types.Task, branch string) error {
	dir := task.PrepareBranch.CheckoutDir

	body, err := RenderDefinition(task)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, definitionFile), body, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline definition: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkout: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	// A previous attempt may have left the branch behind; recreate it at
	// the current head.
	refName := plumbing.NewBranchReferenceName(branch)
	_ = repo.Storer.RemoveReference(refName)
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: refName, Create: true}); err != nil {
		return fmt.Errorf("failed to create definition branch: %w", err)
	}

	if _, err := worktree.Add(definitionFile); err != nil {
		return fmt.Errorf("failed to add pipeline definition: %w", err)
	}
	_, err = worktree.Commit("run "+task.Target(), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "gorkon",
			Email: "gorkon@clintrovert.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit pipeline definition: %w", err)
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteURL: a.cfg.RemoteURL,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)),
		},
		Force:   true,
		Options: map[string]string{"ci.skip": ""},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to push definition branch %s: %w", branch, err)
	}

	a.logger.Info("published pipeline definition",
		zap.String("branch", branch),
		zap.String("target", task.Target()),
	)
	return nil
}

// RenderDefinition renders the provider pipeline definition embedding the
// task's command and environment.
func RenderDefinition(task *types.Task) ([]byte, error) {
	command := task.ExecPath
	if len(task.Args) > 0 {
		command += " " + strings.Join(task.Args, " ")
	}
	def := pipelineDefinition{
		Run: pipelineJob{
			Script:    []string{command},
			Variables: task.Env,
		},
	}
	body, err := def.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to render pipeline definition: %w", err)
	}
	return body, nil
}
