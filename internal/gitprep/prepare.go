// Package gitprep builds the branch-preparation steps that turn an empty or
// stale checkout directory into a working copy of the requested contributor
// branch. Every attempt starts from step one; no state is carried between
// attempts beyond whatever the checkout directory already holds, and each
// step tolerates the one benign failure a prior attempt can leave behind.
package gitprep

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/executor"
	"github.com/clintrovert/gorkon/pkg/types"
)

// RunFunc runs one external command. It matches executor.Run and exists so
// tests can script step outcomes without a git binary.
type RunFunc func(ctx context.Context, path string, args []string, opts executor.Options) (string, error)

// Step is one lazily evaluated preparation command. The driver pulls steps
// in order and stops at the first error, so cancellation can land between
// any two steps.
type Step struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Preparer builds preparation step sequences. The fetch token is part of
// every step's redaction set so it never surfaces in output or errors.
type Preparer struct {
	token  string
	host   string
	run    RunFunc
	logger *zap.Logger
}

// New creates a Preparer that shells out through the executor.
func New(token string, logger *zap.Logger) *Preparer {
	return &Preparer{
		token:  token,
		host:   "github.com",
		run:    executor.Run,
		logger: logger,
	}
}

// NewWithRunner creates a Preparer with a custom command runner.
func NewWithRunner(token string, run RunFunc, logger *zap.Logger) *Preparer {
	p := New(token, logger)
	p.run = run
	return p
}

// BranchSteps returns the ordered preparation sequence for params. The
// observe callback, when non-nil, receives each live git process so the
// caller can kill it on cancellation.
func (p *Preparer) BranchSteps(params types.PrepareBranchParams, observe func(*exec.Cmd)) []Step {
	dir := params.CheckoutDir
	originURL := p.cloneURL(params.Owner, params.Repo)
	forkURL := p.cloneURL(params.Contributor, params.Repo)
	// The fork remote is named after the contributor so different forks
	// prepared in the same checkout stay disjoint.
	remote := params.Contributor

	// Set by the rev-parse step, read by the detach step.
	var head string

	step := func(name string, tolerate func(string) bool, path string, args ...string) Step {
		return Step{Name: name, Run: func(ctx context.Context) (string, error) {
			p.logger.Debug("running preparation step", zap.String("step", name))
			out, err := p.run(ctx, path, args, executor.Options{
				Dir:           dir,
				AllowedStderr: tolerate,
				Secrets:       p.secrets(),
				OnStart:       observe,
			})
			if err != nil {
				return "", fmt.Errorf("failed to %s: %w", name, err)
			}
			return out, nil
		}}
	}

	steps := []Step{
		// The checkout directory may not exist yet, so the first two
		// steps run without a working directory.
		{Name: "ensure checkout directory", Run: func(ctx context.Context) (string, error) {
			return p.run(ctx, "mkdir", []string{"-p", dir}, executor.Options{
				Secrets: p.secrets(),
				OnStart: observe,
			})
		}},
		{Name: "clone repository", Run: func(ctx context.Context) (string, error) {
			out, err := p.run(ctx, "git", []string{"clone", "-q", originURL, dir}, executor.Options{
				AllowedStderr: tolerateDirExists,
				Secrets:       p.secrets(),
				OnStart:       observe,
			})
			if err != nil {
				return "", fmt.Errorf("failed to clone repository: %w", err)
			}
			return out, nil
		}},
		step("resolve HEAD", nil, "git", "rev-parse", "HEAD"),
		// Detach before deleting branches: a checked-out branch cannot
		// be deleted, a detached HEAD constrains nothing.
		{Name: "detach HEAD", Run: func(ctx context.Context) (string, error) {
			out, err := p.run(ctx, "git", []string{"checkout", "--detach", head}, executor.Options{
				Dir:           dir,
				AllowedStderr: tolerateDetachNotice,
				Secrets:       p.secrets(),
				OnStart:       observe,
			})
			if err != nil {
				return "", fmt.Errorf("failed to detach HEAD: %w", err)
			}
			return out, nil
		}},
		step("remove fork remote", tolerateNoSuchRemote, "git", "remote", "remove", remote),
		step("add fork remote", nil, "git", "remote", "add", remote, forkURL),
		step("fetch branch", nil, "git", "fetch", "-q", remote, params.Branch),
		step("delete local branch", tolerateBranchNotFound, "git", "branch", "-D", params.Branch),
		step("checkout branch", tolerateSwitchNotice, "git", "checkout", "-b", params.Branch,
			remote+"/"+params.Branch),
	}

	// rev-parse is step three; its hash feeds the detach step and a
	// failure there aborts the sequence like any other.
	resolve := steps[2].Run
	steps[2].Run = func(ctx context.Context) (string, error) {
		out, err := resolve(ctx)
		if err != nil {
			return "", err
		}
		head = out
		return out, nil
	}

	return steps
}

func (p *Preparer) cloneURL(owner, repo string) string {
	if p.token == "" {
		return fmt.Sprintf("https://%s/%s/%s.git", p.host, owner, repo)
	}
	return fmt.Sprintf("https://%s@%s/%s/%s.git", p.token, p.host, owner, repo)
}

func (p *Preparer) secrets() []string {
	if p.token == "" {
		return nil
	}
	return []string{p.token}
}

// Tolerated stderr texts, one benign condition per step.

func tolerateDirExists(s string) bool {
	return strings.Contains(s, "already exists and is not an empty directory")
}

func tolerateDetachNotice(s string) bool {
	return strings.Contains(s, "HEAD is now at")
}

func tolerateNoSuchRemote(s string) bool {
	return strings.Contains(strings.ToLower(s), "no such remote")
}

func tolerateBranchNotFound(s string) bool {
	return strings.Contains(s, "not found")
}

func tolerateSwitchNotice(s string) bool {
	return strings.Contains(s, "Switched to a new branch")
}
