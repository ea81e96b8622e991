package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/executor"
	"github.com/clintrovert/gorkon/internal/gitprep"
	"github.com/clintrovert/gorkon/internal/store"
	"github.com/clintrovert/gorkon/pkg/types"
)

// PipelineHandle is an in-flight remote pipeline as the runner sees it.
type PipelineHandle interface {
	Ref() types.PipelineRef
	Terminate(ctx context.Context) error
	WaitUntilFinished(ctx context.Context) (string, error)
}

// PipelineService starts or reattaches the remote pipeline for a task.
type PipelineService interface {
	Start(ctx context.Context, task *types.Task) (PipelineHandle, error)
}

// ExecFunc runs the task's command; it matches executor.Run.
type ExecFunc func(ctx context.Context, path string, args []string, opts executor.Options) (string, error)

// TaskRunner is the production Runner: it drives the preparation steps and
// then the command, locally through the executor or remotely through the
// pipeline service.
type TaskRunner struct {
	preparer  *gitprep.Preparer
	exec      ExecFunc
	pipelines PipelineService
	store     store.Store
	secrets   []string
	logger    *zap.Logger
}

// NewTaskRunner wires the production runner. pipelines may be nil when
// remote execution is not configured.
func NewTaskRunner(
	preparer *gitprep.Preparer,
	pipelines PipelineService,
	st store.Store,
	secrets []string,
	logger *zap.Logger,
) *TaskRunner {
	return &TaskRunner{
		preparer:  preparer,
		exec:      executor.Run,
		pipelines: pipelines,
		store:     st,
		secrets:   secrets,
		logger:    logger,
	}
}

// Run prepares the branch and executes the command. Cancellation between
// preparation steps, or during the command, surfaces as the entry context's
// error; the queue's termination path classifies it.
func (r *TaskRunner) Run(ctx context.Context, task *types.Task, registerStop func(Stopper)) (string, error) {
	observe := func(cmd *exec.Cmd) { registerStop(KillProcess(cmd)) }

	steps := r.preparer.BranchSteps(task.PrepareBranch, observe)
	for _, step := range steps {
		// The step already launched cannot be interrupted here; the
		// check keeps the next one from starting.
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := step.Run(ctx); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if task.Mode == types.ModeRemote {
		return r.runRemote(ctx, task, registerStop)
	}
	return r.runLocal(ctx, task, observe)
}

func (r *TaskRunner) runLocal(ctx context.Context, task *types.Task, observe func(*exec.Cmd)) (string, error) {
	out, err := r.exec(ctx, task.ExecPath, task.Args, executor.Options{
		Dir:     task.PrepareBranch.CheckoutDir,
		Env:     mergeEnv(os.Environ(), task.Env),
		Secrets: r.secrets,
		OnStart: observe,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", task.ExecPath, err)
	}
	return out, nil
}

func (r *TaskRunner) runRemote(ctx context.Context, task *types.Task, registerStop func(Stopper)) (string, error) {
	if r.pipelines == nil {
		return "", fmt.Errorf("remote execution is not configured")
	}
	handle, err := r.pipelines.Start(ctx, task)
	if err != nil {
		return "", err
	}

	// Embed the pipeline identity into the persisted task so a restarted
	// process reattaches instead of creating a duplicate pipeline.
	ref := handle.Ref()
	task.Pipeline = &ref
	if err := r.store.Put(ctx, task); err != nil {
		return "", fmt.Errorf("failed to persist pipeline ref for task %s: %w", task.ID, err)
	}

	registerStop(func() error {
		// The entry context is already cancelled when this fires; the
		// remote cancel gets its own short-lived context.
		return handle.Terminate(context.Background())
	})

	status, err := handle.WaitUntilFinished(ctx)
	if err != nil {
		return "", err
	}
	r.logger.Info("pipeline finished",
		zap.Int("pipeline_id", ref.ID),
		zap.String("status", status),
	)
	return fmt.Sprintf("pipeline %s finished with status %s", ref.WebURL, status), nil
}

// mergeEnv lays overrides over the base environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
