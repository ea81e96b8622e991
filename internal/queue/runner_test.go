package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/executor"
	"github.com/clintrovert/gorkon/internal/gitprep"
	"github.com/clintrovert/gorkon/pkg/types"
)

// recordedCall captures one command the runner issued.
type recordedCall struct {
	path string
	args []string
	opts executor.Options
}

type commandLog struct {
	mu    sync.Mutex
	calls []recordedCall
	fail  map[string]error
}

func (l *commandLog) run(_ context.Context, path string, args []string, opts executor.Options) (string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, recordedCall{path: path, args: args, opts: opts})
	l.mu.Unlock()
	key := path
	if len(args) > 0 {
		key = path + " " + args[0]
	}
	if err, ok := l.fail[key]; ok {
		return "", err
	}
	if path == "git" && len(args) > 0 && args[0] == "rev-parse" {
		return "abc123", nil
	}
	return "command output", nil
}

func (l *commandLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *commandLog) last() recordedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

type fakeHandle struct {
	ref        types.PipelineRef
	status     string
	waitErr    error
	terminated bool
}

func (h *fakeHandle) Ref() types.PipelineRef { return h.ref }

func (h *fakeHandle) Terminate(context.Context) error {
	h.terminated = true
	return nil
}

func (h *fakeHandle) WaitUntilFinished(context.Context) (string, error) {
	return h.status, h.waitErr
}

type fakePipelines struct {
	handle   *fakeHandle
	startErr error
	started  []*types.Task
}

func (p *fakePipelines) Start(_ context.Context, task *types.Task) (PipelineHandle, error) {
	p.started = append(p.started, task)
	if p.startErr != nil {
		return nil, p.startErr
	}
	return p.handle, nil
}

func newTestRunner(log *commandLog, pipelines PipelineService, st *memStore) *TaskRunner {
	preparer := gitprep.NewWithRunner("tok", log.run, zap.NewNop())
	r := NewTaskRunner(preparer, pipelines, st, []string{"tok"}, zap.NewNop())
	r.exec = log.run
	return r
}

func TestTaskRunner_LocalRunsCommandAfterPreparation(t *testing.T) {
	log := &commandLog{}
	r := newTestRunner(log, nil, newMemStore())

	task := testTask("octo/widgets#17")
	task.Env = map[string]string{"CI_SLOT": "1"}

	out, err := r.Run(context.Background(), task, func(Stopper) {})
	require.NoError(t, err)
	assert.Equal(t, "command output", out)

	// Nine preparation steps, then the command itself.
	require.Equal(t, 10, log.count())
	cmd := log.last()
	assert.Equal(t, "echo", cmd.path)
	assert.Equal(t, []string{"hi"}, cmd.args)
	assert.Equal(t, "/tmp/co", cmd.opts.Dir)
	// The task env is merged over the process environment.
	assert.Contains(t, cmd.opts.Env, "CI_SLOT=1")
	assert.Greater(t, len(cmd.opts.Env), 1)
}

func TestTaskRunner_PreparationFailureShortCircuits(t *testing.T) {
	log := &commandLog{fail: map[string]error{"git fetch": errors.New("remote hung up")}}
	r := newTestRunner(log, nil, newMemStore())

	_, err := r.Run(context.Background(), testTask("octo/widgets#17"), func(Stopper) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch branch")
	// The command never ran.
	assert.Equal(t, 7, log.count())
	assert.NotEqual(t, "echo", log.last().path)
}

func TestTaskRunner_CancelledBetweenStepsStopsPreparation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	log := &commandLog{}
	calls := 0
	preparer := gitprep.NewWithRunner("tok", func(c context.Context, path string, args []string, opts executor.Options) (string, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return log.run(c, path, args, opts)
	}, zap.NewNop())
	r := NewTaskRunner(preparer, nil, newMemStore(), nil, zap.NewNop())
	r.exec = log.run

	_, err := r.Run(ctx, testTask("octo/widgets#17"), func(Stopper) {})
	require.ErrorIs(t, err, context.Canceled)
	// The step after the cancellation point never started.
	assert.Equal(t, 2, calls)
}

func TestTaskRunner_RemotePersistsPipelineRef(t *testing.T) {
	log := &commandLog{}
	st := newMemStore()
	handle := &fakeHandle{
		ref:    types.PipelineRef{ID: 7, ProjectID: 42, WebURL: "https://ci.example/p/7"},
		status: "success",
	}
	r := newTestRunner(log, &fakePipelines{handle: handle}, st)

	task := testTask("octo/widgets#17")
	task.ID = "task-1"
	task.Mode = types.ModeRemote

	var stop Stopper
	out, err := r.Run(context.Background(), task, func(s Stopper) { stop = s })
	require.NoError(t, err)
	assert.Contains(t, out, "https://ci.example/p/7")
	assert.Contains(t, out, "success")

	// The pipeline identity was embedded back into the stored task.
	stored, err := st.Scan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Pipeline)
	assert.Equal(t, 7, stored[0].Pipeline.ID)

	// The registered stopper terminates the remote pipeline.
	require.NotNil(t, stop)
	require.NoError(t, stop())
	assert.True(t, handle.terminated)
}

func TestTaskRunner_RemoteWithoutServiceFails(t *testing.T) {
	log := &commandLog{}
	r := newTestRunner(log, nil, newMemStore())

	task := testTask("octo/widgets#17")
	task.Mode = types.ModeRemote

	_, err := r.Run(context.Background(), task, func(Stopper) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote execution is not configured")
}

func TestTaskRunner_RemoteWaitErrorPropagates(t *testing.T) {
	log := &commandLog{}
	handle := &fakeHandle{
		ref:     types.PipelineRef{ID: 7, ProjectID: 42},
		waitErr: errors.New("poll failed"),
	}
	r := newTestRunner(log, &fakePipelines{handle: handle}, newMemStore())

	task := testTask("octo/widgets#17")
	task.Mode = types.ModeRemote

	_, err := r.Run(context.Background(), task, func(Stopper) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll failed")
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin"}
	merged := mergeEnv(base, map[string]string{"FOO": "bar"})
	assert.Contains(t, merged, "PATH=/bin")
	assert.Contains(t, merged, "FOO=bar")
	// Later entries win in os/exec, so overrides come after the base.
	assert.True(t, strings.HasPrefix(merged[0], "PATH="))
	assert.Same(t, &base[0], &mergeEnv(base, nil)[0])
}
