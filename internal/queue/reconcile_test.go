package queue

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/metrics"
	"github.com/clintrovert/gorkon/pkg/types"
)

func TestReconcile_RequeuesStaleTasks(t *testing.T) {
	ran := make(chan *types.Task, 4)
	runner := &funcRunner{fn: func(ctx context.Context, task *types.Task, _ func(Stopper)) (string, error) {
		ran <- task.Clone()
		return "done", nil
	}}

	st := newMemStore()
	abandoned := testTask("octo/widgets#3")
	abandoned.ID = "2026-01-01T00:00:00.000000000Z"
	abandoned.Version = "v0"
	require.NoError(t, st.Put(context.Background(), abandoned))

	q := New(st, runner, "v1", metrics.New(prometheus.NewRegistry()), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	sink := newRecordSink()

	require.NoError(t, q.Reconcile(context.Background(), sink))

	// The stale record is gone; the requeued task carries a fresh id,
	// the current version, and the same parameters.
	assert.False(t, st.has(abandoned.ID))
	requeued := <-ran
	assert.NotEqual(t, abandoned.ID, requeued.ID)
	assert.Equal(t, "v1", requeued.Version)
	assert.Equal(t, abandoned.ExecPath, requeued.ExecPath)
	assert.Equal(t, abandoned.Args, requeued.Args)
	assert.Equal(t, abandoned.PrepareBranch, requeued.PrepareBranch)
	assert.Equal(t, abandoned.HandleID, requeued.HandleID)
	assert.Equal(t, abandoned.CommentID, requeued.CommentID)

	d := sink.next(t)
	assert.Equal(t, "done", d.res.Output)
}

func TestReconcile_LeavesCurrentVersionAlone(t *testing.T) {
	runner := &funcRunner{fn: func(ctx context.Context, task *types.Task, _ func(Stopper)) (string, error) {
		t.Error("reconciler ran a current-version task")
		return "", nil
	}}

	st := newMemStore()
	current := testTask("octo/widgets#3")
	current.ID = "2026-01-01T00:00:00.000000000Z"
	current.Version = "v1"
	require.NoError(t, st.Put(context.Background(), current))

	q := New(st, runner, "v1", metrics.New(prometheus.NewRegistry()), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})

	require.NoError(t, q.Reconcile(context.Background(), newRecordSink()))
	assert.True(t, st.has(current.ID))
}

func TestReconcile_CarriesPipelineRef(t *testing.T) {
	ran := make(chan *types.Task, 1)
	runner := &funcRunner{fn: func(ctx context.Context, task *types.Task, _ func(Stopper)) (string, error) {
		ran <- task.Clone()
		return "done", nil
	}}

	st := newMemStore()
	abandoned := testTask("octo/widgets#3")
	abandoned.ID = "2026-01-01T00:00:00.000000000Z"
	abandoned.Version = "v0"
	abandoned.Mode = types.ModeRemote
	abandoned.Pipeline = &types.PipelineRef{ID: 7, ProjectID: 42, WebURL: "https://ci.example/p/7"}
	require.NoError(t, st.Put(context.Background(), abandoned))

	q := New(st, runner, "v1", metrics.New(prometheus.NewRegistry()), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	sink := newRecordSink()

	require.NoError(t, q.Reconcile(context.Background(), sink))
	requeued := <-ran
	require.NotNil(t, requeued.Pipeline)
	assert.Equal(t, 7, requeued.Pipeline.ID)
	sink.next(t)
}
