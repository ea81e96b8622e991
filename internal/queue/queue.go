// Package queue owns the single execution slot: every accepted task is
// persisted, lined up FIFO behind one run loop, executed at most one at a
// time, and terminated exactly once with exactly one delivered result, no
// matter how cancellation races against natural completion.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/metrics"
	"github.com/clintrovert/gorkon/internal/store"
	"github.com/clintrovert/gorkon/pkg/types"
)

// Result is the single terminal outcome delivered for a task.
type Result struct {
	Cancelled bool
	Output    string
	Err       error
}

// ResultSink receives exactly one Result per submitted task.
type ResultSink interface {
	Deliver(ctx context.Context, task *types.Task, res Result) error
}

// Stopper best-effort stops whatever is live for a task: an OS process or a
// remote pipeline.
type Stopper func() error

// Runner executes a task body once its turn arrives. registerStop hands the
// queue a stopper for the currently live process so cancellation can signal
// it out of band.
type Runner interface {
	Run(ctx context.Context, task *types.Task, registerStop func(Stopper)) (string, error)
}

// Queue serializes task execution behind a single slot and keeps the
// in-memory cancel index. It is created once at boot and passed to every
// admission and cancellation entry point; nothing here is global.
type Queue struct {
	store   store.Store
	runner  Runner
	version string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry

	jobs    chan *entry
	baseCtx context.Context
	wg      sync.WaitGroup
}

// entry pairs a waiting or running task with its live cancel capability.
type entry struct {
	task *types.Task
	sink ResultSink

	ctx    context.Context
	cancel context.CancelFunc

	// dead flips exactly once; whichever path wins the flip owns
	// termination and result delivery.
	dead atomic.Bool

	stopMu sync.Mutex
	stop   Stopper
}

func (e *entry) markDead() bool {
	return e.dead.CompareAndSwap(false, true)
}

func (e *entry) setStop(s Stopper) {
	e.stopMu.Lock()
	e.stop = s
	e.stopMu.Unlock()
}

func (e *entry) takeStop() Stopper {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	s := e.stop
	e.stop = nil
	return s
}

// New creates a stopped Queue. version is the process's boot-time run
// version, stamped on every admitted task.
func New(st store.Store, runner Runner, version string, m *metrics.Metrics, logger *zap.Logger) *Queue {
	return &Queue{
		store:   st,
		runner:  runner,
		version: version,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
		jobs:    make(chan *entry, 256),
	}
}

// Version returns the queue's run version.
func (q *Queue) Version() string {
	return q.version
}

// Start launches the run loop. It returns immediately; Wait blocks until
// the loop has drained after ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.baseCtx = ctx
	q.wg.Add(1)
	go q.loop(ctx)
}

// Wait blocks until the run loop has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.jobs:
			q.runTask(ctx, e)
		}
	}
}

// Submit persists the task, registers it for cancellation under its handle
// id, schedules it behind the execution slot, and returns the
// queue-position text immediately without waiting for execution. A previous
// entry under the same handle id is cancelled first: the newer request
// supersedes it.
func (q *Queue) Submit(ctx context.Context, task *types.Task, sink ResultSink) (string, error) {
	if q.baseCtx == nil {
		return "", fmt.Errorf("queue is not started")
	}
	task.ID = types.NewTaskID()
	task.Version = q.version

	if err := q.store.Put(ctx, task); err != nil {
		return "", fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	position, err := q.pendingSummary(ctx, task)
	if err != nil {
		return "", err
	}

	q.Cancel(ctx, task.HandleID)

	entryCtx, cancel := context.WithCancel(q.baseCtx)
	e := &entry{task: task, sink: sink, ctx: entryCtx, cancel: cancel}

	q.mu.Lock()
	q.entries[task.HandleID] = e
	q.mu.Unlock()
	q.metrics.QueueDepth.Inc()

	select {
	case q.jobs <- e:
	default:
		q.unregister(e)
		cancel()
		if derr := q.store.Delete(ctx, task.ID); derr != nil {
			q.logger.Error("failed to delete rejected task",
				zap.String("id", task.ID), zap.Error(derr))
		}
		return "", fmt.Errorf("queue is full, task %s rejected", task.Target())
	}

	q.metrics.Submissions.Inc()
	q.logger.Info("task queued",
		zap.String("id", task.ID),
		zap.String("handle", task.HandleID),
		zap.String("requester", task.Requester),
	)
	return position, nil
}

// Cancel cancels the entry registered under handleID. Cancelling an
// unknown or already-terminated handle is a no-op, which makes cancellation
// idempotent: terminated entries leave the index.
func (q *Queue) Cancel(ctx context.Context, handleID string) {
	q.mu.Lock()
	e := q.entries[handleID]
	q.mu.Unlock()
	if e == nil {
		return
	}
	if !e.markDead() {
		return
	}

	q.logger.Info("cancelling task",
		zap.String("id", e.task.ID),
		zap.String("handle", handleID),
	)
	e.cancel()
	q.stopLive(e)
	if err := q.store.Delete(ctx, e.task.ID); err != nil {
		q.logger.Error("failed to delete cancelled task",
			zap.String("id", e.task.ID), zap.Error(err))
	}
	q.deliver(ctx, e, Result{Cancelled: true})
	q.metrics.Completions.WithLabelValues(metrics.OutcomeCancelled).Inc()
	q.unregister(e)
}

// runTask is the task body, executed once its turn on the slot arrives.
func (q *Queue) runTask(ctx context.Context, e *entry) {
	// Cancelled while waiting: the cancel path already terminated the
	// task and delivered its result, so there is no work left.
	if e.dead.Load() {
		return
	}

	q.logger.Info("task started",
		zap.String("id", e.task.ID),
		zap.String("handle", e.task.HandleID),
	)
	output, err := q.runner.Run(e.ctx, e.task, e.setStop)
	q.finish(ctx, e, output, err)
}

// finish is the single termination path for naturally completed tasks.
// Losing the dead-marking race to an external cancellation suppresses
// delivery: that cancellation already delivered.
func (q *Queue) finish(ctx context.Context, e *entry, output string, err error) {
	if !e.markDead() {
		q.unregister(e)
		return
	}
	e.cancel()
	q.stopLive(e)

	if derr := q.store.Delete(ctx, e.task.ID); derr != nil {
		q.logger.Error("failed to delete finished task",
			zap.String("id", e.task.ID), zap.Error(derr))
	}

	res := Result{Output: output, Err: err}
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		q.logger.Warn("task failed",
			zap.String("id", e.task.ID),
			zap.Error(err),
		)
	} else {
		q.logger.Info("task finished",
			zap.String("id", e.task.ID),
		)
	}
	q.deliver(ctx, e, res)
	q.metrics.Completions.WithLabelValues(outcome).Inc()
	q.unregister(e)
}

// stopLive invokes the registered stopper, if any. Kill failures are logged
// and swallowed: the task is being torn down regardless.
func (q *Queue) stopLive(e *entry) {
	stop := e.takeStop()
	if stop == nil {
		return
	}
	if err := stop(); err != nil {
		q.logger.Warn("failed to stop live process",
			zap.String("id", e.task.ID),
			zap.Error(err),
		)
	}
}

func (q *Queue) deliver(ctx context.Context, e *entry, res Result) {
	if err := e.sink.Deliver(ctx, e.task, res); err != nil {
		q.logger.Error("failed to deliver task result",
			zap.String("id", e.task.ID),
			zap.Error(err),
		)
	}
}

// unregister drops the entry from the index unless a newer entry has
// already replaced it under the same handle, and settles the depth gauge.
func (q *Queue) unregister(e *entry) {
	q.mu.Lock()
	removed := q.entries[e.task.HandleID] == e
	if removed {
		delete(q.entries, e.task.HandleID)
	}
	q.mu.Unlock()
	if removed {
		q.metrics.QueueDepth.Dec()
	}
}

// pendingSummary renders the queue-position text returned from Submit: all
// tasks stamped with this process's run version, read from the live store
// at admission time. The id ordering the scan gives is submission order,
// but the text makes no stronger positional claim than that.
func (q *Queue) pendingSummary(ctx context.Context, task *types.Task) (string, error) {
	peers, err := q.store.Scan(ctx, func(v string) bool { return v == q.version })
	if err != nil {
		return "", fmt.Errorf("failed to scan pending tasks: %w", err)
	}

	var others []*types.Task
	for _, p := range peers {
		if p.ID != task.ID {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return fmt.Sprintf("Queued %s; nothing else is pending.", renderCommand(task)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Queued %s behind %d pending task(s):\n", renderCommand(task), len(others))
	for _, p := range others {
		fmt.Fprintf(&sb, "- %s requested by %s on %s\n", renderCommand(p), p.Requester, p.Target())
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func renderCommand(t *types.Task) string {
	if len(t.Args) == 0 {
		return "`" + t.ExecPath + "`"
	}
	return "`" + t.ExecPath + " " + strings.Join(t.Args, " ") + "`"
}

// KillProcess returns a Stopper for a live subprocess. A process that has
// already exited is not an error.
func KillProcess(cmd *exec.Cmd) Stopper {
	return func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
}
