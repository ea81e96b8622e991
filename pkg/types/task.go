package types

import (
	"fmt"
	"time"
)

// Task is the unit of work accepted by the queue. It is serialized to JSON
// and persisted in the task store before execution; the record is removed
// when the task terminates and is never updated in place, except the single
// re-put that embeds a freshly created PipelineRef.
type Task struct {
	// ID is a sortable timestamp string stamped by the queue at submission.
	ID string `json:"id"`

	ExecPath string            `json:"exec_path"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`

	PrepareBranch PrepareBranchParams `json:"prepare_branch"`

	// Requester is the login of the user whose comment created the task.
	Requester string `json:"requester"`

	// CommentID correlates the task's single result back to the comment
	// that requested it.
	CommentID int64 `json:"comment_id"`

	// PR is the pull request the task was requested on.
	PR int `json:"pr"`

	// HandleID keys the queue entry so a newer request for the same
	// logical target can cancel this one, e.g. "owner/repo#17".
	HandleID string `json:"handle_id"`

	// Version is the boot timestamp of the orchestrator process that
	// admitted the task. A stored task whose version differs from the
	// running process's version is abandoned work from a previous
	// instance.
	Version string `json:"version"`

	Mode ExecutionMode `json:"mode"`

	// Pipeline is set once a remote pipeline has been created for the
	// task, so a restarted process can reattach instead of creating a
	// duplicate pipeline.
	Pipeline *PipelineRef `json:"pipeline,omitempty"`
}

// ExecutionMode selects where the task's command runs.
type ExecutionMode string

const (
	// ModeLocal runs the command as a subprocess in the prepared checkout.
	ModeLocal ExecutionMode = "local"
	// ModeRemote runs the command through the remote CI provider.
	ModeRemote ExecutionMode = "remote"
)

// PrepareBranchParams describes the branch the preparation pipeline checks
// out before the command runs.
type PrepareBranchParams struct {
	Owner       string `json:"owner"`
	Contributor string `json:"contributor"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	CheckoutDir string `json:"checkout_dir"`
}

// PipelineRef identifies an in-flight remote pipeline.
type PipelineRef struct {
	ID        int    `json:"id"`
	ProjectID int    `json:"project_id"`
	WebURL    string `json:"web_url"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Args = append([]string(nil), t.Args...)
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	if t.Pipeline != nil {
		ref := *t.Pipeline
		c.Pipeline = &ref
	}
	return &c
}

// Target renders the task's logical target for display, e.g. "owner/repo#17"
// for a pull request or "owner/repo@branch" when no PR number is known.
func (t *Task) Target() string {
	p := t.PrepareBranch
	if t.PR > 0 {
		return fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, t.PR)
	}
	return fmt.Sprintf("%s/%s@%s", p.Owner, p.Repo, p.Branch)
}

// NewTaskID returns a process-unique, lexicographically sortable task id
// derived from the current time.
func NewTaskID() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// NewRunVersion returns the run version stamped on tasks admitted by this
// process instance.
func NewRunVersion() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
