package gateway

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/queue"
	"github.com/clintrovert/gorkon/pkg/types"
)

// Submitter is the queue surface the webhook drives.
type Submitter interface {
	Submit(ctx context.Context, task *types.Task, sink queue.ResultSink) (string, error)
	Cancel(ctx context.Context, handleID string)
}

// Webhook turns pull-request comment events into task submissions and
// cancellations.
type Webhook struct {
	secret       []byte
	api          API
	queue        Submitter
	sink         queue.ResultSink
	workspaceDir string
	logger       *zap.Logger
}

// NewWebhook creates the webhook handler.
func NewWebhook(secret string, api API, submitter Submitter, sink queue.ResultSink, workspaceDir string, logger *zap.Logger) *Webhook {
	return &Webhook{
		secret:       []byte(secret),
		api:          api,
		queue:        submitter,
		sink:         sink,
		workspaceDir: workspaceDir,
		logger:       logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *Webhook) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.handleEvent)
}

func (h *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("rejected webhook payload", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	comment, ok := event.(*github.IssueCommentEvent)
	if !ok || comment.GetAction() != "created" || !comment.GetIssue().IsPullRequest() {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.handleComment(r.Context(), comment); err != nil {
		h.logger.Error("failed to handle comment", zap.Error(err))
		http.Error(w, "failed to handle comment", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Webhook) handleComment(ctx context.Context, event *github.IssueCommentEvent) error {
	cmd, ok := ParseCommand(event.GetComment().GetBody())
	if !ok {
		return nil
	}

	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()
	number := event.GetIssue().GetNumber()
	requester := event.GetComment().GetUser().GetLogin()
	handleID := fmt.Sprintf("%s/%s#%d", owner, repo, number)

	if cmd.Action == ActionCancel {
		h.logger.Info("cancellation requested",
			zap.String("handle", handleID),
			zap.String("requester", requester),
		)
		h.queue.Cancel(ctx, handleID)
		return nil
	}

	member, err := h.api.IsOrgMember(ctx, owner, requester)
	if err != nil {
		return err
	}
	if !member {
		h.logger.Warn("rejected command from non-member",
			zap.String("requester", requester),
			zap.String("handle", handleID),
		)
		return h.api.PostComment(ctx, owner, repo, number, NotAuthorizedMessage(requester, owner))
	}

	head, err := h.api.PullRequestHead(ctx, owner, repo, number)
	if err != nil {
		return err
	}

	mode := types.ModeLocal
	if cmd.Action == ActionRunRemote {
		mode = types.ModeRemote
	}
	task := &types.Task{
		ExecPath: cmd.Path,
		Args:     cmd.Args,
		Env:      cmd.Env,
		PrepareBranch: types.PrepareBranchParams{
			Owner:       owner,
			Contributor: head.Contributor,
			Repo:        repo,
			Branch:      head.Branch,
			CheckoutDir: filepath.Join(h.workspaceDir, owner, repo, fmt.Sprintf("pr-%d", number)),
		},
		Requester: requester,
		CommentID: event.GetComment().GetID(),
		PR:        number,
		HandleID:  handleID,
		Mode:      mode,
	}

	position, err := h.queue.Submit(ctx, task, h.sink)
	if err != nil {
		return err
	}
	return h.api.PostComment(ctx, owner, repo, number, position)
}
