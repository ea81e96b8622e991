package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/internal/queue"
	"github.com/clintrovert/gorkon/pkg/types"
)

// CommentSink delivers task results as pull-request comments. The queue
// guarantees Deliver is called exactly once per task.
type CommentSink struct {
	api    API
	logger *zap.Logger
}

// NewCommentSink creates the comment-posting result sink.
func NewCommentSink(api API, logger *zap.Logger) *CommentSink {
	return &CommentSink{api: api, logger: logger}
}

// Deliver posts the task's single result comment.
func (s *CommentSink) Deliver(ctx context.Context, task *types.Task, res queue.Result) error {
	var body string
	switch {
	case res.Cancelled:
		body = CancelledReply(task.Requester)
	case res.Err != nil:
		body = FailureMessage(task.Requester, res.Err)
	default:
		body = SuccessMessage(task.Requester, res.Output)
	}
	s.logger.Info("delivering task result",
		zap.String("id", task.ID),
		zap.String("target", task.Target()),
		zap.Bool("cancelled", res.Cancelled),
	)
	return s.api.PostComment(ctx, task.PrepareBranch.Owner, task.PrepareBranch.Repo, task.PR, body)
}
