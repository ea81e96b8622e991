package cipipeline

import (
	"context"
	"fmt"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/clintrovert/gorkon/pkg/types"
)

// StatusFinished is the sentinel WaitUntilFinished returns when cancellation
// wins the race against the poll loop.
const StatusFinished = "finished"

// terminalStatuses are the provider states after which a pipeline will not
// change further.
var terminalStatuses = map[string]bool{
	"success":  true,
	"skipped":  true,
	"canceled": true,
	"failed":   true,
}

// Handle is an in-flight remote pipeline.
type Handle struct {
	client *gitlab.Client
	ref    types.PipelineRef
	poll   time.Duration
	logger *zap.Logger
}

// Ref returns the pipeline's identifying fields, which the queue embeds
// back into the persisted task for crash reattachment.
func (h *Handle) Ref() types.PipelineRef {
	return h.ref
}

// Terminate asks the provider to cancel the pipeline. A non-success
// response is returned as an error value.
func (h *Handle) Terminate(ctx context.Context) error {
	_, _, err := h.client.Pipelines.CancelPipelineBuild(h.ref.ProjectID, h.ref.ID,
		gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to cancel pipeline %d: %w", h.ref.ID, err)
	}
	return nil
}

// WaitUntilFinished blocks until the pipeline reaches a terminal status or
// ctx is cancelled. Cancellation wins immediately with StatusFinished; the
// poll loop otherwise queries the read-only status endpoint each interval
// and returns the terminal status it observes. The ticker is stopped when
// either branch settles, and a poll error fails the whole wait.
func (h *Handle) WaitUntilFinished(ctx context.Context) (string, error) {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StatusFinished, nil
		case <-ticker.C:
			pipeline, _, err := h.client.Pipelines.GetPipeline(
				h.ref.ProjectID, h.ref.ID, gitlab.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return StatusFinished, nil
				}
				return "", fmt.Errorf("failed to poll pipeline %d: %w", h.ref.ID, err)
			}
			h.logger.Debug("polled pipeline",
				zap.Int("pipeline_id", h.ref.ID),
				zap.String("status", pipeline.Status),
			)
			if terminalStatuses[pipeline.Status] {
				return pipeline.Status, nil
			}
		}
	}
}
