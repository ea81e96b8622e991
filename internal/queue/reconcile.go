package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Reconcile scans the store for tasks stamped by a previous process
// instance, removes them, and resubmits each as a fresh task: new id,
// current run version, same command and branch parameters, same result
// target. A carried pipeline ref survives so remote tasks reattach rather
// than re-trigger. Preparation always restarts from the first step; there
// is no partial resume.
func (q *Queue) Reconcile(ctx context.Context, sink ResultSink) error {
	stale, err := q.store.Scan(ctx, func(v string) bool { return v != q.version })
	if err != nil {
		return fmt.Errorf("failed to scan for abandoned tasks: %w", err)
	}
	if len(stale) == 0 {
		q.logger.Info("no abandoned tasks to reconcile")
		return nil
	}

	for _, old := range stale {
		if err := q.store.Delete(ctx, old.ID); err != nil {
			return fmt.Errorf("failed to remove abandoned task %s: %w", old.ID, err)
		}
		fresh := old.Clone()
		fresh.ID = ""
		fresh.Version = ""
		if _, err := q.Submit(ctx, fresh, sink); err != nil {
			return fmt.Errorf("failed to resubmit abandoned task %s: %w", old.ID, err)
		}
		q.logger.Info("requeued abandoned task",
			zap.String("old_id", old.ID),
			zap.String("old_version", old.Version),
			zap.String("new_id", fresh.ID),
			zap.String("handle", fresh.HandleID),
		)
	}
	q.logger.Info("reconciliation complete", zap.Int("requeued", len(stale)))
	return nil
}
