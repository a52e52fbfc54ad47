// Package notify publishes wiki lifecycle notifications. Delivery is best
// effort: a failed publish is logged and never propagated, so notification
// problems cannot fail processing.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/events"
	"github.com/repowiki/repowiki/internal/events/bus"
)

// Notifier fans repository lifecycle events out to bus subscribers.
type Notifier struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// New creates a Notifier publishing on behalf of source.
func New(eventBus bus.EventBus, source string, log *logger.Logger) *Notifier {
	return &Notifier{bus: eventBus, source: source, logger: log}
}

// RepositoryEvent publishes a repository lifecycle event.
func (n *Notifier) RepositoryEvent(ctx context.Context, eventType, repositoryID string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["repository_id"] = repositoryID
	n.publish(ctx, events.SubjectRepositoryPrefix+"."+repositoryID, eventType, data)
}

// TaskEvent publishes an incremental update task lifecycle event.
func (n *Notifier) TaskEvent(ctx context.Context, eventType, taskID, repositoryID string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = taskID
	data["repository_id"] = repositoryID
	n.publish(ctx, events.SubjectUpdateTaskPrefix+"."+taskID, eventType, data)
}

// WikiUpdated tells subscribers a branch's wiki content changed.
func (n *Notifier) WikiUpdated(ctx context.Context, repositoryID, branchID, commitID string) {
	n.publish(ctx, events.SubjectWikiPrefix+"."+repositoryID, events.WikiUpdated, map[string]interface{}{
		"repository_id": repositoryID,
		"branch_id":     branchID,
		"commit_id":     commitID,
	})
}

func (n *Notifier) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if n == nil || n.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, n.source, data)
	if err := n.bus.Publish(ctx, subject, event); err != nil {
		n.logger.WithError(err).Warn("failed to publish notification",
			zap.String("subject", subject),
			zap.String("event_type", eventType))
	}
}
