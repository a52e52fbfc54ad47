// Package events defines the event types the processing core publishes.
package events

// Event types for repositories
const (
	RepositoryCreated             = "repository.created"
	RepositoryDeleted             = "repository.deleted"
	RepositoryProcessingStarted   = "repository.processing.started"
	RepositoryProcessingCompleted = "repository.processing.completed"
	RepositoryProcessingFailed    = "repository.processing.failed"
)

// Event types for incremental update tasks
const (
	UpdateTaskCreated   = "update_task.created"
	UpdateTaskCompleted = "update_task.completed"
	UpdateTaskFailed    = "update_task.failed"
)

// Event type for wiki content updates, consumed by UI subscribers.
const (
	WikiUpdated = "wiki.updated"
)

// Subjects published on the bus. The repository id is appended as the last
// token, so subscribers can use repowiki.repository.* style patterns.
const (
	SubjectRepositoryPrefix = "repowiki.repository"
	SubjectUpdateTaskPrefix = "repowiki.update_task"
	SubjectWikiPrefix       = "repowiki.wiki"
)
