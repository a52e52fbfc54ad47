// Package models defines the persisted entities of the repository
// processing core.
package models

import "time"

// RepositoryStatus is the lifecycle state of a registered repository.
type RepositoryStatus string

const (
	RepositoryStatusPending    RepositoryStatus = "pending"
	RepositoryStatusProcessing RepositoryStatus = "processing"
	RepositoryStatusCompleted  RepositoryStatus = "completed"
	RepositoryStatusFailed     RepositoryStatus = "failed"
)

// TaskStatus is the lifecycle state of an incremental update task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// LogStep tags a processing log entry with the pipeline stage it belongs to.
type LogStep string

const (
	LogStepWorkspace LogStep = "workspace"
	LogStepCatalog   LogStep = "catalog"
	LogStepContent   LogStep = "content"
	LogStepComplete  LogStep = "complete"
)

// Repository is a remote git repository registered for wiki generation.
type Repository struct {
	ID        string `json:"id" db:"id"`
	OwnerID   string `json:"owner_id" db:"owner_id"`
	GitURL    string `json:"git_url" db:"git_url"`
	OrgName   string `json:"org_name" db:"org_name"`
	Name      string `json:"name" db:"name"`
	IsPrivate bool   `json:"is_private" db:"is_private"`

	// Per-repository git credentials; empty means fall back to the
	// platform app installation token or the global token.
	GitUserName string `json:"-" db:"git_user_name"`
	GitPassword string `json:"-" db:"git_password"`

	Status          RepositoryStatus `json:"status" db:"status"`
	PrimaryLanguage *string          `json:"primary_language,omitempty" db:"primary_language"`

	LastUpdateCheckAt     *time.Time `json:"last_update_check_at,omitempty" db:"last_update_check_at"`
	UpdateIntervalMinutes *int       `json:"update_interval_minutes,omitempty" db:"update_interval_minutes"`

	// Version is the optimistic concurrency token. Updates carry the
	// version they read; a stale version fails the write.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// Branch is one tracked branch of a repository.
type Branch struct {
	ID           string `json:"id" db:"id"`
	RepositoryID string `json:"repository_id" db:"repository_id"`
	Name         string `json:"name" db:"name"`

	// LastCommitID is the HEAD the generator last completed a pass for.
	// Empty means the branch has never been processed.
	LastCommitID    string     `json:"last_commit_id" db:"last_commit_id"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty" db:"last_processed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BranchLanguage is a (branch, natural language) pair for which wiki
// documents exist. At most one language per branch carries IsDefault.
type BranchLanguage struct {
	ID        string    `json:"id" db:"id"`
	BranchID  string    `json:"branch_id" db:"branch_id"`
	Code      string    `json:"code" db:"code"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	Position  int       `json:"position" db:"position"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UpdateTask is a persisted unit of deferred incremental-update work.
type UpdateTask struct {
	ID           string `json:"id" db:"id"`
	RepositoryID string `json:"repository_id" db:"repository_id"`
	BranchID     string `json:"branch_id" db:"branch_id"`

	// PreviousCommitID is the branch head snapshotted at task creation,
	// not at execution, so the task describes the diff its creator saw.
	PreviousCommitID string `json:"previous_commit_id" db:"previous_commit_id"`
	TargetCommitID   string `json:"target_commit_id" db:"target_commit_id"`

	Status          TaskStatus `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"`
	IsManualTrigger bool       `json:"is_manual_trigger" db:"is_manual_trigger"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ProcessingLog is an append-only progress entry for one repository.
type ProcessingLog struct {
	ID           string    `json:"id" db:"id"`
	RepositoryID string    `json:"repository_id" db:"repository_id"`
	Step         LogStep   `json:"step" db:"step"`
	Message      string    `json:"message" db:"message"`
	IsAIOutput   bool      `json:"is_ai_output" db:"is_ai_output"`
	ToolName     *string   `json:"tool_name,omitempty" db:"tool_name"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
