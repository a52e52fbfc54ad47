// Package store provides the persistent store for repositories, branches,
// languages, update tasks and processing logs.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/repowiki/repowiki/internal/db"
	"github.com/repowiki/repowiki/internal/db/dialect"
)

// Store wraps the database pool with the queries of the processing core.
// Writes go through the pool's single writer connection, which serializes
// them; the duplicate-submission and at-most-one-task checks rely on that.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates a Store on top of the given pool.
func New(pool *db.Pool) *Store {
	return &Store{pool: pool, driver: pool.DriverName()}
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	ts := dialect.TimestampType(s.driver)

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		git_url TEXT NOT NULL,
		org_name TEXT NOT NULL,
		name TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		git_user_name TEXT NOT NULL DEFAULT '',
		git_password TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		primary_language TEXT,
		last_update_check_at %[1]s,
		update_interval_minutes INTEGER,
		version INTEGER NOT NULL DEFAULT 0,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		deleted_at %[1]s
	);

	CREATE TABLE IF NOT EXISTS repository_branches (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		name TEXT NOT NULL,
		last_commit_id TEXT NOT NULL DEFAULT '',
		last_processed_at %[1]s,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS branch_languages (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		code TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		FOREIGN KEY (branch_id) REFERENCES repository_branches(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS update_tasks (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		previous_commit_id TEXT NOT NULL DEFAULT '',
		target_commit_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		is_manual_trigger INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at %[1]s NOT NULL,
		started_at %[1]s,
		completed_at %[1]s,
		FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE,
		FOREIGN KEY (branch_id) REFERENCES repository_branches(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS processing_logs (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		step TEXT NOT NULL DEFAULT 'workspace',
		message TEXT NOT NULL,
		is_ai_output INTEGER NOT NULL DEFAULT 0,
		tool_name TEXT,
		created_at %[1]s NOT NULL,
		FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_repositories_status ON repositories(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_branches_repository_id ON repository_branches(repository_id);
	CREATE INDEX IF NOT EXISTS idx_branch_languages_branch_id ON branch_languages(branch_id);
	CREATE INDEX IF NOT EXISTS idx_update_tasks_status ON update_tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_update_tasks_repo_branch ON update_tasks(repository_id, branch_id);
	CREATE INDEX IF NOT EXISTS idx_processing_logs_repo ON processing_logs(repository_id, created_at);

	-- The partial unique indexes are the authority for the duplicate-URL and
	-- at-most-one-active-task invariants under concurrent writers. The
	-- application-level pre-checks only provide the friendly error on the
	-- common path.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_repositories_git_url
		ON repositories(git_url) WHERE deleted_at IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_update_tasks_active
		ON update_tasks(repository_id, branch_id)
		WHERE status IN ('pending', 'processing');
	`, ts)

	for _, stmt := range splitStatements(schema) {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// splitStatements breaks the schema into individual statements so each can be
// executed on drivers that reject multi-statement Exec. Comment lines are
// stripped first: a comment may contain ";" and must never leak into a
// statement.
func splitStatements(schema string) []string {
	lines := make([]string, 0, 64)
	for _, line := range strings.Split(schema, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// rebind converts "?" placeholders to the driver's placeholder style.
func (s *Store) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
