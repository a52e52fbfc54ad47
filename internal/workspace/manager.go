package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/wiki/models"
)

// Manager prepares, diffs and removes working trees.
type Manager struct {
	cfg         config.ProcessingConfig
	tokens      TokenSource
	globalToken string
	logger      *logger.Logger
}

// NewManager creates a Manager. tokens may be nil when no platform app is
// configured.
func NewManager(cfg config.ProcessingConfig, platform config.PlatformConfig, tokens TokenSource, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		tokens:      tokens,
		globalToken: platform.Token,
		logger:      log,
	}
}

// WorkingPath returns the checkout directory for a repository.
func (m *Manager) WorkingPath(org, name string) (string, error) {
	sanitizedOrg, err := SanitizePathComponent(org)
	if err != nil {
		return "", err
	}
	sanitizedName, err := SanitizePathComponent(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.cfg.RepositoriesDirectory, sanitizedOrg, sanitizedName, "tree"), nil
}

// Prepare ensures a checkout of branchName exists on disk and returns a
// workspace handle with the observed HEAD. An existing checkout is fetched
// and fast-forwarded; otherwise the repository is cloned. Transient git
// failures are retried with a fixed delay up to the configured attempt
// count; corruption is reported as ErrWorkspaceCorrupt without retrying.
func (m *Manager) Prepare(ctx context.Context, repo *models.Repository, branchName, previousCommitID string) (*Workspace, error) {
	path, err := m.WorkingPath(repo.OrgName, repo.Name)
	if err != nil {
		return nil, err
	}

	auth, err := m.resolveAuth(ctx, repo)
	if err != nil {
		return nil, err
	}

	log := m.logger.WithRepositoryID(repo.ID).WithFields(zap.String("branch", branchName))

	attempts := m.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.RetryDelay()):
			}
		}

		err := m.ensureCheckout(ctx, path, repo.GitURL, branchName, auth)
		if err == nil {
			lastErr = nil
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if IsCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrWorkspaceCorrupt, err)
		}
		if isAuthError(err) {
			return nil, fmt.Errorf("git authentication failed: %w", err)
		}
		lastErr = err
		log.WithError(err).Warn("git operation failed, retrying",
			zap.Int("attempt", attempt), zap.Int("max_attempts", attempts))
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to prepare workspace after %d attempts: %w", attempts, lastErr)
	}

	head, err := m.headCommit(path)
	if err != nil {
		return nil, err
	}

	return &Workspace{
		Org:              repo.OrgName,
		Name:             repo.Name,
		BranchName:       branchName,
		RemoteURL:        repo.GitURL,
		Path:             path,
		CommitID:         head,
		PreviousCommitID: previousCommitID,
	}, nil
}

func isAuthError(err error) bool {
	return errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed)
}

// ensureCheckout clones on a missing .git directory, otherwise checks the
// branch out and fast-forwards it from origin.
func (m *Manager) ensureCheckout(ctx context.Context, path, url, branchName string, auth transport.AuthMethod) error {
	if _, err := os.Stat(filepath.Join(path, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create workspace directory: %w", err)
		}
		_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:             url,
			ReferenceName:   plumbing.NewBranchReferenceName(branchName),
			SingleBranch:    true,
			Auth:            auth,
			InsecureSkipTLS: m.cfg.InsecureSkipTLS,
		})
		if err != nil {
			return fmt.Errorf("clone failed: %w", err)
		}
		return nil
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branchName),
		Force:  true,
	})
	if err != nil {
		return fmt.Errorf("checkout failed: %w", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:      "origin",
		ReferenceName:   plumbing.NewBranchReferenceName(branchName),
		SingleBranch:    true,
		Auth:            auth,
		Force:           true,
		InsecureSkipTLS: m.cfg.InsecureSkipTLS,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull failed: %w", err)
	}
	return nil
}

func (m *Manager) headCommit(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Cleanup removes the working tree when cleanup-after-processing is
// configured. It never fails; removal problems are logged and swallowed.
func (m *Manager) Cleanup(ws *Workspace) {
	if ws == nil || !m.cfg.CleanupAfterProcessing {
		return
	}
	m.Remove(ws.Path)
}

// Remove deletes a working tree unconditionally, first clearing read-only
// bits git sets on pack files. Idempotent.
func (m *Manager) Remove(path string) {
	if path == "" {
		return
	}
	// Parent of tree/ so the org/name directory goes too when empty.
	_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			_ = os.Chmod(p, 0o644)
		}
		return nil
	})
	if err := os.RemoveAll(path); err != nil {
		m.logger.WithError(err).Warn("failed to remove workspace", zap.String("path", path))
	}
}

// ChangedFiles returns the paths that changed between two commits of the
// workspace. Deletions are dropped: consumers only regenerate documents for
// content that still exists. An empty or locally unknown fromCommit degrades
// to the full tracked file list at toCommit.
func (m *Manager) ChangedFiles(ctx context.Context, ws *Workspace, fromCommit, toCommit string) ([]string, error) {
	repo, err := git.PlainOpen(ws.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}

	to, err := repo.CommitObject(plumbing.NewHash(toCommit))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, toCommit)
		}
		return nil, fmt.Errorf("failed to load commit %s: %w", toCommit, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", toCommit, err)
	}

	if fromCommit == "" {
		return listTreeFiles(toTree)
	}
	from, err := repo.CommitObject(plumbing.NewHash(fromCommit))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			// The previously processed commit is gone (force push, pruned
			// clone). Treat as a full rebuild.
			return listTreeFiles(toTree)
		}
		return nil, fmt.Errorf("failed to load commit %s: %w", fromCommit, err)
	}
	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", fromCommit, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, change := range changes {
		if change.To.Name == "" {
			// Pure deletion.
			continue
		}
		if _, ok := seen[change.To.Name]; ok {
			continue
		}
		seen[change.To.Name] = struct{}{}
		paths = append(paths, change.To.Name)
	}
	sort.Strings(paths)
	return paths, nil
}

func listTreeFiles(tree *object.Tree) ([]string, error) {
	var paths []string
	err := tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tree files: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
