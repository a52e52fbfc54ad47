// Package workspace owns the on-disk working trees the generator reads from.
// Each repository checks out under {root}/{org}/{name}/tree with both path
// components sanitized.
package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// Workspace is the transient handle handed to the generator. It is not
// persisted; a new one is built on every prepare.
type Workspace struct {
	Org        string
	Name       string
	BranchName string
	RemoteURL  string

	// Path is the checkout directory ({root}/{org}/{name}/tree).
	Path string

	// CommitID is the HEAD observed after prepare.
	CommitID string

	// PreviousCommitID is the head the caller last processed; empty for a
	// first pass.
	PreviousCommitID string
}

// IsIncremental reports whether this workspace represents an advance over an
// earlier processed commit rather than a first or repeated pass.
func (w *Workspace) IsIncremental() bool {
	return w.PreviousCommitID != "" && w.PreviousCommitID != w.CommitID
}

var (
	// ErrWorkspaceCorrupt means git reported a broken object store or index.
	// The caller removes the directory and retries from a fresh clone.
	ErrWorkspaceCorrupt = errors.New("workspace is corrupt")

	// ErrCommitNotFound means the requested commit is not in the local
	// object store.
	ErrCommitNotFound = errors.New("commit not found")

	// ErrInvalidPath means a path component sanitized down to nothing.
	ErrInvalidPath = errors.New("invalid path component")
)

// corruptionMarkers are the substrings of git error messages that indicate a
// damaged object store rather than a transient transport failure.
var corruptionMarkers = []string{
	"corrupt",
	"invalid",
	"not a git repository",
	"bad object",
	"broken",
}

// IsCorruptionError reports whether an error message points at a damaged
// working tree. Matching is case-insensitive.
func IsCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWorkspaceCorrupt) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// SanitizePathComponent makes a string safe to use as a single directory
// name: path separators and ".." collapse to underscores. The transform is
// idempotent. An empty result is an error.
func SanitizePathComponent(component string) (string, error) {
	sanitized := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(component)
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, component)
	}
	return sanitized, nil
}
