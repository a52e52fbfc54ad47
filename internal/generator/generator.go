// Package generator defines the interface the processing core drives. The
// actual document generation (LLM calls, persistence of wiki content) lives
// behind this boundary; the core only supplies a workspace handle and the
// language to generate for.
package generator

import (
	"context"

	"github.com/repowiki/repowiki/internal/workspace"
)

// Generator produces wiki content for one (workspace, language) pair. All
// methods persist their own output; they may run for minutes and must honor
// context cancellation.
type Generator interface {
	// GenerateCatalog builds the document catalog for a full pass.
	GenerateCatalog(ctx context.Context, ws *workspace.Workspace, language string) error

	// GenerateDocuments writes the document bodies for a full pass.
	GenerateDocuments(ctx context.Context, ws *workspace.Workspace, language string) error

	// IncrementalUpdate regenerates only the documents affected by the
	// changed files.
	IncrementalUpdate(ctx context.Context, ws *workspace.Workspace, language string, changedFiles []string) error
}
