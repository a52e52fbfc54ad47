package processing

import (
	"context"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/generator"
	"github.com/repowiki/repowiki/internal/workspace"
)

// LoggingGenerator is the default generator.Generator wired into the binary
// until a real generation pipeline is plugged in. It records each invocation
// through the service logger and produces no documents, so a pass completes
// immediately with an empty wiki.
type LoggingGenerator struct {
	logger *logger.Logger
}

// NewLoggingGenerator creates a LoggingGenerator.
func NewLoggingGenerator(log *logger.Logger) *LoggingGenerator {
	return &LoggingGenerator{
		logger: log.WithFields(zap.String("component", "logging-generator")),
	}
}

var _ generator.Generator = (*LoggingGenerator)(nil)

func (g *LoggingGenerator) GenerateCatalog(ctx context.Context, ws *workspace.Workspace, language string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Info("catalog generation skipped, no generator configured",
		zap.String("org", ws.Org), zap.String("name", ws.Name),
		zap.String("language", language))
	return nil
}

func (g *LoggingGenerator) GenerateDocuments(ctx context.Context, ws *workspace.Workspace, language string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Info("document generation skipped, no generator configured",
		zap.String("org", ws.Org), zap.String("name", ws.Name),
		zap.String("language", language))
	return nil
}

func (g *LoggingGenerator) IncrementalUpdate(ctx context.Context, ws *workspace.Workspace, language string, changedFiles []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Info("incremental update skipped, no generator configured",
		zap.String("org", ws.Org), zap.String("name", ws.Name),
		zap.String("language", language),
		zap.Int("changed_files", len(changedFiles)))
	return nil
}
