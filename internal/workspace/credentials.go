package workspace

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/repowiki/repowiki/internal/wiki/models"
)

// TokenSource supplies short-lived installation tokens for organizations the
// platform app is installed in.
type TokenSource interface {
	// InstallationToken returns (token, true) when an installation exists
	// for the organization, or ("", false) when none does.
	InstallationToken(ctx context.Context, org string) (string, bool, error)
}

// resolveAuth picks git credentials for a repository. First non-empty source
// wins: per-repository credentials, then an app installation token for the
// organization, then the global platform token. A nil return means anonymous
// access.
func (m *Manager) resolveAuth(ctx context.Context, repo *models.Repository) (transport.AuthMethod, error) {
	if repo.GitPassword != "" {
		username := repo.GitUserName
		if username == "" {
			username = "git"
		}
		return &http.BasicAuth{Username: username, Password: repo.GitPassword}, nil
	}

	if m.tokens != nil {
		token, ok, err := m.tokens.InstallationToken(ctx, repo.OrgName)
		if err != nil {
			m.logger.WithError(err).Warn("failed to fetch installation token, falling back")
		} else if ok {
			return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
		}
	}

	if m.globalToken != "" {
		return &http.BasicAuth{Username: "x-access-token", Password: m.globalToken}, nil
	}
	return nil, nil
}
