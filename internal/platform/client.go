// Package platform talks to the platform app service that manages git
// provider installations. The processing core only needs one call from it:
// exchanging an organization for a short-lived installation token.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/repowiki/repowiki/internal/common/config"
)

const requestTimeout = 10 * time.Second

// Client is an HTTP client for the platform app service. It satisfies the
// workspace manager's TokenSource.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client, or nil when no app service is configured.
// A nil Client is a valid TokenSource that never has an installation.
func NewClient(cfg config.PlatformConfig) *Client {
	if strings.TrimSpace(cfg.AppAPIBaseURL) == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.AppAPIBaseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// InstallationToken returns the installation token for an organization.
// A 404 means no installation exists and is not an error.
func (c *Client) InstallationToken(ctx context.Context, org string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}

	endpoint := fmt.Sprintf("%s/api/installations/%s/token", c.baseURL, url.PathEscape(org))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to build token request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", false, fmt.Errorf("failed to decode token response: %w", err)
		}
		if body.Token == "" {
			return "", false, nil
		}
		return body.Token, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("token request returned status %d", resp.StatusCode)
	}
}
