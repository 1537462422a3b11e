package release

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/chromadesk/chromadesk-build/internal/config"
	"github.com/chromadesk/chromadesk-build/internal/logger"
)

var (
	// ErrMissingToken is returned when publishing without an API token.
	ErrMissingToken = errors.New("release API token is not set")
	// errInvalidRepository is returned when the repository is not "owner/name".
	errInvalidRepository = errors.New("repository must be owner/name")
)

// Publisher creates a release for a tag and attaches assets to it.
type Publisher interface {
	Publish(ctx context.Context, tag string, assets []string) (string, error)
}

// GitHubPublisher publishes through the GitHub REST API.
type GitHubPublisher struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubPublisher returns a publisher for the configured repository.
func NewGitHubPublisher(cfg config.Release, token string, httpClient *http.Client) (*GitHubPublisher, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: %w: set %s", config.ErrConfiguration, ErrMissingToken, cfg.TokenEnv)
	}

	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: %w: %q", config.ErrConfiguration, errInvalidRepository, cfg.Repository)
	}

	client := github.NewClient(httpClient).WithAuthToken(token)

	var err error

	if client.BaseURL, err = endpoint(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("%w: api_url: %w", config.ErrConfiguration, err)
	}

	if client.UploadURL, err = endpoint(cfg.UploadURL); err != nil {
		return nil, fmt.Errorf("%w: upload_url: %w", config.ErrConfiguration, err)
	}

	return &GitHubPublisher{
		client: client,
		owner:  owner,
		repo:   repo,
	}, nil
}

// endpoint parses a base URL; the client resolves relative paths against it, so it must end with a slash.
func endpoint(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}

	return url.Parse(raw)
}

// Publish gets or creates the release for tag and uploads every asset, replacing same-named ones.
func (p *GitHubPublisher) Publish(ctx context.Context, tag string, assets []string) (string, error) {
	ctx = logger.WithName(ctx, "publisher")

	release, err := p.findOrCreateRelease(ctx, tag)
	if err != nil {
		return "", err
	}

	existing := make(map[string]int64, len(release.Assets))
	for _, asset := range release.Assets {
		existing[asset.GetName()] = asset.GetID()
	}

	for _, asset := range assets {
		name := filepath.Base(asset)

		if id, ok := existing[name]; ok {
			logger.InfoKV(ctx, "Replacing existing asset", "name", name)

			if _, err = p.client.Repositories.DeleteReleaseAsset(ctx, p.owner, p.repo, id); err != nil {
				return "", fmt.Errorf("delete asset %s: %w", name, err)
			}
		}

		if err = p.upload(ctx, release.GetID(), asset); err != nil {
			return "", fmt.Errorf("upload %s: %w", name, err)
		}

		logger.InfoKV(ctx, "Asset uploaded", "name", name)
	}

	return release.GetHTMLURL(), nil
}

func (p *GitHubPublisher) findOrCreateRelease(ctx context.Context, tag string) (*github.RepositoryRelease, error) {
	release, response, err := p.client.Repositories.GetReleaseByTag(ctx, p.owner, p.repo, tag)
	if err == nil {
		logger.InfoKV(ctx, "Using existing release", "tag", tag, "id", release.GetID())
		return release, nil
	}

	if response == nil || response.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("get release %s: %w", tag, err)
	}

	release, _, err = p.client.Repositories.CreateRelease(ctx, p.owner, p.repo, &github.RepositoryRelease{
		TagName: github.String(tag),
		Name:    github.String(tag),
	})
	if err != nil {
		return nil, fmt.Errorf("create release %s: %w", tag, err)
	}

	logger.InfoKV(ctx, "Release created", "tag", tag, "id", release.GetID())

	return release, nil
}

func (p *GitHubPublisher) upload(ctx context.Context, releaseID int64, asset string) error {
	file, err := os.Open(filepath.Clean(asset))
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	_, _, err = p.client.Repositories.UploadReleaseAsset(ctx, p.owner, p.repo, releaseID, &github.UploadOptions{
		Name:      filepath.Base(asset),
		MediaType: "application/octet-stream",
	}, file)

	return err
}
