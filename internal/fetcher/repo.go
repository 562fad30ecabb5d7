package fetcher

import (
	"context"
	"fmt"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// Repo identifies one release repository.
type Repo struct {
	Owner string
	Name  string
}

// Release is the subset of release metadata the fetcher consumes.
type Release struct {
	TagName    string
	Prerelease bool
	Assets     []ReleaseAsset
}

// ReleaseAsset is one downloadable artifact of a release.
type ReleaseAsset struct {
	Name        string
	Size        int64
	DownloadURL string
}

// RepoFetcher lists releases of a repository.
type RepoFetcher interface {
	Releases(ctx context.Context, repo Repo) ([]Release, error)
	LatestRelease(ctx context.Context, repo Repo) (Release, error)
}

// GithubFetcher resolves releases through the GitHub API.
type GithubFetcher struct {
	client *github.Client
}

// NewGithubFetcher builds the GitHub-backed fetcher. A non-empty personal
// access token raises the API rate limits and grants access to private
// repositories.
func NewGithubFetcher(pat string) *GithubFetcher {
	if pat == "" {
		return &GithubFetcher{client: github.NewClient(nil)}
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: pat})
	return &GithubFetcher{client: github.NewClient(oauth2.NewClient(context.Background(), source))}
}

// Releases lists the repository's releases, newest first.
func (g *GithubFetcher) Releases(ctx context.Context, repo Repo) ([]Release, error) {
	releases, _, err := g.client.Repositories.ListReleases(ctx, repo.Owner, repo.Name, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("list releases of %s/%s: %w", repo.Owner, repo.Name, err)
	}
	converted := make([]Release, 0, len(releases))
	for _, release := range releases {
		converted = append(converted, convertRelease(release))
	}
	return converted, nil
}

// LatestRelease returns the repository's latest published release.
func (g *GithubFetcher) LatestRelease(ctx context.Context, repo Repo) (Release, error) {
	release, _, err := g.client.Repositories.GetLatestRelease(ctx, repo.Owner, repo.Name)
	if err != nil {
		return Release{}, fmt.Errorf("latest release of %s/%s: %w", repo.Owner, repo.Name, err)
	}
	return convertRelease(release), nil
}

func convertRelease(release *github.RepositoryRelease) Release {
	converted := Release{
		TagName:    release.GetTagName(),
		Prerelease: release.GetPrerelease(),
		Assets:     make([]ReleaseAsset, 0, len(release.Assets)),
	}
	for _, asset := range release.Assets {
		converted.Assets = append(converted.Assets, ReleaseAsset{
			Name:        asset.GetName(),
			Size:        int64(asset.GetSize()),
			DownloadURL: asset.GetBrowserDownloadURL(),
		})
	}
	return converted
}
