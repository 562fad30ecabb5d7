package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astralforge/game-api/config"
)

// assetsPlatform is the pseudo platform carrying the shared game content
// archive rather than a per-platform binary.
const assetsPlatform = "assets"

// ErrNoRelease is returned when no usable release exists in the repository.
var ErrNoRelease = errors.New("no usable release found")

// Asset describes one downloadable artifact. Sha256 stays nil when the
// sidecar digest could not be fetched.
type Asset struct {
	Size        int64   `json:"size"`
	DownloadURL string  `json:"download_url"`
	Sha256      *string `json:"sha256"`
}

// Assets maps platform name to artifact.
type Assets map[string]Asset

// GameRelease is the fully resolved newest game release. Binaries for
// platforms missing from the newest release are backfilled from older ones,
// so their versions may differ from the release version.
type GameRelease struct {
	Assets        Asset
	AssetsVersion *semver.Version
	Binaries      Assets
	Versions      map[string]*semver.Version
	Version       *semver.Version
}

// Fetcher resolves game and updater releases from their repositories.
type Fetcher struct {
	gameRepo    Repo
	updaterRepo Repo
	releases    RepoFetcher
	checksums   ChecksumFetcher
	logger      zerolog.Logger
}

func New(cfg config.RepositoryConfig, releases RepoFetcher, checksums ChecksumFetcher, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		gameRepo:    Repo{Owner: cfg.Owner, Name: cfg.Game},
		updaterRepo: Repo{Owner: cfg.Owner, Name: cfg.Updater},
		releases:    releases,
		checksums:   checksums,
		logger:      logger.With().Str("component", "fetcher").Logger(),
	}
}

// LatestGameRelease walks the game repository's releases from newest to
// oldest. The newest stable release with a semver tag defines the release
// version and content archive. Older releases only contribute binaries for
// platforms the newer ones do not cover.
func (f *Fetcher) LatestGameRelease(ctx context.Context) (*GameRelease, error) {
	releases, err := f.releases.Releases(ctx, f.gameRepo)
	if err != nil {
		return nil, err
	}

	var latest *GameRelease
	taken := map[string]bool{}
	for _, release := range releases {
		if release.Prerelease {
			continue
		}
		version, err := semver.NewVersion(strings.TrimPrefix(release.TagName, "v"))
		if err != nil {
			f.logger.Warn().Str("tag", release.TagName).Msg("skipping release with unparsable tag")
			continue
		}
		if latest == nil {
			latest = &GameRelease{
				Binaries: Assets{},
				Versions: map[string]*semver.Version{},
				Version:  version,
			}
		}
		resolved, err := f.resolveAssets(ctx, release.Assets, taken)
		if err != nil {
			return nil, err
		}
		for platform, asset := range resolved {
			taken[platform] = true
			if platform == assetsPlatform {
				latest.Assets = asset
				latest.AssetsVersion = version
				continue
			}
			latest.Binaries[platform] = asset
			latest.Versions[platform] = version
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("game repository %s/%s: %w", f.gameRepo.Owner, f.gameRepo.Name, ErrNoRelease)
	}
	if latest.AssetsVersion == nil {
		return nil, fmt.Errorf("no release of %s/%s carries a content archive: %w", f.gameRepo.Owner, f.gameRepo.Name, ErrNoRelease)
	}
	return latest, nil
}

// LatestUpdaterRelease resolves the per-platform updater binaries from the
// updater repository's latest release.
func (f *Fetcher) LatestUpdaterRelease(ctx context.Context) (Assets, error) {
	release, err := f.releases.LatestRelease(ctx, f.updaterRepo)
	if err != nil {
		return nil, err
	}
	if _, err := semver.NewVersion(strings.TrimPrefix(release.TagName, "v")); err != nil {
		return nil, fmt.Errorf("updater release tag %q: %w", release.TagName, err)
	}
	return f.resolveAssets(ctx, release.Assets, nil)
}

// resolveAssets converts release assets into platform-keyed entries, fetching
// the sha256 sidecars concurrently. Assets whose platform already appears in
// taken are skipped, as are the sidecar files themselves.
func (f *Fetcher) resolveAssets(ctx context.Context, assets []ReleaseAsset, taken map[string]bool) (Assets, error) {
	type pending struct {
		platform string
		asset    ReleaseAsset
	}
	var wanted []pending
	for _, asset := range assets {
		if strings.HasSuffix(asset.Name, ".sha256") {
			continue
		}
		platform := platformName(asset.Name)
		if taken[platform] {
			continue
		}
		wanted = append(wanted, pending{platform: platform, asset: asset})
	}

	resolved := make(Assets, len(wanted))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, entry := range wanted {
		group.Go(func() error {
			asset := Asset{Size: entry.asset.Size, DownloadURL: entry.asset.DownloadURL}
			sum, err := f.checksums.Checksum(groupCtx, entry.asset)
			switch {
			case errors.Is(err, ErrChecksumUnavailable):
				f.logger.Warn().Err(err).Str("asset", entry.asset.Name).Msg("serving asset without checksum")
			case err != nil:
				return err
			default:
				asset.Sha256 = &sum
			}
			mu.Lock()
			resolved[entry.platform] = asset
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// platformName derives the platform from an asset filename: everything up to
// the first dot, with a "_releasedbg" build marker stripped.
func platformName(assetName string) string {
	platform, _, _ := strings.Cut(assetName, ".")
	return strings.TrimSuffix(platform, "_releasedbg")
}
