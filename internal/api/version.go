package api

import (
	"context"

	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/fetcher"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
)

type gameVersionResponse struct {
	Assets        fetcher.Asset `json:"assets"`
	AssetsVersion string        `json:"assets_version"`
	Binaries      fetcher.Asset `json:"binaries"`
	Updater       fetcher.Asset `json:"updater"`
	Version       string        `json:"version"`
}

// GameVersion reports the newest distributable release for one platform. It
// never touches the datastore; release lookups are served from the fetcher
// cache.
func (s *Service) GameVersion(ctx context.Context, _ pool.Conn, req *router.Request) (any, error) {
	platform := req.Query.Get("platform")
	if platform == "" {
		return nil, apierr.Validation(apierr.CodeInvalidBody, "query parameter platform is required")
	}

	release, err := s.releases.LatestGameRelease(ctx)
	if err != nil {
		return nil, apierr.Upstream(apierr.CodeFetchGameRelease, err)
	}
	binary, ok := release.Binaries[platform]
	if !ok {
		return nil, apierr.NotFound(apierr.CodePlatformNotFound, "no game binary published for this platform")
	}

	updaters, err := s.releases.LatestUpdaterRelease(ctx)
	if err != nil {
		return nil, apierr.Upstream(apierr.CodeFetchUpdaterRelease, err)
	}
	updater, ok := updaters[platform+"_"+s.updaterFilename]
	if !ok {
		return nil, apierr.NotFound(apierr.CodePlatformNotFound, "no updater published for this platform")
	}

	return gameVersionResponse{
		Assets:        release.Assets,
		AssetsVersion: release.AssetsVersion.String(),
		Binaries:      binary,
		Updater:       updater,
		Version:       release.Version.String(),
	}, nil
}
