// Package api implements the business handlers behind the routing table.
// Handlers validate their input, run their queries on the connection the
// dispatcher leased for them and return either a serializable payload or a
// classified failure.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/astralforge/game-api/config"
	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/fetcher"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
)

// ReleaseSource resolves the downloadable game and updater releases. Served
// by fetcher.CachedFetcher in production.
type ReleaseSource interface {
	LatestGameRelease(ctx context.Context) (*fetcher.GameRelease, error)
	LatestUpdaterRelease(ctx context.Context) (fetcher.Assets, error)
}

// Service bundles the handler set with its collaborators.
type Service struct {
	db       *pool.Pool
	releases ReleaseSource
	logger   zerolog.Logger

	player          config.PlayerConfig
	gameServer      config.GameServerConfig
	updaterFilename string
	tokenKey        []byte
}

func New(db *pool.Pool, releases ReleaseSource, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	key, err := cfg.TokenKey()
	if err != nil {
		return nil, fmt.Errorf("game server token key: %w", err)
	}
	return &Service{
		db:              db,
		releases:        releases,
		logger:          logger.With().Str("component", "api").Logger(),
		player:          cfg.Player,
		gameServer:      cfg.GameServer,
		updaterFilename: cfg.Repositories.UpdaterFilename,
		tokenKey:        key,
	}, nil
}

// Routes returns the full routing table of the service.
func (s *Service) Routes() []router.Route {
	return []router.Route{
		{Method: "POST", Pattern: "/v1/players", Handler: s.CreatePlayer},
		{Method: "POST", Pattern: "/v1/player/auth", Handler: s.AuthenticatePlayer},
		{Method: "POST", Pattern: "/v1/game/connect", Handler: s.GameConnect},
		{Method: "GET", Pattern: "/game_version", Handler: s.GameVersion, SkipPool: true},
		{Method: "GET", Pattern: "/healthz", Handler: s.Health},
	}
}

// decodeBody unmarshals a request body, mapping malformed input to a
// client-visible validation failure.
func decodeBody(req *router.Request, into any) error {
	if err := json.Unmarshal(req.Body, into); err != nil {
		return apierr.Validation(apierr.CodeInvalidBody, "request body is not valid JSON for this operation")
	}
	return nil
}
