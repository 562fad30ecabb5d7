package api

import (
	"context"

	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
)

type healthResponse struct {
	Status string `json:"status"`
}

// Health verifies that a datastore connection can be leased and answers a
// round trip.
func (s *Service) Health(ctx context.Context, conn pool.Conn, _ *router.Request) (any, error) {
	if err := conn.Ping(ctx); err != nil {
		return nil, apierr.Upstream(apierr.CodeInternal, err)
	}
	return healthResponse{Status: "ok"}, nil
}
