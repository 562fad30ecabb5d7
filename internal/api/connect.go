package api

import (
	"context"
	"fmt"

	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
	"github.com/astralforge/game-api/internal/token"
)

type gameConnectRequest struct {
	Token string `json:"token"`
}

// GameConnect authenticates a player and issues a sealed connect token for
// the game server. The token carries fresh per-session keys; only the game
// server can open its private payload.
func (s *Service) GameConnect(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
	var body gameConnectRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	player, playerID, err := s.playerByToken(ctx, conn, body.Token)
	if err != nil {
		return nil, err
	}

	connect, err := token.Generate(
		s.tokenKey,
		s.gameServer.TokenDuration.Duration,
		token.ServerAddress{Address: s.gameServer.Address, Port: s.gameServer.Port},
		token.PrivateToken{
			APIToken: s.gameServer.APIToken,
			APIURL:   s.gameServer.APIURL,
			Player:   token.PlayerData{UUID: player.UUID, Nickname: player.Nickname},
		},
	)
	if err != nil {
		return nil, &apierr.Failure{
			Kind: apierr.KindInternal,
			Code: apierr.CodeTokenGeneration,
			Err:  fmt.Errorf("connect token for player %d: %w", playerID, err),
		}
	}

	go s.touchLastConnection(playerID)

	s.logger.Info().Str("uuid", player.UUID.String()).Msg("connect token issued")
	return connect, nil
}
