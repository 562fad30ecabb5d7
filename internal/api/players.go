package api

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
)

// playerTokenBytes is the entropy of an account token before base64 encoding.
const playerTokenBytes = 32

// touchTimeout bounds the detached last-connection update so a slow
// datastore cannot pin a pool entry after the response went out.
const touchTimeout = 2 * time.Second

type createPlayerRequest struct {
	Nickname string `json:"nickname"`
}

type createPlayerResponse struct {
	UUID  uuid.UUID `json:"uuid"`
	Token string    `json:"token"`
}

// CreatePlayer registers a new player account and issues its long-lived
// account token.
func (s *Service) CreatePlayer(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
	var body createPlayerRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	nickname := strings.TrimSpace(body.Nickname)
	if err := s.validateNickname(nickname); err != nil {
		return nil, err
	}

	playerUUID := uuid.New()
	token, err := newAccountToken()
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("generate account token: %w", err))
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var playerID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO players (uuid, creation_time, nickname) VALUES ($1, NOW(), $2) RETURNING id`,
		playerUUID, nickname,
	).Scan(&playerID)
	if err != nil {
		return nil, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("insert player: %w", err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO player_tokens (token, player_id) VALUES ($1, $2)`,
		token, playerID,
	); err != nil {
		return nil, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("insert player token: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("commit player: %w", err))
	}

	s.logger.Info().Str("uuid", playerUUID.String()).Msg("player created")
	return createPlayerResponse{UUID: playerUUID, Token: token}, nil
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type authenticateResponse struct {
	UUID     uuid.UUID `json:"uuid"`
	Nickname string    `json:"nickname"`
}

// AuthenticatePlayer resolves an account token to its player. The
// last-connection timestamp is updated asynchronously on a separately leased
// connection so the response does not wait for the write.
func (s *Service) AuthenticatePlayer(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
	var body authenticateRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	player, playerID, err := s.playerByToken(ctx, conn, body.Token)
	if err != nil {
		return nil, err
	}

	go s.touchLastConnection(playerID)

	return authenticateResponse{UUID: player.UUID, Nickname: player.Nickname}, nil
}

type playerRecord struct {
	UUID     uuid.UUID
	Nickname string
}

// playerByToken validates an account token and loads the player it belongs
// to. Unknown tokens deliberately map to the same failure as malformed ones.
func (s *Service) playerByToken(ctx context.Context, conn pool.Conn, token string) (playerRecord, int64, error) {
	if token == "" {
		return playerRecord{}, 0, apierr.Validation(apierr.CodeEmptyToken, "token must not be empty")
	}
	if len(token) > 64 {
		return playerRecord{}, 0, apierr.Validation(apierr.CodeInvalidToken, "the provided token is not valid")
	}

	var playerID int64
	err := conn.QueryRow(ctx, `SELECT player_id FROM player_tokens WHERE token = $1`, token).Scan(&playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return playerRecord{}, 0, apierr.Validation(apierr.CodeInvalidToken, "the provided token is not valid")
	}
	if err != nil {
		return playerRecord{}, 0, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("lookup token: %w", err))
	}

	var player playerRecord
	err = conn.QueryRow(ctx, `SELECT uuid, nickname FROM players WHERE id = $1`, playerID).
		Scan(&player.UUID, &player.Nickname)
	if err != nil {
		return playerRecord{}, 0, apierr.Upstream(apierr.CodeInternal, fmt.Errorf("load player %d: %w", playerID, err))
	}
	return player, playerID, nil
}

// touchLastConnection records an authentication on its own lease. Failures
// are logged and dropped, the login itself already succeeded.
func (s *Service) touchLastConnection(playerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()

	lease, err := s.db.Acquire(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int64("player_id", playerID).Msg("skipping last-connection update")
		return
	}
	_, err = lease.Conn().Exec(ctx, `UPDATE players SET last_connection_time = NOW() WHERE id = $1`, playerID)
	lease.Release(err)
	if err != nil {
		s.logger.Warn().Err(err).Int64("player_id", playerID).Msg("last-connection update failed")
	}
}

func (s *Service) validateNickname(nickname string) error {
	if nickname == "" {
		return apierr.Validation(apierr.CodeNicknameEmpty, "nickname must not be empty")
	}
	if len(nickname) > s.player.NicknameMaxLength {
		return apierr.Validation(apierr.CodeNicknameTooLong,
			fmt.Sprintf("nickname must not exceed %d bytes", s.player.NicknameMaxLength))
	}
	if s.player.AllowNonASCII {
		return nil
	}
	for _, r := range nickname {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == ' ', r == '_':
		default:
			return apierr.Validation(apierr.CodeNicknameForbiddenChars,
				"nickname may only contain ascii letters, digits, spaces and underscores")
		}
	}
	return nil
}

func newAccountToken() (string, error) {
	raw := make([]byte, playerTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
