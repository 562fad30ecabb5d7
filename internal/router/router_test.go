package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astralforge/game-api/internal/pool"
)

func noop(string) Handler {
	return func(context.Context, pool.Conn, *Request) (any, error) {
		return nil, nil
	}
}

func named(name string, seen *string) Handler {
	return func(context.Context, pool.Conn, *Request) (any, error) {
		*seen = name
		return nil, nil
	}
}

func TestBuildRejectsDuplicateRoutes(t *testing.T) {
	_, err := Build([]Route{
		{Method: "POST", Pattern: "/v1/players", Handler: noop("a")},
		{Method: "post", Pattern: "/v1/players", Handler: noop("b")},
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "POST", conflict.Method)
}

func TestBuildRejectsAmbiguousParameters(t *testing.T) {
	_, err := Build([]Route{
		{Method: "GET", Pattern: "/v1/players/:uuid", Handler: noop("a")},
		{Method: "GET", Pattern: "/v1/players/:id", Handler: noop("b")},
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestBuildAllowsLiteralBesideParameter(t *testing.T) {
	_, err := Build([]Route{
		{Method: "GET", Pattern: "/v1/players/me", Handler: noop("a")},
		{Method: "GET", Pattern: "/v1/players/:uuid", Handler: noop("b")},
	})
	require.NoError(t, err)
}

func TestResolveNotFound(t *testing.T) {
	r, err := Build([]Route{{Method: "GET", Pattern: "/game_version", Handler: noop("a")}})
	require.NoError(t, err)

	_, _, err = r.Resolve("GET", "/missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = r.Resolve("POST", "/game_version")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveLiteralOutranksParameter(t *testing.T) {
	var seen string
	r, err := Build([]Route{
		{Method: "GET", Pattern: "/v1/players/:uuid", Handler: named("param", &seen)},
		{Method: "GET", Pattern: "/v1/players/me", Handler: named("literal", &seen)},
	})
	require.NoError(t, err)

	route, params, err := r.Resolve("GET", "/v1/players/me")
	require.NoError(t, err)
	require.Empty(t, params)
	_, _ = route.Handler(context.Background(), nil, &Request{})
	require.Equal(t, "literal", seen)

	route, params, err = r.Resolve("GET", "/v1/players/42")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"uuid": "42"}, params)
	_, _ = route.Handler(context.Background(), nil, &Request{})
	require.Equal(t, "param", seen)
}

func TestResolveLongestStaticPrefixWins(t *testing.T) {
	var seen string
	r, err := Build([]Route{
		{Method: "GET", Pattern: "/a/:x/c", Handler: named("late", &seen)},
		{Method: "GET", Pattern: "/a/b/:y", Handler: named("early", &seen)},
	})
	require.NoError(t, err)

	_, _, err = r.Resolve("GET", "/a/b/c")
	require.NoError(t, err)
	route, _, err := r.Resolve("GET", "/a/b/c")
	require.NoError(t, err)
	_, _ = route.Handler(context.Background(), nil, &Request{})
	require.Equal(t, "early", seen)
}

func TestResolveIsDeterministic(t *testing.T) {
	r, err := Build([]Route{
		{Method: "POST", Pattern: "/v1/players", Handler: noop("a"), Timeout: 5 * time.Second},
		{Method: "POST", Pattern: "/v1/player/auth", Handler: noop("b")},
	})
	require.NoError(t, err)

	first, _, err := r.Resolve("POST", "/v1/players")
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		again, _, err := r.Resolve("POST", "/v1/players")
		require.NoError(t, err)
		require.Same(t, first, again)
	}
	require.Equal(t, 5*time.Second, first.Timeout)
}

func TestBuildRejectsBadPatterns(t *testing.T) {
	for _, pattern := range []string{"players", "/v1//players", "/v1/:"} {
		_, err := Build([]Route{{Method: "GET", Pattern: pattern, Handler: noop("a")}})
		require.Error(t, err, "pattern %q", pattern)
		var conflict *ConflictError
		require.False(t, errors.As(err, &conflict))
	}
}
