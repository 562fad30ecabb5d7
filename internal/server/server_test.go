package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/astralforge/game-api/config"
	"github.com/astralforge/game-api/internal/dispatch"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/router"
)

type nopConn struct{}

func (nopConn) Exec(context.Context, string, ...any) (int64, error) { return 0, nil }
func (nopConn) Query(context.Context, string, ...any) (pool.Rows, error) {
	return nil, io.EOF
}
func (nopConn) QueryRow(context.Context, string, ...any) pool.Row { return nil }
func (nopConn) Begin(context.Context) (pool.Tx, error)            { return nil, io.EOF }
func (nopConn) Ping(context.Context) error                        { return nil }
func (nopConn) Close(context.Context) error                       { return nil }

type nopDriver struct{}

func (nopDriver) Connect(context.Context, string) (pool.Conn, error) { return nopConn{}, nil }
func (nopDriver) Fatal(error) bool                                   { return false }

func startServer(t *testing.T, routes []router.Route) *Server {
	t.Helper()
	db := pool.New(config.DatabaseConfig{
		DSN:              "stub://",
		MinPoolSize:      1,
		MaxPoolSize:      2,
		AcquireTimeout:   config.Duration{Duration: time.Second},
		SuspectThreshold: 3,
	}, nopDriver{}, zerolog.Nop(), nil)
	t.Cleanup(db.Close)

	rt, err := router.Build(routes)
	require.NoError(t, err)
	d := dispatch.New(rt, db, nil, time.Second, zerolog.Nop(), nil)

	srv, err := New("127.0.0.1:0", d, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

func TestServerServesDispatchedRoutes(t *testing.T) {
	srv := startServer(t, []router.Route{
		{Method: "GET", Pattern: "/echo/:word", SkipPool: true, Handler: func(ctx context.Context, _ pool.Conn, req *router.Request) (any, error) {
			return map[string]string{"word": req.Params["word"], "q": req.Query.Get("q")}, nil
		}},
	})

	resp, err := http.Get("http://" + srv.Addr() + "/echo/hello?q=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "hello", body["word"])
	require.Equal(t, "1", body["q"])
}

func TestServerMapsFailuresToStatuses(t *testing.T) {
	srv := startServer(t, []router.Route{
		{Method: "GET", Pattern: "/ok", SkipPool: true, Handler: func(ctx context.Context, _ pool.Conn, _ *router.Request) (any, error) {
			return map[string]bool{"ok": true}, nil
		}},
	})

	resp, err := http.Get("http://" + srv.Addr() + "/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "not_found", body["err_code"])
}

func TestServerRejectsOversizedBodies(t *testing.T) {
	srv := startServer(t, []router.Route{
		{Method: "POST", Pattern: "/ingest", SkipPool: true, Handler: func(ctx context.Context, _ pool.Conn, _ *router.Request) (any, error) {
			return map[string]bool{"ok": true}, nil
		}},
	})

	oversized := strings.NewReader(strings.Repeat("x", maxBodyBytes+1))
	resp, err := http.Post("http://"+srv.Addr()+"/ingest", "application/json", oversized)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerExposesMetrics(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "go_goroutines")
}
