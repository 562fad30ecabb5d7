package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/astralforge/game-api/config"
	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/ratelimit"
	"github.com/astralforge/game-api/internal/router"
)

var errFatalConn = errors.New("connection torn down")

type stubConn struct {
	id     int
	closed atomic.Bool
}

func (c *stubConn) Exec(context.Context, string, ...any) (int64, error) { return 0, nil }
func (c *stubConn) Query(context.Context, string, ...any) (pool.Rows, error) {
	return nil, errors.New("not implemented")
}
func (c *stubConn) QueryRow(context.Context, string, ...any) pool.Row { return nil }
func (c *stubConn) Begin(context.Context) (pool.Tx, error)            { return nil, errors.New("not implemented") }
func (c *stubConn) Ping(context.Context) error                        { return nil }
func (c *stubConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

type stubDriver struct {
	mu       sync.Mutex
	connects int
}

func (d *stubDriver) Connect(ctx context.Context, dsn string) (pool.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return &stubConn{id: d.connects}, nil
}

func (d *stubDriver) Fatal(err error) bool { return errors.Is(err, errFatalConn) }

func (d *stubDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

type captureCollector struct {
	mu          sync.Mutex
	requests    []string
	rateLimited int
}

func (c *captureCollector) ObserveRequest(route, method, status string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, method+" "+route+" "+status)
}
func (c *captureCollector) SetPoolEntries(int, int) {}
func (c *captureCollector) SetPoolWaiters(int)      {}
func (c *captureCollector) IncAcquireTimeout()      {}
func (c *captureCollector) IncEntryDiscarded()      {}
func (c *captureCollector) IncRateLimited(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited++
}

func newTestPool(t *testing.T, driver *stubDriver, max int) *pool.Pool {
	t.Helper()
	db := pool.New(config.DatabaseConfig{
		DSN:              "stub://",
		MinPoolSize:      1,
		MaxPoolSize:      max,
		AcquireTimeout:   config.Duration{Duration: 100 * time.Millisecond},
		SuspectThreshold: 3,
	}, driver, zerolog.Nop(), nil)
	t.Cleanup(db.Close)
	return db
}

func newDispatcher(t *testing.T, routes []router.Route, db *pool.Pool, limits *ratelimit.Registry, collector *captureCollector) *Dispatcher {
	t.Helper()
	rt, err := router.Build(routes)
	require.NoError(t, err)
	if collector == nil {
		collector = &captureCollector{}
	}
	return New(rt, db, limits, time.Second, zerolog.Nop(), collector)
}

func request(method, path string) *router.Request {
	return &router.Request{Method: method, Path: path, RemoteAddr: "198.51.100.7", TraceID: "trace-1"}
}

func decodeErrBody(t *testing.T, resp Response) apierr.Body {
	t.Helper()
	var body apierr.Body
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body
}

func TestDispatchSuccess(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 2)
	collector := &captureCollector{}
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/widgets/:id", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			require.NotNil(t, conn)
			return map[string]string{"id": req.Params["id"]}, nil
		}},
	}, db, nil, collector)

	resp := d.Dispatch(context.Background(), request("GET", "/widgets/42"))
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"id":"42"}`, string(resp.Body))
	require.Equal(t, []string{"GET /widgets/:id 200"}, collector.requests)

	stats := db.Stats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Idle)
}

func TestDispatchUnknownRouteSkipsPool(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 2)
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/widgets", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return nil, nil
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/nope"))
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.Equal(t, apierr.CodeNotFound, decodeErrBody(t, resp).ErrCode)
	require.Zero(t, driver.connectCount())
}

func TestDispatchSkipPoolRoute(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 2)
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/version", SkipPool: true, Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			require.Nil(t, conn)
			return map[string]string{"version": "1.0.0"}, nil
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/version"))
	require.Equal(t, http.StatusOK, resp.Status)
	require.Zero(t, driver.connectCount())
}

func TestDispatchHandlerFailure(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)
	d := newDispatcher(t, []router.Route{
		{Method: "POST", Pattern: "/widgets", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return nil, apierr.Validation(apierr.CodeInvalidBody, "bad payload")
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("POST", "/widgets"))
	require.Equal(t, http.StatusBadRequest, resp.Status)
	require.Equal(t, apierr.CodeInvalidBody, decodeErrBody(t, resp).ErrCode)

	// The same entry is reusable afterwards; validation failures do not
	// degrade connection health.
	resp = d.Dispatch(context.Background(), request("POST", "/widgets"))
	require.Equal(t, http.StatusBadRequest, resp.Status)
	require.Equal(t, 1, driver.connectCount())
}

func TestDispatchPanicReleasesLease(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/boom", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			panic("handler exploded")
		}},
		{Method: "GET", Pattern: "/ok", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return map[string]bool{"ok": true}, nil
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/boom"))
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	require.Equal(t, apierr.CodeInternal, decodeErrBody(t, resp).ErrCode)

	// With a single entry, a leaked lease would make this acquire time out.
	resp = d.Dispatch(context.Background(), request("GET", "/ok"))
	require.Equal(t, http.StatusOK, resp.Status)
}

func TestDispatchFatalHandlerErrorDiscardsEntry(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/broken", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return nil, apierr.Upstream(apierr.CodeInternal, errFatalConn)
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/broken"))
	require.Equal(t, http.StatusInternalServerError, resp.Status)

	resp = d.Dispatch(context.Background(), request("GET", "/broken"))
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	require.Equal(t, 2, driver.connectCount(), "fatal error should discard and replace the entry")
}

func TestDispatchSaturatedPoolMapsToUnavailable(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)

	hold, err := db.Acquire(context.Background())
	require.NoError(t, err)
	defer hold.Release(nil)

	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/widgets", Timeout: 50 * time.Millisecond, Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return nil, nil
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/widgets"))
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, apierr.CodeResourceExhausted, decodeErrBody(t, resp).ErrCode)
}

func TestDispatchRouteTimeoutCannotExtendGlobalDeadline(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)

	rt, err := router.Build([]router.Route{
		{Method: "GET", Pattern: "/slow", Timeout: 5 * time.Second, Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	})
	require.NoError(t, err)
	d := New(rt, db, nil, 50*time.Millisecond, zerolog.Nop(), nil)

	start := time.Now()
	resp := d.Dispatch(context.Background(), request("GET", "/slow"))
	require.Equal(t, http.StatusGatewayTimeout, resp.Status)
	require.Equal(t, apierr.CodeDeadlineExceeded, decodeErrBody(t, resp).ErrCode)
	require.Less(t, time.Since(start), time.Second)
}

func TestDispatchRateLimited(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 2)
	collector := &captureCollector{}

	limits := ratelimit.NewRegistry(nil)
	limits.SetRoute("POST", "/widgets", config.RateConfig{PerSecond: 1, Burst: 1})

	d := newDispatcher(t, []router.Route{
		{Method: "POST", Pattern: "/widgets", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return map[string]bool{"ok": true}, nil
		}},
	}, db, limits, collector)

	resp := d.Dispatch(context.Background(), request("POST", "/widgets"))
	require.Equal(t, http.StatusOK, resp.Status)

	resp = d.Dispatch(context.Background(), request("POST", "/widgets"))
	require.Equal(t, http.StatusTooManyRequests, resp.Status)
	require.Equal(t, apierr.CodeRateLimited, decodeErrBody(t, resp).ErrCode)
	require.Equal(t, 1, collector.rateLimited)
}

func TestDispatchRedactsInternalCauses(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 1)
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/widgets", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			return nil, errors.New("password=hunter2 leaked into an error")
		}},
	}, db, nil, nil)

	resp := d.Dispatch(context.Background(), request("GET", "/widgets"))
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	body := decodeErrBody(t, resp)
	require.Equal(t, apierr.CodeInternal, body.ErrCode)
	require.NotContains(t, body.ErrDesc, "hunter2")
}

func TestDispatchConcurrentRequestsRespectPoolBound(t *testing.T) {
	driver := &stubDriver{}
	db := newTestPool(t, driver, 3)

	var inFlight, peak atomic.Int32
	d := newDispatcher(t, []router.Route{
		{Method: "GET", Pattern: "/widgets", Handler: func(ctx context.Context, conn pool.Conn, req *router.Request) (any, error) {
			current := inFlight.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return map[string]bool{"ok": true}, nil
		}},
	}, db, nil, nil)

	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), request("GET", "/widgets"))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(3))
	require.LessOrEqual(t, driver.connectCount(), 3)
}
