// Package dispatch drives one request through the pipeline: route
// resolution, rate limiting, lease acquisition, handler invocation and
// response serialization. The dispatcher owns the lease for the whole
// invocation and releases it exactly once on every path, including panics.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/astralforge/game-api/internal/apierr"
	"github.com/astralforge/game-api/internal/pool"
	"github.com/astralforge/game-api/internal/ratelimit"
	"github.com/astralforge/game-api/internal/router"
	"github.com/astralforge/game-api/telemetry"
)

// ContentType of every response body.
const ContentType = "application/json"

// routeUnmatched is the metrics label for requests no route claims.
const routeUnmatched = "unmatched"

// Response is the serialized outcome of one dispatch.
type Response struct {
	Status int
	Body   []byte
}

// Dispatcher is safe for concurrent use by any number of transport
// goroutines.
type Dispatcher struct {
	router    *router.Router
	db        *pool.Pool
	limits    *ratelimit.Registry
	deadline  time.Duration
	logger    zerolog.Logger
	collector telemetry.Collector
}

func New(rt *router.Router, db *pool.Pool, limits *ratelimit.Registry, deadline time.Duration, logger zerolog.Logger, collector telemetry.Collector) *Dispatcher {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Dispatcher{
		router:    rt,
		db:        db,
		limits:    limits,
		deadline:  deadline,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		collector: collector,
	}
}

// Dispatch runs one parsed request to completion and always produces a
// serializable response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *router.Request) Response {
	start := time.Now()

	route, params, err := d.router.Resolve(req.Method, req.Path)
	if err != nil {
		return d.respondFailure(req, routeUnmatched, start, apierr.RouteNotFound(req.Method, req.Path))
	}
	req.Params = params

	if d.limits != nil && !d.limits.Allow(route.Method, route.Pattern, req.RemoteAddr) {
		d.collector.IncRateLimited(route.Pattern)
		return d.respondFailure(req, route.Pattern, start, apierr.RateLimited())
	}

	// A route override can only tighten the global deadline, never extend it.
	deadline := d.deadline
	if route.Timeout > 0 && route.Timeout < deadline {
		deadline = route.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var conn pool.Conn
	var lease *pool.Lease
	if !route.SkipPool {
		lease, err = d.db.Acquire(ctx)
		if err != nil {
			return d.respondFailure(req, route.Pattern, start, apierr.Classify(err))
		}
		conn = lease.Conn()
	}

	payload, err := d.invoke(ctx, route, conn, req)
	if lease != nil {
		lease.Release(leaseOutcome(err))
	}
	if err != nil {
		return d.respondFailure(req, route.Pattern, start, apierr.Classify(err))
	}
	return d.respondPayload(req, route.Pattern, start, payload)
}

// invoke runs the handler and converts panics into internal failures so the
// lease release and response serialization above it always execute.
func (d *Dispatcher) invoke(ctx context.Context, route *router.Route, conn pool.Conn, req *router.Request) (payload any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error().
				Str("route", route.Pattern).
				Str("trace_id", req.TraceID).
				Interface("panic", recovered).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			err = apierr.Internal(fmt.Errorf("handler panic: %v", recovered))
		}
	}()
	return route.Handler(ctx, conn, req)
}

// leaseOutcome derives the error the pool should judge connection health by.
// Business failures leave the entry healthy; upstream and unclassified errors
// surface their cause so fatal connection errors discard the entry.
func leaseOutcome(err error) error {
	if err == nil {
		return nil
	}
	var failure *apierr.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case apierr.KindValidation, apierr.KindNotFound, apierr.KindRateLimited:
			return nil
		default:
			return failure.Err
		}
	}
	return err
}

func (d *Dispatcher) respondPayload(req *router.Request, route string, start time.Time, payload any) Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return d.respondFailure(req, route, start, apierr.Internal(fmt.Errorf("serialize response: %w", err)))
	}
	d.observe(req, route, http.StatusOK, start)
	return Response{Status: http.StatusOK, Body: body}
}

func (d *Dispatcher) respondFailure(req *router.Request, route string, start time.Time, failure *apierr.Failure) Response {
	status := failure.Status()
	event := d.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = d.logger.Error()
	}
	event.
		Str("method", req.Method).
		Str("path", req.Path).
		Str("trace_id", req.TraceID).
		Str("err_code", failure.Code).
		Int("status", status).
		Err(failure.Err).
		Msg("request failed")

	body, err := json.Marshal(failure.Body())
	if err != nil {
		// The failure body is two strings; this cannot fail at runtime.
		body = []byte(`{"err_code":"internal","err_desc":"an internal error occurred, please retry later."}`)
	}
	d.observe(req, route, status, start)
	return Response{Status: status, Body: body}
}

func (d *Dispatcher) observe(req *router.Request, route string, status int, start time.Time) {
	d.collector.ObserveRequest(route, req.Method, strconv.Itoa(status), time.Since(start))
}
