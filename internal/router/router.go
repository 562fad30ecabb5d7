// Package router maps parsed requests onto a closed set of handlers. The
// table is compiled once at startup; lookups are read-only and safe for
// unbounded concurrent readers.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/astralforge/game-api/internal/pool"
)

// ErrNotFound is returned by Resolve when no route matches.
var ErrNotFound = errors.New("router: no matching route")

// ConflictError reports a duplicate (method, pattern) registration.
type ConflictError struct {
	Method  string
	Pattern string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("router: conflicting route %s %s", e.Method, e.Pattern)
}

// Request is the parsed input a handler consumes. The transport layer fills
// it; the dispatcher owns it for the duration of one invocation.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Body       []byte
	RemoteAddr string
	TraceID    string
	Params     map[string]string
}

// Handler executes one business operation against a leased connection. The
// connection is nil for routes registered with SkipPool; handlers must not
// retain it beyond their own invocation, the dispatcher owns the lease.
type Handler func(ctx context.Context, conn pool.Conn, req *Request) (any, error)

// Route describes one registered operation.
type Route struct {
	Method  string
	Pattern string
	Handler Handler
	// Timeout overrides the global request deadline when positive.
	Timeout time.Duration
	// SkipPool marks routes that do not touch the datastore; the dispatcher
	// will not acquire a lease for them.
	SkipPool bool

	segments []segment
}

type segment struct {
	literal string
	param   string
}

// Router is an immutable routing table.
type Router struct {
	routes map[string][]*Route
}

// Build compiles the routing table. Duplicate (method, pattern) pairs fail
// with a ConflictError.
func Build(routes []Route) (*Router, error) {
	table := make(map[string][]*Route)
	for i := range routes {
		route := routes[i]
		if route.Handler == nil {
			return nil, fmt.Errorf("router: route %s %s has no handler", route.Method, route.Pattern)
		}
		segments, err := parsePattern(route.Pattern)
		if err != nil {
			return nil, err
		}
		route.segments = segments
		route.Method = strings.ToUpper(route.Method)

		for _, existing := range table[route.Method] {
			if conflicts(existing.segments, route.segments) {
				return nil, &ConflictError{Method: route.Method, Pattern: route.Pattern}
			}
		}
		table[route.Method] = append(table[route.Method], &route)
	}
	return &Router{routes: table}, nil
}

func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("router: pattern %q must start with /", pattern)
	}
	parts := splitPath(pattern)
	segments := make([]segment, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("router: pattern %q has an unnamed parameter", pattern)
			}
			segments[i] = segment{param: name}
			continue
		}
		if part == "" && len(parts) > 1 {
			return nil, fmt.Errorf("router: pattern %q has an empty segment", pattern)
		}
		segments[i] = segment{literal: part}
	}
	return segments, nil
}

// conflicts reports whether two patterns can match the same path. A literal
// and a parameter at the same position do not conflict (the literal wins),
// but two parameters do.
func conflicts(a, b []segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		aLit, bLit := a[i].param == "", b[i].param == ""
		if aLit && bLit && a[i].literal != b[i].literal {
			return false
		}
	}
	for i := range a {
		if (a[i].param == "") != (b[i].param == "") {
			return false
		}
	}
	return true
}

// Resolve finds the route for a method and concrete path. Literal segments
// outrank parameter placeholders position by position, so the match with the
// longest static prefix wins.
func (r *Router) Resolve(method, path string) (*Route, map[string]string, error) {
	candidates := r.routes[strings.ToUpper(method)]
	parts := splitPath(path)

	var best *Route
	bestScore := -1
	for _, route := range candidates {
		score, ok := match(route.segments, parts)
		if !ok {
			continue
		}
		if score > bestScore {
			best = route
			bestScore = score
		}
	}
	if best == nil {
		return nil, nil, ErrNotFound
	}

	var params map[string]string
	for i, seg := range best.segments {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
		}
	}
	return best, params, nil
}

// match scores a pattern against a concrete path. The score counts literal
// matches weighted by position so earlier literals dominate later ones.
func match(segments []segment, parts []string) (int, bool) {
	if len(segments) != len(parts) {
		return 0, false
	}
	score := 0
	for i, seg := range segments {
		if seg.param != "" {
			continue
		}
		if seg.literal != parts[i] {
			return 0, false
		}
		score += 1 << (len(parts) - i)
	}
	return score, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{""}
	}
	return strings.Split(trimmed, "/")
}
