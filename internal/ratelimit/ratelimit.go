// Package ratelimit enforces per-route request budgets with one token
// bucket per client key.
package ratelimit

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/astralforge/game-api/config"
)

// Store keeps a token bucket per client key for one policy.
type Store struct {
	mu      sync.Mutex
	entries map[string]*storeEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type storeEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewStore builds a store from a rate policy.
func NewStore(policy config.RateConfig) *Store {
	return &Store{
		entries: make(map[string]*storeEntry),
		rps:     rate.Limit(policy.PerSecond),
		burst:   policy.Burst,
		idleTTL: 15 * time.Minute,
	}
}

// Allow reports whether the client identified by key may proceed.
func (s *Store) Allow(key string) bool {
	now := time.Now()
	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &storeEntry{lim: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = ent
	}
	ent.lastSeen = now
	lim := ent.lim
	s.mu.Unlock()
	return lim.Allow()
}

func (s *Store) cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)
	s.mu.Lock()
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// Registry resolves the store for a route, falling back to the default
// policy when the route has no override.
type Registry struct {
	fallback *Store
	routes   map[string]*Store
}

// NewRegistry builds a registry. A nil default disables limiting for routes
// without an override.
func NewRegistry(def *config.RateConfig) *Registry {
	reg := &Registry{routes: make(map[string]*Store)}
	if def != nil {
		reg.fallback = NewStore(*def)
	}
	return reg
}

// SetRoute installs a dedicated policy for one route pattern.
func (r *Registry) SetRoute(method, pattern string, policy config.RateConfig) {
	r.routes[routeKey(method, pattern)] = NewStore(policy)
}

// Allow checks the request against the route's policy.
func (r *Registry) Allow(method, pattern, key string) bool {
	if r == nil {
		return true
	}
	store, ok := r.routes[routeKey(method, pattern)]
	if !ok {
		store = r.fallback
	}
	if store == nil {
		return true
	}
	return store.Allow(key)
}

// StartJanitor prunes idle client keys until the context ends.
func (r *Registry) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.fallback != nil {
					r.fallback.cleanup()
				}
				for _, store := range r.routes {
					store.cleanup()
				}
			}
		}
	}()
}

func routeKey(method, pattern string) string {
	return strings.ToUpper(method) + " " + pattern
}

// ClientKey extracts the original client identity from the transport
// metadata: the first X-Forwarded-For hop when present, otherwise the
// remote address without its port.
func ClientKey(remoteAddr, forwardedFor string) string {
	if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err == nil && host != "" {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}
