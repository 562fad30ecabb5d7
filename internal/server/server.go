// Package server adapts HTTP to the dispatcher. It owns the listener and the
// request envelope; everything behind the parsed request is transport
// agnostic.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/astralforge/game-api/internal/dispatch"
	"github.com/astralforge/game-api/internal/ratelimit"
	"github.com/astralforge/game-api/internal/router"
)

// maxBodyBytes caps request bodies. Every operation carries at most a token
// or a nickname; anything larger is abuse.
const maxBodyBytes = 64 << 10

type Server struct {
	logger     zerolog.Logger
	dispatcher *dispatch.Dispatcher
	server     *http.Server
	ln         net.Listener
}

// New binds the listen address and starts serving. A failed bind is returned
// to the caller; the process must not come up half-listening.
func New(listen string, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) (*Server, error) {
	server := &Server{
		logger:     logger.With().Str("component", "server").Logger(),
		dispatcher: dispatcher,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", server.handle)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error().Err(err).Msg("server stopped")
		}
	}()

	server.logger.Info().Str("listen", ln.Addr().String()).Msg("listening")
	return server, nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests until
// the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := &router.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Body:       body,
		RemoteAddr: ratelimit.ClientKey(r.RemoteAddr, r.Header.Get("X-Forwarded-For")),
		TraceID:    uuid.NewString(),
	}

	resp := s.dispatcher.Dispatch(r.Context(), req)

	w.Header().Set("Content-Type", dispatch.ContentType)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn().Err(err).Str("trace_id", req.TraceID).Msg("write response")
	}
}
