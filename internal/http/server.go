// README: API server; owns the gin engine and the net/http server lifecycle.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/app"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/notify"
)

type ServerDeps struct {
	App      *app.App
	Verifier infra.TokenVerifier
	Hub      *notify.Hub
	Limiter  *middleware.RateLimiter
	Log      *zap.Logger
}

func (d ServerDeps) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(addr string, deps ServerDeps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: deps.logger(),
	}
}

// ListenAndServe blocks until the server stops; a graceful Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
