// Package server exposes the control session over HTTP: health, readiness,
// metrics, named commands and a websocket stream of notifications.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/torctl/internal/auth"
	"github.com/danmuck/torctl/internal/observability"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	Version   = "0.1.0"
	component = "torctl-api"
)

// Session is the controller state the API reports.
type Session interface {
	State() session.State
	Categories() []string
}

// Commands runs named control commands for the API.
type Commands interface {
	GetInfo(ctx context.Context, keys ...string) (map[string]string, error)
	SocksListener(ctx context.Context) (string, int, error)
	Signal(ctx context.Context, name string) error
}

type Options struct {
	Addr           string
	CorsOrigins    []string
	Token          string
	Validator      auth.Validator
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type Server struct {
	opts      Options
	session   Session
	commands  Commands
	hub       *Hub
	validator auth.Validator
	router    *gin.Engine
	started   time.Time
	log       zerolog.Logger
}

// New builds the router. A Validator, or a non-empty Token, guards mutating
// routes and the event stream.
func New(s Session, cmds Commands, hub *Hub, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	srv := &Server{
		opts:     opts,
		session:  s,
		commands: cmds,
		hub:      hub,
		started:  time.Now(),
		log:      observability.Component(opts.Logger, "http"),
	}
	switch {
	case opts.Validator != nil:
		srv.validator = opts.Validator
	case opts.Token != "":
		srv.validator = auth.StaticToken{Token: opts.Token}
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(srv.log))
	r.Use(observability.RequestMetricsMiddleware(component))
	if len(opts.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CorsOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{observability.HeaderRequestID},
			MaxAge:        12 * time.Hour,
		}))
	}
	srv.router = r
	srv.registerRoutes()
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("status api listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	}
}
