package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/torctl/internal/auth"
	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/protocol/frame"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/danmuck/torctl/internal/tor"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": component,
			"version":   Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		state := s.session.State()
		status := http.StatusOK
		if state != session.StateReady {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  state == session.StateReady,
			"state":  state.String(),
			"events": s.session.Categories(),
			"uptime": time.Since(s.started).String(),
		})
	})

	ready := s.router.Group("/", s.requireReady())
	ready.GET("/info", s.handleInfo)
	ready.GET("/socks", s.handleSocks)
	ready.POST("/signal/:name", s.requireToken(), s.handleSignal)

	s.router.GET("/events", s.requireToken(), s.handleEvents)
}

func (s *Server) handleInfo(c *gin.Context) {
	var keys []string
	for _, raw := range c.QueryArray("key") {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one key query parameter required"})
		return
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()
	values, err := s.commands.GetInfo(ctx, keys...)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"info": values})
}

func (s *Server) handleSocks(c *gin.Context) {
	ctx, cancel := s.commandContext(c)
	defer cancel()
	host, port, err := s.commands.SocksListener(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"host": host, "port": port})
}

func (s *Server) handleSignal(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))
	ctx, cancel := s.commandContext(c)
	defer cancel()
	if err := s.commands.Signal(ctx, name); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "signal": name})
}

func (s *Server) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
}

func (s *Server) requireReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if state := s.session.State(); state != session.StateReady {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": session.ErrNotReady.Error(),
				"state": state.String(),
			})
			return
		}
		c.Next()
	}
}

// requireToken accepts a bearer header or, for browser websockets, a token
// query parameter.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.validator == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("token")
		}
		if err := s.validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var replyErr *protocol.ReplyError
	if errors.As(err, &replyErr) {
		body["code"] = replyErr.Code
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	var replyErr *protocol.ReplyError
	switch {
	case errors.Is(err, tor.ErrNoKeys), errors.Is(err, frame.ErrEncoding):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrCommandDropped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &replyErr), errors.Is(err, tor.ErrSocksListener),
		errors.Is(err, tor.ErrKeyCount), errors.Is(err, tor.ErrUnknownKey),
		errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
