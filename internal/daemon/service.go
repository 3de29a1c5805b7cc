// Package daemon runs a supervised control session as a long-lived process:
// optional backend launch, session supervision with reconnect, event
// subscriptions, the status API and profile hot reload.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/torctl/internal/config"
	"github.com/danmuck/torctl/internal/launch"
	"github.com/danmuck/torctl/internal/logging"
	"github.com/danmuck/torctl/internal/observability"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/danmuck/torctl/internal/server"
	"github.com/danmuck/torctl/internal/tor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")
	ErrBackendConfigRequired    = errors.New("daemon: launch requires backend.data_dir")
)

// ServiceConfig configures a daemon run.
type ServiceConfig struct {
	Profile config.Profile
	// ProfilePath is watched for changes when Watch is set.
	ProfilePath string
	Watch       bool
	Launch      bool
	// HTTPAddr overrides the profile's status API address; "off" disables it.
	HTTPAddr          string
	HeartbeatInterval time.Duration
	Reconnect         session.BackoffConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Profile:           config.Default(),
		HeartbeatInterval: 30 * time.Second,
		Reconnect: session.BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
		},
	}
}

type Option func(*Service)

// WithLauncher replaces the exec launcher used when Launch is set.
func WithLauncher(l launch.Launcher) Option {
	return func(s *Service) { s.launcher = l }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Service) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// Service owns one controller and everything layered on it.
type Service struct {
	cfg         ServiceConfig
	log         zerolog.Logger
	launcher    launch.Launcher
	sessionOpts []session.Option

	ctrl   *session.Controller
	client *tor.Client
	hub    *server.Hub
	api    *server.Server

	commandTimeout time.Duration

	mu                sync.Mutex
	profile           config.Profile
	target            session.Target
	subscribed        map[string]bool
	readiness         bool
	bootstrapListener bool
}

func NewService(cfg ServiceConfig, opts ...Option) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	s := &Service{
		cfg:        cfg,
		log:        log.Logger,
		profile:    cfg.Profile,
		subscribed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = observability.Component(s.log, "daemon")

	sessCfg, err := cfg.Profile.SessionConfig()
	if err != nil {
		return nil, err
	}
	target, err := cfg.Profile.Target()
	if err != nil {
		return nil, err
	}
	s.target = target
	s.commandTimeout = sessCfg.CommandTimeout

	if cfg.Launch {
		if cfg.Profile.Backend.DataDir == "" {
			return nil, ErrBackendConfigRequired
		}
		if s.launcher == nil {
			el := launch.NewExecLauncher(cfg.Profile.Backend.Binary)
			el.Stdout = os.Stdout
			el.Stderr = os.Stderr
			s.launcher = el
		}
	}

	sessionOpts := append([]session.Option{
		session.WithLogger(s.log),
		session.WithObserver(observability.NewSessionObserver()),
	}, s.sessionOpts...)
	s.ctrl = session.New(sessCfg, sessionOpts...)
	s.client = tor.NewClient(s.ctrl)
	s.hub = server.NewHub(observability.Component(s.log, "events"))

	if addr := s.httpAddr(); addr != "" {
		s.api = server.New(s.ctrl, s.client, s.hub, server.Options{
			Addr:           addr,
			CorsOrigins:    cfg.Profile.HTTP.CorsOrigins,
			Token:          cfg.Profile.HTTP.Token,
			RequestTimeout: sessCfg.CommandTimeout,
			Logger:         s.log,
		})
	}
	return s, nil
}

func (s *Service) httpAddr() string {
	addr := strings.TrimSpace(s.cfg.HTTPAddr)
	if addr == "" {
		addr = strings.TrimSpace(s.cfg.Profile.HTTP.Addr)
	}
	if strings.EqualFold(addr, "off") {
		return ""
	}
	return addr
}

// Controller exposes the supervised session.
func (s *Service) Controller() *session.Controller {
	return s.ctrl
}

func (s *Service) Hub() *server.Hub {
	return s.hub
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx ends or a fatal component error occurs.
func (s *Service) RunContext(ctx context.Context) error {
	defer s.shutdown()
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) bootstrap(ctx context.Context) error {
	if s.cfg.Launch {
		tc, err := s.cfg.Profile.Torrc()
		if err != nil {
			return err
		}
		if el, ok := s.launcher.(*launch.ExecLauncher); ok {
			version, err := launch.Probe(ctx, launch.ExecRunner{}, el.Binary)
			if err != nil {
				return err
			}
			s.log.Info().Str("binary", el.Binary).Str("version", version).Msg("backend found")
		}
		if err := s.launcher.Start(ctx, tc); err != nil {
			return err
		}
		s.log.Info().Str("torrc", tc.Path()).Msg("backend launched")
	}

	if err := s.configure(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Str("address", s.currentTarget().Address).Msg("initial configure failed")
	}
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	apiErr := make(chan error, 1)
	watchErr := make(chan error, 1)
	if s.api != nil {
		go func() { apiErr <- s.api.ListenAndServe(ctx) }()
	}
	if s.cfg.Watch && s.cfg.ProfilePath != "" {
		go func() {
			watchErr <- config.Watch(ctx, s.cfg.ProfilePath, config.DefaultWatchDebounce, func(p config.Profile) {
				if err := s.ApplyProfile(ctx, p); err != nil {
					s.log.Warn().Err(err).Msg("profile apply failed")
				}
			})
		}()
	}
	go s.runSessionLoop(ctx)

	var backendDone <-chan struct{}
	if el, ok := s.launcher.(interface{ Done() <-chan struct{} }); ok && s.cfg.Launch {
		backendDone = el.Done()
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutdown")
			return nil
		case err := <-apiErr:
			if err != nil {
				return err
			}
		case err := <-watchErr:
			if err != nil {
				return err
			}
		case <-backendDone:
			s.log.Warn().Msg("backend exited")
			return launch.ErrNotRunning
		case <-ticker.C:
			s.log.Info().
				Str("state", s.ctrl.State().String()).
				Strs("events", s.ctrl.Categories()).
				Int("event_clients", s.hub.Count()).
				Msg("heartbeat")
		}
	}
}

// runSessionLoop re-establishes the session after it drops or fails.
func (s *Service) runSessionLoop(ctx context.Context) {
	attempt := 0
	for {
		if err := s.waitReconnectBackoff(ctx, attempt); err != nil {
			return
		}
		switch s.ctrl.State() {
		case session.StateDisconnected, session.StateFailed:
		default:
			attempt = 0
			continue
		}
		attempt++
		if err := s.configure(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, session.ErrConfigureInProgress) {
				continue
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		attempt = 0
	}
}

// waitReconnectBackoff sleeps for the delay after attempt; attempt 0 uses
// the initial delay as a supervision period.
func (s *Service) waitReconnectBackoff(ctx context.Context, attempt int) error {
	backoffCfg := s.cfg.Reconnect
	backoffCfg.Jitter = false
	delay := session.NextBackoffDelay(backoffCfg, max(attempt, 1), nil)
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// configure brings the session to Ready (or reloads it) and makes sure the
// profile's event categories are subscribed.
func (s *Service) configure(ctx context.Context) error {
	if err := s.ctrl.Configure(ctx, s.currentTarget()); err != nil {
		return err
	}
	return s.subscribe(ctx)
}

func (s *Service) subscribe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	s.mu.Lock()
	events := append([]string(nil), s.profile.Session.Events...)
	readiness, bootstrap := s.readiness, s.bootstrapListener
	s.mu.Unlock()

	if !readiness {
		if err := s.client.AddReadinessListener(ctx, func(ready bool) {
			s.log.Info().Bool("circuits", ready).Msg("circuit availability changed")
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.readiness = true
		s.mu.Unlock()
	}
	if !bootstrap {
		if err := s.client.AddBootstrapListener(ctx, func(b tor.Bootstrap) {
			s.log.Info().Int("progress", b.Progress).Str("tag", b.Tag).Str("summary", b.Summary).Msg("bootstrap")
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.bootstrapListener = true
		s.mu.Unlock()
	}

	for _, category := range events {
		category = strings.ToUpper(strings.TrimSpace(category))
		s.mu.Lock()
		done := s.subscribed[category]
		s.mu.Unlock()
		if done || category == "" {
			continue
		}
		if err := s.ctrl.Subscribe(ctx, category, s.hub.Publish); err != nil {
			return err
		}
		s.mu.Lock()
		s.subscribed[category] = true
		s.mu.Unlock()
	}
	return nil
}

// ApplyProfile adopts a rewritten profile. The torrc is rewritten when the
// backend is launched here, then the session is reconfigured, which on a
// Ready session asks the backend to reload.
func (s *Service) ApplyProfile(ctx context.Context, p config.Profile) error {
	target, err := p.Target()
	if err != nil {
		return err
	}
	if s.cfg.Launch {
		tc, err := p.Torrc()
		if err != nil {
			return err
		}
		if tc != nil {
			if err := tc.Write(); err != nil {
				return err
			}
		}
	}
	if p.Log.Level != "" {
		logging.SetLevel(p.Log.Level)
	}

	s.mu.Lock()
	s.profile = p
	s.target = target
	s.mu.Unlock()

	if err := s.configure(ctx); err != nil {
		if errors.Is(err, session.ErrConfigureInProgress) {
			return nil
		}
		return err
	}
	s.log.Info().Str("address", target.Address).Msg("profile applied")
	return nil
}

func (s *Service) currentTarget() session.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Service) shutdown() {
	s.hub.Close()
	if err := s.ctrl.Close(); err != nil {
		s.log.Debug().Err(err).Msg("controller close")
	}
	if s.cfg.Launch && s.launcher != nil {
		if err := s.launcher.Stop(); err != nil && !errors.Is(err, launch.ErrNotRunning) {
			s.log.Warn().Err(err).Msg("backend stop failed")
		}
	}
}
