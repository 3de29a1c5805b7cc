package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/torctl/internal/auth"
	"github.com/danmuck/torctl/internal/config"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/danmuck/torctl/internal/testutil/fakectl"
	"github.com/danmuck/torctl/internal/testutil/testlog"
	"github.com/danmuck/torctl/internal/torrc"
	"github.com/rs/zerolog"
)

type stubLauncher struct {
	mu      sync.Mutex
	started []string
	stopped bool
}

func (l *stubLauncher) Start(_ context.Context, cfg *torrc.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, cfg.Path())
	return nil
}

func (l *stubLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started) > 0 && !l.stopped
}

func (l *stubLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return nil
}

func testServiceConfig(addr string) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Profile.Control.Address = addr
	cfg.Profile.Session.PollInterval = "10ms"
	cfg.Profile.Session.StartTimeout = "2s"
	cfg.Profile.Session.CommandTimeout = "1s"
	cfg.Profile.Session.Events = []string{"STATUS_GENERAL"}
	cfg.HTTPAddr = "off"
	cfg.Reconnect = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.0, MaxDelay: 10 * time.Millisecond}
	return cfg
}

func startService(t *testing.T, cfg ServiceConfig, opts ...Option) (*Service, func() error) {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s, err := NewService(cfg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunContext(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(3 * time.Second):
				t.Fatalf("service did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return s, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countLines(srv *fakectl.Server, line string) int {
	n := 0
	for _, req := range srv.Requests() {
		if req.Line == line {
			n++
		}
	}
	return n
}

func TestNewServiceValidatesConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testServiceConfig("unix:/tmp/none")
	cfg.HeartbeatInterval = 0
	if _, err := NewService(cfg); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("expected ErrInvalidHeartbeatInterval, got %v", err)
	}

	cfg = testServiceConfig("unix:/tmp/none")
	cfg.Launch = true
	if _, err := NewService(cfg); !errors.Is(err, ErrBackendConfigRequired) {
		t.Fatalf("expected ErrBackendConfigRequired, got %v", err)
	}
}

func TestServiceReachesReadyAndSubscribes(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	s, stop := startService(t, testServiceConfig(srv.Addr()))

	waitFor(t, "profile categories subscribed", func() bool {
		return countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL") == 1
	})
	if s.Controller().State() != session.StateReady {
		t.Fatalf("state=%s want ready", s.Controller().State())
	}
	if got := s.Controller().Categories(); len(got) != 2 {
		t.Fatalf("unexpected categories: %v", got)
	}

	if err := stop(); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if s.Controller().State() != session.StateDisconnected {
		t.Fatalf("state after shutdown=%s", s.Controller().State())
	}
}

func TestServiceReconnectsAfterConnectionLoss(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	s, _ := startService(t, testServiceConfig(srv.Addr()))

	waitFor(t, "first authentication", func() bool {
		return s.Controller().State() == session.StateReady
	})
	srv.DropConnections()
	waitFor(t, "second authentication", func() bool {
		return countLines(srv, "AUTHENTICATE") == 2 && s.Controller().State() == session.StateReady
	})
	waitFor(t, "resubscription", func() bool {
		return countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL") >= 2
	})
}

func TestServiceRetriesUntilBackendListens(t *testing.T) {
	testlog.Start(t)
	path := fakectl.SocketPath(t)
	cfg := testServiceConfig("unix:" + path)
	cfg.Profile.Session.StartTimeout = "50ms"
	s, _ := startService(t, cfg)

	time.Sleep(120 * time.Millisecond)
	if state := s.Controller().State(); state == session.StateReady {
		t.Fatalf("ready without a backend")
	}
	fakectl.StartAt(t, path)
	waitFor(t, "ready after backend appears", func() bool {
		return s.Controller().State() == session.StateReady
	})
}

func TestApplyProfileReloadsReadySession(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	cfg := testServiceConfig(srv.Addr())
	s, _ := startService(t, cfg)
	waitFor(t, "subscriptions", func() bool {
		return countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL") == 1
	})

	next := cfg.Profile
	next.Session.Events = []string{"STATUS_GENERAL", "STATUS_SERVER"}
	if err := s.ApplyProfile(context.Background(), next); err != nil {
		t.Fatalf("apply profile: %v", err)
	}
	if countLines(srv, "SIGNAL RELOAD") != 1 {
		t.Fatalf("reload not signalled: %v", srv.Requests())
	}
	if countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL STATUS_SERVER") != 1 {
		t.Fatalf("new category not subscribed: %v", srv.Requests())
	}
}

func TestServiceLaunchesBackendAndUsesItsCookie(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Dir(fakectl.SocketPath(t))
	cookie := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := os.WriteFile(filepath.Join(dir, "cookie"), cookie, 0o600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	srv := fakectl.StartAt(t, filepath.Join(dir, "control"))

	cfg := testServiceConfig("")
	cfg.Profile.Control.Address = ""
	cfg.Profile.Backend.DataDir = dir
	cfg.Launch = true
	launcher := &stubLauncher{}
	s, stop := startService(t, cfg, WithLauncher(launcher))

	waitFor(t, "ready", func() bool { return s.Controller().State() == session.StateReady })
	want := "AUTHENTICATE " + auth.HexCookie(cookie)
	if countLines(srv, want) != 1 {
		t.Fatalf("expected %q in %v", want, srv.Requests())
	}
	launcher.mu.Lock()
	started := append([]string(nil), launcher.started...)
	launcher.mu.Unlock()
	if len(started) != 1 || !strings.HasPrefix(started[0], dir) {
		t.Fatalf("unexpected launches: %v", started)
	}

	if err := stop(); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if launcher.Running() {
		t.Fatalf("backend not stopped on shutdown")
	}
}

func TestServiceWatchAppliesRewrittenProfile(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	path := filepath.Join(t.TempDir(), "torctl.toml")
	write := func(events string) {
		body := "[control]\naddress = \"" + srv.Addr() + "\"\n\n" +
			"[session]\npoll_interval = \"10ms\"\ncommand_timeout = \"1s\"\nevents = [" + events + "]\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write profile: %v", err)
		}
	}
	write(`"STATUS_GENERAL"`)
	profile, err := config.Load(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}

	cfg := testServiceConfig(srv.Addr())
	cfg.Profile = profile
	cfg.ProfilePath = path
	cfg.Watch = true
	cfg.HTTPAddr = "off"
	startService(t, cfg)
	waitFor(t, "subscriptions", func() bool {
		return countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL") == 1
	})

	// The watcher starts after bootstrap; rewrite until a reload lands.
	reloaded := func() bool {
		return countLines(srv, "SIGNAL RELOAD") >= 1 &&
			countLines(srv, "SETEVENTS STATUS_CLIENT STATUS_GENERAL STATUS_SERVER") == 1
	}
	for i := 0; i < 10 && !reloaded(); i++ {
		write(`"STATUS_GENERAL", "STATUS_SERVER"`)
		time.Sleep(200 * time.Millisecond)
	}
	if !reloaded() {
		t.Fatalf("profile rewrite not applied: %v", srv.Requests())
	}
}
