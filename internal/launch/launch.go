// Package launch starts the backend process with a written torrc.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/torctl/internal/torrc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBinaryRequired = errors.New("launch: backend binary required")
	ErrNotRunning     = errors.New("launch: backend not running")
)

// Launcher starts the backend once per process. Start returning nil is the
// notification that the backend has been started.
type Launcher interface {
	Start(ctx context.Context, cfg *torrc.Config) error
	Running() bool
	Stop() error
}

type ExecLauncher struct {
	Binary string
	// Extra options appended as flattened key/value arguments.
	Extra       map[string]string
	Stdout      io.Writer
	Stderr      io.Writer
	StopTimeout time.Duration
	Log         zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewExecLauncher(binary string) *ExecLauncher {
	return &ExecLauncher{
		Binary:      binary,
		StopTimeout: 5 * time.Second,
		Log:         log.Logger.With().Str("component", "launch").Logger(),
	}
}

// Args builds the backend argument vector for cfg.
func (l *ExecLauncher) Args(cfg *torrc.Config) []string {
	args := []string{"--defaults-torrc", cfg.Path()}
	return append(args, torrc.Flatten(l.Extra)...)
}

// Start writes cfg and launches the backend. A second call while the
// backend runs is a no-op.
func (l *ExecLauncher) Start(ctx context.Context, cfg *torrc.Config) error {
	if l.Binary == "" {
		return ErrBinaryRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running() {
		return nil
	}
	if err := cfg.Write(); err != nil {
		return fmt.Errorf("launch: write torrc: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Binary, l.Args(cfg)...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch: start %s: %w", l.Binary, err)
	}
	done := make(chan struct{})
	l.cmd = cmd
	l.done = done
	l.err = nil
	l.Log.Info().Str("binary", l.Binary).Int("pid", cmd.Process.Pid).Str("torrc", cfg.Path()).Msg("backend started")

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(done)
		l.Log.Info().Err(err).Int("pid", cmd.Process.Pid).Msg("backend exited")
	}()
	return nil
}

// Running reports whether the launched backend is still alive.
func (l *ExecLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running()
}

func (l *ExecLauncher) running() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Done is closed when the backend exits.
func (l *ExecLauncher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Stop sends SIGTERM and kills the backend after StopTimeout.
func (l *ExecLauncher) Stop() error {
	l.mu.Lock()
	if !l.running() {
		l.mu.Unlock()
		return ErrNotRunning
	}
	cmd, done := l.cmd, l.done
	l.mu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(l.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}
