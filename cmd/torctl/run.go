package main

import (
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/torctl/internal/daemon"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		launchBackend bool
		watch         bool
		httpAddr      string
		heartbeat     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise a control session and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && opts.configPath == "" {
				return errors.New("--watch requires --config")
			}
			p, err := opts.profile()
			if err != nil {
				return err
			}

			cfg := daemon.DefaultServiceConfig()
			cfg.Profile = p
			cfg.ProfilePath = opts.configPath
			cfg.Watch = watch
			cfg.Launch = launchBackend
			cfg.HTTPAddr = httpAddr
			if heartbeat > 0 {
				cfg.HeartbeatInterval = heartbeat
			}

			gin.SetMode(gin.ReleaseMode)
			svc, err := daemon.NewService(cfg, daemon.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.RunContext(ctx)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&launchBackend, "launch", false, "write the torrc and start the backend binary")
	f.BoolVar(&watch, "watch", false, "reload the profile when the file changes")
	f.StringVar(&httpAddr, "http", "", `status API address, or "off" (default from profile)`)
	f.DurationVar(&heartbeat, "heartbeat", 0, "status log interval (default 30s)")
	return cmd
}
