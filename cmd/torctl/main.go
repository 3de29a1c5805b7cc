package main

import (
	"fmt"
	"os"
	"time"

	"github.com/danmuck/torctl/internal/observability"
	"github.com/spf13/cobra"
)

const (
	appName    = "torctl"
	appVersion = "0.1.0"
)

type globalOptions struct {
	configPath string
	control    string
	logLevel   string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   appName,
		Short: "Control-port client and supervisor for a tor backend",
		Long: `torctl speaks the tor control protocol over a local socket:
  - run: supervise a session, optionally launching the backend
  - info, socks, signal: one-shot named commands
  - events: stream STATUS_* notifications as JSON lines`,
		Version:      appVersion,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger(appName, opts.logLevel)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "profile path (.toml, .yaml or .yml)")
	pf.StringVar(&opts.control, "control", "", "control address override (unix:/path or host:port)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level override")
	pf.DurationVar(&opts.timeout, "timeout", 15*time.Second, "deadline for one-shot commands")

	root.AddCommand(
		newRunCmd(opts),
		newInfoCmd(opts),
		newSocksCmd(opts),
		newSignalCmd(opts),
		newEventsCmd(opts),
		newConfigCmd(opts),
	)
	root.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
